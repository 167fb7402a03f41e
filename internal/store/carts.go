package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
)

func GetOrCreateCart(ctx context.Context, q database.Querier, userID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	query := `
		INSERT INTO carts (user_id, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, created_at, updated_at`

	err := q.QueryRowContext(ctx, query, userID).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get or create cart: %w", err)
	}

	return cart, nil
}

// LockCart takes the cart row lock. Checkout and every cart mutation go through
// it, so a cart cannot change between the checkout snapshot and its clearing.
func LockCart(ctx context.Context, tx *sql.Tx, userID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	err := tx.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at
		 FROM carts
		 WHERE user_id = $1
		 FOR UPDATE`,
		userID).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartNotFound
		}
		if database.IsLockNotAvailable(err) {
			return nil, fmt.Errorf("lock cart: %w", database.ErrLockTimeout)
		}
		return nil, fmt.Errorf("lock cart: %w", err)
	}

	return cart, nil
}

func ListCartItems(ctx context.Context, q database.Querier, cartID int64) ([]models.CartItem, error) {
	query := `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, ci.added_at,
		       p.id, p.sku, p.name, p.description, p.price, p.stock_quantity, p.is_active,
		       p.created_at, p.updated_at, p.version
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.id`

	rows, err := q.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		p := &models.Product{}
		err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.ProductID,
			&item.Quantity,
			&item.AddedAt,
			&p.ID,
			&p.SKU,
			&p.Name,
			&p.Description,
			&p.Price,
			&p.StockQuantity,
			&p.IsActive,
			&p.CreatedAt,
			&p.UpdatedAt,
			&p.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		item.Product = p
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func GetCartItem(ctx context.Context, q database.Querier, cartID, itemID int64) (*models.CartItem, error) {
	item := &models.CartItem{}

	err := q.QueryRowContext(ctx,
		`SELECT id, cart_id, product_id, quantity, added_at
		 FROM cart_items
		 WHERE id = $1 AND cart_id = $2`,
		itemID, cartID).Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Quantity,
		&item.AddedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartItemNotFound
		}
		return nil, fmt.Errorf("get cart item: %w", err)
	}

	return item, nil
}

func FindCartItemByProduct(ctx context.Context, q database.Querier, cartID, productID int64) (*models.CartItem, error) {
	item := &models.CartItem{}

	err := q.QueryRowContext(ctx,
		`SELECT id, cart_id, product_id, quantity, added_at
		 FROM cart_items
		 WHERE cart_id = $1 AND product_id = $2`,
		cartID, productID).Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Quantity,
		&item.AddedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartItemNotFound
		}
		return nil, fmt.Errorf("find cart item: %w", err)
	}

	return item, nil
}

// SetCartItemQuantity writes the absolute quantity for a product line, creating
// the line if the cart does not hold the product yet.
func SetCartItemQuantity(ctx context.Context, q database.Querier, cartID, productID int64, quantity int) (*models.CartItem, error) {
	item := &models.CartItem{}

	query := `
		INSERT INTO cart_items (cart_id, product_id, quantity, added_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT ON CONSTRAINT cart_items_cart_product_key
		DO UPDATE SET quantity = EXCLUDED.quantity
		RETURNING id, cart_id, product_id, quantity, added_at`

	err := q.QueryRowContext(ctx, query, cartID, productID, quantity).Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Quantity,
		&item.AddedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("set cart item quantity: %w", err)
	}

	if err := touchCart(ctx, q, cartID); err != nil {
		return nil, err
	}

	return item, nil
}

func DeleteCartItem(ctx context.Context, q database.Querier, cartID, itemID int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`, itemID, cartID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrCartItemNotFound
	}

	return touchCart(ctx, q, cartID)
}

func ClearCart(ctx context.Context, q database.Querier, cartID int64) (int64, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	if err != nil {
		return 0, fmt.Errorf("clear cart: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if err := touchCart(ctx, q, cartID); err != nil {
		return 0, err
	}

	return rowsAffected, nil
}

func touchCart(ctx context.Context, q database.Querier, cartID int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

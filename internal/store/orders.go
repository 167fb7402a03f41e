package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, user_id, order_number, status, payment_status, shipping_address_id,
	total_amount, shipping_cost, tax_amount, notes, created_at, updated_at, version`

const orderNumberConstraint = "orders_order_number_key"

type CreateOrderParams struct {
	UserID            int64
	OrderNumber       string
	ShippingAddressID int64
	TotalAmount       decimal.Decimal
	ShippingCost      decimal.Decimal
	TaxAmount         decimal.Decimal
	Notes             string
}

type CreatePaymentParams struct {
	OrderID       int64
	Method        models.PaymentMethod
	TransactionID string
	Amount        decimal.Decimal
	IsSuccessful  bool
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.PaymentStatus,
		&order.ShippingAddressID,
		&order.TotalAmount,
		&order.ShippingCost,
		&order.TaxAmount,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CreateOrder inserts the order header as pending/pending. The unique
// constraint on order_number is the final word on collisions.
func CreateOrder(ctx context.Context, q database.Querier, p CreateOrderParams) (*models.Order, error) {
	query := `
		INSERT INTO orders (user_id, order_number, status, payment_status, shipping_address_id,
		                    total_amount, shipping_cost, tax_amount, notes, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
		RETURNING ` + orderColumns

	order, err := scanOrder(q.QueryRowContext(ctx, query,
		p.UserID,
		p.OrderNumber,
		models.OrderStatusPending,
		models.PaymentStatusPending,
		p.ShippingAddressID,
		p.TotalAmount,
		p.ShippingCost,
		p.TaxAmount,
		p.Notes,
	))
	if err != nil {
		if database.IsUniqueViolation(err, orderNumberConstraint) {
			return nil, fmt.Errorf("create order %s: %w", p.OrderNumber, database.ErrDuplicateOrderNumber)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	return order, nil
}

func CreateOrderItem(ctx context.Context, q database.Querier, orderID, productID int64, quantity int, unitPrice decimal.Decimal) (*models.OrderItem, error) {
	item := &models.OrderItem{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Subtotal:  unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}

	err := q.QueryRowContext(ctx,
		`INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id, created_at`,
		orderID, productID, quantity, unitPrice, item.Subtotal).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create order item: %w", err)
	}

	return item, nil
}

func CreatePayment(ctx context.Context, q database.Querier, p CreatePaymentParams) (*models.Payment, error) {
	payment := &models.Payment{
		OrderID:       p.OrderID,
		Method:        p.Method,
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		IsSuccessful:  p.IsSuccessful,
	}

	err := q.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, payment_method, transaction_id, amount, is_successful, payment_date)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id, payment_date`,
		p.OrderID, p.Method, sql.NullString{String: p.TransactionID, Valid: p.TransactionID != ""},
		p.Amount, p.IsSuccessful).Scan(&payment.ID, &payment.PaymentDate)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	return payment, nil
}

// UpdateOrderStatus is an optimistic write guarded by the version the caller read.
// A status change must follow the order state machine; rewriting the current
// status only touches the payment status.
func UpdateOrderStatus(ctx context.Context, q database.Querier, order *models.Order, status models.OrderStatus, paymentStatus models.PaymentStatus) error {
	if !status.Valid() || (status != order.Status && !order.Status.CanTransitionTo(status)) {
		return fmt.Errorf("%w: %s to %s", database.ErrInvalidStatusTransition, order.Status, status)
	}

	err := q.QueryRowContext(ctx,
		`UPDATE orders
		 SET status = $1, payment_status = $2, updated_at = NOW(), version = version + 1
		 WHERE id = $3 AND version = $4
		 RETURNING updated_at, version`,
		status, paymentStatus, order.ID, order.Version).Scan(&order.UpdatedAt, &order.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrOptimisticLockFailed
		}
		return fmt.Errorf("update order status: %w", err)
	}

	order.Status = status
	order.PaymentStatus = paymentStatus
	return nil
}

func LockOrderForUser(ctx context.Context, tx *sql.Tx, userID, orderID int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE`

	order, err := scanOrder(tx.QueryRowContext(ctx, query, orderID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	return order, nil
}

// GetOrderForUser returns the order with its items and payment. Orders owned by
// another user are reported as not found.
func GetOrderForUser(ctx context.Context, q database.Querier, userID, orderID int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND user_id = $2`

	order, err := scanOrder(q.QueryRowContext(ctx, query, orderID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if order.Items, err = ListOrderItems(ctx, q, order.ID); err != nil {
		return nil, err
	}

	payment, err := GetPayment(ctx, q, order.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	order.Payment = payment

	return order, nil
}

func ListOrderItems(ctx context.Context, q database.Querier, orderID int64) ([]models.OrderItem, error) {
	itemsQuery := `
		SELECT oi.id, oi.order_id, oi.product_id, p.name, oi.quantity, oi.unit_price, oi.subtotal, oi.created_at
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`

	rows, err := q.QueryContext(ctx, itemsQuery, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetPayment returns sql.ErrNoRows unwrapped when the order has no payment row.
func GetPayment(ctx context.Context, q database.Querier, orderID int64) (*models.Payment, error) {
	payment := &models.Payment{}
	var transactionID sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT id, order_id, payment_method, transaction_id, amount, is_successful, payment_date
		 FROM payments
		 WHERE order_id = $1`,
		orderID).Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Method,
		&transactionID,
		&payment.Amount,
		&payment.IsSuccessful,
		&payment.PaymentDate,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	payment.TransactionID = transactionID.String
	return payment, nil
}

const orderSummaryColumns = `o.id, o.order_number, o.status, o.payment_status,
	o.total_amount + o.shipping_cost + o.tax_amount,
	(SELECT COUNT(*) FROM order_items oi WHERE oi.order_id = o.id),
	o.created_at`

func scanOrderSummary(row rowScanner) (*models.OrderSummary, error) {
	s := &models.OrderSummary{}
	err := row.Scan(
		&s.ID,
		&s.OrderNumber,
		&s.Status,
		&s.PaymentStatus,
		&s.FinalTotal,
		&s.ItemsCount,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListOrdersForUser returns every order of the user, newest first.
func ListOrdersForUser(ctx context.Context, q database.Querier, userID int64) ([]models.OrderSummary, error) {
	query := `
		SELECT ` + orderSummaryColumns + `
		FROM orders o
		WHERE o.user_id = $1
		ORDER BY o.created_at DESC, o.id DESC`

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.OrderSummary{}
	for rows.Next() {
		s, err := scanOrderSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

func ListOrdersCursor(ctx context.Context, q database.Querier, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderSummaryColumns + `
		FROM orders o
		WHERE o.user_id = $1
		  AND (o.created_at, o.id) < ($2, $3)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $4`

	rows, err := q.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.OrderSummary{}
	for rows.Next() {
		s, err := scanOrderSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// Package cart manages each user's single shopping cart.
package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/safar/go-sql-shop/internal/cache"
	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	MinQuantity = 1
	MaxQuantity = 99
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrItemNotFound    = errors.New("cart item not found")
)

type Service struct {
	db     *sql.DB
	cache  cache.CartCache
	log    logrus.FieldLogger
	txOpts database.TxOptions
	sfg    singleflight.Group
}

func NewService(db *sql.DB, c cache.CartCache, log logrus.FieldLogger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		db:     db,
		cache:  c,
		log:    log,
		txOpts: database.DefaultTxOptions(),
	}
}

func validateQuantity(quantity int) error {
	if quantity < MinQuantity || quantity > MaxQuantity {
		return &checkout.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("must be between %d and %d", MinQuantity, MaxQuantity),
		}
	}
	return nil
}

// Get returns the user's cart, creating an empty one on first access. Only
// the lines are cached; product data is always read live. Concurrent misses
// for the same user share one database read.
func (s *Service) Get(ctx context.Context, userID int64) (*models.Cart, error) {
	v, err, _ := s.sfg.Do(flightKey(userID), func() (interface{}, error) {
		snapshot, err := s.cache.Get(ctx, userID)
		if err == nil {
			return s.hydrate(ctx, snapshot)
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.WithError(err).WithField("user_id", userID).Warn("cart cache read failed")
		}
		return s.loadAndFill(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.Cart), nil
}

// loadAndFill takes the cache generation before reading, so a cart write that
// commits during the read voids the fill.
func (s *Service) loadAndFill(ctx context.Context, userID int64) (*models.Cart, error) {
	gen, genErr := s.cache.Generation(ctx, userID)
	if genErr != nil {
		s.log.WithError(genErr).WithField("user_id", userID).Warn("cart cache generation read failed")
	}

	cart, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	if genErr == nil {
		if _, err := s.cache.Fill(ctx, userID, gen, snapshotOf(cart)); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("cart cache write failed")
		}
	}
	return cart, nil
}

func (s *Service) load(ctx context.Context, userID int64) (*models.Cart, error) {
	cart, err := store.GetOrCreateCart(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	if cart.Items, err = store.ListCartItems(ctx, s.db, cart.ID); err != nil {
		return nil, err
	}
	return cart, nil
}

// hydrate joins the cached lines with current product rows. A line whose
// product row is gone is dropped.
func (s *Service) hydrate(ctx context.Context, snapshot *cache.CartSnapshot) (*models.Cart, error) {
	ids := make([]int64, 0, len(snapshot.Lines))
	for _, line := range snapshot.Lines {
		ids = append(ids, line.ProductID)
	}

	products, err := store.GetProducts(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	cart := &models.Cart{
		ID:     snapshot.CartID,
		UserID: snapshot.UserID,
		Items:  make([]models.CartItem, 0, len(snapshot.Lines)),
	}
	for _, line := range snapshot.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			continue
		}
		cart.Items = append(cart.Items, models.CartItem{
			ID:        line.ItemID,
			CartID:    snapshot.CartID,
			ProductID: line.ProductID,
			Product:   product,
			Quantity:  line.Quantity,
			AddedAt:   line.AddedAt,
		})
	}
	return cart, nil
}

func snapshotOf(cart *models.Cart) *cache.CartSnapshot {
	snapshot := &cache.CartSnapshot{
		CartID: cart.ID,
		UserID: cart.UserID,
		Lines:  make([]cache.CartLine, 0, len(cart.Items)),
	}
	for _, item := range cart.Items {
		snapshot.Lines = append(snapshot.Lines, cache.CartLine{
			ItemID:    item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt,
		})
	}
	return snapshot
}

func flightKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// AddItem adds quantity units of a product. Adding a product already in the cart
// merges into the existing line.
func (s *Service) AddItem(ctx context.Context, userID, productID int64, quantity int) (*models.CartItem, error) {
	if productID <= 0 {
		return nil, &checkout.ValidationError{Field: "product_id", Message: "is required"}
	}
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	var item *models.CartItem
	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		cart, err := store.GetOrCreateCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, err := store.LockCart(ctx, tx, userID); err != nil {
			return err
		}

		product, err := activeProduct(ctx, tx, productID)
		if err != nil {
			return err
		}

		total := quantity
		existing, err := store.FindCartItemByProduct(ctx, tx, cart.ID, productID)
		switch {
		case err == nil:
			total += existing.Quantity
		case !errors.Is(err, database.ErrCartItemNotFound):
			return err
		}

		if err := validateQuantity(total); err != nil {
			return err
		}
		if err := checkStock(product, total); err != nil {
			return err
		}

		item, err = store.SetCartItemQuantity(ctx, tx, cart.ID, productID, total)
		if err != nil {
			return err
		}
		item.Product = product
		return nil
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	s.InvalidateCart(ctx, userID)
	return item, nil
}

// UpdateItem sets the absolute quantity of a cart line.
func (s *Service) UpdateItem(ctx context.Context, userID, itemID int64, quantity int) (*models.CartItem, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	var item *models.CartItem
	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		cart, err := store.LockCart(ctx, tx, userID)
		if err != nil {
			return err
		}

		existing, err := store.GetCartItem(ctx, tx, cart.ID, itemID)
		if err != nil {
			return err
		}

		product, err := activeProduct(ctx, tx, existing.ProductID)
		if err != nil {
			return err
		}
		if err := checkStock(product, quantity); err != nil {
			return err
		}

		item, err = store.SetCartItemQuantity(ctx, tx, cart.ID, existing.ProductID, quantity)
		if err != nil {
			return err
		}
		item.Product = product
		return nil
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	s.InvalidateCart(ctx, userID)
	return item, nil
}

func (s *Service) RemoveItem(ctx context.Context, userID, itemID int64) error {
	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		cart, err := store.LockCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		return store.DeleteCartItem(ctx, tx, cart.ID, itemID)
	})
	if err != nil {
		return s.mapError(err)
	}

	s.InvalidateCart(ctx, userID)
	return nil
}

// Clear empties the cart and reports how many lines were removed. Clearing a
// cart that was never created is a no-op.
func (s *Service) Clear(ctx context.Context, userID int64) (int64, error) {
	var removed int64
	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		cart, err := store.LockCart(ctx, tx, userID)
		if errors.Is(err, database.ErrCartNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed, err = store.ClearCart(ctx, tx, cart.ID)
		return err
	})
	if err != nil {
		return 0, s.mapError(err)
	}

	s.InvalidateCart(ctx, userID)
	return removed, nil
}

// InvalidateCart drops the cached cart and detaches any in-flight load, so
// later readers see the committed state. A failed invalidation is logged; the
// TTL bounds how long a stale copy can survive.
func (s *Service) InvalidateCart(ctx context.Context, userID int64) {
	s.sfg.Forget(flightKey(userID))
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("cart cache invalidation failed")
	}
}

func activeProduct(ctx context.Context, q database.Querier, productID int64) (*models.Product, error) {
	product, err := store.GetProduct(ctx, q, productID)
	if err != nil {
		return nil, err
	}
	if !product.IsActive {
		return nil, database.ErrProductNotFound
	}
	return product, nil
}

func checkStock(product *models.Product, quantity int) error {
	if product.StockQuantity < quantity {
		return &checkout.InsufficientStockError{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   quantity,
			Available:   product.StockQuantity,
		}
	}
	return nil
}

func (s *Service) mapError(err error) error {
	var (
		validation *checkout.ValidationError
		stock      *checkout.InsufficientStockError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &stock):
		return err
	case errors.Is(err, database.ErrProductNotFound):
		return ErrProductNotFound
	case errors.Is(err, database.ErrCartNotFound), errors.Is(err, database.ErrCartItemNotFound):
		return ErrItemNotFound
	case errors.Is(err, database.ErrUserNotFound):
		return database.ErrUserNotFound
	default:
		return err
	}
}

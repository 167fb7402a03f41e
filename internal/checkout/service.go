package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/pricing"
	"github.com/safar/go-sql-shop/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	opPlaceOrder  = "place order"
	opCancelOrder = "cancel order"

	maxNotesLength = 1000
)

// CartInvalidator drops any cached view of a user's cart after checkout cleared it.
type CartInvalidator interface {
	InvalidateCart(ctx context.Context, userID int64)
}

type Observer interface {
	ObserveCheckout(outcome string, duration time.Duration)
	ObserveCancel(outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveCheckout(string, time.Duration) {}
func (noopObserver) ObserveCancel(string)                  {}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateCart(context.Context, int64) {}

type Service struct {
	db          *sql.DB
	policy      pricing.Policy
	txOpts      database.TxOptions
	txTimeout   time.Duration
	topic       string
	payments    PaymentAuthorizer
	carts       CartInvalidator
	observer    Observer
	log         logrus.FieldLogger
	orderNumber func() string
}

type Option func(*Service)

func WithPaymentAuthorizer(p PaymentAuthorizer) Option {
	return func(s *Service) { s.payments = p }
}

func WithCartInvalidator(c CartInvalidator) Option {
	return func(s *Service) { s.carts = c }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

func WithTxTimeout(d time.Duration) Option {
	return func(s *Service) { s.txTimeout = d }
}

func WithMaxRetries(n int) Option {
	return func(s *Service) { s.txOpts.MaxRetries = n }
}

func WithEventTopic(topic string) Option {
	return func(s *Service) { s.topic = topic }
}

func WithOrderNumberGenerator(fn func() string) Option {
	return func(s *Service) { s.orderNumber = fn }
}

func NewService(db *sql.DB, policy pricing.Policy, opts ...Option) *Service {
	s := &Service{
		db:          db,
		policy:      policy,
		txOpts:      database.DefaultTxOptions(),
		txTimeout:   5 * time.Second,
		topic:       "orders",
		payments:    ApproveAll{},
		carts:       noopInvalidator{},
		observer:    noopObserver{},
		log:         logrus.StandardLogger(),
		orderNumber: NewOrderNumber,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type PlaceOrderRequest struct {
	UserID            int64
	ShippingAddressID int64
	PaymentMethod     models.PaymentMethod
	Notes             string
}

func (r PlaceOrderRequest) Validate() error {
	if r.UserID <= 0 {
		return &ValidationError{Field: "user_id", Message: "must be positive"}
	}
	if r.ShippingAddressID <= 0 {
		return &ValidationError{Field: "shipping_address_id", Message: "is required"}
	}
	if !r.PaymentMethod.Valid() {
		return &ValidationError{Field: "payment_method", Message: fmt.Sprintf("unsupported method %q", r.PaymentMethod)}
	}
	if utf8.RuneCountInString(r.Notes) > maxNotesLength {
		return &ValidationError{Field: "notes", Message: fmt.Sprintf("must be at most %d characters", maxNotesLength)}
	}
	return nil
}

// PlaceOrder converts the user's cart into a confirmed, paid order. Either every
// effect commits together (order, items, payment, stock decrements, cleared cart,
// outbox event) or none does.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	start := time.Now()
	req.Notes = strings.TrimSpace(req.Notes)

	if err := req.Validate(); err != nil {
		s.observer.ObserveCheckout(outcome(err), time.Since(start))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var order *models.Order
	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		placed, err := s.placeOrderTx(ctx, tx, req)
		if err != nil {
			return err
		}
		order = placed
		return nil
	})

	if err != nil {
		if !isDomainError(err) {
			creationErr := newOrderCreationError(opPlaceOrder, err)
			s.log.WithFields(logrus.Fields{
				"user_id":             req.UserID,
				"shipping_address_id": req.ShippingAddressID,
				"payment_method":      req.PaymentMethod,
				"transient":           creationErr.Transient,
				"error_class":         database.ClassifyError(err).String(),
			}).WithError(err).Error("order creation failed")
			err = creationErr
		}
		s.observer.ObserveCheckout(outcome(err), time.Since(start))
		return nil, err
	}

	s.carts.InvalidateCart(ctx, req.UserID)
	s.observer.ObserveCheckout(outcome(nil), time.Since(start))
	s.log.WithFields(logrus.Fields{
		"user_id":      req.UserID,
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"final_total":  order.FinalTotal().StringFixed(2),
	}).Info("order placed")

	return order, nil
}

func (s *Service) placeOrderTx(ctx context.Context, tx *sql.Tx, req PlaceOrderRequest) (*models.Order, error) {
	cart, err := store.LockCart(ctx, tx, req.UserID)
	if err != nil {
		if errors.Is(err, database.ErrCartNotFound) {
			return nil, ErrEmptyCart
		}
		return nil, err
	}

	items, err := store.ListCartItems(ctx, tx, cart.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	if _, err := store.GetAddressForUser(ctx, tx, req.UserID, req.ShippingAddressID); err != nil {
		if errors.Is(err, database.ErrAddressNotFound) {
			return nil, ErrAddressNotFound
		}
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products, err := store.LockProducts(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]pricing.Line, 0, len(items))
	for _, item := range items {
		product := products[item.ProductID]
		available := product.StockQuantity
		if !product.IsActive {
			available = 0
		}
		if available < item.Quantity {
			return nil, &InsufficientStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   item.Quantity,
				Available:   available,
			}
		}
		lines = append(lines, pricing.Line{
			ProductID: product.ID,
			UnitPrice: product.Price,
			Quantity:  item.Quantity,
		})
	}

	totals := s.policy.Compute(lines)
	if !totals.Storable() {
		return nil, &ValidationError{Field: "cart", Message: fmt.Sprintf("order total exceeds %s", pricing.MaxAmount.StringFixed(2))}
	}

	order, err := store.CreateOrder(ctx, tx, store.CreateOrderParams{
		UserID:            req.UserID,
		OrderNumber:       s.orderNumber(),
		ShippingAddressID: req.ShippingAddressID,
		TotalAmount:       totals.TotalAmount,
		ShippingCost:      totals.ShippingCost,
		TaxAmount:         totals.TaxAmount,
		Notes:             req.Notes,
	})
	if err != nil {
		return nil, err
	}

	order.Items = make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		product := products[line.ProductID]

		item, err := store.CreateOrderItem(ctx, tx, order.ID, line.ProductID, line.Quantity, line.UnitPrice)
		if err != nil {
			return nil, err
		}
		item.ProductName = product.Name

		if err := store.DecrementStock(ctx, tx, line.ProductID, line.Quantity); err != nil {
			if errors.Is(err, database.ErrInsufficientStock) {
				return nil, &InsufficientStockError{
					ProductID:   product.ID,
					ProductName: product.Name,
					Requested:   line.Quantity,
					Available:   product.StockQuantity,
				}
			}
			return nil, err
		}

		order.Items = append(order.Items, *item)
	}

	result, err := s.payments.Authorize(ctx, PaymentRequest{
		OrderNumber: order.OrderNumber,
		Method:      req.PaymentMethod,
		Amount:      totals.FinalTotal(),
	})
	if err != nil {
		return nil, fmt.Errorf("authorize payment: %w", err)
	}
	if !result.Approved {
		return nil, ErrPaymentDeclined
	}

	order.Payment, err = store.CreatePayment(ctx, tx, store.CreatePaymentParams{
		OrderID:       order.ID,
		Method:        req.PaymentMethod,
		TransactionID: result.TransactionID,
		Amount:        totals.FinalTotal(),
		IsSuccessful:  true,
	})
	if err != nil {
		return nil, err
	}

	if err := store.UpdateOrderStatus(ctx, tx, order, models.OrderStatusConfirmed, models.PaymentStatusPaid); err != nil {
		return nil, err
	}

	if _, err := store.ClearCart(ctx, tx, cart.ID); err != nil {
		return nil, err
	}

	if _, err := store.InsertOutboxEvent(ctx, tx, s.topic, order.OrderNumber, newOrderEvent(EventOrderPlaced, order)); err != nil {
		return nil, err
	}

	return order, nil
}

// CancelOrder cancels one of the user's own orders and returns every reserved
// unit to stock in the same transaction.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var order *models.Order
	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		cancelled, err := s.cancelOrderTx(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		order = cancelled
		return nil
	})

	if err != nil {
		if !isDomainError(err) {
			s.log.WithFields(logrus.Fields{
				"user_id":  userID,
				"order_id": orderID,
			}).WithError(err).Error("order cancellation failed")
			err = newOrderCreationError(opCancelOrder, err)
		}
		s.observer.ObserveCancel(outcome(err))
		return nil, err
	}

	s.observer.ObserveCancel(outcome(nil))
	s.log.WithFields(logrus.Fields{
		"user_id":      userID,
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
	}).Info("order cancelled")

	return order, nil
}

func (s *Service) cancelOrderTx(ctx context.Context, tx *sql.Tx, userID, orderID int64) (*models.Order, error) {
	order, err := store.LockOrderForUser(ctx, tx, userID, orderID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	if !order.Status.CustomerCancellable() {
		return nil, &InvalidStateTransitionError{From: order.Status, To: models.OrderStatusCancelled}
	}

	if order.Items, err = store.ListOrderItems(ctx, tx, order.ID); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) > 0 {
		if _, err := store.LockProducts(ctx, tx, ids); err != nil {
			return nil, err
		}
	}

	for _, item := range order.Items {
		if err := store.IncrementStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return nil, err
		}
	}

	paymentStatus := order.PaymentStatus
	if paymentStatus == models.PaymentStatusPaid {
		paymentStatus = models.PaymentStatusRefunded
	}

	if err := store.UpdateOrderStatus(ctx, tx, order, models.OrderStatusCancelled, paymentStatus); err != nil {
		return nil, err
	}

	payment, err := store.GetPayment(ctx, tx, order.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	order.Payment = payment

	if _, err := store.InsertOutboxEvent(ctx, tx, s.topic, order.OrderNumber, newOrderEvent(EventOrderCancelled, order)); err != nil {
		return nil, err
	}

	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, err := store.GetOrderForUser(ctx, s.db, userID, orderID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// ListOrders returns all of the user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]models.OrderSummary, error) {
	return store.ListOrdersForUser(ctx, s.db, userID)
}

func (s *Service) ListOrdersPage(ctx context.Context, userID int64, cursor string, limit int) (*store.CursorPage, error) {
	if limit <= 0 || limit > 100 {
		return nil, &ValidationError{Field: "limit", Message: "must be between 1 and 100"}
	}
	page, err := store.ListOrdersCursor(ctx, s.db, userID, cursor, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			return nil, &ValidationError{Field: "cursor", Message: "is malformed"}
		}
		return nil, err
	}
	return page, nil
}

func outcome(err error) string {
	var (
		validation *ValidationError
		stock      *InsufficientStockError
		transition *InvalidStateTransitionError
		creation   *OrderCreationError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &validation):
		return "validation_error"
	case errors.As(err, &stock):
		return "insufficient_stock"
	case errors.As(err, &transition):
		return "invalid_state_transition"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrAddressNotFound):
		return "address_not_found"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrPaymentDeclined):
		return "payment_declined"
	case errors.As(err, &creation) && creation.Transient:
		return "transient_error"
	default:
		return "error"
	}
}

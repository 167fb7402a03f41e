package checkout

import (
	"errors"
	"fmt"

	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
)

var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrAddressNotFound = errors.New("shipping address not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentDeclined = errors.New("payment declined")
)

// ValidationError reports malformed input. It is always raised before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): requested %d, available %d",
		e.ProductID, e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == database.ErrInsufficientStock
}

type InvalidStateTransitionError struct {
	From models.OrderStatus
	To   models.OrderStatus
}

func (e *InvalidStateTransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("order is already %s", e.From)
	}
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

// OrderCreationError wraps datastore-level failures: constraint violations,
// timeouts, lock conflicts that outlived the retry budget. Transient failures are
// safe to retry.
type OrderCreationError struct {
	Op        string
	Transient bool
	Cause     error
}

func (e *OrderCreationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
}

func (e *OrderCreationError) Unwrap() error {
	return e.Cause
}

func newOrderCreationError(op string, cause error) *OrderCreationError {
	return &OrderCreationError{
		Op:        op,
		Transient: database.IsTimeout(cause) || database.IsRetryable(cause),
		Cause:     cause,
	}
}

// isDomainError reports errors that carry business meaning and must reach the
// caller unchanged.
func isDomainError(err error) bool {
	var (
		validation *ValidationError
		stock      *InsufficientStockError
		transition *InvalidStateTransitionError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &stock) ||
		errors.As(err, &transition) ||
		errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrAddressNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrPaymentDeclined)
}

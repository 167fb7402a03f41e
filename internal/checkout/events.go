package checkout

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/shopspring/decimal"
)

const (
	EventOrderPlaced    = "order.placed"
	EventOrderCancelled = "order.cancelled"
)

type EventLine struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderEvent is the payload written to the outbox for every committed order
// state change.
type OrderEvent struct {
	Type          string               `json:"type"`
	OrderID       int64                `json:"order_id"`
	OrderNumber   string               `json:"order_number"`
	UserID        int64                `json:"user_id"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	FinalTotal    decimal.Decimal      `json:"final_total"`
	Lines         []EventLine          `json:"lines"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

func newOrderEvent(eventType string, order *models.Order) OrderEvent {
	lines := make([]EventLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, EventLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		FinalTotal:    order.FinalTotal(),
		Lines:         lines,
		OccurredAt:    time.Now().UTC(),
	}
}

// NewOrderNumber returns "ORD-" followed by 12 uppercase hex characters.
// Collisions are caught by the unique constraint and retried.
func NewOrderNumber() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(hex[:12])
}

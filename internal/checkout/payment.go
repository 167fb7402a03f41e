package checkout

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/shopspring/decimal"
)

type PaymentRequest struct {
	OrderNumber string
	Method      models.PaymentMethod
	Amount      decimal.Decimal
}

type PaymentResult struct {
	Approved      bool
	TransactionID string
}

// PaymentAuthorizer is called inside the checkout transaction. A decline rolls
// the whole order back.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

// ApproveAll accepts every payment. Cash on delivery carries no transaction id.
type ApproveAll struct{}

func (ApproveAll) Authorize(_ context.Context, req PaymentRequest) (PaymentResult, error) {
	if req.Method == models.PaymentMethodCashOnDelivery {
		return PaymentResult{Approved: true}, nil
	}
	return PaymentResult{
		Approved:      true,
		TransactionID: "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16]),
	}, nil
}

// AuthorizerFunc adapts a plain function to PaymentAuthorizer.
type AuthorizerFunc func(ctx context.Context, req PaymentRequest) (PaymentResult, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	return f(ctx, req)
}

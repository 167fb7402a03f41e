package account_test

import (
	"context"
	"testing"

	"github.com/safar/go-sql-shop/internal/account"
	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/store"
	"github.com/safar/go-sql-shop/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidatesWithoutDB(t *testing.T) {
	svc := account.NewService(nil)

	_, err := svc.Register(context.Background(), "not-an-email", "Ann")
	var ve *checkout.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "email", ve.Field)

	_, err = svc.Register(context.Background(), "ann@example.com", "  ")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Field)
}

func TestAddAddressRequiresFields(t *testing.T) {
	svc := account.NewService(nil)

	_, err := svc.AddAddress(context.Background(), models.Address{UserID: 1, FullName: "Ann", Street: "1 Main St", City: "Springfield", Country: "US"})
	var ve *checkout.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "postal_code", ve.Field)
}

func TestRegisterAndAddresses(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := account.NewService(db)

	user, err := svc.Register(ctx, "  Ann@Example.COM ", "Ann")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", user.Email)

	_, err = svc.Register(ctx, "ann@example.com", "Ann Again")
	assert.ErrorIs(t, err, account.ErrEmailTaken)

	_, err = svc.User(ctx, 999999)
	assert.ErrorIs(t, err, account.ErrUserNotFound)

	addr, err := svc.AddAddress(ctx, models.Address{
		UserID:     user.ID,
		FullName:   "Ann",
		Street:     "1 Main St",
		City:       "Springfield",
		PostalCode: "62701",
		Country:    "US",
	})
	require.NoError(t, err)

	list, err := svc.Addresses(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, addr.ID, list[0].ID)

	_, err = store.CreateOrder(ctx, db, store.CreateOrderParams{
		UserID:            user.ID,
		OrderNumber:       "ORD-ACCOUNT",
		ShippingAddressID: addr.ID,
		TotalAmount:       decimal.Zero,
		ShippingCost:      decimal.Zero,
		TaxAmount:         decimal.Zero,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteAddress(ctx, user.ID, addr.ID), account.ErrAddressInUse)
	assert.ErrorIs(t, svc.DeleteAddress(ctx, user.ID, 999999), account.ErrAddressNotFound)
}

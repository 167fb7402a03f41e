package checkout_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/safar/go-sql-shop/internal/cache"
	"github.com/safar/go-sql-shop/internal/cart"
	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/pricing"
	"github.com/safar/go-sql-shop/internal/store"
	"github.com/safar/go-sql-shop/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(db *sql.DB, opts ...checkout.Option) *checkout.Service {
	policy := pricing.Policy{ShippingCost: decimal.NewFromInt(10), TaxRate: decimal.RequireFromString("0.08")}
	return checkout.NewService(db, policy, opts...)
}

func placeRequest(f testutil.Fixture) checkout.PlaceOrderRequest {
	return checkout.PlaceOrderRequest{
		UserID:            f.User.ID,
		ShippingAddressID: f.Address.ID,
		PaymentMethod:     models.PaymentMethodCreditCard,
		Notes:             "leave at the door",
	}
}

func stockOf(t *testing.T, db *sql.DB, productID int64) int {
	t.Helper()
	p, err := store.GetProduct(context.Background(), db, productID)
	require.NoError(t, err)
	return p.StockQuantity
}

func cartSize(t *testing.T, db *sql.DB, userID int64) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM cart_items ci JOIN carts c ON c.id = ci.cart_id WHERE c.user_id = $1`, userID).Scan(&n))
	return n
}

func TestPlaceOrder(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	f := testutil.NewFixture(t, db, "buyer@example.com")
	mug := testutil.NewProduct(t, db, "MUG-1", "12.50", 10)
	pen := testutil.NewProduct(t, db, "PEN-1", "3.99", 5)
	testutil.AddToCart(t, db, f.User.ID, mug.ID, 2)
	testutil.AddToCart(t, db, f.User.ID, pen.ID, 3)

	order, err := newService(db).PlaceOrder(ctx, placeRequest(f))
	require.NoError(t, err)

	assert.Regexp(t, `^ORD-[0-9A-F]{12}$`, order.OrderNumber)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, "leave at the door", order.Notes)

	// 2*12.50 + 3*3.99 = 36.97, tax 2.9576 -> 2.96
	assert.Equal(t, "36.97", order.TotalAmount.StringFixed(2))
	assert.Equal(t, "10.00", order.ShippingCost.StringFixed(2))
	assert.Equal(t, "2.96", order.TaxAmount.StringFixed(2))
	assert.Equal(t, "49.93", order.FinalTotal().StringFixed(2))

	require.Len(t, order.Items, 2)
	require.NotNil(t, order.Payment)
	assert.True(t, order.Payment.Amount.Equal(order.FinalTotal()))
	assert.NotEmpty(t, order.Payment.TransactionID)

	assert.Equal(t, 8, stockOf(t, db, mug.ID))
	assert.Equal(t, 2, stockOf(t, db, pen.ID))
	assert.Equal(t, 0, cartSize(t, db, f.User.ID))
	assert.Equal(t, 1, testutil.CountRows(t, db, "outbox"))

	stored, err := newService(db).GetOrder(ctx, f.User.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, stored.OrderNumber)
	assert.Len(t, stored.Items, 2)
	assert.Equal(t, "Product MUG-1", stored.Items[0].ProductName)
	require.NotNil(t, stored.Payment)
	assert.True(t, stored.Payment.IsSuccessful)
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	f := testutil.NewFixture(t, db, "empty@example.com")
	svc := newService(db)

	_, err := svc.PlaceOrder(ctx, placeRequest(f))
	assert.ErrorIs(t, err, checkout.ErrEmptyCart)

	_, err = store.GetOrCreateCart(ctx, db, f.User.ID)
	require.NoError(t, err)

	_, err = svc.PlaceOrder(ctx, placeRequest(f))
	assert.ErrorIs(t, err, checkout.ErrEmptyCart)
	assert.Equal(t, 0, testutil.CountRows(t, db, "orders"))
}

func TestPlaceOrderForeignAddress(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	buyer := testutil.NewFixture(t, db, "buyer@example.com")
	other := testutil.NewFixture(t, db, "other@example.com")
	p := testutil.NewProduct(t, db, "SKU-1", "5.00", 3)
	testutil.AddToCart(t, db, buyer.User.ID, p.ID, 1)

	req := placeRequest(buyer)
	req.ShippingAddressID = other.Address.ID

	_, err := newService(db).PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, checkout.ErrAddressNotFound)
	assert.Equal(t, 3, stockOf(t, db, p.ID))
	assert.Equal(t, 1, cartSize(t, db, buyer.User.ID))
}

func TestPlaceOrderInsufficientStockIsAtomic(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	f := testutil.NewFixture(t, db, "atomic@example.com")
	plenty := testutil.NewProduct(t, db, "PLENTY", "1.00", 100)
	scarce := testutil.NewProduct(t, db, "SCARCE", "1.00", 2)
	testutil.AddToCart(t, db, f.User.ID, plenty.ID, 5)
	testutil.AddToCart(t, db, f.User.ID, scarce.ID, 3)

	_, err := newService(db).PlaceOrder(context.Background(), placeRequest(f))

	var stockErr *checkout.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, scarce.ID, stockErr.ProductID)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, 2, stockErr.Available)

	assert.Equal(t, 100, stockOf(t, db, plenty.ID))
	assert.Equal(t, 2, stockOf(t, db, scarce.ID))
	assert.Equal(t, 2, cartSize(t, db, f.User.ID))
	assert.Equal(t, 0, testutil.CountRows(t, db, "orders"))
	assert.Equal(t, 0, testutil.CountRows(t, db, "order_items"))
	assert.Equal(t, 0, testutil.CountRows(t, db, "payments"))
	assert.Equal(t, 0, testutil.CountRows(t, db, "outbox"))
}

func TestPlaceOrderLargeAmounts(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	f := testutil.NewFixture(t, db, "whale@example.com")
	p := testutil.NewProduct(t, db, "YACHT-1", "99999999.99", 99)
	testutil.AddToCart(t, db, f.User.ID, p.ID, 99)

	order, err := newService(db).PlaceOrder(ctx, placeRequest(f))
	require.NoError(t, err)
	assert.Equal(t, "9899999999.01", order.TotalAmount.StringFixed(2))
	assert.Equal(t, "791999999.92", order.TaxAmount.StringFixed(2))
	assert.Equal(t, "10691999008.93", order.FinalTotal().StringFixed(2))

	stored, err := newService(db).GetOrder(ctx, f.User.ID, order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Payment)
	assert.Equal(t, "10691999008.93", stored.Payment.Amount.StringFixed(2))
	assert.Equal(t, "9899999999.01", stored.Items[0].Subtotal.StringFixed(2))
}

func TestPlaceOrderAboveStorableTotal(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	f := testutil.NewFixture(t, db, "overflow@example.com")
	var first *models.Product
	for i := 0; i < 102; i++ {
		p := testutil.NewProduct(t, db, fmt.Sprintf("BIG-%03d", i), "99999999.99", 99)
		if first == nil {
			first = p
		}
		testutil.AddToCart(t, db, f.User.ID, p.ID, 99)
	}

	_, err := newService(db).PlaceOrder(context.Background(), placeRequest(f))
	var ve *checkout.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "cart", ve.Field)
	assert.Equal(t, 0, testutil.CountRows(t, db, "orders"))
	assert.Equal(t, 99, stockOf(t, db, first.ID))
	assert.Equal(t, 102, cartSize(t, db, f.User.ID))
}

func TestPlaceOrderInactiveProduct(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	f := testutil.NewFixture(t, db, "inactive@example.com")
	p := testutil.NewProduct(t, db, "RETIRED", "9.00", 10)
	testutil.AddToCart(t, db, f.User.ID, p.ID, 1)
	require.NoError(t, store.SetProductActive(context.Background(), db, p.ID, false))

	_, err := newService(db).PlaceOrder(context.Background(), placeRequest(f))

	var stockErr *checkout.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 0, stockErr.Available)
	assert.Equal(t, 10, stockOf(t, db, p.ID))
}

func TestPlaceOrderPaymentDeclined(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	f := testutil.NewFixture(t, db, "declined@example.com")
	p := testutil.NewProduct(t, db, "SKU-D", "20.00", 4)
	testutil.AddToCart(t, db, f.User.ID, p.ID, 2)

	decline := checkout.AuthorizerFunc(func(context.Context, checkout.PaymentRequest) (checkout.PaymentResult, error) {
		return checkout.PaymentResult{Approved: false}, nil
	})

	_, err := newService(db, checkout.WithPaymentAuthorizer(decline)).PlaceOrder(context.Background(), placeRequest(f))
	assert.ErrorIs(t, err, checkout.ErrPaymentDeclined)

	assert.Equal(t, 4, stockOf(t, db, p.ID))
	assert.Equal(t, 1, cartSize(t, db, f.User.ID))
	assert.Equal(t, 0, testutil.CountRows(t, db, "orders"))
}

func TestPlaceOrderRetriesOrderNumberCollision(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	first := testutil.NewFixture(t, db, "first@example.com")
	second := testutil.NewFixture(t, db, "second@example.com")
	p := testutil.NewProduct(t, db, "SKU-C", "1.00", 10)
	testutil.AddToCart(t, db, first.User.ID, p.ID, 1)
	testutil.AddToCart(t, db, second.User.ID, p.ID, 1)

	var calls atomic.Int32
	generator := func() string {
		if calls.Add(1) <= 2 {
			return "ORD-COLLIDE00000"
		}
		return checkout.NewOrderNumber()
	}
	svc := newService(db, checkout.WithOrderNumberGenerator(generator))

	o1, err := svc.PlaceOrder(ctx, placeRequest(first))
	require.NoError(t, err)
	assert.Equal(t, "ORD-COLLIDE00000", o1.OrderNumber)

	o2, err := svc.PlaceOrder(ctx, placeRequest(second))
	require.NoError(t, err)
	assert.NotEqual(t, o1.OrderNumber, o2.OrderNumber)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 8, stockOf(t, db, p.ID))
}

func TestPlaceOrderCollisionExhaustsRetries(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	first := testutil.NewFixture(t, db, "first@example.com")
	second := testutil.NewFixture(t, db, "second@example.com")
	p := testutil.NewProduct(t, db, "SKU-X", "1.00", 10)
	testutil.AddToCart(t, db, first.User.ID, p.ID, 1)
	testutil.AddToCart(t, db, second.User.ID, p.ID, 1)

	svc := newService(db,
		checkout.WithMaxRetries(1),
		checkout.WithOrderNumberGenerator(func() string { return "ORD-STUCK0000000" }))

	_, err := svc.PlaceOrder(ctx, placeRequest(first))
	require.NoError(t, err)

	_, err = svc.PlaceOrder(ctx, placeRequest(second))
	var creationErr *checkout.OrderCreationError
	require.ErrorAs(t, err, &creationErr)
	assert.True(t, creationErr.Transient)
	assert.Equal(t, 9, stockOf(t, db, p.ID))
	assert.Equal(t, 1, cartSize(t, db, second.User.ID))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	const buyers = 12
	const stock = 5

	p := testutil.NewProduct(t, db, "HOT-ITEM", "30.00", stock)
	fixtures := make([]testutil.Fixture, buyers)
	for i := range fixtures {
		fixtures[i] = testutil.NewFixture(t, db, fmt.Sprintf("buyer%d@example.com", i))
		testutil.AddToCart(t, db, fixtures[i].User.ID, p.ID, 1)
	}

	svc := newService(db)
	var wg sync.WaitGroup
	results := make(chan error, buyers)

	for _, f := range fixtures {
		wg.Add(1)
		go func(f testutil.Fixture) {
			defer wg.Done()
			_, err := svc.PlaceOrder(context.Background(), placeRequest(f))
			results <- err
		}(f)
	}

	wg.Wait()
	close(results)

	var succeeded, outOfStock int
	for err := range results {
		var stockErr *checkout.InsufficientStockError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &stockErr):
			outOfStock++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, stock, succeeded)
	assert.Equal(t, buyers-stock, outOfStock)
	assert.Equal(t, 0, stockOf(t, db, p.ID))

	var sold int
	require.NoError(t, db.QueryRow(`SELECT COALESCE(SUM(quantity), 0) FROM order_items WHERE product_id = $1`, p.ID).Scan(&sold))
	assert.Equal(t, stock, sold)
}

func TestLastUnitGoesToExactlyOneBuyer(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	p := testutil.NewProduct(t, db, "LAST-ONE", "99.00", 1)
	a := testutil.NewFixture(t, db, "a@example.com")
	b := testutil.NewFixture(t, db, "b@example.com")
	testutil.AddToCart(t, db, a.User.ID, p.ID, 1)
	testutil.AddToCart(t, db, b.User.ID, p.ID, 1)

	svc := newService(db)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, f := range []testutil.Fixture{a, b} {
		wg.Add(1)
		go func(i int, f testutil.Fixture) {
			defer wg.Done()
			_, errs[i] = svc.PlaceOrder(context.Background(), placeRequest(f))
		}(i, f)
	}
	wg.Wait()

	var winners int
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var stockErr *checkout.InsufficientStockError
		assert.ErrorAs(t, err, &stockErr)
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 0, stockOf(t, db, p.ID))
}

func cartQuantity(t *testing.T, db *sql.DB, userID, productID int64) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COALESCE(SUM(ci.quantity), 0) FROM cart_items ci JOIN carts c ON c.id = ci.cart_id
		 WHERE c.user_id = $1 AND ci.product_id = $2`, userID, productID).Scan(&n))
	return n
}

func TestCheckoutRacingCartEditSeesOneSnapshot(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	logger, _ := test.NewNullLogger()
	carts := cart.NewService(db, cache.Noop{}, logger)
	svc := newService(db)

	for i := 0; i < 6; i++ {
		f := testutil.NewFixture(t, db, fmt.Sprintf("racer%d@example.com", i))
		p := testutil.NewProduct(t, db, fmt.Sprintf("RACE-%d", i), "4.00", 10)
		testutil.AddToCart(t, db, f.User.ID, p.ID, 1)

		var (
			wg       sync.WaitGroup
			order    *models.Order
			orderErr error
			editErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			order, orderErr = svc.PlaceOrder(context.Background(), placeRequest(f))
		}()
		go func() {
			defer wg.Done()
			_, editErr = carts.AddItem(context.Background(), f.User.ID, p.ID, 2)
		}()
		wg.Wait()

		require.NoError(t, orderErr)
		require.NoError(t, editErr)
		require.Len(t, order.Items, 1)

		ordered := order.Items[0].Quantity
		assert.Contains(t, []int{1, 3}, ordered, "order must match the cart before or after the edit")
		assert.Equal(t, 3, ordered+cartQuantity(t, db, f.User.ID, p.ID))
		assert.Equal(t, 10-ordered, stockOf(t, db, p.ID))
		assert.Equal(t, decimal.NewFromInt(int64(4*ordered)).StringFixed(2), order.TotalAmount.StringFixed(2))
	}
}

func TestConcurrentCancelRestoresStockOnce(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	f := testutil.NewFixture(t, db, "double-cancel@example.com")
	p := testutil.NewProduct(t, db, "SKU-DC", "8.00", 7)
	testutil.AddToCart(t, db, f.User.ID, p.ID, 3)

	svc := newService(db)
	order, err := svc.PlaceOrder(ctx, placeRequest(f))
	require.NoError(t, err)
	require.Equal(t, 4, stockOf(t, db, p.ID))

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CancelOrder(context.Background(), f.User.ID, order.ID)
		}(i)
	}
	wg.Wait()

	var cancelled int
	for _, err := range errs {
		if err == nil {
			cancelled++
			continue
		}
		var transition *checkout.InvalidStateTransitionError
		if assert.ErrorAs(t, err, &transition) {
			assert.Equal(t, models.OrderStatusCancelled, transition.From)
		}
	}
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 7, stockOf(t, db, p.ID))

	var cancelEvents int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM outbox WHERE payload->>'type' = $1`, checkout.EventOrderCancelled).Scan(&cancelEvents))
	assert.Equal(t, 1, cancelEvents)
}

func TestCancelOrderRestoresStock(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	f := testutil.NewFixture(t, db, "cancel@example.com")
	p := testutil.NewProduct(t, db, "SKU-R", "15.00", 6)
	testutil.AddToCart(t, db, f.User.ID, p.ID, 4)

	svc := newService(db)
	order, err := svc.PlaceOrder(ctx, placeRequest(f))
	require.NoError(t, err)
	assert.Equal(t, 2, stockOf(t, db, p.ID))

	cancelled, err := svc.CancelOrder(ctx, f.User.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, models.PaymentStatusRefunded, cancelled.PaymentStatus)
	assert.Equal(t, 6, stockOf(t, db, p.ID))
	assert.Equal(t, 2, testutil.CountRows(t, db, "outbox"))

	_, err = svc.CancelOrder(ctx, f.User.ID, order.ID)
	var transition *checkout.InvalidStateTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.OrderStatusCancelled, transition.From)
	assert.Equal(t, 6, stockOf(t, db, p.ID))
}

func TestCancelShippedOrder(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	f := testutil.NewFixture(t, db, "shipped@example.com")
	p := testutil.NewProduct(t, db, "SKU-S", "15.00", 3)
	testutil.AddToCart(t, db, f.User.ID, p.ID, 1)

	svc := newService(db)
	order, err := svc.PlaceOrder(ctx, placeRequest(f))
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE orders SET status = 'shipped' WHERE id = $1`, order.ID)
	require.NoError(t, err)

	_, err = svc.CancelOrder(ctx, f.User.ID, order.ID)
	var transition *checkout.InvalidStateTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.OrderStatusShipped, transition.From)
	assert.Equal(t, 2, stockOf(t, db, p.ID))
}

func TestOrdersAreScopedToOwner(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	owner := testutil.NewFixture(t, db, "owner@example.com")
	stranger := testutil.NewFixture(t, db, "stranger@example.com")
	p := testutil.NewProduct(t, db, "SKU-O", "2.00", 5)
	testutil.AddToCart(t, db, owner.User.ID, p.ID, 1)

	svc := newService(db)
	order, err := svc.PlaceOrder(ctx, placeRequest(owner))
	require.NoError(t, err)

	_, err = svc.GetOrder(ctx, stranger.User.ID, order.ID)
	assert.ErrorIs(t, err, checkout.ErrOrderNotFound)

	_, err = svc.CancelOrder(ctx, stranger.User.ID, order.ID)
	assert.ErrorIs(t, err, checkout.ErrOrderNotFound)

	orders, err := svc.ListOrders(ctx, stranger.User.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestListOrdersNewestFirst(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	f := testutil.NewFixture(t, db, "history@example.com")
	p := testutil.NewProduct(t, db, "SKU-H", "4.00", 50)
	svc := newService(db)

	var placed []string
	for i := 0; i < 3; i++ {
		testutil.AddToCart(t, db, f.User.ID, p.ID, i+1)
		order, err := svc.PlaceOrder(ctx, placeRequest(f))
		require.NoError(t, err)
		placed = append(placed, order.OrderNumber)
	}

	orders, err := svc.ListOrders(ctx, f.User.ID)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, placed[2], orders[0].OrderNumber)
	assert.Equal(t, placed[0], orders[2].OrderNumber)
	assert.Equal(t, 1, orders[0].ItemsCount)

	page, err := svc.ListOrdersPage(ctx, f.User.ID, "", 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Len(t, page.Items, 2)

	next, err := svc.ListOrdersPage(ctx, f.User.ID, page.NextCursor, 2)
	require.NoError(t, err)
	assert.False(t, next.HasMore)
	assert.Len(t, next.Items, 1)

	_, err = svc.ListOrdersPage(ctx, f.User.ID, "not-a-cursor!", 2)
	var ve *checkout.ValidationError
	assert.ErrorAs(t, err, &ve)
}

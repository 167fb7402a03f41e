// Package testutil starts throwaway Postgres instances for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestDB starts a migrated Postgres container. It is skipped with -short or
// when no container runtime is reachable.
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(40)

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, database.Migrate(db))

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("failed to close database: %v", err)
		}
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

// Fixture is a user with a shipping address, ready to check out.
type Fixture struct {
	User    *models.User
	Address *models.Address
}

func NewFixture(t *testing.T, db *sql.DB, email string) Fixture {
	t.Helper()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, db, email, "Test User")
	require.NoError(t, err)

	address, err := store.CreateAddress(ctx, db, models.Address{
		UserID:     user.ID,
		FullName:   "Test User",
		Street:     "1 Main St",
		City:       "Springfield",
		State:      "IL",
		PostalCode: "62701",
		Country:    "US",
		IsDefault:  true,
	})
	require.NoError(t, err)

	return Fixture{User: user, Address: address}
}

func NewProduct(t *testing.T, db *sql.DB, sku string, price string, stock int) *models.Product {
	t.Helper()

	product, err := store.CreateProduct(context.Background(), db, sku, "Product "+sku, "", decimal.RequireFromString(price), stock)
	require.NoError(t, err)
	return product
}

// AddToCart writes a cart line directly, bypassing the cart service's checks.
func AddToCart(t *testing.T, db *sql.DB, userID, productID int64, quantity int) {
	t.Helper()
	ctx := context.Background()

	cart, err := store.GetOrCreateCart(ctx, db, userID)
	require.NoError(t, err)

	_, err = store.SetCartItemQuantity(ctx, db, cart.ID, productID, quantity)
	require.NoError(t, err)
}

func CountRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

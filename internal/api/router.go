// Package api is the HTTP surface of the shop.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/logging"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/store"
	"github.com/sirupsen/logrus"
)

type CartService interface {
	Get(ctx context.Context, userID int64) (*models.Cart, error)
	AddItem(ctx context.Context, userID, productID int64, quantity int) (*models.CartItem, error)
	UpdateItem(ctx context.Context, userID, itemID int64, quantity int) (*models.CartItem, error)
	RemoveItem(ctx context.Context, userID, itemID int64) error
	Clear(ctx context.Context, userID int64) (int64, error)
}

type OrderService interface {
	PlaceOrder(ctx context.Context, req checkout.PlaceOrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, userID, orderID int64) (*models.Order, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]models.OrderSummary, error)
	ListOrdersPage(ctx context.Context, userID int64, cursor string, limit int) (*store.CursorPage, error)
}

type CatalogService interface {
	List(ctx context.Context, page, pageSize int) (*store.OffsetPage, error)
	Get(ctx context.Context, id int64) (*models.Product, error)
}

type AccountService interface {
	Register(ctx context.Context, email, name string) (*models.User, error)
	User(ctx context.Context, id int64) (*models.User, error)
	AddAddress(ctx context.Context, a models.Address) (*models.Address, error)
	Addresses(ctx context.Context, userID int64) ([]models.Address, error)
	DeleteAddress(ctx context.Context, userID, id int64) error
}

type Authenticator interface {
	Issue(userID int64) (string, error)
	Middleware(next http.Handler) http.Handler
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Instrumenter interface {
	Middleware(next http.Handler) http.Handler
}

type Deps struct {
	Carts          CartService
	Orders         OrderService
	Catalog        CatalogService
	Accounts       AccountService
	Auth           Authenticator
	DB             Pinger
	Log            logrus.FieldLogger
	Metrics        Instrumenter
	MetricsHandler http.Handler
	RequestTimeout time.Duration
}

type Server struct {
	carts    CartService
	orders   OrderService
	catalog  CatalogService
	accounts AccountService
	auth     Authenticator
	db       Pinger
	log      logrus.FieldLogger
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 8 * time.Second
	}

	s := &Server{
		carts:    d.Carts,
		orders:   d.Orders,
		catalog:  d.Catalog,
		accounts: d.Accounts,
		auth:     d.Auth,
		db:       d.DB,
		log:      d.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog(d.Log))
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(requestDeadline(d.RequestTimeout))

	r.Get("/health", s.health)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Get("/products", s.listProducts)
	r.Get("/products/{id}", s.getProduct)
	r.Post("/users", s.register)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)
		r.Use(logging.RecordUser)
		r.Use(s.requireUser)

		r.Route("/addresses", func(r chi.Router) {
			r.Get("/", s.listAddresses)
			r.Post("/", s.addAddress)
			r.Delete("/{id}", s.deleteAddress)
		})

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", s.getCart)
			r.Post("/add", s.addCartItem)
			r.Put("/items/{id}", s.updateCartItem)
			r.Delete("/items/{id}", s.removeCartItem)
			r.Delete("/clear", s.clearCart)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.listOrders)
			r.Post("/create", s.createOrder)
			r.Get("/{id}", s.getOrder)
			r.Put("/{id}/cancel", s.cancelOrder)
		})
	})

	return r
}

// requestDeadline bounds the request context. Handlers own the response; a
// handler that runs out of time reports it through writeError, so the
// response is written exactly once.
func requestDeadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireUser rejects tokens whose user no longer exists.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.accounts.User(r.Context(), userID(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			s.log.WithError(err).Warn("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

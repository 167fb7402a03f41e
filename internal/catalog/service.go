// Package catalog is the read side of the product catalog.
package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var ErrProductNotFound = errors.New("product not found")

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// List returns active products, newest first. Zero page or pageSize select the
// defaults.
func (s *Service) List(ctx context.Context, page, pageSize int) (*store.OffsetPage, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return nil, &checkout.ValidationError{Field: "page", Message: "must be positive"}
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, &checkout.ValidationError{Field: "page_size", Message: "must be between 1 and 100"}
	}
	return store.ListProducts(ctx, s.db, page, pageSize)
}

// Get hides inactive products the same way it hides missing ones.
func (s *Service) Get(ctx context.Context, id int64) (*models.Product, error) {
	product, err := store.GetProduct(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, database.ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	if !product.IsActive {
		return nil, ErrProductNotFound
	}
	return product, nil
}

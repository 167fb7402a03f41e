// Package account registers users and manages their shipping addresses.
package account

import (
	"context"
	"database/sql"
	"errors"
	"net/mail"
	"strings"

	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
	"github.com/safar/go-sql-shop/internal/store"
)

var (
	ErrEmailTaken      = errors.New("email already registered")
	ErrAddressNotFound = errors.New("address not found")
	ErrAddressInUse    = errors.New("address is referenced by an order")
	ErrUserNotFound    = errors.New("user not found")
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Register(ctx context.Context, email, name string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &checkout.ValidationError{Field: "email", Message: "is not a valid address"}
	}
	if name == "" {
		return nil, &checkout.ValidationError{Field: "name", Message: "is required"}
	}

	user, err := store.CreateUser(ctx, s.db, email, name)
	if errors.Is(err, store.ErrEmailTaken) {
		return nil, ErrEmailTaken
	}
	return user, err
}

func (s *Service) User(ctx context.Context, id int64) (*models.User, error) {
	user, err := store.GetUser(ctx, s.db, id)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *Service) AddAddress(ctx context.Context, a models.Address) (*models.Address, error) {
	required := []struct{ field, value string }{
		{"full_name", a.FullName},
		{"street", a.Street},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, &checkout.ValidationError{Field: r.field, Message: "is required"}
		}
	}

	created, err := store.CreateAddress(ctx, s.db, a)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	return created, err
}

func (s *Service) Addresses(ctx context.Context, userID int64) ([]models.Address, error) {
	return store.ListAddresses(ctx, s.db, userID)
}

func (s *Service) DeleteAddress(ctx context.Context, userID, id int64) error {
	err := store.DeleteAddress(ctx, s.db, userID, id)
	switch {
	case errors.Is(err, database.ErrAddressNotFound):
		return ErrAddressNotFound
	case errors.Is(err, database.ErrAddressInUse):
		return ErrAddressInUse
	}
	return err
}

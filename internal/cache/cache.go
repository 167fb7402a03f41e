package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// CartSnapshot is the cached shape of a cart: which products in which
// quantities. Product rows are never cached; readers join live ones.
type CartSnapshot struct {
	CartID int64      `json:"cart_id"`
	UserID int64      `json:"user_id"`
	Lines  []CartLine `json:"lines"`
}

type CartLine struct {
	ItemID    int64     `json:"item_id"`
	ProductID int64     `json:"product_id"`
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"added_at"`
}

// CartCache holds read-through snapshots of carts. A filler first takes a
// generation, loads from the database, then calls Fill with that generation;
// the write is dropped if Invalidate ran in between.
type CartCache interface {
	Get(ctx context.Context, userID int64) (*CartSnapshot, error)
	Generation(ctx context.Context, userID int64) (string, error)
	Fill(ctx context.Context, userID int64, generation string, snapshot *CartSnapshot) (bool, error)
	Invalidate(ctx context.Context, userID int64) error
}

// Noop is used when no Redis address is configured. Every read misses.
type Noop struct{}

func (Noop) Get(context.Context, int64) (*CartSnapshot, error) { return nil, ErrCacheMiss }
func (Noop) Generation(context.Context, int64) (string, error) { return "", nil }
func (Noop) Invalidate(context.Context, int64) error           { return nil }
func (Noop) Fill(context.Context, int64, string, *CartSnapshot) (bool, error) {
	return false, nil
}

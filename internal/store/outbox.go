package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-sql-shop/internal/database"
)

type OutboxEvent struct {
	ID        int64           `json:"id"`
	EventID   uuid.UUID       `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// InsertOutboxEvent must run in the same transaction as the state change it
// announces, so the event exists if and only if the change committed.
func InsertOutboxEvent(ctx context.Context, q database.Querier, topic, key string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal outbox payload: %w", err)
	}

	eventID := uuid.New()
	_, err = q.ExecContext(ctx,
		`INSERT INTO outbox (event_id, topic, key, payload, created_at) VALUES ($1, $2, $3, $4, NOW())`,
		eventID, topic, key, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert outbox event: %w", err)
	}

	return eventID, nil
}

// FetchPendingEvents locks up to limit unsent events, skipping rows another
// relay instance already holds.
func FetchPendingEvents(ctx context.Context, q database.Querier, limit int) ([]OutboxEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, event_id, topic, key, payload, created_at, sent_at
		 FROM outbox
		 WHERE sent_at IS NULL
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.Topic, &e.Key, &e.Payload, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

func MarkEventSent(ctx context.Context, q database.Querier, id int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE outbox SET sent_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark event sent: %w", err)
	}
	return nil
}

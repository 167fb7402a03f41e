// Package outbox forwards committed order events from the outbox table to Kafka.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/store"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Observer interface {
	ObserveRelay(published int, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveRelay(int, error) {}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Relay delivers events at least once. Consumers deduplicate on the event_id
// header.
type Relay struct {
	db       *sql.DB
	writer   MessageWriter
	breaker  *gobreaker.CircuitBreaker[struct{}]
	interval time.Duration
	batch    int
	log      logrus.FieldLogger
	observer Observer
}

func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func NewRelay(db *sql.DB, writer MessageWriter, cfg Config, log logrus.FieldLogger, observer Observer) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if observer == nil {
		observer = noopObserver{}
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "outbox-kafka",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})

	return &Relay{
		db:       db,
		writer:   writer,
		breaker:  breaker,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		log:      log,
		observer: observer,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RelayBatch(ctx)
			r.observer.ObserveRelay(n, err)
			switch {
			case err == nil:
				if n > 0 {
					r.log.WithField("count", n).Debug("outbox events published")
				}
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, context.Canceled):
			default:
				r.log.WithError(err).Error("outbox relay failed")
			}
		}
	}
}

// RelayBatch publishes one batch of pending events and marks them sent. The
// rows stay locked until the broker acknowledged them, so a second relay
// instance skips them instead of publishing twice.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	var published int

	err := database.WithTransaction(ctx, r.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		events, err := store.FetchPendingEvents(ctx, tx, r.batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		if err := r.publish(ctx, toMessages(events)); err != nil {
			return err
		}

		for _, e := range events {
			if err := store.MarkEventSent(ctx, tx, e.ID); err != nil {
				return err
			}
		}
		published = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return published, nil
}

func (r *Relay) publish(ctx context.Context, msgs []kafka.Message) error {
	_, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.writer.WriteMessages(ctx, msgs...)
	})
	if err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	return nil
}

func (r *Relay) Close() error {
	return r.writer.Close()
}

func toMessages(events []store.OutboxEvent) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		msgs = append(msgs, kafka.Message{
			Topic: e.Topic,
			Key:   []byte(e.Key),
			Value: e.Payload,
			Time:  e.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(e.EventID.String())},
			},
		})
	}
	return msgs
}

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolSubscriber opens LISTEN subscriptions, each on a connection taken from
// the pool and held for the subscription's lifetime. WaitForNotification
// blocks the connection, so a pooled connection cannot be shared.
type PoolSubscriber struct {
	pool *pgxpool.Pool
}

// NewPoolSubscriber creates a subscriber over the given pool.
func NewPoolSubscriber(pool *pgxpool.Pool) *PoolSubscriber {
	return &PoolSubscriber{pool: pool}
}

// Subscribe acquires a dedicated connection and starts listening.
func (s *PoolSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	return &poolSubscription{conn: conn}, nil
}

type poolSubscription struct {
	conn *pgxpool.Conn
}

func (s *poolSubscription) Next(ctx context.Context) (Notification, error) {
	notification, err := s.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: notification.Channel, Payload: notification.Payload}, nil
}

func (s *poolSubscription) Close(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, "UNLISTEN *")
	s.conn.Release()
	return err
}

// PgOutbox reads change events from the trigger-maintained outbox table.
type PgOutbox struct {
	pool *pgxpool.Pool
}

// NewPgOutbox creates an outbox reader over the given pool.
func NewPgOutbox(pool *pgxpool.Pool) *PgOutbox {
	return &PgOutbox{pool: pool}
}

// GetEvent fetches one outbox row by id.
func (o *PgOutbox) GetEvent(ctx context.Context, id int64) (Event, error) {
	row := o.pool.QueryRow(ctx, `
		SELECT id, collection_name, document_id, operation, before, after, revision, occurred_at
		FROM document_changes
		WHERE id = $1`, id)

	var (
		event      Event
		beforeJSON []byte
		afterJSON  []byte
	)
	err := row.Scan(&event.ID, &event.CollectionName, &event.DocumentID, &event.Operation,
		&beforeJSON, &afterJSON, &event.Revision, &event.OccurredAt)
	if err != nil {
		return Event{}, fmt.Errorf("failed to read change event %d: %w", id, err)
	}

	if event.Before, err = unmarshalImage(beforeJSON); err != nil {
		return Event{}, fmt.Errorf("failed to decode before image of event %d: %w", id, err)
	}
	if event.After, err = unmarshalImage(afterJSON); err != nil {
		return Event{}, fmt.Errorf("failed to decode after image of event %d: %w", id, err)
	}
	return event, nil
}

func unmarshalImage(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var image map[string]any
	if err := json.Unmarshal(raw, &image); err != nil {
		return nil, err
	}
	return image, nil
}

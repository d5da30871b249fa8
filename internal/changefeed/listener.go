// Package changefeed captures document mutations from the storage-level
// change feed and records them in the audit ledger, so out-of-band writes
// (bulk loads, manual SQL, other services sharing the database) stay
// auditable alongside the API path.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/rs/zerolog"
)

const defaultReattachDelay = 5 * time.Second

// Notification is one raw message from a subscription channel.
type Notification struct {
	Channel string
	Payload string
}

// Subscription is a live feed of notifications on one channel.
type Subscription interface {
	Next(ctx context.Context) (Notification, error)
	Close(ctx context.Context) error
}

// Subscriber opens subscriptions. The production implementation holds one
// dedicated database connection per subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// OutboxReader fetches the full change event a notification points at.
type OutboxReader interface {
	GetEvent(ctx context.Context, id int64) (Event, error)
}

// ChangeLogger is the slice of the ledger the listener needs.
type ChangeLogger interface {
	LogChange(ctx context.Context, record audit.ChangeRecord) (domain.AuditLogEntry, error)
	HasChangeKey(ctx context.Context, changeKey string) (bool, error)
}

// StreamState is the lifecycle state of one per-schema stream.
type StreamState string

const (
	StreamActive StreamState = "active"
	StreamError  StreamState = "error"
	StreamClosed StreamState = "closed"
)

// StreamStatus is the externally visible state of one stream.
type StreamStatus struct {
	Status         StreamState `json:"status"`
	StartedAt      time.Time   `json:"startedAt"`
	CollectionName string      `json:"collectionName"`
	LastError      string      `json:"lastError,omitempty"`
	ErrorAt        *time.Time  `json:"errorAt,omitempty"`
}

// Status is the listener-wide health snapshot.
type Status struct {
	IsInitialized bool                    `json:"isInitialized"`
	TotalStreams  int                     `json:"totalStreams"`
	Streams       map[string]StreamStatus `json:"streams"`
}

type stream struct {
	schemaName     string
	collectionName string
	status         StreamStatus

	mu  sync.Mutex
	sub Subscription
}

// Listener owns one change stream per active schema. A stream failure is
// isolated to its schema: the stream is marked errored, torn down, and
// recreated from scratch after a delay. Events arriving while a stream is
// down are not replayed.
type Listener struct {
	schemas       repository.SchemaRepository
	ledger        ChangeLogger
	subscriber    Subscriber
	outbox        OutboxReader
	logger        zerolog.Logger
	reattachDelay time.Duration

	mu          sync.Mutex
	streams     map[string]*stream
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option adjusts listener construction.
type Option func(*Listener)

// WithReattachDelay overrides the delay before an errored stream is rebuilt.
func WithReattachDelay(d time.Duration) Option {
	return func(l *Listener) { l.reattachDelay = d }
}

// NewListener creates a change-feed listener. Call Start to attach streams.
func NewListener(schemas repository.SchemaRepository, ledger ChangeLogger, subscriber Subscriber, outbox OutboxReader, logger zerolog.Logger, opts ...Option) *Listener {
	l := &Listener{
		schemas:       schemas,
		ledger:        ledger,
		subscriber:    subscriber,
		outbox:        outbox,
		logger:        logger.With().Str("component", "changefeed").Logger(),
		reattachDelay: defaultReattachDelay,
		streams:       map[string]*stream{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start attaches one stream per active schema plus the collection-created
// watcher that picks up schemas materialized after startup.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return errors.New("change-feed listener already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.initialized = true
	l.mu.Unlock()

	active, err := l.schemas.List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list schemas for change feed: %w", err)
	}

	for _, schema := range active {
		l.attach(runCtx, schema.Name, schema.CollectionName)
	}

	l.wg.Add(1)
	go l.watchCollectionCreated(runCtx)

	l.logger.Info().Int("streams", len(active)).Msg("change-feed listener started")
	return nil
}

// attach registers the stream bookkeeping and launches its run loop.
func (l *Listener) attach(ctx context.Context, schemaName, collectionName string) {
	s := &stream{
		schemaName:     schemaName,
		collectionName: collectionName,
		status: StreamStatus{
			Status:         StreamActive,
			StartedAt:      time.Now(),
			CollectionName: collectionName,
		},
	}

	l.mu.Lock()
	if _, exists := l.streams[schemaName]; exists {
		l.mu.Unlock()
		return
	}
	l.streams[schemaName] = s
	l.mu.Unlock()

	l.wg.Add(1)
	go l.runStream(ctx, s)
}

// runStream consumes one schema's channel until the listener shuts down.
// On any subscription error the stream is recreated from scratch after
// reattachDelay.
func (l *Listener) runStream(ctx context.Context, s *stream) {
	defer l.wg.Done()

	for ctx.Err() == nil {
		sub, err := l.subscriber.Subscribe(ctx, ChannelForCollection(s.collectionName))
		if err != nil {
			l.markError(s, err)
			if !sleepCtx(ctx, l.reattachDelay) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.sub = sub
		s.mu.Unlock()
		l.markActive(s)

		err = l.consume(ctx, s, sub)
		_ = sub.Close(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			return
		}

		l.markError(s, err)
		l.logger.Warn().
			Str("schema", s.schemaName).
			Err(err).
			Dur("reattach_in", l.reattachDelay).
			Msg("change stream failed, scheduling reattach")
		if !sleepCtx(ctx, l.reattachDelay) {
			return
		}
	}
}

func (l *Listener) consume(ctx context.Context, s *stream, sub Subscription) error {
	for {
		notification, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := l.handleNotification(ctx, s.schemaName, notification); err != nil {
			// Handler failures are dropped: one bad event must not stall
			// the stream or affect other documents.
			l.logger.Warn().
				Str("schema", s.schemaName).
				Str("payload", notification.Payload).
				Err(err).
				Msg("dropping change event")
		}
	}
}

func (l *Listener) handleNotification(ctx context.Context, schemaName string, n Notification) error {
	_, eventID, err := ParsePayload(n.Payload)
	if err != nil {
		return err
	}
	event, err := l.outbox.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to fetch change event %d: %w", eventID, err)
	}
	return l.processEvent(ctx, schemaName, event)
}

// processEvent records one feed event in the ledger unless the API path
// already logged the same mutation, detected by the shared change key.
func (l *Listener) processEvent(ctx context.Context, schemaName string, event Event) error {
	operation, err := MapOperation(event.Operation)
	if err != nil {
		return err
	}

	changeKey := event.ChangeKey()
	logged, err := l.ledger.HasChangeKey(ctx, changeKey)
	if err != nil {
		return fmt.Errorf("failed to check change key %s: %w", changeKey, err)
	}
	if logged {
		l.logger.Debug().
			Str("change_key", changeKey).
			Msg("skipping already-logged mutation")
		return nil
	}

	record := audit.ChangeRecord{
		DocumentID:     event.DocumentID,
		SchemaName:     schemaName,
		CollectionName: event.CollectionName,
		Operation:      operation,
		Metadata: map[string]any{
			domain.MetaSource:    domain.SourceChangeStream,
			domain.MetaChangeKey: changeKey,
		},
	}

	switch operation {
	case domain.OperationCreate:
		record.CurrentState = event.After
	case domain.OperationUpdate:
		record.CurrentState = event.After
		record.PreviousState = event.Before
		if record.PreviousState == nil {
			// Degraded entry: the diff will report every field as added.
			l.logger.Warn().
				Str("document_id", event.DocumentID).
				Msg("update event missing before image")
			record.PreviousState = map[string]any{}
		}
	case domain.OperationDelete:
		record.PreviousState = event.Before
	}

	if _, err := l.ledger.LogChange(ctx, record); err != nil {
		return fmt.Errorf("failed to log feed event for %s: %w", event.DocumentID, err)
	}
	return nil
}

// watchCollectionCreated lazily attaches streams for schemas created after
// startup. The payload is the schema name.
func (l *Listener) watchCollectionCreated(ctx context.Context) {
	defer l.wg.Done()

	for ctx.Err() == nil {
		sub, err := l.subscriber.Subscribe(ctx, ChannelCollectionCreated)
		if err != nil {
			if !sleepCtx(ctx, l.reattachDelay) {
				return
			}
			continue
		}

		for {
			notification, err := sub.Next(ctx)
			if err != nil {
				_ = sub.Close(context.WithoutCancel(ctx))
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn().Err(err).Msg("collection watcher failed, scheduling reattach")
				if !sleepCtx(ctx, l.reattachDelay) {
					return
				}
				break
			}

			schema, err := l.schemas.GetByName(ctx, notification.Payload)
			if err != nil {
				l.logger.Warn().
					Str("schema", notification.Payload).
					Err(err).
					Msg("announced schema not found")
				continue
			}
			l.attach(ctx, schema.Name, schema.CollectionName)
			l.logger.Info().Str("schema", schema.Name).Msg("attached stream for new collection")
		}
	}
}

// Shutdown closes every subscription and clears all bookkeeping. Safe to
// call more than once.
func (l *Listener) Shutdown(ctx context.Context) {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return
	}
	l.initialized = false
	cancel := l.cancel
	l.cancel = nil
	streams := l.streams
	l.streams = map[string]*stream{}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range streams {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		if sub != nil {
			_ = sub.Close(ctx)
		}
	}
	l.wg.Wait()
	l.logger.Info().Msg("change-feed listener stopped")
}

// Status reports listener health for the status endpoint.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := Status{
		IsInitialized: l.initialized,
		TotalStreams:  len(l.streams),
		Streams:       make(map[string]StreamStatus, len(l.streams)),
	}
	for name, s := range l.streams {
		s.mu.Lock()
		status.Streams[name] = s.status
		s.mu.Unlock()
	}
	return status
}

func (l *Listener) markActive(s *stream) {
	s.mu.Lock()
	s.status.Status = StreamActive
	s.status.StartedAt = time.Now()
	s.status.LastError = ""
	s.status.ErrorAt = nil
	s.mu.Unlock()
}

func (l *Listener) markError(s *stream, err error) {
	now := time.Now()
	s.mu.Lock()
	s.status.Status = StreamError
	s.status.LastError = err.Error()
	s.status.ErrorAt = &now
	s.mu.Unlock()
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

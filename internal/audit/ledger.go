// Package audit implements the version ledger, state reconstruction, and the
// revert engine over the append-only audit log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// versionRetries bounds the recompute-and-retry loop on version conflicts.
// Assignment is read-max-then-insert, so two concurrent writers can race for
// the same slot; the unique constraint on (document, schema, version) rejects
// the loser, which recomputes from the new maximum.
const versionRetries = 8

// ChangeRecord is the input to LogChange: one observed mutation.
type ChangeRecord struct {
	DocumentID     string
	SchemaName     string
	CollectionName string
	Operation      domain.Operation
	PreviousState  map[string]any
	CurrentState   map[string]any
	Actor          domain.Actor
	Metadata       map[string]any
}

// Ledger owns AuditLogEntry creation. The revert engine and the change-feed
// listener are callers into the ledger, never direct writers of log storage.
type Ledger struct {
	logs   repository.AuditLogRepository
	logger zerolog.Logger
}

// NewLedger creates the version ledger.
func NewLedger(logs repository.AuditLogRepository, logger zerolog.Logger) *Ledger {
	return &Ledger{logs: logs, logger: logger.With().Str("component", "ledger").Logger()}
}

// LogChange validates the record, computes the field diff for updates, assigns
// the next version for the document, and persists one immutable ledger entry.
// Storage failures surface wrapped in domain.ErrLogPersistence; callers on the
// CRUD path downgrade that to a warning rather than failing the business
// operation.
func (l *Ledger) LogChange(ctx context.Context, record ChangeRecord) (domain.AuditLogEntry, error) {
	if err := validateRecord(record); err != nil {
		return domain.AuditLogEntry{}, err
	}

	var changedFields []domain.FieldChange
	if record.Operation == domain.OperationUpdate {
		changedFields = domain.ComputeChangedFields(record.PreviousState, record.CurrentState)
	}

	var entry domain.AuditLogEntry
	backoff := retry.WithMaxRetries(versionRetries, retry.NewFibonacci(5*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		maxVersion, err := l.logs.MaxVersion(ctx, record.DocumentID, record.SchemaName)
		if err != nil {
			return err
		}

		candidate := domain.AuditLogEntry{
			DocumentID:     record.DocumentID,
			SchemaName:     record.SchemaName,
			CollectionName: record.CollectionName,
			Operation:      record.Operation,
			PreviousState:  record.PreviousState,
			CurrentState:   record.CurrentState,
			ChangedFields:  changedFields,
			Version:        maxVersion + 1,
			Actor:          record.Actor,
			Timestamp:      time.Now(),
			CanRevert:      true,
			Metadata:       record.Metadata,
		}

		inserted, err := l.logs.Insert(ctx, candidate)
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				l.logger.Debug().
					Str("document_id", record.DocumentID).
					Int64("version", candidate.Version).
					Msg("version conflict, recomputing")
				return retry.RetryableError(err)
			}
			return err
		}

		entry = inserted
		return nil
	})
	if err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("%w: %w", domain.ErrLogPersistence, err)
	}

	return entry, nil
}

func validateRecord(record ChangeRecord) error {
	if record.DocumentID == "" {
		return domain.NewValidationError("documentId", "is required")
	}
	if record.SchemaName == "" {
		return domain.NewValidationError("schemaName", "is required")
	}
	if _, err := domain.ParseOperation(string(record.Operation)); err != nil {
		return err
	}

	switch record.Operation {
	case domain.OperationCreate:
		if record.PreviousState != nil {
			return domain.NewValidationError("previousState", "must be absent for create")
		}
		if record.CurrentState == nil {
			return domain.NewValidationError("currentState", "is required for create")
		}
	case domain.OperationUpdate:
		if record.PreviousState == nil || record.CurrentState == nil {
			return domain.NewValidationError("operation", "update requires both previous and current state")
		}
	case domain.OperationDelete:
		if record.PreviousState == nil {
			return domain.NewValidationError("previousState", "is required for delete")
		}
		if record.CurrentState != nil {
			return domain.NewValidationError("currentState", "must be absent for delete")
		}
	}
	return nil
}

// HistoryQuery carries boundary-parsed history filters.
type HistoryQuery struct {
	Page      int
	Limit     int
	Operation string
	From      *time.Time
	To        *time.Time
	UserID    string
}

func (q HistoryQuery) toFilter() (repository.HistoryFilter, error) {
	filter := repository.HistoryFilter{
		Page:  q.Page,
		Limit: domain.ClampLimit(q.Limit),
		From:  q.From,
		To:    q.To,
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if q.Operation != "" {
		op, err := domain.ParseOperation(q.Operation)
		if err != nil {
			return repository.HistoryFilter{}, err
		}
		filter.Operation = &op
	}
	return filter, nil
}

// GetAuditHistory returns one reverse-version-order page of a document's
// history plus pagination metadata.
func (l *Ledger) GetAuditHistory(ctx context.Context, documentID, schemaName string, query HistoryQuery) (domain.HistoryPage, error) {
	if documentID == "" {
		return domain.HistoryPage{}, domain.NewValidationError("documentId", "is required")
	}
	filter, err := query.toFilter()
	if err != nil {
		return domain.HistoryPage{}, err
	}

	entries, total, err := l.logs.ListByDocument(ctx, documentID, schemaName, filter)
	if err != nil {
		return domain.HistoryPage{}, fmt.Errorf("failed to load audit history: %w", err)
	}

	return domain.HistoryPage{
		Entries:    entries,
		Pagination: domain.NewPagination(filter.Page, filter.Limit, total),
	}, nil
}

// GetSchemaAuditHistory returns one page of history across all documents of a
// schema, optionally filtered by user id.
func (l *Ledger) GetSchemaAuditHistory(ctx context.Context, schemaName string, query HistoryQuery) (domain.HistoryPage, error) {
	if schemaName == "" {
		return domain.HistoryPage{}, domain.NewValidationError("schemaName", "is required")
	}
	filter, err := query.toFilter()
	if err != nil {
		return domain.HistoryPage{}, err
	}

	schemaFilter := repository.SchemaHistoryFilter{HistoryFilter: filter}
	if query.UserID != "" {
		userID := query.UserID
		schemaFilter.UserID = &userID
	}

	entries, total, err := l.logs.ListBySchema(ctx, schemaName, schemaFilter)
	if err != nil {
		return domain.HistoryPage{}, fmt.Errorf("failed to load schema audit history: %w", err)
	}

	return domain.HistoryPage{
		Entries:    entries,
		Pagination: domain.NewPagination(filter.Page, filter.Limit, total),
	}, nil
}

// GetAuditStats aggregates operation counts for a schema over a timeframe.
func (l *Ledger) GetAuditStats(ctx context.Context, schemaName, timeframe string) (domain.AuditStats, error) {
	if schemaName == "" {
		return domain.AuditStats{}, domain.NewValidationError("schemaName", "is required")
	}
	tf, err := domain.ParseTimeframe(timeframe)
	if err != nil {
		return domain.AuditStats{}, err
	}

	stats, err := l.logs.Stats(ctx, schemaName, tf.Since(time.Now()))
	if err != nil {
		return domain.AuditStats{}, fmt.Errorf("failed to load audit stats: %w", err)
	}
	stats.Timeframe = tf
	return stats, nil
}

// CleanupRequest selects old ledger entries for retention deletion.
type CleanupRequest struct {
	OlderThanDays int
	SchemaName    string
	Operation     string
	DryRun        bool
}

// CleanupResult reports what a cleanup matched and whether it deleted.
type CleanupResult struct {
	MatchedEntries int64     `json:"matchedEntries"`
	Deleted        bool      `json:"deleted"`
	Cutoff         time.Time `json:"cutoff"`
	DryRun         bool      `json:"dryRun"`
}

// CleanupOldAuditLogs deletes (or, for dry runs, counts) entries older than
// the cutoff. Retention is lossy by design: future versions for a document
// derive from the maximum remaining version, which may understate true
// history once older entries are gone.
func (l *Ledger) CleanupOldAuditLogs(ctx context.Context, req CleanupRequest) (CleanupResult, error) {
	if req.OlderThanDays < 1 {
		return CleanupResult{}, domain.NewValidationError("olderThanDays", "must be a positive integer")
	}

	filter := repository.CleanupFilter{
		Cutoff:     time.Now().AddDate(0, 0, -req.OlderThanDays),
		SchemaName: req.SchemaName,
	}
	if req.Operation != "" {
		op, err := domain.ParseOperation(req.Operation)
		if err != nil {
			return CleanupResult{}, err
		}
		filter.Operation = &op
	}

	result := CleanupResult{Cutoff: filter.Cutoff, DryRun: req.DryRun}

	if req.DryRun {
		count, err := l.logs.CountMatching(ctx, filter)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("failed to count cleanup candidates: %w", err)
		}
		result.MatchedEntries = count
		return result, nil
	}

	deleted, err := l.logs.DeleteMatching(ctx, filter)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to delete old audit logs: %w", err)
	}
	result.MatchedEntries = deleted
	result.Deleted = true

	l.logger.Info().
		Str("schema", req.SchemaName).
		Int64("deleted", deleted).
		Time("cutoff", filter.Cutoff).
		Msg("audit log retention cleanup")

	return result, nil
}

// HasChangeKey reports whether a ledger entry with the given idempotency key
// already exists. Used by the change-feed listener to skip mutations the API
// path already logged.
func (l *Ledger) HasChangeKey(ctx context.Context, changeKey string) (bool, error) {
	return l.logs.HasChangeKey(ctx, changeKey)
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolationCode = "23505"

type auditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository wires the ledger storage backed by pgxpool.
func NewAuditLogRepository(pool *pgxpool.Pool) AuditLogRepository {
	return &auditLogRepository{pool: pool}
}

func (r *auditLogRepository) Insert(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	previousJSON, err := marshalState(entry.PreviousState)
	if err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("failed to marshal previous state: %w", err)
	}
	currentJSON, err := marshalState(entry.CurrentState)
	if err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("failed to marshal current state: %w", err)
	}
	changedJSON, err := json.Marshal(entry.ChangedFields)
	if err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("failed to marshal changed fields: %w", err)
	}
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var changeKey any
	if key := entry.MetaString(domain.MetaChangeKey); key != "" {
		changeKey = key
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO audit_logs (
			document_id, schema_name, collection_name, operation,
			previous_state, current_state, changed_fields, version,
			user_id, user_agent, ip_address, can_revert, metadata, change_key
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at`,
		entry.DocumentID,
		entry.SchemaName,
		entry.CollectionName,
		string(entry.Operation),
		previousJSON,
		currentJSON,
		changedJSON,
		entry.Version,
		entry.Actor.UserID,
		entry.Actor.UserAgent,
		entry.Actor.IPAddress,
		entry.CanRevert,
		metadataJSON,
		changeKey,
	)

	if err := row.Scan(&entry.ID, &entry.Timestamp); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return domain.AuditLogEntry{}, fmt.Errorf(
				"version %d taken for document %s: %w", entry.Version, entry.DocumentID, domain.ErrVersionConflict)
		}
		return domain.AuditLogEntry{}, fmt.Errorf("failed to insert audit log entry: %w", err)
	}

	return entry, nil
}

func (r *auditLogRepository) MaxVersion(ctx context.Context, documentID, schemaName string) (int64, error) {
	var version int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM audit_logs
		 WHERE document_id = $1 AND schema_name = $2`,
		documentID,
		schemaName,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query max version: %w", err)
	}
	return version, nil
}

const auditLogColumns = `id, document_id, schema_name, collection_name, operation,
	previous_state, current_state, changed_fields, version,
	user_id, user_agent, ip_address, created_at, can_revert, reverted_from, metadata`

func (r *auditLogRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.AuditLogEntry, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+auditLogColumns+` FROM audit_logs WHERE id = $1`,
		id,
	)
	entry, err := scanAuditLogRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuditLogEntry{}, domain.ErrVersionNotFound
		}
		return domain.AuditLogEntry{}, fmt.Errorf("failed to get audit log entry: %w", err)
	}
	return entry, nil
}

func (r *auditLogRepository) GetByVersion(ctx context.Context, documentID, schemaName string, version int64) (domain.AuditLogEntry, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+auditLogColumns+` FROM audit_logs
		 WHERE document_id = $1 AND schema_name = $2 AND version = $3`,
		documentID,
		schemaName,
		version,
	)
	entry, err := scanAuditLogRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuditLogEntry{}, domain.ErrVersionNotFound
		}
		return domain.AuditLogEntry{}, fmt.Errorf("failed to get audit log entry by version: %w", err)
	}
	return entry, nil
}

func (r *auditLogRepository) ListByDocument(ctx context.Context, documentID, schemaName string, filter HistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	where := "document_id = $1 AND schema_name = $2"
	args := []any{documentID, schemaName}
	where, args = appendHistoryConditions(where, args, filter)

	return r.listEntries(ctx, where, args, filter.Page, filter.Limit)
}

func (r *auditLogRepository) ListBySchema(ctx context.Context, schemaName string, filter SchemaHistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	where := "schema_name = $1"
	args := []any{schemaName}
	where, args = appendHistoryConditions(where, args, filter.HistoryFilter)

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}

	return r.listEntries(ctx, where, args, filter.Page, filter.Limit)
}

func appendHistoryConditions(where string, args []any, filter HistoryFilter) (string, []any) {
	if filter.Operation != nil {
		args = append(args, string(*filter.Operation))
		where += fmt.Sprintf(" AND operation = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	return where, args
}

func (r *auditLogRepository) listEntries(ctx context.Context, where string, args []any, page, limit int) ([]domain.AuditLogEntry, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit log entries: %w", err)
	}

	limit = domain.ClampLimit(limit)
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM audit_logs WHERE %s
		 ORDER BY version DESC, created_at DESC
		 LIMIT $%d OFFSET $%d`,
		auditLogColumns, where, len(args)-1, len(args),
	)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit log entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditLogEntry{}
	for rows.Next() {
		entry, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate audit log entries: %w", err)
	}

	return entries, total, nil
}

func (r *auditLogRepository) Stats(ctx context.Context, schemaName string, since *time.Time) (domain.AuditStats, error) {
	where := "schema_name = $1"
	args := []any{schemaName}
	if since != nil {
		args = append(args, *since)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	stats := domain.AuditStats{
		SchemaName: schemaName,
		Operations: map[domain.Operation]int64{},
	}

	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM audit_logs WHERE `+where,
		args...,
	).Scan(&stats.TotalEntries, &stats.DistinctDocuments)
	if err != nil {
		return domain.AuditStats{}, fmt.Errorf("failed to aggregate audit stats: %w", err)
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT operation, COUNT(*) FROM audit_logs WHERE `+where+` GROUP BY operation`,
		args...,
	)
	if err != nil {
		return domain.AuditStats{}, fmt.Errorf("failed to aggregate per-operation stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var operation string
		var count int64
		if err := rows.Scan(&operation, &count); err != nil {
			return domain.AuditStats{}, fmt.Errorf("failed to scan operation stats: %w", err)
		}
		stats.Operations[domain.Operation(operation)] = count
	}
	if err := rows.Err(); err != nil {
		return domain.AuditStats{}, fmt.Errorf("failed to iterate operation stats: %w", err)
	}

	return stats, nil
}

func cleanupConditions(filter CleanupFilter) (string, []any) {
	where := "created_at < $1"
	args := []any{filter.Cutoff}
	if filter.SchemaName != "" {
		args = append(args, filter.SchemaName)
		where += fmt.Sprintf(" AND schema_name = $%d", len(args))
	}
	if filter.Operation != nil {
		args = append(args, string(*filter.Operation))
		where += fmt.Sprintf(" AND operation = $%d", len(args))
	}
	return where, args
}

func (r *auditLogRepository) CountMatching(ctx context.Context, filter CleanupFilter) (int64, error) {
	where, args := cleanupConditions(filter)
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cleanup candidates: %w", err)
	}
	return count, nil
}

func (r *auditLogRepository) DeleteMatching(ctx context.Context, filter CleanupFilter) (int64, error) {
	where, args := cleanupConditions(filter)
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit log entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetRevertedFrom backfills the one mutable column on an otherwise immutable
// entry, and only when it is still unset.
func (r *auditLogRepository) SetRevertedFrom(ctx context.Context, entryID, sourceEntryID uuid.UUID) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE audit_logs SET reverted_from = $2 WHERE id = $1 AND reverted_from IS NULL`,
		entryID,
		sourceEntryID,
	)
	if err != nil {
		return fmt.Errorf("failed to set reverted_from: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s missing or already back-referenced: %w", entryID, domain.ErrVersionNotFound)
	}
	return nil
}

func (r *auditLogRepository) HasChangeKey(ctx context.Context, changeKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_logs WHERE change_key = $1)`,
		changeKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check change key: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditLogRow(row rowScanner) (domain.AuditLogEntry, error) {
	var (
		entry         domain.AuditLogEntry
		operation     string
		previousJSON  []byte
		currentJSON   []byte
		changedJSON   []byte
		metadataJSON  []byte
	)

	err := row.Scan(
		&entry.ID,
		&entry.DocumentID,
		&entry.SchemaName,
		&entry.CollectionName,
		&operation,
		&previousJSON,
		&currentJSON,
		&changedJSON,
		&entry.Version,
		&entry.Actor.UserID,
		&entry.Actor.UserAgent,
		&entry.Actor.IPAddress,
		&entry.Timestamp,
		&entry.CanRevert,
		&entry.RevertedFrom,
		&metadataJSON,
	)
	if err != nil {
		return domain.AuditLogEntry{}, err
	}

	entry.Operation = domain.Operation(operation)
	if entry.PreviousState, err = unmarshalState(previousJSON); err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("failed to decode previous state: %w", err)
	}
	if entry.CurrentState, err = unmarshalState(currentJSON); err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("failed to decode current state: %w", err)
	}
	if len(changedJSON) > 0 {
		if err := json.Unmarshal(changedJSON, &entry.ChangedFields); err != nil {
			return domain.AuditLogEntry{}, fmt.Errorf("failed to decode changed fields: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return domain.AuditLogEntry{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return entry, nil
}

func marshalState(state map[string]any) (any, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

func unmarshalState(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return state, nil
}

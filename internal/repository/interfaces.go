package repository

import (
	"context"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"

	"github.com/google/uuid"
)

// HistoryFilter narrows and paginates a single document's audit history.
type HistoryFilter struct {
	Page      int
	Limit     int
	Operation *domain.Operation
	From      *time.Time
	To        *time.Time
}

// SchemaHistoryFilter narrows a schema-wide audit history query.
type SchemaHistoryFilter struct {
	HistoryFilter
	UserID *string
}

// CleanupFilter selects ledger entries for retention deletion.
type CleanupFilter struct {
	Cutoff     time.Time
	SchemaName string
	Operation  *domain.Operation
}

// AuditLogRepository persists the append-only ledger. Insert returns
// domain.ErrVersionConflict when the (document, schema, version) slot is
// already taken; the ledger retries with a recomputed version.
type AuditLogRepository interface {
	Insert(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error)
	MaxVersion(ctx context.Context, documentID, schemaName string) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.AuditLogEntry, error)
	GetByVersion(ctx context.Context, documentID, schemaName string, version int64) (domain.AuditLogEntry, error)
	ListByDocument(ctx context.Context, documentID, schemaName string, filter HistoryFilter) ([]domain.AuditLogEntry, int64, error)
	ListBySchema(ctx context.Context, schemaName string, filter SchemaHistoryFilter) ([]domain.AuditLogEntry, int64, error)
	Stats(ctx context.Context, schemaName string, since *time.Time) (domain.AuditStats, error)
	CountMatching(ctx context.Context, filter CleanupFilter) (int64, error)
	DeleteMatching(ctx context.Context, filter CleanupFilter) (int64, error)
	SetRevertedFrom(ctx context.Context, entryID, sourceEntryID uuid.UUID) error
	HasChangeKey(ctx context.Context, changeKey string) (bool, error)
}

// DocumentStore is the dynamic model access layer: reads and writes documents
// inside a named collection of the shared JSONB store.
type DocumentStore interface {
	Insert(ctx context.Context, doc domain.Document) (domain.Document, error)
	InsertMany(ctx context.Context, docs []domain.Document) ([]domain.Document, error)
	FindByID(ctx context.Context, collectionName string, id uuid.UUID) (domain.Document, error)
	Find(ctx context.Context, collectionName string, filter map[string]any, limit, offset int) ([]domain.Document, int64, error)
	FindByIDAndUpdate(ctx context.Context, collectionName string, id uuid.UUID, data map[string]any) (domain.Document, error)
	FindByReference(ctx context.Context, collectionName, field, recordID string, refType domain.ReferenceType) ([]domain.Document, error)
	Delete(ctx context.Context, collectionName string, id uuid.UUID) (domain.Document, error)
}

// SchemaRepository is the schema registry storage.
type SchemaRepository interface {
	Create(ctx context.Context, schema domain.SchemaDefinition) (domain.SchemaDefinition, error)
	GetByName(ctx context.Context, name string) (domain.SchemaDefinition, error)
	List(ctx context.Context, activeOnly bool) ([]domain.SchemaDefinition, error)
	SetActive(ctx context.Context, name string, active bool) error
}

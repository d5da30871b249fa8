package audit

import (
	"context"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/repository"
)

// VersionSnapshot is a document's state as of one recorded version.
type VersionSnapshot struct {
	Version       int64                `json:"version"`
	Timestamp     time.Time            `json:"timestamp"`
	Operation     domain.Operation     `json:"operation"`
	State         map[string]any       `json:"state"`
	ChangedFields []domain.FieldChange `json:"changedFields,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// Reconstructor retrieves historical document states from the ledger. Each
// entry stores a full snapshot, so reconstruction is a single lookup rather
// than a delta replay.
type Reconstructor struct {
	logs repository.AuditLogRepository
}

// NewReconstructor creates a state reconstructor over the ledger storage.
func NewReconstructor(logs repository.AuditLogRepository) *Reconstructor {
	return &Reconstructor{logs: logs}
}

// GetDocumentAtVersion returns the state recorded at exactly the given
// version, or domain.ErrVersionNotFound. A delete entry yields a snapshot
// with nil state.
func (r *Reconstructor) GetDocumentAtVersion(ctx context.Context, documentID, schemaName string, version int64) (VersionSnapshot, error) {
	if version < 1 {
		return VersionSnapshot{}, domain.NewValidationError("version", "must be a positive integer, got %d", version)
	}

	entry, err := r.logs.GetByVersion(ctx, documentID, schemaName, version)
	if err != nil {
		return VersionSnapshot{}, err
	}

	return VersionSnapshot{
		Version:       entry.Version,
		Timestamp:     entry.Timestamp,
		Operation:     entry.Operation,
		State:         entry.CurrentState,
		ChangedFields: entry.ChangedFields,
		Metadata:      entry.Metadata,
	}, nil
}

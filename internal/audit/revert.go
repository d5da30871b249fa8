package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/registry"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RevertEngine restores a document to a prior recorded state by applying that
// state as a new, itself-audited update. It never rewinds history: a revert
// always produces the next version.
type RevertEngine struct {
	ledger        *Ledger
	logs          repository.AuditLogRepository
	reconstructor *Reconstructor
	models        *registry.ModelRegistry
	logger        zerolog.Logger
}

// NewRevertEngine creates a revert engine.
func NewRevertEngine(ledger *Ledger, logs repository.AuditLogRepository, models *registry.ModelRegistry, logger zerolog.Logger) *RevertEngine {
	return &RevertEngine{
		ledger:        ledger,
		logs:          logs,
		reconstructor: NewReconstructor(logs),
		models:        models,
		logger:        logger.With().Str("component", "revert").Logger(),
	}
}

// RevertResult reports a completed revert.
type RevertResult struct {
	Document            domain.Document       `json:"document"`
	AuditLog            *domain.AuditLogEntry `json:"auditLog,omitempty"`
	RevertedFromVersion int64                 `json:"revertedFromVersion"`
}

// RevertToVersion restores documentID to the state recorded at targetVersion.
// The live update is applied first; the ledger entry is written only after a
// successful apply, so an apply failure leaves both the document and the
// history untouched.
func (e *RevertEngine) RevertToVersion(ctx context.Context, documentID, schemaName string, targetVersion int64, actor domain.Actor, reason string) (RevertResult, error) {
	if targetVersion < 1 {
		return RevertResult{}, domain.NewValidationError("targetVersion", "must be a positive integer, got %d", targetVersion)
	}

	target, err := e.logs.GetByVersion(ctx, documentID, schemaName, targetVersion)
	if err != nil {
		return RevertResult{}, err
	}
	if !target.CanRevert {
		return RevertResult{}, fmt.Errorf("version %d of document %s: %w", targetVersion, documentID, domain.ErrVersionNotRevertable)
	}
	if target.CurrentState == nil {
		return RevertResult{}, fmt.Errorf("version %d of document %s records a delete: %w", targetVersion, documentID, domain.ErrNoStateAtVersion)
	}

	model, err := e.models.GetModel(schemaName)
	if err != nil {
		return RevertResult{}, err
	}

	id, err := uuid.Parse(documentID)
	if err != nil {
		return RevertResult{}, domain.NewValidationError("documentId", "must be a valid id: %v", err)
	}

	live, err := model.FindByID(ctx, id)
	if err != nil {
		return RevertResult{}, err
	}
	previousSnapshot := live.Snapshot()

	// Reverts rewrite business fields only; identity and provenance fields
	// keep their live values.
	businessState := domain.StripSystemFields(target.CurrentState)

	updated, err := model.FindByIDAndUpdate(ctx, id, businessState)
	if err != nil {
		return RevertResult{}, fmt.Errorf("failed to apply revert state: %w", err)
	}

	result := RevertResult{Document: updated, RevertedFromVersion: targetVersion}

	entry, err := e.ledger.LogChange(ctx, ChangeRecord{
		DocumentID:     documentID,
		SchemaName:     schemaName,
		CollectionName: model.CollectionName(),
		Operation:      domain.OperationUpdate,
		PreviousState:  previousSnapshot,
		CurrentState:   updated.Snapshot(),
		Actor:          actor,
		Metadata: map[string]any{
			domain.MetaSource:            domain.SourceAPI,
			domain.MetaIsRevert:          true,
			domain.MetaRevertedToVersion: targetVersion,
			domain.MetaRevertReason:      reason,
			domain.MetaChangeKey:         domain.ChangeKey(model.CollectionName(), documentID, updated.Revision),
		},
	})
	if err != nil {
		// The revert itself already applied. Surface the audit gap as a
		// warning instead of claiming the revert failed.
		e.logger.Warn().Err(err).
			Str("document_id", documentID).
			Int64("target_version", targetVersion).
			Msg("revert applied but audit entry could not be written")
		return result, nil
	}

	if err := e.logs.SetRevertedFrom(ctx, entry.ID, target.ID); err != nil {
		e.logger.Warn().Err(err).
			Str("entry_id", entry.ID.String()).
			Msg("failed to backfill reverted_from")
	} else {
		entry.RevertedFrom = &target.ID
	}

	result.AuditLog = &entry
	return result, nil
}

// BulkRevertItem addresses one document/version pair in a bulk revert.
type BulkRevertItem struct {
	RecordID      string `json:"recordId"`
	TargetVersion int64  `json:"targetVersion"`
}

// BulkRevertSuccess reports one applied revert.
type BulkRevertSuccess struct {
	RecordID      string `json:"recordId"`
	TargetVersion int64  `json:"targetVersion"`
	NewVersion    int64  `json:"newVersion,omitempty"`
}

// BulkRevertFailure reports one failed revert.
type BulkRevertFailure struct {
	RecordID      string `json:"recordId"`
	TargetVersion int64  `json:"targetVersion"`
	Error         string `json:"error"`
}

// BulkRevertResult partitions a bulk revert's outcomes.
type BulkRevertResult struct {
	Successful []BulkRevertSuccess `json:"successful"`
	Failed     []BulkRevertFailure `json:"failed"`
}

// BulkRevert processes items concurrently and independently: one item's
// failure never aborts the others, and no transaction spans the batch.
func (e *RevertEngine) BulkRevert(ctx context.Context, schemaName string, items []BulkRevertItem, actor domain.Actor, reason string) BulkRevertResult {
	result := BulkRevertResult{
		Successful: []BulkRevertSuccess{},
		Failed:     []BulkRevertFailure{},
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, item := range items {
		wg.Add(1)
		go func(item BulkRevertItem) {
			defer wg.Done()

			reverted, err := e.RevertToVersion(ctx, item.RecordID, schemaName, item.TargetVersion, actor, reason)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, BulkRevertFailure{
					RecordID:      item.RecordID,
					TargetVersion: item.TargetVersion,
					Error:         err.Error(),
				})
				return
			}
			success := BulkRevertSuccess{RecordID: item.RecordID, TargetVersion: item.TargetVersion}
			if reverted.AuditLog != nil {
				success.NewVersion = reverted.AuditLog.Version
			}
			result.Successful = append(result.Successful, success)
		}(item)
	}
	wg.Wait()

	return result
}

// VersionComparison is the classified field diff between two versions.
type VersionComparison struct {
	DocumentID  string                    `json:"documentId"`
	SchemaName  string                    `json:"schemaName"`
	FromVersion int64                     `json:"fromVersion"`
	ToVersion   int64                     `json:"toVersion"`
	Changes     []domain.ClassifiedChange `json:"changes"`
}

// CompareVersions reconstructs both states and diffs them with the same
// field-union algorithm the ledger uses, tagging each change as added,
// removed, or modified.
func (e *RevertEngine) CompareVersions(ctx context.Context, documentID, schemaName string, fromVersion, toVersion int64) (VersionComparison, error) {
	from, err := e.reconstructor.GetDocumentAtVersion(ctx, documentID, schemaName, fromVersion)
	if err != nil {
		if errors.Is(err, domain.ErrVersionNotFound) {
			return VersionComparison{}, fmt.Errorf("from version %d: %w", fromVersion, err)
		}
		return VersionComparison{}, err
	}
	to, err := e.reconstructor.GetDocumentAtVersion(ctx, documentID, schemaName, toVersion)
	if err != nil {
		if errors.Is(err, domain.ErrVersionNotFound) {
			return VersionComparison{}, fmt.Errorf("to version %d: %w", toVersion, err)
		}
		return VersionComparison{}, err
	}

	return VersionComparison{
		DocumentID:  documentID,
		SchemaName:  schemaName,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Changes:     domain.ClassifyChanges(from.State, to.State),
	}, nil
}

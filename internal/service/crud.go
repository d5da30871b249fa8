// Package service implements the audited CRUD path over dynamic collections.
// Every mutation is a storage write followed by a ledger entry; ledger
// failures are downgraded to warnings so the business operation never fails
// because the audit trail does, and updates and deletes additionally trigger
// asynchronous staleness propagation.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/propagation"
	"github.com/tgnichols/schemabase/internal/registry"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// createTimeout bounds the whole create path. A timeout after the row
	// is committed but before the response is sent leaves the document in
	// place; the caller cannot distinguish that from a failed create.
	createTimeout = 10 * time.Second

	propagationTimeout = 30 * time.Second
)

// DocumentValidator checks business data against a schema definition before
// a write. Structural validation is an out-of-scope collaborator; a nil
// validator disables the check.
type DocumentValidator interface {
	Validate(ctx context.Context, schema domain.SchemaDefinition, data map[string]any) error
}

// CrudService is the audited API path for document mutations.
type CrudService struct {
	schemas    repository.SchemaRepository
	models     *registry.ModelRegistry
	ledger     *audit.Ledger
	propagator *propagation.Propagator
	validator  DocumentValidator
	logger     zerolog.Logger
}

// NewCrudService creates the CRUD service. validator may be nil.
func NewCrudService(
	schemas repository.SchemaRepository,
	models *registry.ModelRegistry,
	ledger *audit.Ledger,
	propagator *propagation.Propagator,
	validator DocumentValidator,
	logger zerolog.Logger,
) *CrudService {
	return &CrudService{
		schemas:    schemas,
		models:     models,
		ledger:     ledger,
		propagator: propagator,
		validator:  validator,
		logger:     logger.With().Str("component", "crud").Logger(),
	}
}

// ListResult is one page of documents plus the unpaginated total.
type ListResult struct {
	Documents []domain.Document `json:"documents"`
	Total     int64             `json:"total"`
}

// Create validates and inserts a new document, then records the create in
// the ledger.
func (s *CrudService) Create(ctx context.Context, schemaName string, data map[string]any, actor domain.Actor) (domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	model, err := s.models.GetModel(schemaName)
	if err != nil {
		return domain.Document{}, err
	}
	if err := s.validate(ctx, schemaName, data); err != nil {
		return domain.Document{}, err
	}

	doc, err := model.Insert(ctx, domain.StripSystemFields(data))
	if err != nil {
		return domain.Document{}, fmt.Errorf("failed to create %s document: %w", schemaName, err)
	}

	s.logChange(ctx, audit.ChangeRecord{
		DocumentID:     doc.ID.String(),
		SchemaName:     schemaName,
		CollectionName: doc.CollectionName,
		Operation:      domain.OperationCreate,
		CurrentState:   doc.Snapshot(),
		Actor:          actor,
		Metadata:       apiMetadata(doc),
	})
	return doc, nil
}

// Get fetches one document by id.
func (s *CrudService) Get(ctx context.Context, schemaName, id string) (domain.Document, error) {
	model, err := s.models.GetModel(schemaName)
	if err != nil {
		return domain.Document{}, err
	}
	docID, err := parseDocumentID(id)
	if err != nil {
		return domain.Document{}, err
	}
	return model.FindByID(ctx, docID)
}

// List returns one page of documents matching the filter.
func (s *CrudService) List(ctx context.Context, schemaName string, filter map[string]any, limit, offset int) (ListResult, error) {
	model, err := s.models.GetModel(schemaName)
	if err != nil {
		return ListResult{}, err
	}
	limit = domain.ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	docs, total, err := model.Find(ctx, filter, limit, offset)
	if err != nil {
		return ListResult{}, fmt.Errorf("failed to list %s documents: %w", schemaName, err)
	}
	return ListResult{Documents: docs, Total: total}, nil
}

// Update replaces a document's business data, records the update, and kicks
// off staleness propagation to dependents.
func (s *CrudService) Update(ctx context.Context, schemaName, id string, data map[string]any, actor domain.Actor) (domain.Document, error) {
	model, err := s.models.GetModel(schemaName)
	if err != nil {
		return domain.Document{}, err
	}
	docID, err := parseDocumentID(id)
	if err != nil {
		return domain.Document{}, err
	}
	if err := s.validate(ctx, schemaName, data); err != nil {
		return domain.Document{}, err
	}

	previous, err := model.FindByID(ctx, docID)
	if err != nil {
		return domain.Document{}, err
	}
	updated, err := model.FindByIDAndUpdate(ctx, docID, domain.StripSystemFields(data))
	if err != nil {
		return domain.Document{}, fmt.Errorf("failed to update %s document %s: %w", schemaName, id, err)
	}

	entry := s.logChange(ctx, audit.ChangeRecord{
		DocumentID:     updated.ID.String(),
		SchemaName:     schemaName,
		CollectionName: updated.CollectionName,
		Operation:      domain.OperationUpdate,
		PreviousState:  previous.Snapshot(),
		CurrentState:   updated.Snapshot(),
		Actor:          actor,
		Metadata:       apiMetadata(updated),
	})

	s.propagateAsync(schemaName, id, entry.ChangedFields)
	return updated, nil
}

// Delete removes a document, records the delete, and propagates staleness.
func (s *CrudService) Delete(ctx context.Context, schemaName, id string, actor domain.Actor) (domain.Document, error) {
	model, err := s.models.GetModel(schemaName)
	if err != nil {
		return domain.Document{}, err
	}
	docID, err := parseDocumentID(id)
	if err != nil {
		return domain.Document{}, err
	}

	deleted, err := model.Delete(ctx, docID)
	if err != nil {
		return domain.Document{}, err
	}

	s.logChange(ctx, audit.ChangeRecord{
		DocumentID:     deleted.ID.String(),
		SchemaName:     schemaName,
		CollectionName: deleted.CollectionName,
		Operation:      domain.OperationDelete,
		PreviousState:  deleted.Snapshot(),
		Actor:          actor,
		Metadata:       apiMetadata(deleted),
	})

	s.propagateAsync(schemaName, id, nil)
	return deleted, nil
}

// logChange writes the ledger entry for a completed storage write. A ledger
// failure is logged and swallowed: the storage write already happened and
// must not be reported as failed. The change feed cannot repair the gap,
// because the change key was never persisted.
func (s *CrudService) logChange(ctx context.Context, record audit.ChangeRecord) domain.AuditLogEntry {
	entry, err := s.ledger.LogChange(ctx, record)
	if err != nil {
		s.logger.Warn().
			Str("document_id", record.DocumentID).
			Str("schema", record.SchemaName).
			Str("operation", string(record.Operation)).
			Err(err).
			Msg("audit log write failed, operation still applied")
		return domain.AuditLogEntry{}
	}
	return entry
}

func (s *CrudService) propagateAsync(schemaName, recordID string, changes []domain.FieldChange) {
	if s.propagator == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), propagationTimeout)
		defer cancel()
		if _, err := s.propagator.PropagateChanges(ctx, schemaName, recordID, changes); err != nil {
			s.logger.Warn().
				Str("schema", schemaName).
				Str("record_id", recordID).
				Err(err).
				Msg("staleness propagation failed")
		}
	}()
}

func (s *CrudService) validate(ctx context.Context, schemaName string, data map[string]any) error {
	if s.validator == nil {
		return nil
	}
	schema, err := s.schemas.GetByName(ctx, schemaName)
	if err != nil {
		return err
	}
	return s.validator.Validate(ctx, schema, data)
}

// apiMetadata stamps the source and the dual-write idempotency key shared
// with the change-feed listener.
func apiMetadata(doc domain.Document) map[string]any {
	return map[string]any{
		domain.MetaSource:    domain.SourceAPI,
		domain.MetaChangeKey: domain.ChangeKey(doc.CollectionName, doc.ID.String(), doc.Revision),
	}
}

func parseDocumentID(id string) (uuid.UUID, error) {
	docID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, domain.NewValidationError("id", "must be a valid UUID")
	}
	return docID, nil
}

// Package registry owns the mapping from schema names to live collection
// handles. The registry is an explicit object created by the composition root
// and injected wherever lookup is needed; it is populated at startup, mutated
// on schema create/deactivate, and torn down at shutdown.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/google/uuid"
)

// DocumentModel is a per-schema handle over the shared document store. It
// binds the schema and collection names so callers never pass them by hand.
type DocumentModel struct {
	store          repository.DocumentStore
	schemaName     string
	collectionName string
}

// NewDocumentModel binds a store to one schema's collection.
func NewDocumentModel(store repository.DocumentStore, schemaName, collectionName string) *DocumentModel {
	return &DocumentModel{store: store, schemaName: schemaName, collectionName: collectionName}
}

// SchemaName returns the schema this model serves.
func (m *DocumentModel) SchemaName() string { return m.schemaName }

// CollectionName returns the physical collection tag.
func (m *DocumentModel) CollectionName() string { return m.collectionName }

// Insert creates a new document in this collection.
func (m *DocumentModel) Insert(ctx context.Context, data map[string]any) (domain.Document, error) {
	return m.store.Insert(ctx, domain.NewDocument(m.schemaName, m.collectionName, data))
}

// InsertMany creates a batch of documents in this collection.
func (m *DocumentModel) InsertMany(ctx context.Context, datas []map[string]any) ([]domain.Document, error) {
	docs := make([]domain.Document, 0, len(datas))
	for _, data := range datas {
		docs = append(docs, domain.NewDocument(m.schemaName, m.collectionName, data))
	}
	return m.store.InsertMany(ctx, docs)
}

// FindByID fetches one document.
func (m *DocumentModel) FindByID(ctx context.Context, id uuid.UUID) (domain.Document, error) {
	return m.store.FindByID(ctx, m.collectionName, id)
}

// Find lists documents matching the filter.
func (m *DocumentModel) Find(ctx context.Context, filter map[string]any, limit, offset int) ([]domain.Document, int64, error) {
	return m.store.Find(ctx, m.collectionName, filter, limit, offset)
}

// FindByIDAndUpdate replaces a document's business data, bumping its revision.
func (m *DocumentModel) FindByIDAndUpdate(ctx context.Context, id uuid.UUID, data map[string]any) (domain.Document, error) {
	return m.store.FindByIDAndUpdate(ctx, m.collectionName, id, data)
}

// FindByReference lists documents whose reference field points at recordID.
func (m *DocumentModel) FindByReference(ctx context.Context, field, recordID string, refType domain.ReferenceType) ([]domain.Document, error) {
	return m.store.FindByReference(ctx, m.collectionName, field, recordID, refType)
}

// Delete removes a document, returning its final state.
func (m *DocumentModel) Delete(ctx context.Context, id uuid.UUID) (domain.Document, error) {
	return m.store.Delete(ctx, m.collectionName, id)
}

// ModelRegistry maps schema names to document models.
type ModelRegistry struct {
	mu     sync.RWMutex
	store  repository.DocumentStore
	models map[string]*DocumentModel
}

// NewModelRegistry creates an empty registry over the given store.
func NewModelRegistry(store repository.DocumentStore) *ModelRegistry {
	return &ModelRegistry{
		store:  store,
		models: make(map[string]*DocumentModel),
	}
}

// Populate loads every active schema into the registry. Called once at
// startup before any component performs lookups.
func (r *ModelRegistry) Populate(ctx context.Context, schemas repository.SchemaRepository) error {
	active, err := schemas.List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load active schemas: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, schema := range active {
		r.models[schema.Name] = NewDocumentModel(r.store, schema.Name, schema.CollectionName)
	}
	return nil
}

// Register adds or replaces the model for a schema.
func (r *ModelRegistry) Register(schema domain.SchemaDefinition) *DocumentModel {
	model := NewDocumentModel(r.store, schema.Name, schema.CollectionName)
	r.mu.Lock()
	r.models[schema.Name] = model
	r.mu.Unlock()
	return model
}

// Remove drops a schema's model, typically on deactivation.
func (r *ModelRegistry) Remove(schemaName string) {
	r.mu.Lock()
	delete(r.models, schemaName)
	r.mu.Unlock()
}

// GetModel looks up the model for a schema name.
func (r *ModelRegistry) GetModel(schemaName string) (*DocumentModel, error) {
	r.mu.RLock()
	model, ok := r.models[schemaName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no model registered for schema %q: %w", schemaName, domain.ErrSchemaNotFound)
	}
	return model, nil
}

// Names returns the registered schema names.
func (r *ModelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}

// Teardown clears every registered model.
func (r *ModelRegistry) Teardown() {
	r.mu.Lock()
	r.models = make(map[string]*DocumentModel)
	r.mu.Unlock()
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/propagation"
	"github.com/tgnichols/schemabase/internal/registry"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuditLogRepo implements just enough of the ledger storage for the CRUD
// path: version assignment and entry capture.
type fakeAuditLogRepo struct {
	mu        sync.Mutex
	entries   []domain.AuditLogEntry
	insertErr error
}

var _ repository.AuditLogRepository = (*fakeAuditLogRepo)(nil)

func (f *fakeAuditLogRepo) Insert(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return domain.AuditLogEntry{}, f.insertErr
	}
	entry.ID = uuid.New()
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeAuditLogRepo) MaxVersion(ctx context.Context, documentID, schemaName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, entry := range f.entries {
		if entry.DocumentID == documentID && entry.SchemaName == schemaName && entry.Version > max {
			max = entry.Version
		}
	}
	return max, nil
}

func (f *fakeAuditLogRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.AuditLogEntry, error) {
	return domain.AuditLogEntry{}, domain.ErrVersionNotFound
}

func (f *fakeAuditLogRepo) GetByVersion(ctx context.Context, documentID, schemaName string, version int64) (domain.AuditLogEntry, error) {
	return domain.AuditLogEntry{}, domain.ErrVersionNotFound
}

func (f *fakeAuditLogRepo) ListByDocument(ctx context.Context, documentID, schemaName string, filter repository.HistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	return nil, 0, nil
}

func (f *fakeAuditLogRepo) ListBySchema(ctx context.Context, schemaName string, filter repository.SchemaHistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	return nil, 0, nil
}

func (f *fakeAuditLogRepo) Stats(ctx context.Context, schemaName string, since *time.Time) (domain.AuditStats, error) {
	return domain.AuditStats{}, nil
}

func (f *fakeAuditLogRepo) CountMatching(ctx context.Context, filter repository.CleanupFilter) (int64, error) {
	return 0, nil
}

func (f *fakeAuditLogRepo) DeleteMatching(ctx context.Context, filter repository.CleanupFilter) (int64, error) {
	return 0, nil
}

func (f *fakeAuditLogRepo) SetRevertedFrom(ctx context.Context, entryID, sourceEntryID uuid.UUID) error {
	return nil
}

func (f *fakeAuditLogRepo) HasChangeKey(ctx context.Context, changeKey string) (bool, error) {
	return false, nil
}

func (f *fakeAuditLogRepo) logged() []domain.AuditLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AuditLogEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

type fakeSchemaRepo struct {
	mu      sync.Mutex
	schemas []domain.SchemaDefinition
}

var _ repository.SchemaRepository = (*fakeSchemaRepo)(nil)

func (f *fakeSchemaRepo) Create(ctx context.Context, schema domain.SchemaDefinition) (domain.SchemaDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas = append(f.schemas, schema)
	return schema, nil
}

func (f *fakeSchemaRepo) GetByName(ctx context.Context, name string) (domain.SchemaDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, schema := range f.schemas {
		if schema.Name == name {
			return schema, nil
		}
	}
	return domain.SchemaDefinition{}, domain.ErrSchemaNotFound
}

func (f *fakeSchemaRepo) List(ctx context.Context, activeOnly bool) ([]domain.SchemaDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.SchemaDefinition{}
	for _, schema := range f.schemas {
		if activeOnly && !schema.Active {
			continue
		}
		out = append(out, schema)
	}
	return out, nil
}

func (f *fakeSchemaRepo) SetActive(ctx context.Context, name string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.schemas {
		if f.schemas[i].Name == name {
			f.schemas[i].Active = active
			return nil
		}
	}
	return domain.ErrSchemaNotFound
}

type fakeDocumentStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]domain.Document
}

var _ repository.DocumentStore = (*fakeDocumentStore)(nil)

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{docs: map[uuid.UUID]domain.Document{}}
}

func (f *fakeDocumentStore) Insert(ctx context.Context, doc domain.Document) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocumentStore) InsertMany(ctx context.Context, docs []domain.Document) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range docs {
		f.docs[doc.ID] = doc
	}
	return docs, nil
}

func (f *fakeDocumentStore) FindByID(ctx context.Context, collectionName string, id uuid.UUID) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.CollectionName != collectionName {
		return domain.Document{}, domain.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeDocumentStore) Find(ctx context.Context, collectionName string, filter map[string]any, limit, offset int) ([]domain.Document, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := []domain.Document{}
	for _, doc := range f.docs {
		if doc.CollectionName != collectionName {
			continue
		}
		contains := true
		for key, value := range filter {
			if !domain.ValuesEqual(doc.Data[key], value) {
				contains = false
				break
			}
		}
		if contains {
			matched = append(matched, doc)
		}
	}
	return matched, int64(len(matched)), nil
}

func (f *fakeDocumentStore) FindByIDAndUpdate(ctx context.Context, collectionName string, id uuid.UUID, data map[string]any) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.CollectionName != collectionName {
		return domain.Document{}, domain.ErrDocumentNotFound
	}
	doc.Data = data
	doc.Revision++
	doc.UpdatedAt = time.Now()
	f.docs[id] = doc
	return doc, nil
}

func (f *fakeDocumentStore) FindByReference(ctx context.Context, collectionName, field, recordID string, refType domain.ReferenceType) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := []domain.Document{}
	for _, doc := range f.docs {
		if doc.CollectionName != collectionName {
			continue
		}
		switch refType {
		case domain.ReferenceArray:
			values, _ := doc.Data[field].([]any)
			for _, value := range values {
				if value == recordID {
					matched = append(matched, doc)
					break
				}
			}
		default:
			if doc.Data[field] == recordID {
				matched = append(matched, doc)
			}
		}
	}
	return matched, nil
}

func (f *fakeDocumentStore) Delete(ctx context.Context, collectionName string, id uuid.UUID) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.CollectionName != collectionName {
		return domain.Document{}, domain.ErrDocumentNotFound
	}
	delete(f.docs, id)
	return doc, nil
}

type crudFixture struct {
	schemas *fakeSchemaRepo
	store   *fakeDocumentStore
	logs    *fakeAuditLogRepo
	models  *registry.ModelRegistry
	crud    *CrudService
}

func newCrudFixture(t *testing.T) *crudFixture {
	t.Helper()

	schemas := &fakeSchemaRepo{schemas: []domain.SchemaDefinition{
		{Name: "Product", CollectionName: "data_product", Active: true,
			Relationships: []domain.Relationship{
				{Field: "category", ReferencedSchema: "Category", ReferenceType: domain.ReferenceSingle},
			}},
		{Name: "Category", CollectionName: "data_category", Active: true},
	}}
	store := newFakeDocumentStore()
	logs := &fakeAuditLogRepo{}
	models := registry.NewModelRegistry(store)
	require.NoError(t, models.Populate(context.Background(), schemas))

	ledger := audit.NewLedger(logs, zerolog.Nop())
	propagator := propagation.NewPropagator(schemas, models, zerolog.Nop())
	return &crudFixture{
		schemas: schemas,
		store:   store,
		logs:    logs,
		models:  models,
		crud:    NewCrudService(schemas, models, ledger, propagator, nil, zerolog.Nop()),
	}
}

func userActor(id string) domain.Actor {
	return domain.Actor{UserID: &id}
}

func TestCreateLogsAuditEntry(t *testing.T) {
	f := newCrudFixture(t)

	doc, err := f.crud.Create(context.Background(), "Product",
		map[string]any{"name": "widget", "id": "spoofed", "revision": float64(99)}, userActor("u-1"))
	require.NoError(t, err)

	// System fields in the input are discarded, not stored.
	assert.NotContains(t, doc.Data, "id")
	assert.NotContains(t, doc.Data, "revision")
	assert.Equal(t, "widget", doc.Data["name"])

	entries := f.logs.logged()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, domain.OperationCreate, entry.Operation)
	assert.Equal(t, int64(1), entry.Version)
	assert.Equal(t, domain.SourceAPI, entry.Metadata[domain.MetaSource])
	assert.Equal(t, domain.ChangeKey("data_product", doc.ID.String(), doc.Revision), entry.Metadata[domain.MetaChangeKey])
	require.NotNil(t, entry.Actor.UserID)
	assert.Equal(t, "u-1", *entry.Actor.UserID)
	assert.Equal(t, doc.ID.String(), entry.CurrentState[domain.FieldID])
}

func TestUpdateLogsDiffAndPropagates(t *testing.T) {
	f := newCrudFixture(t)
	ctx := context.Background()

	category, err := f.crud.Create(ctx, "Category", map[string]any{"name": "tools"}, domain.Actor{})
	require.NoError(t, err)
	product, err := f.crud.Create(ctx, "Product",
		map[string]any{"name": "widget", "category": category.ID.String()}, domain.Actor{})
	require.NoError(t, err)

	_, err = f.crud.Update(ctx, "Category", category.ID.String(), map[string]any{"name": "hand tools"}, domain.Actor{})
	require.NoError(t, err)

	entries := f.logs.logged()
	require.Len(t, entries, 3)
	update := entries[2]
	assert.Equal(t, domain.OperationUpdate, update.Operation)
	assert.Equal(t, int64(2), update.Version)
	require.Len(t, update.ChangedFields, 1)
	assert.Equal(t, "name", update.ChangedFields[0].Field)
	assert.Equal(t, "tools", update.ChangedFields[0].OldValue)
	assert.Equal(t, "hand tools", update.ChangedFields[0].NewValue)

	// Propagation runs asynchronously and stamps the referencing product.
	require.Eventually(t, func() bool {
		doc, err := f.store.FindByID(context.Background(), "data_product", product.ID)
		if err != nil {
			return false
		}
		_, stamped := doc.Data["category_lastUpdated"]
		return stamped
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteLogsFinalState(t *testing.T) {
	f := newCrudFixture(t)
	ctx := context.Background()

	doc, err := f.crud.Create(ctx, "Product", map[string]any{"name": "widget"}, domain.Actor{})
	require.NoError(t, err)

	deleted, err := f.crud.Delete(ctx, "Product", doc.ID.String(), domain.Actor{})
	require.NoError(t, err)
	assert.Equal(t, doc.ID, deleted.ID)

	_, err = f.crud.Get(ctx, "Product", doc.ID.String())
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	entries := f.logs.logged()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OperationDelete, entries[1].Operation)
	assert.Nil(t, entries[1].CurrentState)
	assert.Equal(t, "widget", entries[1].PreviousState["name"])
}

func TestLedgerFailureDoesNotFailMutation(t *testing.T) {
	f := newCrudFixture(t)
	f.logs.insertErr = errors.New("ledger storage down")

	doc, err := f.crud.Create(context.Background(), "Product", map[string]any{"name": "widget"}, domain.Actor{})
	require.NoError(t, err, "create succeeds even when the audit write fails")

	stored, err := f.store.FindByID(context.Background(), "data_product", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "widget", stored.Data["name"])
	assert.Empty(t, f.logs.logged())
}

func TestCrudValidation(t *testing.T) {
	f := newCrudFixture(t)
	ctx := context.Background()

	_, err := f.crud.Get(ctx, "Product", "not-a-uuid")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	_, err = f.crud.Create(ctx, "Unknown", map[string]any{}, domain.Actor{})
	assert.ErrorIs(t, err, domain.ErrSchemaNotFound)
}

func TestSchemaServiceLifecycle(t *testing.T) {
	f := newCrudFixture(t)
	svc := NewSchemaService(f.schemas, f.models, zerolog.Nop())
	ctx := context.Background()

	created, err := svc.CreateSchema(ctx, CreateSchemaInput{
		Name: "Supplier",
		Relationships: []domain.Relationship{
			{Field: "products", ReferencedSchema: "Product", ReferenceType: domain.ReferenceArray},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "data_supplier", created.CollectionName)
	assert.True(t, created.Active)

	_, err = f.models.GetModel("Supplier")
	require.NoError(t, err)

	require.NoError(t, svc.DeactivateSchema(ctx, "Supplier"))
	_, err = f.models.GetModel("Supplier")
	assert.ErrorIs(t, err, domain.ErrSchemaNotFound)

	_, err = svc.CreateSchema(ctx, CreateSchemaInput{Name: ""})
	assert.True(t, domain.IsValidation(err))

	_, err = svc.CreateSchema(ctx, CreateSchemaInput{
		Name: "Bad",
		Relationships: []domain.Relationship{
			{Field: "x", ReferencedSchema: "Product", ReferenceType: "both"},
		},
	})
	assert.True(t, domain.IsValidation(err))
}

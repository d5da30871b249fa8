package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/changefeed"
	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/export"
	"github.com/tgnichols/schemabase/internal/propagation"
	"github.com/tgnichols/schemabase/internal/registry"
	"github.com/tgnichols/schemabase/internal/repository"
	"github.com/tgnichols/schemabase/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuditLogRepo struct {
	mu      sync.Mutex
	entries []domain.AuditLogEntry
}

var _ repository.AuditLogRepository = (*fakeAuditLogRepo)(nil)

func (f *fakeAuditLogRepo) Insert(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = uuid.New()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return domain.AuditLogEntry{}, domain.ErrVersionNotFound
}

func (f *fakeAuditLogRepo) GetByVersion(ctx context.Context, documentID, schemaName string, version int64) (domain.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.DocumentID == documentID && entry.SchemaName == schemaName && entry.Version == version {
			return entry, nil
		}
	}
	return domain.AuditLogEntry{}, domain.ErrVersionNotFound
}

func (f *fakeAuditLogRepo) ListByDocument(ctx context.Context, documentID, schemaName string, filter repository.HistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := []domain.AuditLogEntry{}
	for _, entry := range f.entries {
		if entry.DocumentID == documentID && entry.SchemaName == schemaName {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Version > matched[j].Version })

	total := int64(len(matched))
	limit := domain.ClampLimit(filter.Limit)
	start := (filter.Page - 1) * limit
	if start >= len(matched) {
		return []domain.AuditLogEntry{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (f *fakeAuditLogRepo) ListBySchema(ctx context.Context, schemaName string, filter repository.SchemaHistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	return []domain.AuditLogEntry{}, 0, nil
}

func (f *fakeAuditLogRepo) Stats(ctx context.Context, schemaName string, since *time.Time) (domain.AuditStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := domain.AuditStats{SchemaName: schemaName, Operations: map[domain.Operation]int64{}}
	for _, entry := range f.entries {
		if entry.SchemaName == schemaName {
			stats.TotalEntries++
			stats.Operations[entry.Operation]++
		}
	}
	return stats, nil
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
	return nil, nil
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

type staticFeed struct{ status changefeed.Status }

func (s staticFeed) Status() changefeed.Status { return s.status }

type apiFixture struct {
	server *httptest.Server
	crud   *service.CrudService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	schemas := &fakeSchemaRepo{schemas: []domain.SchemaDefinition{
		{Name: "Product", CollectionName: "data_product", Active: true},
	}}
	store := newFakeDocumentStore()
	logs := &fakeAuditLogRepo{}
	models := registry.NewModelRegistry(store)
	require.NoError(t, models.Populate(context.Background(), schemas))

	logger := zerolog.Nop()
	ledger := audit.NewLedger(logs, logger)
	reconstructor := audit.NewReconstructor(logs)
	reverter := audit.NewRevertEngine(ledger, logs, models, logger)
	propagator := propagation.NewPropagator(schemas, models, logger)
	crud := service.NewCrudService(schemas, models, ledger, propagator, nil, logger)
	schemaSvc := service.NewSchemaService(schemas, models, logger)

	feed := staticFeed{status: changefeed.Status{
		IsInitialized: true,
		TotalStreams:  1,
		Streams: map[string]changefeed.StreamStatus{
			"Product": {Status: changefeed.StreamActive, CollectionName: "data_product"},
		},
	}}

	exporter := export.NewService(models, logger)

	handler := New(schemaSvc, crud, ledger, reconstructor, reverter, nil, exporter, feed, logger)
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return &apiFixture{server: server, crud: crud}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) seedDocument(t *testing.T, versions int) domain.Document {
	t.Helper()
	ctx := context.Background()

	doc, err := f.crud.Create(ctx, "Product", map[string]any{"name": "widget", "n": float64(0)}, domain.Actor{})
	require.NoError(t, err)
	for i := 1; i < versions; i++ {
		doc, err = f.crud.Update(ctx, "Product", doc.ID.String(),
			map[string]any{"name": "widget", "n": float64(i)}, domain.Actor{})
		require.NoError(t, err)
	}
	return doc
}

func TestCrudEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/data/Product", map[string]any{"name": "widget"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, float64(1), body["revision"])

	resp, body = f.request(t, http.MethodGet, "/api/data/Product/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "widget", body["name"])

	resp, body = f.request(t, http.MethodPut, "/api/data/Product/"+id, map[string]any{"name": "gadget"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["revision"])

	resp, _ = f.request(t, http.MethodDelete, "/api/data/Product/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/data/Product/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCrudBoundaryValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.request(t, http.MethodGet, "/api/data/Product/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/data/Unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/data/Product?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/data/Product?limit=101", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet, "/api/data/Product?limit=100", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	doc := f.seedDocument(t, 5)

	resp, body := f.request(t, http.MethodGet,
		fmt.Sprintf("/api/data/Product/%s/history?page=1&limit=2", doc.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, _ := body["entries"].([]any)
	require.Len(t, entries, 2)
	newest, _ := entries[0].(map[string]any)
	assert.Equal(t, float64(5), newest["version"])

	pagination, _ := body["pagination"].(map[string]any)
	assert.Equal(t, float64(5), pagination["totalRecords"])
	assert.Equal(t, float64(3), pagination["totalPages"])
	assert.Equal(t, true, pagination["hasNextPage"])

	resp, _ = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/data/Product/%s/history?limit=500", doc.ID), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVersionEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	doc := f.seedDocument(t, 3)

	resp, body := f.request(t, http.MethodGet,
		fmt.Sprintf("/api/data/Product/%s/versions/1", doc.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state, _ := body["state"].(map[string]any)
	assert.Equal(t, float64(0), state["n"])

	resp, _ = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/data/Product/%s/versions/0", doc.ID), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/data/Product/%s/versions/99", doc.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/data/Product/%s/compare?from=1&to=3", doc.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	changes, _ := body["changes"].([]any)
	require.Len(t, changes, 1)

	resp, _ = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/data/Product/%s/compare?from=1", doc.ID), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevertEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	doc := f.seedDocument(t, 3)

	resp, body := f.request(t, http.MethodPost,
		fmt.Sprintf("/api/data/Product/%s/revert", doc.ID),
		map[string]any{"targetVersion": 1, "reason": "baseline"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reverted, _ := body["document"].(map[string]any)
	data, _ := reverted["data"].(map[string]any)
	assert.Equal(t, float64(0), data["n"])

	resp, _ = f.request(t, http.MethodPost,
		fmt.Sprintf("/api/data/Product/%s/revert", doc.ID),
		map[string]any{"targetVersion": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost,
		fmt.Sprintf("/api/data/Product/%s/revert", doc.ID),
		map[string]any{"targetVersion": 99})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchemaAndAuditEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedDocument(t, 2)

	resp, body := f.request(t, http.MethodPost, "/api/schemas",
		map[string]any{"name": "Supplier"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "data_supplier", body["collection_name"])

	resp, _ = f.request(t, http.MethodGet, "/api/schemas?active=true", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.request(t, http.MethodGet, "/api/audit/Product/stats?timeframe=7d", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["totalEntries"])

	resp, _ = f.request(t, http.MethodGet, "/api/audit/Product/stats?timeframe=2y", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/api/audit/cleanup",
		map[string]any{"olderThanDays": 0, "dryRun": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.request(t, http.MethodGet, "/api/changefeed/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isInitialized"])
}

func TestExportEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	doc := f.seedDocument(t, 1)

	resp, err := http.Get(f.server.URL + "/api/data/Product/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"id", "revision", "createdAt", "updatedAt", "n", "name"}, records[0])
	assert.Equal(t, doc.ID.String(), records[1][0])
	assert.Equal(t, "widget", records[1][5])

	resp2, _ := f.request(t, http.MethodGet, "/api/data/Product/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3, _ := f.request(t, http.MethodGet, "/api/data/Unknown/export", nil)
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/google/uuid"
)

// fakeAuditLogRepo is an in-memory ledger store that emulates the unique
// constraint on (document_id, schema_name, version).
type fakeAuditLogRepo struct {
	mu      sync.Mutex
	entries []domain.AuditLogEntry

	insertErr     error
	conflictsLeft int
}

var _ repository.AuditLogRepository = (*fakeAuditLogRepo)(nil)

func newFakeAuditLogRepo() *fakeAuditLogRepo {
	return &fakeAuditLogRepo{}
}

func (f *fakeAuditLogRepo) Insert(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return domain.AuditLogEntry{}, f.insertErr
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return domain.AuditLogEntry{}, domain.ErrVersionConflict
	}
	for _, existing := range f.entries {
		if existing.DocumentID == entry.DocumentID &&
			existing.SchemaName == entry.SchemaName &&
			existing.Version == entry.Version {
			return domain.AuditLogEntry{}, fmt.Errorf("duplicate slot: %w", domain.ErrVersionConflict)
		}
	}

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
		if entry.DocumentID != documentID || entry.SchemaName != schemaName {
			continue
		}
		if !matchesFilter(entry, filter) {
			continue
		}
		matched = append(matched, entry)
	}
	return paginate(matched, filter)
}

func (f *fakeAuditLogRepo) ListBySchema(ctx context.Context, schemaName string, filter repository.SchemaHistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := []domain.AuditLogEntry{}
	for _, entry := range f.entries {
		if entry.SchemaName != schemaName {
			continue
		}
		if !matchesFilter(entry, filter.HistoryFilter) {
			continue
		}
		if filter.UserID != nil {
			if entry.Actor.UserID == nil || *entry.Actor.UserID != *filter.UserID {
				continue
			}
		}
		matched = append(matched, entry)
	}
	return paginate(matched, filter.HistoryFilter)
}

func matchesFilter(entry domain.AuditLogEntry, filter repository.HistoryFilter) bool {
	if filter.Operation != nil && entry.Operation != *filter.Operation {
		return false
	}
	if filter.From != nil && entry.Timestamp.Before(*filter.From) {
		return false
	}
	if filter.To != nil && entry.Timestamp.After(*filter.To) {
		return false
	}
	return true
}

func paginate(matched []domain.AuditLogEntry, filter repository.HistoryFilter) ([]domain.AuditLogEntry, int64, error) {
	sort.Slice(matched, func(i, j int) bool { return matched[i].Version > matched[j].Version })

	total := int64(len(matched))
	limit := domain.ClampLimit(filter.Limit)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []domain.AuditLogEntry{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (f *fakeAuditLogRepo) Stats(ctx context.Context, schemaName string, since *time.Time) (domain.AuditStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := domain.AuditStats{SchemaName: schemaName, Operations: map[domain.Operation]int64{}}
	docs := map[string]struct{}{}
	for _, entry := range f.entries {
		if entry.SchemaName != schemaName {
			continue
		}
		if since != nil && entry.Timestamp.Before(*since) {
			continue
		}
		stats.TotalEntries++
		stats.Operations[entry.Operation]++
		docs[entry.DocumentID] = struct{}{}
	}
	stats.DistinctDocuments = int64(len(docs))
	return stats, nil
}

func (f *fakeAuditLogRepo) CountMatching(ctx context.Context, filter repository.CleanupFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.cleanupMatches(filter))), nil
}

func (f *fakeAuditLogRepo) DeleteMatching(ctx context.Context, filter repository.CleanupFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doomed := f.cleanupMatches(filter)
	if len(doomed) == 0 {
		return 0, nil
	}
	kept := make([]domain.AuditLogEntry, 0, len(f.entries)-len(doomed))
	for _, entry := range f.entries {
		if _, dead := doomed[entry.ID]; !dead {
			kept = append(kept, entry)
		}
	}
	deleted := int64(len(f.entries) - len(kept))
	f.entries = kept
	return deleted, nil
}

func (f *fakeAuditLogRepo) cleanupMatches(filter repository.CleanupFilter) map[uuid.UUID]struct{} {
	matches := map[uuid.UUID]struct{}{}
	for _, entry := range f.entries {
		if !entry.Timestamp.Before(filter.Cutoff) {
			continue
		}
		if filter.SchemaName != "" && entry.SchemaName != filter.SchemaName {
			continue
		}
		if filter.Operation != nil && entry.Operation != *filter.Operation {
			continue
		}
		matches[entry.ID] = struct{}{}
	}
	return matches
}

func (f *fakeAuditLogRepo) SetRevertedFrom(ctx context.Context, entryID, sourceEntryID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.entries {
		if f.entries[i].ID == entryID && f.entries[i].RevertedFrom == nil {
			source := sourceEntryID
			f.entries[i].RevertedFrom = &source
			return nil
		}
	}
	return domain.ErrVersionNotFound
}

func (f *fakeAuditLogRepo) HasChangeKey(ctx context.Context, changeKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, entry := range f.entries {
		if entry.MetaString(domain.MetaChangeKey) == changeKey {
			return true, nil
		}
	}
	return false, nil
}

// fakeDocumentStore is an in-memory document store.
type fakeDocumentStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]domain.Document

	updateErr error
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

	if f.updateErr != nil {
		return domain.Document{}, f.updateErr
	}
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
			values, ok := doc.Data[field].([]any)
			if !ok {
				continue
			}
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

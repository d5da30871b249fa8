package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tgnichols/schemabase/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type documentRepository struct {
	pool *pgxpool.Pool
}

// NewDocumentStore wires the shared JSONB document store backed by pgxpool.
func NewDocumentStore(pool *pgxpool.Pool) DocumentStore {
	return &documentRepository{pool: pool}
}

const documentColumns = `id, schema_name, collection_name, data, revision, created_at, updated_at`

func (r *documentRepository) Insert(ctx context.Context, doc domain.Document) (domain.Document, error) {
	dataJSON, err := json.Marshal(doc.Data)
	if err != nil {
		return domain.Document{}, fmt.Errorf("failed to marshal document data: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO documents (id, schema_name, collection_name, data)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+documentColumns,
		doc.ID,
		doc.SchemaName,
		doc.CollectionName,
		dataJSON,
	)
	inserted, err := scanDocument(row)
	if err != nil {
		return domain.Document{}, fmt.Errorf("failed to insert document: %w", err)
	}
	return inserted, nil
}

func (r *documentRepository) InsertMany(ctx context.Context, docs []domain.Document) ([]domain.Document, error) {
	if len(docs) == 0 {
		return []domain.Document{}, nil
	}

	batch := &pgx.Batch{}
	for _, doc := range docs {
		dataJSON, err := json.Marshal(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document data: %w", err)
		}
		batch.Queue(
			`INSERT INTO documents (id, schema_name, collection_name, data)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+documentColumns,
			doc.ID, doc.SchemaName, doc.CollectionName, dataJSON,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := make([]domain.Document, 0, len(docs))
	for range docs {
		doc, err := scanDocument(results.QueryRow())
		if err != nil {
			return nil, fmt.Errorf("failed to insert document batch: %w", err)
		}
		inserted = append(inserted, doc)
	}
	return inserted, nil
}

func (r *documentRepository) FindByID(ctx context.Context, collectionName string, id uuid.UUID) (domain.Document, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection_name = $1 AND id = $2`,
		collectionName,
		id,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, domain.ErrDocumentNotFound
		}
		return domain.Document{}, fmt.Errorf("failed to find document: %w", err)
	}
	return doc, nil
}

// Find matches documents whose data contains the filter (JSONB containment,
// which is field equality for scalar values). A nil filter lists the
// collection.
func (r *documentRepository) Find(ctx context.Context, collectionName string, filter map[string]any, limit, offset int) ([]domain.Document, int64, error) {
	where := "collection_name = $1"
	args := []any{collectionName}

	if len(filter) > 0 {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal filter: %w", err)
		}
		args = append(args, filterJSON)
		where += fmt.Sprintf(" AND data @> $%d", len(args))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := r.pool.Query(
		ctx,
		fmt.Sprintf(`SELECT %s FROM documents WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			documentColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find documents: %w", err)
	}
	defer rows.Close()

	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func (r *documentRepository) FindByIDAndUpdate(ctx context.Context, collectionName string, id uuid.UUID, data map[string]any) (domain.Document, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return domain.Document{}, fmt.Errorf("failed to marshal document data: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`UPDATE documents
		 SET data = $3, revision = revision + 1, updated_at = now()
		 WHERE collection_name = $1 AND id = $2
		 RETURNING `+documentColumns,
		collectionName,
		id,
		dataJSON,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, domain.ErrDocumentNotFound
		}
		return domain.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	return doc, nil
}

func (r *documentRepository) FindByReference(ctx context.Context, collectionName, field, recordID string, refType domain.ReferenceType) ([]domain.Document, error) {
	var condition string
	switch refType {
	case domain.ReferenceArray:
		// array field containing the id
		condition = `data -> $2 @> to_jsonb($3::text)`
	default:
		// scalar field equal to the id
		condition = `data @> jsonb_build_object($2::text, $3::text)`
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection_name = $1 AND `+condition,
		collectionName,
		field,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents by reference: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

func (r *documentRepository) Delete(ctx context.Context, collectionName string, id uuid.UUID) (domain.Document, error) {
	row := r.pool.QueryRow(
		ctx,
		`DELETE FROM documents WHERE collection_name = $1 AND id = $2
		 RETURNING `+documentColumns,
		collectionName,
		id,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, domain.ErrDocumentNotFound
		}
		return domain.Document{}, fmt.Errorf("failed to delete document: %w", err)
	}
	return doc, nil
}

func collectDocuments(rows pgx.Rows) ([]domain.Document, error) {
	docs := []domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var (
		doc      domain.Document
		dataJSON []byte
	)
	err := row.Scan(
		&doc.ID,
		&doc.SchemaName,
		&doc.CollectionName,
		&dataJSON,
		&doc.Revision,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return domain.Document{}, err
	}
	if err := json.Unmarshal(dataJSON, &doc.Data); err != nil {
		return domain.Document{}, fmt.Errorf("failed to decode document data: %w", err)
	}
	return doc, nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tgnichols/schemabase/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type schemaRepository struct {
	pool *pgxpool.Pool
}

// NewSchemaRepository wires the schema registry storage backed by pgxpool.
func NewSchemaRepository(pool *pgxpool.Pool) SchemaRepository {
	return &schemaRepository{pool: pool}
}

const schemaColumns = `id, name, collection_name, json_schema, relationships, active, created_at, updated_at`

func (r *schemaRepository) Create(ctx context.Context, schema domain.SchemaDefinition) (domain.SchemaDefinition, error) {
	relationshipsJSON, err := schema.RelationshipsAsJSON()
	if err != nil {
		return domain.SchemaDefinition{}, fmt.Errorf("failed to marshal relationships: %w", err)
	}

	jsonSchema := schema.JSONSchema
	if len(jsonSchema) == 0 {
		jsonSchema = json.RawMessage("{}")
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO schemas (id, name, collection_name, json_schema, relationships, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+schemaColumns,
		schema.ID,
		schema.Name,
		schema.CollectionName,
		[]byte(jsonSchema),
		[]byte(relationshipsJSON),
		schema.Active,
	)
	created, err := scanSchema(row)
	if err != nil {
		return domain.SchemaDefinition{}, fmt.Errorf("failed to create schema: %w", err)
	}
	return created, nil
}

func (r *schemaRepository) GetByName(ctx context.Context, name string) (domain.SchemaDefinition, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+schemaColumns+` FROM schemas WHERE name = $1`,
		name,
	)
	schema, err := scanSchema(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SchemaDefinition{}, domain.ErrSchemaNotFound
		}
		return domain.SchemaDefinition{}, fmt.Errorf("failed to get schema: %w", err)
	}
	return schema, nil
}

func (r *schemaRepository) List(ctx context.Context, activeOnly bool) ([]domain.SchemaDefinition, error) {
	query := `SELECT ` + schemaColumns + ` FROM schemas`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	schemas := []domain.SchemaDefinition{}
	for rows.Next() {
		schema, err := scanSchema(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		schemas = append(schemas, schema)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schemas: %w", err)
	}
	return schemas, nil
}

func (r *schemaRepository) SetActive(ctx context.Context, name string, active bool) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE schemas SET active = $2, updated_at = now() WHERE name = $1`,
		name,
		active,
	)
	if err != nil {
		return fmt.Errorf("failed to update schema status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSchemaNotFound
	}
	return nil
}

func scanSchema(row rowScanner) (domain.SchemaDefinition, error) {
	var (
		schema            domain.SchemaDefinition
		jsonSchemaRaw     []byte
		relationshipsRaw  []byte
	)
	err := row.Scan(
		&schema.ID,
		&schema.Name,
		&schema.CollectionName,
		&jsonSchemaRaw,
		&relationshipsRaw,
		&schema.Active,
		&schema.CreatedAt,
		&schema.UpdatedAt,
	)
	if err != nil {
		return domain.SchemaDefinition{}, err
	}

	schema.JSONSchema = json.RawMessage(jsonSchemaRaw)
	schema.Relationships, err = domain.RelationshipsFromJSON(relationshipsRaw)
	if err != nil {
		return domain.SchemaDefinition{}, fmt.Errorf("failed to decode relationships: %w", err)
	}
	return schema, nil
}

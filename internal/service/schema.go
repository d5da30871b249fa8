package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/registry"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/rs/zerolog"
)

// SchemaService administers the schema registry and keeps the model
// registry in step with it.
type SchemaService struct {
	schemas repository.SchemaRepository
	models  *registry.ModelRegistry
	logger  zerolog.Logger
}

// NewSchemaService creates the schema admin service.
func NewSchemaService(schemas repository.SchemaRepository, models *registry.ModelRegistry, logger zerolog.Logger) *SchemaService {
	return &SchemaService{
		schemas: schemas,
		models:  models,
		logger:  logger.With().Str("component", "schemas").Logger(),
	}
}

// CreateSchemaInput is the admin-facing schema definition.
type CreateSchemaInput struct {
	Name           string                `json:"name"`
	CollectionName string                `json:"collectionName"`
	JSONSchema     map[string]any        `json:"jsonSchema"`
	Relationships  []domain.Relationship `json:"relationships"`
}

// CreateSchema registers a new schema and materializes its collection model.
func (s *SchemaService) CreateSchema(ctx context.Context, input CreateSchemaInput) (domain.SchemaDefinition, error) {
	if input.Name == "" {
		return domain.SchemaDefinition{}, domain.NewValidationError("name", "is required")
	}
	for _, rel := range input.Relationships {
		if rel.Field == "" || rel.ReferencedSchema == "" {
			return domain.SchemaDefinition{}, domain.NewValidationError("relationships", "field and referencedSchema are required")
		}
		if rel.ReferenceType != domain.ReferenceSingle && rel.ReferenceType != domain.ReferenceArray {
			return domain.SchemaDefinition{}, domain.NewValidationError("relationships", fmt.Sprintf("unknown referenceType %q", rel.ReferenceType))
		}
	}

	var jsonSchema json.RawMessage
	if input.JSONSchema != nil {
		raw, err := json.Marshal(input.JSONSchema)
		if err != nil {
			return domain.SchemaDefinition{}, domain.NewValidationError("jsonSchema", "must be a JSON object")
		}
		jsonSchema = raw
	}

	def := domain.NewSchemaDefinition(input.Name, jsonSchema, input.Relationships)
	if input.CollectionName != "" {
		def.CollectionName = input.CollectionName
	}

	created, err := s.schemas.Create(ctx, def)
	if err != nil {
		return domain.SchemaDefinition{}, fmt.Errorf("failed to create schema %s: %w", input.Name, err)
	}
	s.models.Register(created)

	s.logger.Info().
		Str("schema", created.Name).
		Str("collection", created.CollectionName).
		Msg("schema registered")
	return created, nil
}

// GetSchema fetches one schema definition by name.
func (s *SchemaService) GetSchema(ctx context.Context, name string) (domain.SchemaDefinition, error) {
	return s.schemas.GetByName(ctx, name)
}

// ListSchemas returns all schemas, optionally only active ones.
func (s *SchemaService) ListSchemas(ctx context.Context, activeOnly bool) ([]domain.SchemaDefinition, error) {
	return s.schemas.List(ctx, activeOnly)
}

// DeactivateSchema retires a schema. Its documents and audit history remain;
// only the model handle is withdrawn so no new API traffic reaches it.
func (s *SchemaService) DeactivateSchema(ctx context.Context, name string) error {
	if err := s.schemas.SetActive(ctx, name, false); err != nil {
		return err
	}
	s.models.Remove(name)
	s.logger.Info().Str("schema", name).Msg("schema deactivated")
	return nil
}

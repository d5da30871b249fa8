package validator

import (
	"context"

	"github.com/tgnichols/schemabase/internal/domain"
)

// SchemaSource resolves a schema definition by name.
type SchemaSource interface {
	GetByName(ctx context.Context, name string) (domain.SchemaDefinition, error)
}

// RowValidator validates bulk-ingestion rows by resolving the target schema
// per row batch and delegating to the document validator.
type RowValidator struct {
	schemas SchemaSource
	docs    *DocumentValidator
}

// NewRowValidator creates a row validator backed by the given schema source.
func NewRowValidator(schemas SchemaSource) *RowValidator {
	return &RowValidator{schemas: schemas, docs: New()}
}

// ValidateRow checks one parsed row against the named schema.
func (v *RowValidator) ValidateRow(ctx context.Context, schemaName string, row map[string]any) error {
	schema, err := v.schemas.GetByName(ctx, schemaName)
	if err != nil {
		return err
	}
	return v.docs.Validate(ctx, schema, row)
}

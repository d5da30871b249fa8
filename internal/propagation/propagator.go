// Package propagation stamps staleness metadata on documents that reference a
// just-changed document through schema-declared relationships.
package propagation

import (
	"context"
	"fmt"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"
	"github.com/tgnichols/schemabase/internal/registry"
	"github.com/tgnichols/schemabase/internal/repository"

	"github.com/rs/zerolog"
)

// Dependent is one document found to reference the changed record, together
// with the relationship that links them.
type Dependent struct {
	SchemaName   string              `json:"schemaName"`
	Relationship domain.Relationship `json:"relationship"`
	Document     domain.Document     `json:"document"`
}

// PropagationError reports a single dependent that could not be stamped.
type PropagationError struct {
	SchemaName string `json:"schemaName"`
	DocumentID string `json:"documentId"`
	Field      string `json:"field"`
	Message    string `json:"message"`
}

// Result summarizes one propagation run.
type Result struct {
	DependentsFound int                `json:"dependentsFound"`
	Stamped         int                `json:"stamped"`
	Errors          []PropagationError `json:"errors"`
}

// Propagator discovers dependents and stamps them. Relationship declarations
// are re-read from the schema registry on every call; discovery is a full
// scan over all active schemas, acceptable because propagation is an
// asynchronous best-effort side channel.
type Propagator struct {
	schemas repository.SchemaRepository
	models  *registry.ModelRegistry
	logger  zerolog.Logger
}

// NewPropagator creates a dependency propagator.
func NewPropagator(schemas repository.SchemaRepository, models *registry.ModelRegistry, logger zerolog.Logger) *Propagator {
	return &Propagator{
		schemas: schemas,
		models:  models,
		logger:  logger.With().Str("component", "propagation").Logger(),
	}
}

// FindDependentRecords scans every active schema's relationships and returns
// the documents whose reference field equals (single) or contains (array) the
// given record id.
func (p *Propagator) FindDependentRecords(ctx context.Context, schemaName, recordID string) ([]Dependent, error) {
	active, err := p.schemas.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas for propagation: %w", err)
	}

	dependents := []Dependent{}
	for _, schema := range active {
		for _, rel := range schema.Relationships {
			if rel.ReferencedSchema != schemaName {
				continue
			}

			model, err := p.models.GetModel(schema.Name)
			if err != nil {
				// Schema declared but not materialized; nothing to stamp.
				p.logger.Debug().Str("schema", schema.Name).Msg("skipping unmaterialized dependent schema")
				continue
			}

			docs, err := model.FindByReference(ctx, rel.Field, recordID, rel.ReferenceType)
			if err != nil {
				return nil, fmt.Errorf("failed to query dependents in %s.%s: %w", schema.Name, rel.Field, err)
			}
			for _, doc := range docs {
				dependents = append(dependents, Dependent{
					SchemaName:   schema.Name,
					Relationship: rel,
					Document:     doc,
				})
			}
		}
	}
	return dependents, nil
}

// PropagateChanges stamps every dependent with <field>_lastUpdated and an
// incremented <field>_version. The stamp is a staleness marker, not a rewrite
// of the dependent's own referenced-field contents, and the stamp update is
// deliberately not audited. Per-dependent failures are collected; siblings
// are stamped regardless.
func (p *Propagator) PropagateChanges(ctx context.Context, schemaName, recordID string, changes []domain.FieldChange) (Result, error) {
	dependents, err := p.FindDependentRecords(ctx, schemaName, recordID)
	if err != nil {
		return Result{}, err
	}

	result := Result{DependentsFound: len(dependents), Errors: []PropagationError{}}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, dependent := range dependents {
		model, err := p.models.GetModel(dependent.SchemaName)
		if err != nil {
			result.Errors = append(result.Errors, propagationError(dependent, err))
			continue
		}

		data := make(map[string]any, len(dependent.Document.Data)+2)
		for key, value := range dependent.Document.Data {
			data[key] = value
		}
		field := dependent.Relationship.Field
		data[field+"_lastUpdated"] = now
		data[field+"_version"] = stampVersion(data[field+"_version"])

		if _, err := model.FindByIDAndUpdate(ctx, dependent.Document.ID, data); err != nil {
			result.Errors = append(result.Errors, propagationError(dependent, err))
			continue
		}
		result.Stamped++
	}

	if len(result.Errors) > 0 {
		p.logger.Warn().
			Str("schema", schemaName).
			Str("record_id", recordID).
			Int("failed", len(result.Errors)).
			Int("stamped", result.Stamped).
			Msg("propagation completed with errors")
	}

	return result, nil
}

func propagationError(dependent Dependent, err error) PropagationError {
	return PropagationError{
		SchemaName: dependent.SchemaName,
		DocumentID: dependent.Document.ID.String(),
		Field:      dependent.Relationship.Field,
		Message:    err.Error(),
	}
}

// stampVersion increments the previous stamp counter, tolerating the numeric
// types a JSONB round trip can produce.
func stampVersion(previous any) float64 {
	switch v := previous.(type) {
	case float64:
		return v + 1
	case int:
		return float64(v) + 1
	case int64:
		return float64(v) + 1
	default:
		return 1
	}
}

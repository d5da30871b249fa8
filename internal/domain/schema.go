package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferenceType describes how a relationship field points at another schema's
// documents.
type ReferenceType string

const (
	ReferenceSingle ReferenceType = "single"
	ReferenceArray  ReferenceType = "array"
)

// Relationship is a schema-declared reference from a field of this schema to
// documents of another schema. Relationships are read from the registry at
// propagation time and never cached beyond a single call.
type Relationship struct {
	Field            string        `json:"field"`
	ReferencedSchema string        `json:"referencedSchema"`
	ReferenceType    ReferenceType `json:"referenceType"`
}

// SchemaDefinition is a runtime-registered entity shape. JSONSchema is opaque
// to this system; structural validation is delegated to an external validator.
type SchemaDefinition struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	CollectionName string          `json:"collection_name"`
	JSONSchema     json.RawMessage `json:"json_schema"`
	Relationships  []Relationship  `json:"relationships"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewSchemaDefinition creates an active schema with a derived collection name.
func NewSchemaDefinition(name string, jsonSchema json.RawMessage, relationships []Relationship) SchemaDefinition {
	now := time.Now()
	return SchemaDefinition{
		ID:             uuid.New(),
		Name:           name,
		CollectionName: DefaultCollectionName(name),
		JSONSchema:     jsonSchema,
		Relationships:  copyRelationships(relationships),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var collectionNameCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

// DefaultCollectionName derives the physical collection tag from a schema
// name: lower-cased, non-alphanumerics collapsed to underscores.
func DefaultCollectionName(schemaName string) string {
	name := strings.ToLower(strings.TrimSpace(schemaName))
	name = collectionNameCleaner.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "unnamed"
	}
	return "data_" + name
}

// RelationshipsAsJSON serializes relationships for JSONB storage.
func (s SchemaDefinition) RelationshipsAsJSON() (json.RawMessage, error) {
	if s.Relationships == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(s.Relationships)
}

// RelationshipsFromJSON decodes relationships from JSONB storage.
func RelationshipsFromJSON(raw json.RawMessage) ([]Relationship, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rels []Relationship
	if err := json.Unmarshal(raw, &rels); err != nil {
		return nil, err
	}
	return rels, nil
}

func copyRelationships(rels []Relationship) []Relationship {
	if rels == nil {
		return nil
	}
	out := make([]Relationship, len(rels))
	copy(out, rels)
	return out
}

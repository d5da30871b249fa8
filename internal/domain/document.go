package domain

import (
	"time"

	"github.com/google/uuid"
)

// System field names injected into document snapshots. They identify and
// timestamp a document rather than describe it, so diffs skip them and reverts
// never rewrite them.
const (
	FieldID         = "id"
	FieldSchemaName = "schemaName"
	FieldRevision   = "revision"
	FieldCreatedAt  = "createdAt"
	FieldUpdatedAt  = "updatedAt"
)

var systemFields = map[string]struct{}{
	FieldID:         {},
	FieldSchemaName: {},
	FieldRevision:   {},
	FieldCreatedAt:  {},
	FieldUpdatedAt:  {},
}

// IsSystemField reports whether the given snapshot key is a system field.
func IsSystemField(name string) bool {
	_, ok := systemFields[name]
	return ok
}

// Document is a live row in a dynamic collection. Data holds business fields
// only; identity and provenance live in the typed columns.
type Document struct {
	ID             uuid.UUID      `json:"id"`
	SchemaName     string         `json:"schema_name"`
	CollectionName string         `json:"collection_name"`
	Data           map[string]any `json:"data"`
	Revision       int64          `json:"revision"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewDocument creates a document for the given schema with a fresh identity.
func NewDocument(schemaName, collectionName string, data map[string]any) Document {
	now := time.Now()
	return Document{
		ID:             uuid.New(),
		SchemaName:     schemaName,
		CollectionName: collectionName,
		Data:           cloneState(data),
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Snapshot flattens the document into the state shape stored in ledger
// entries: business fields merged with the system fields.
func (d Document) Snapshot() map[string]any {
	state := cloneState(d.Data)
	state[FieldID] = d.ID.String()
	state[FieldSchemaName] = d.SchemaName
	state[FieldRevision] = d.Revision
	state[FieldCreatedAt] = d.CreatedAt.UTC().Format(time.RFC3339Nano)
	state[FieldUpdatedAt] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return state
}

// StripSystemFields returns a copy of state without system fields. Revert
// applies the result as a normal update so identity fields stay untouched.
func StripSystemFields(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for key, value := range state {
		if IsSystemField(key) {
			continue
		}
		out[key] = value
	}
	return out
}

func cloneState(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

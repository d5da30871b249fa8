package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operation is the ledger's mutation vocabulary.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation validates an operation string from the boundary.
func ParseOperation(value string) (Operation, error) {
	switch Operation(value) {
	case OperationCreate, OperationUpdate, OperationDelete:
		return Operation(value), nil
	}
	return "", NewValidationError("operation", "must be one of create, update, delete, got %q", value)
}

// Metadata keys and source values carried on ledger entries.
const (
	MetaSource            = "source"
	MetaIsRevert          = "isRevert"
	MetaRevertedToVersion = "revertedToVersion"
	MetaRevertReason      = "revertReason"
	MetaChangeKey         = "changeKey"

	SourceAPI          = "api"
	SourceChangeStream = "changeStream"
	SourceBulk         = "bulk"
)

// ChangeKey identifies one physical storage mutation. The API path stamps it
// on its ledger entry and the change-feed listener skips events whose key has
// already been logged, so one mutation yields one entry.
func ChangeKey(collectionName, documentID string, revision int64) string {
	return fmt.Sprintf("%s:%s:%d", collectionName, documentID, revision)
}

// Actor attributes a change to a caller. All fields are nullable; system
// initiated changes carry none.
type Actor struct {
	UserID    *string `json:"user_id,omitempty"`
	UserAgent *string `json:"user_agent,omitempty"`
	IPAddress *string `json:"ip_address,omitempty"`
}

// FieldChange records one business field transition inside an update entry.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// ChangeClass classifies a field change when comparing two versions.
type ChangeClass string

const (
	ChangeAdded    ChangeClass = "added"
	ChangeRemoved  ChangeClass = "removed"
	ChangeModified ChangeClass = "modified"
)

// ClassifiedChange is a FieldChange tagged with its classification, produced
// by version comparison.
type ClassifiedChange struct {
	FieldChange
	ChangeType ChangeClass `json:"changeType"`
}

// AuditLogEntry is one immutable record in a document's version history. It is
// append-only: after creation the only permitted mutation is the one-time
// RevertedFrom backfill performed by the revert engine.
type AuditLogEntry struct {
	ID             uuid.UUID      `json:"id"`
	DocumentID     string         `json:"document_id"`
	SchemaName     string         `json:"schema_name"`
	CollectionName string         `json:"collection_name"`
	Operation      Operation      `json:"operation"`
	PreviousState  map[string]any `json:"previous_state,omitempty"`
	CurrentState   map[string]any `json:"current_state,omitempty"`
	ChangedFields  []FieldChange  `json:"changed_fields,omitempty"`
	Version        int64          `json:"version"`
	Actor          Actor          `json:"actor"`
	Timestamp      time.Time      `json:"timestamp"`
	CanRevert      bool           `json:"can_revert"`
	RevertedFrom   *uuid.UUID     `json:"reverted_from,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// MetaString returns a string metadata value, or "" when absent.
func (e AuditLogEntry) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if value, ok := e.Metadata[key].(string); ok {
		return value
	}
	return ""
}

// ComputeChangedFields diffs two state snapshots by symmetric key union,
// skipping system fields. Values are compared by canonical serialized form:
// two values differ iff their JSON encodings differ. The result is sorted by
// field name so entries are deterministic.
func ComputeChangedFields(previous, current map[string]any) []FieldChange {
	keys := make(map[string]struct{}, len(previous)+len(current))
	for key := range previous {
		keys[key] = struct{}{}
	}
	for key := range current {
		keys[key] = struct{}{}
	}

	changes := make([]FieldChange, 0, len(keys))
	for key := range keys {
		if IsSystemField(key) {
			continue
		}
		oldValue, hadOld := previous[key]
		newValue, hasNew := current[key]
		if hadOld && hasNew && ValuesEqual(oldValue, newValue) {
			continue
		}
		changes = append(changes, FieldChange{Field: key, OldValue: oldValue, NewValue: newValue})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}

// ClassifyChanges runs the same field-union diff and tags every change as
// added, removed or modified.
func ClassifyChanges(from, to map[string]any) []ClassifiedChange {
	changes := ComputeChangedFields(from, to)
	classified := make([]ClassifiedChange, 0, len(changes))
	for _, change := range changes {
		_, hadOld := from[change.Field]
		_, hasNew := to[change.Field]
		class := ChangeModified
		switch {
		case !hadOld && hasNew:
			class = ChangeAdded
		case hadOld && !hasNew:
			class = ChangeRemoved
		}
		classified = append(classified, ClassifiedChange{FieldChange: change, ChangeType: class})
	}
	return classified
}

// ValuesEqual reports deep structural equality via canonical JSON encoding.
// json.Marshal sorts map keys, so equal structures encode identically
// regardless of insertion order.
func ValuesEqual(a, b any) bool {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	return string(aJSON) == string(bJSON)
}

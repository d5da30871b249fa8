package changefeed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"
)

// Notification channels. Document mutations are announced per collection so
// each stream only wakes for its own traffic; new collections are announced
// on a shared channel so streams can be attached lazily.
const (
	ChannelCollectionCreated = "collection_created"

	channelPrefix = "doc_change_"
)

// ChannelForCollection returns the notification channel for one collection.
func ChannelForCollection(collectionName string) string {
	return channelPrefix + collectionName
}

// Event is one row of the change outbox: a document mutation observed at the
// storage layer, whichever path produced it.
type Event struct {
	ID             int64
	CollectionName string
	DocumentID     string
	Operation      string
	Before         map[string]any
	After          map[string]any
	Revision       int64
	OccurredAt     time.Time
}

// ChangeKey returns the idempotency key shared with the API write path.
func (e Event) ChangeKey() string {
	return domain.ChangeKey(e.CollectionName, e.DocumentID, e.Revision)
}

// MapOperation translates a storage-level operation into a ledger operation.
func MapOperation(op string) (domain.Operation, error) {
	switch op {
	case "insert":
		return domain.OperationCreate, nil
	case "update":
		return domain.OperationUpdate, nil
	case "delete":
		return domain.OperationDelete, nil
	default:
		return "", fmt.Errorf("unknown change operation %q", op)
	}
}

// ParsePayload splits a notification payload of the form
// <collection>:<event id>. The event id indexes the outbox row holding the
// full before/after images, which do not fit in a NOTIFY payload.
func ParsePayload(payload string) (string, int64, error) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 || idx == len(payload)-1 {
		return "", 0, fmt.Errorf("malformed change payload %q", payload)
	}
	id, err := strconv.ParseInt(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed change payload %q: %w", payload, err)
	}
	return payload[:idx], id, nil
}

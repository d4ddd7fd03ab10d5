// Package notifications publishes request lifecycle events. Redis pub/sub
// feeds the admin activity feed and Kafka carries cluster provisioning work.
package notifications

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Event types.
const (
	EventRequestCreated           = "request.created"
	EventRequestStatusChanged     = "request.status_changed"
	EventClusterAccessRequested   = "cluster_access.requested"
	EventAccountDeactivationReady = "account_deactivation.ready"
	EventAccountDeletionReady     = "account_deletion.ready"
	EventSecureDirUserChange      = "secure_dir.user_change"
)

// Event is a request lifecycle change.
type Event struct {
	Type        string                 `json:"type"`
	RequestType string                 `json:"request_type,omitempty"`
	RequestID   uint                   `json:"request_id,omitempty"`
	Status      string                 `json:"status,omitempty"`
	UserID      uint                   `json:"user_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Key is the partition key: events about one request stay ordered.
func (e Event) Key() string {
	if e.RequestID != 0 {
		return e.RequestType + ":" + strconv.FormatUint(uint64(e.RequestID), 10)
	}
	return "user:" + strconv.FormatUint(uint64(e.UserID), 10)
}

// Provisioning reports whether cluster operators act on the event.
func (e Event) Provisioning() bool {
	switch e.Type {
	case EventClusterAccessRequested, EventAccountDeactivationReady,
		EventAccountDeletionReady, EventSecureDirUserChange:
		return true
	}
	return false
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Fanout publishes every event to each publisher and aggregates failures.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var result error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }

// Package event builds the lifecycle events published to the ledger.
package event

import (
	"encoding/json"
	"time"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// TimestampFormat is RFC 3339 with microsecond precision, always in UTC.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Event is an immutable lifecycle event. Build one with the factory for its kind.
type Event struct {
	Kind                     domain.EventKind
	ResourceType             domain.ResourceType
	ResourceExternalID       string
	ParentResourceExternalID string
	OccurredAt               time.Time
	Details                  Details
}

// Key is the identity of the event in the dedup ledger.
func (e Event) Key() domain.EmissionKey {
	key := domain.EmissionKey{
		ResourceType:       e.ResourceType,
		ResourceExternalID: e.ResourceExternalID,
		EventKind:          e.Kind,
	}
	if e.Kind.Repeatable() {
		key.OccurredAt = e.OccurredAt.UTC()
	}
	return key
}

// Message is the wire representation of an event.
type Message struct {
	EventType                string              `json:"event_type"`
	ResourceType             domain.ResourceType `json:"resource_type"`
	ResourceExternalID       string              `json:"resource_external_id"`
	ParentResourceExternalID string              `json:"parent_resource_external_id,omitempty"`
	Timestamp                string              `json:"timestamp"`
	EventDetails             Details             `json:"event_details"`
}

// Message converts the event to its wire form.
func (e Event) Message() Message {
	details := e.Details
	if details == nil {
		details = EmptyDetails{}
	}
	return Message{
		EventType:                e.Kind.String(),
		ResourceType:             e.ResourceType,
		ResourceExternalID:       e.ResourceExternalID,
		ParentResourceExternalID: e.ParentResourceExternalID,
		Timestamp:                e.OccurredAt.UTC().Format(TimestampFormat),
		EventDetails:             details,
	}
}

// MarshalJSON encodes the wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Message())
}

// Emission is one queue item: the event for a transition plus the refund
// availability update it triggers, if any.
type Emission struct {
	Transition         domain.StateTransition
	Event              Event
	RefundAvailability *Event
}

// Events returns the events of the emission in publish order.
func (e Emission) Events() []Event {
	if e.RefundAvailability == nil {
		return []Event{e.Event}
	}
	return []Event{e.Event, *e.RefundAvailability}
}

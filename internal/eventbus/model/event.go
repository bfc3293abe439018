// Package model defines the immutable event envelope and the records
// derived from it. Once bus.Emit has admitted an Event (stamped its
// defaults and normalized its topic), every pass through storage, the
// registry, and the rule engine treats it as read-only, the way the
// teacher's bus.Event is treated as read-only after bus.NewEvent.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxRuleDepth bounds how many times a synthesized event may re-enter the
// router via EmitEvent/Forward/Transform before it's rejected (spec §4.5).
const MaxRuleDepth = 8

// Event is one envelope of traffic on the bus.
type Event struct {
	EventID        string         `json:"event_id"`
	Topic          string         `json:"topic"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Priority       uint8          `json:"priority"`
	SourceRef      string         `json:"source_ref,omitempty"`
	TargetRef      string         `json:"target_ref,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	SequenceNumber int64          `json:"sequence_number,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	// RuleDepth counts rule-synthesized re-emissions (EmitEvent/Forward/
	// Transform); zero for producer-originated events. See MaxRuleDepth.
	RuleDepth int `json:"rule_depth,omitempty"`
}

// New builds an Event with a fresh EventID and Timestamp. Topic is stored
// as given; bus.Emit normalizes it when the event is admitted.
func New(topic string, payload map[string]any) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// WithDefaults fills EventID/Timestamp on an envelope supplied by a
// producer that omitted them. It never overwrites a value the caller set.
func (e *Event) WithDefaults() *Event {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Clone returns a copy with its own Payload and Metadata maps (the values
// inside them are shared), so changes to the copy's fields or top-level
// map entries never reach the original Event.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// StoredRecord is the storage-internal representation: the envelope plus
// derived index keys and the insertion ordinal assigned by storage.Append.
type StoredRecord struct {
	Event           Event
	Ordinal         int64
	NormalizedTopic string
	CorrelationKey  string
}

// Package rpcapi defines the wire-shaped request/response types for the
// bus's remote protocol (spec §6) and a transport-free Dispatch function.
// It mirrors the split the teacher keeps between pkg/acp/jsonrpc (wire
// envelope types) and the adapter that owns the actual socket: rpcapi
// owns no connection, goroutine, or framing, only the shapes and the
// method-to-bus-call mapping. A collaborator transport decodes a frame
// into a Request, calls Dispatch, and encodes the result back.
package rpcapi

import (
	"encoding/json"
	"time"

	"github.com/nexusbus/nexusbus/internal/eventbus/bus"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/storage"
)

// Request is the generic wire envelope, shaped after jsonrpc.Request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the generic wire envelope, shaped after jsonrpc.Response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the wire error shape, shaped after jsonrpc.Error. Code values
// come from the table in spec §6, produced by ToWireError.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Method names. Bit-exact strings are normative (spec §6).
const (
	MethodEmit                  = "eventbus.emit"
	MethodEmitBatch             = "eventbus.emit_batch"
	MethodPoll                  = "eventbus.poll"
	MethodSubscribe             = "eventbus.subscribe"
	MethodUnsubscribe           = "eventbus.unsubscribe"
	MethodGetSubscriptionEvents = "eventbus.get_subscription_events"
	MethodListTopics            = "eventbus.list_topics"
	MethodGetStats              = "eventbus.get_stats"
)

// EmitParams is eventbus.emit's params: {event}.
type EmitParams struct {
	Event model.Event `json:"event"`
}

// EmitResult is eventbus.emit's result: {success}.
type EmitResult struct {
	Success bool `json:"success"`
}

// EmitBatchParams is eventbus.emit_batch's params: {events: []}.
type EmitBatchParams struct {
	Events []model.Event `json:"events"`
}

// EmitBatchResult is eventbus.emit_batch's result: {success, processed_count}.
type EmitBatchResult struct {
	Success        bool `json:"success"`
	ProcessedCount int  `json:"processed_count"`
}

// Query is the wire shape of storage.EventQuery. Timestamps are pointers
// so an absent filter round-trips as an absent field rather than the zero
// time, which storage.EventQuery treats as "no lower/upper bound" anyway
// but a wire caller should not have to know that about Go's zero value.
type Query struct {
	TopicPattern        string     `json:"topic_pattern,omitempty"`
	SourceRefEquals     string     `json:"source_ref_equals,omitempty"`
	TargetRefEquals     string     `json:"target_ref_equals,omitempty"`
	CorrelationIDEquals string     `json:"correlation_id_equals,omitempty"`
	SinceTimestamp      *time.Time `json:"since_timestamp,omitempty"`
	UntilTimestamp      *time.Time `json:"until_timestamp,omitempty"`
	MinPriority         uint8      `json:"min_priority,omitempty"`
	Limit               int        `json:"limit,omitempty"`
	Offset              int        `json:"offset,omitempty"`
}

func (q Query) toStorageQuery() storage.EventQuery {
	sq := storage.EventQuery{
		TopicPattern:        q.TopicPattern,
		SourceRefEquals:     q.SourceRefEquals,
		TargetRefEquals:     q.TargetRefEquals,
		CorrelationIDEquals: q.CorrelationIDEquals,
		MinPriority:         q.MinPriority,
		Limit:               q.Limit,
		Offset:              q.Offset,
	}
	if q.SinceTimestamp != nil {
		sq.SinceTimestamp = *q.SinceTimestamp
	}
	if q.UntilTimestamp != nil {
		sq.UntilTimestamp = *q.UntilTimestamp
	}
	return sq
}

// PollParams is eventbus.poll's params: {query}.
type PollParams struct {
	Query Query `json:"query"`
}

// PollResult is eventbus.poll's result: {events, total_count}.
type PollResult struct {
	Events     []model.Event `json:"events"`
	TotalCount int           `json:"total_count"`
}

// SubscribeParams is eventbus.subscribe's params: {topic, client_id?}.
type SubscribeParams struct {
	Topic    string `json:"topic"`
	ClientID string `json:"client_id,omitempty"`
}

// SubscribeResult is eventbus.subscribe's result: {subscription_id, success}.
type SubscribeResult struct {
	SubscriptionID string `json:"subscription_id"`
	Success        bool   `json:"success"`
}

// UnsubscribeParams is eventbus.unsubscribe's params: {subscription_id}.
type UnsubscribeParams struct {
	SubscriptionID string `json:"subscription_id"`
}

// UnsubscribeResult is eventbus.unsubscribe's result: {success}.
type UnsubscribeResult struct {
	Success bool `json:"success"`
}

// GetSubscriptionEventsParams is eventbus.get_subscription_events's params:
// {subscription_id, max_events?, timeout_ms?}.
type GetSubscriptionEventsParams struct {
	SubscriptionID string `json:"subscription_id"`
	MaxEvents      int    `json:"max_events,omitempty"`
	TimeoutMs      int    `json:"timeout_ms,omitempty"`
}

// GetSubscriptionEventsResult is eventbus.get_subscription_events's result:
// {events, has_more}.
type GetSubscriptionEventsResult struct {
	Events  []model.Event `json:"events"`
	HasMore bool          `json:"has_more"`
}

// ListTopicsResult is eventbus.list_topics's result: {topics: []}.
type ListTopicsResult struct {
	Topics []string `json:"topics"`
}

// GetStatsResult is eventbus.get_stats's result: {stats: {...}}.
type GetStatsResult struct {
	Stats bus.Stats `json:"stats"`
}

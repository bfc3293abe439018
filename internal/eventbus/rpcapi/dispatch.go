package rpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/eventbus/bus"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/registry"
)

const (
	defaultGetSubscriptionEventsMax = 10
	defaultGetSubscriptionEventsWait = 0 // non-blocking pull unless the caller asks to wait
)

// Dispatch decodes params for method, calls the matching bus operation, and
// returns a result value ready for json.Marshal, or a *bferrors.Error a
// transport can pass to ToWireError. It owns no socket or goroutine: a
// caller already framed and demultiplexed a Request down to (method, params).
func Dispatch(ctx context.Context, b *bus.Bus, method string, params json.RawMessage) (result any, rpcErr *bferrors.Error) {
	switch method {
	case MethodEmit:
		return dispatchEmit(ctx, b, params)
	case MethodEmitBatch:
		return dispatchEmitBatch(ctx, b, params)
	case MethodPoll:
		return dispatchPoll(ctx, b, params)
	case MethodSubscribe:
		return dispatchSubscribe(b, params)
	case MethodUnsubscribe:
		return dispatchUnsubscribe(b, params)
	case MethodGetSubscriptionEvents:
		return dispatchGetSubscriptionEvents(ctx, b, params)
	case MethodListTopics:
		return dispatchListTopics(ctx, b)
	case MethodGetStats:
		return dispatchGetStats(ctx, b)
	default:
		return nil, bferrors.Newf(bferrors.KindInvalidInput, "unknown method %q", method)
	}
}

func decode[T any](params json.RawMessage) (T, *bferrors.Error) {
	var p T
	if len(params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, bferrors.Wrap(bferrors.KindInvalidInput, err, "decoding params")
	}
	return p, nil
}

func asRPCError(err error) *bferrors.Error {
	if err == nil {
		return nil
	}
	var e *bferrors.Error
	if errors.As(err, &e) {
		return e
	}
	return bferrors.Wrap(bferrors.KindInternal, err, "unexpected error")
}

func dispatchEmit(ctx context.Context, b *bus.Bus, params json.RawMessage) (any, *bferrors.Error) {
	p, rerr := decode[EmitParams](params)
	if rerr != nil {
		return nil, rerr
	}
	event := p.Event
	if err := b.Emit(ctx, &event); err != nil {
		return nil, asRPCError(err)
	}
	return EmitResult{Success: true}, nil
}

func dispatchEmitBatch(ctx context.Context, b *bus.Bus, params json.RawMessage) (any, *bferrors.Error) {
	p, rerr := decode[EmitBatchParams](params)
	if rerr != nil {
		return nil, rerr
	}
	batch := make([]*model.Event, len(p.Events))
	for i := range p.Events {
		batch[i] = &p.Events[i]
	}
	processed, err := b.EmitBatch(ctx, batch)
	if err != nil {
		return nil, asRPCError(err)
	}
	return EmitBatchResult{Success: true, ProcessedCount: processed}, nil
}

func dispatchPoll(ctx context.Context, b *bus.Bus, params json.RawMessage) (any, *bferrors.Error) {
	p, rerr := decode[PollParams](params)
	if rerr != nil {
		return nil, rerr
	}
	result, err := b.Poll(ctx, p.Query.toStorageQuery())
	if err != nil {
		return nil, asRPCError(err)
	}
	return PollResult{Events: result.Events, TotalCount: result.TotalCount}, nil
}

func dispatchSubscribe(b *bus.Bus, params json.RawMessage) (any, *bferrors.Error) {
	p, rerr := decode[SubscribeParams](params)
	if rerr != nil {
		return nil, rerr
	}
	sub, err := b.Subscribe(p.Topic, registry.Options{ClientTag: p.ClientID})
	if err != nil {
		return nil, asRPCError(err)
	}
	return SubscribeResult{SubscriptionID: sub.ID(), Success: true}, nil
}

func dispatchUnsubscribe(b *bus.Bus, params json.RawMessage) (any, *bferrors.Error) {
	p, rerr := decode[UnsubscribeParams](params)
	if rerr != nil {
		return nil, rerr
	}
	existed, err := b.Unsubscribe(p.SubscriptionID)
	if err != nil {
		return nil, asRPCError(err)
	}
	return UnsubscribeResult{Success: existed}, nil
}

func dispatchGetSubscriptionEvents(ctx context.Context, b *bus.Bus, params json.RawMessage) (any, *bferrors.Error) {
	p, rerr := decode[GetSubscriptionEventsParams](params)
	if rerr != nil {
		return nil, rerr
	}
	sub, ok := b.GetSubscription(p.SubscriptionID)
	if !ok {
		return nil, bferrors.New(bferrors.KindNotFound, "subscription not found")
	}

	maxEvents := p.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultGetSubscriptionEventsMax
	}
	timeout := defaultGetSubscriptionEventsWait * time.Millisecond
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	events, hasMore, err := sub.Events(ctx, maxEvents, timeout)
	if err != nil {
		return nil, asRPCError(err)
	}
	return GetSubscriptionEventsResult{Events: events, HasMore: hasMore}, nil
}

func dispatchListTopics(ctx context.Context, b *bus.Bus) (any, *bferrors.Error) {
	topics, err := b.ListTopics(ctx)
	if err != nil {
		return nil, asRPCError(err)
	}
	return ListTopicsResult{Topics: topics}, nil
}

func dispatchGetStats(ctx context.Context, b *bus.Bus) (any, *bferrors.Error) {
	stats, err := b.GetStats(ctx)
	if err != nil {
		return nil, asRPCError(err)
	}
	return GetStatsResult{Stats: stats}, nil
}

// wireCode maps a Kind to the wire code table in spec §6. It diverges from
// bferrors.Kind.RPCCode() in one respect: KindShutdown maps to -32004
// (service unavailable) here, where RPCCode falls back to -32603.
// KindNotFound always maps to -32002 (subscription not found). No
// operation in this bus produces a topic-not-found error (topics are
// derived from storage, never pre-registered), so -32003 is never
// returned.
func wireCode(kind bferrors.Kind) int {
	switch kind {
	case bferrors.KindInvalidInput, bferrors.KindValidation:
		return -32602
	case bferrors.KindStorage:
		return -32001
	case bferrors.KindNotFound:
		return -32002
	case bferrors.KindRateLimited:
		return -32005
	case bferrors.KindShutdown, bferrors.KindTransport, bferrors.KindTimeout, bferrors.KindPermissionDenied:
		return -32004
	default:
		return -32603
	}
}

// ToWireError converts a *bferrors.Error into the wire Error shape a
// transport sends back in a Response.
func ToWireError(err *bferrors.Error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: wireCode(err.Kind), Message: err.Error()}
}

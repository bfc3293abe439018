// Package registry manages subscriptions and their per-subscription
// bounded queues (spec §4.3). It generalizes the teacher's
// memorySubscription/queueGroup bookkeeping in internal/events/bus/
// memory.go — same reader-writer-locked map-of-slices shape — but adds
// the bounded-channel backpressure policy the teacher's fire-on-a-goroutine
// fan-out never had.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/common/logger"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/topic"
)

// BackpressurePolicy selects what happens when a subscription's queue is
// full at delivery time (spec §4.3).
type BackpressurePolicy int

const (
	// BlockWithTimeout waits up to a bounded interval for room, then drops
	// the event for that subscription only. This is the spec's default.
	BlockWithTimeout BackpressurePolicy = iota
	// DropNewest discards the incoming event immediately if the queue is
	// full, without waiting.
	DropNewest
)

// DefaultBlockTimeout bounds how long a full queue blocks an enqueue
// attempt under BlockWithTimeout before the event is dropped.
const DefaultBlockTimeout = 2 * time.Second

// Options configure a single Subscribe call.
type Options struct {
	ClientTag    string
	BufferSize   int // 0 uses the registry default
	Policy       BackpressurePolicy
	BlockTimeout time.Duration // 0 uses DefaultBlockTimeout
	QueueGroup   string        // non-empty opts into load-balanced delivery (supplemented feature)
}

// Subscription is the consumer-held, read-only handle. The mutable queue
// and counters live in *entry below; Subscription only exposes accessors
// and the pull/unsubscribe operations described in spec design note on
// consumer-held handles plus pull/wait.
type Subscription struct {
	id        string
	pattern   string
	clientTag string
	createdAt time.Time

	reg *Registry
}

func (s *Subscription) ID() string            { return s.id }
func (s *Subscription) Pattern() string       { return s.pattern }
func (s *Subscription) ClientTag() string     { return s.clientTag }
func (s *Subscription) CreatedAt() time.Time  { return s.createdAt }
func (s *Subscription) LagCounter() int64     { return s.reg.lagCounter(s.id) }
func (s *Subscription) DroppedCounter() int64 { return s.reg.droppedCounter(s.id) }

// Events pulls up to maxEvents queued events, waiting up to timeout for at
// least one if the queue is currently empty. hasMore reports whether the
// queue still held events beyond what was returned.
func (s *Subscription) Events(ctx context.Context, maxEvents int, timeout time.Duration) (events []model.Event, hasMore bool, err error) {
	return s.reg.pull(ctx, s.id, maxEvents, timeout)
}

// Unsubscribe removes the subscription, idempotent after the first call
// (spec §4.6: Unsubscribe "returns whether the subscription existed").
func (s *Subscription) Unsubscribe() (bool, error) {
	return s.reg.Destroy(s.id)
}

type entry struct {
	sub        *Subscription
	matcher    *topic.Matcher
	queue      chan model.Event
	policy     BackpressurePolicy
	blockWait  time.Duration
	queueGroup string

	closed  atomic.Bool
	lag     atomic.Int64
	dropped atomic.Int64

	mu       sync.Mutex // guards closeCh
	closeCh  chan struct{}
	drained  bool
}

// Registry owns all subscriptions for one bus instance.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*entry

	queueGroups map[string][]*entry // queueGroupKey -> members, round-robin index tracked separately
	groupNext   map[string]int

	defaultBufferSize int
	log               *logger.Logger
}

// New creates an empty Registry. defaultBufferSize backs Options.BufferSize
// when the caller leaves it at zero (spec config subscriber_buffer_size).
func New(defaultBufferSize int, log *logger.Logger) *Registry {
	if defaultBufferSize <= 0 {
		defaultBufferSize = 64
	}
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		subs:              make(map[string]*entry),
		queueGroups:       make(map[string][]*entry),
		groupNext:         make(map[string]int),
		defaultBufferSize: defaultBufferSize,
		log:               log,
	}
}

// Create validates pattern, compiles its matcher, and allocates the
// subscription's queue (spec §4.3 create operation).
func (r *Registry) Create(pattern string, opts Options) (*Subscription, error) {
	matcher, err := topic.Compile(pattern)
	if err != nil {
		return nil, bferrors.Wrap(bferrors.KindInvalidInput, err, "invalid subscription pattern")
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = r.defaultBufferSize
	}
	blockWait := opts.BlockTimeout
	if blockWait <= 0 {
		blockWait = DefaultBlockTimeout
	}

	sub := &Subscription{
		id:        uuid.New().String(),
		pattern:   pattern,
		clientTag: opts.ClientTag,
		createdAt: time.Now().UTC(),
		reg:       r,
	}
	e := &entry{
		sub:        sub,
		matcher:    matcher,
		queue:      make(chan model.Event, bufSize),
		policy:     opts.Policy,
		blockWait:  blockWait,
		queueGroup: opts.QueueGroup,
		closeCh:    make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[sub.id] = e
	if opts.QueueGroup != "" {
		key := groupKey(pattern, opts.QueueGroup)
		r.queueGroups[key] = append(r.queueGroups[key], e)
	}
	r.mu.Unlock()

	r.log.Info("subscription created",
		zap.String("subscription_id", sub.id),
		zap.String("pattern", pattern))

	return sub, nil
}

// Destroy removes a subscription, waking any blocked reader with
// end-of-stream. Returns whether the subscription existed; safe to call
// more than once (second call returns false, no error).
func (r *Registry) Destroy(id string) (bool, error) {
	r.mu.Lock()
	e, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.subs, id)
	if e.queueGroup != "" {
		key := groupKey(e.sub.pattern, e.queueGroup)
		members := r.queueGroups[key]
		for i, m := range members {
			if m == e {
				r.queueGroups[key] = append(members[:i], members[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	e.mu.Lock()
	if !e.drained {
		e.drained = true
		e.closed.Store(true)
		close(e.closeCh)
	}
	e.mu.Unlock()

	r.log.Info("subscription destroyed", zap.String("subscription_id", id))
	return true, nil
}

// FanoutCandidates returns the subscription entries whose pattern matches
// eventTopic (spec §4.3 fanout_candidates; O(N) reference implementation).
func (r *Registry) FanoutCandidates(eventTopic string) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, 0, len(r.subs))
	for _, e := range r.subs {
		if e.matcher.Match(eventTopic) {
			out = append(out, e)
		}
	}
	return out
}

// Deliver attempts to enqueue event to every matching subscription under
// each subscription's backpressure policy. Subscriptions are served one
// after another, so the caller can block for at most the sum of the
// configured timeouts of the subscriptions whose queues are full; a full
// queue on one subscription never prevents delivery to another (spec §8
// property 10: backpressure isolation).
func (r *Registry) Deliver(ctx context.Context, event model.Event) {
	candidates := r.FanoutCandidates(event.Topic)

	delivered := make(map[string]bool) // queue-group key -> already delivered this round
	for _, e := range candidates {
		if e.closed.Load() {
			continue
		}
		if e.queueGroup != "" {
			key := groupKey(e.sub.pattern, e.queueGroup)
			if delivered[key] {
				continue
			}
			delivered[key] = true
			r.deliverToGroup(ctx, key, event)
			continue
		}
		r.deliverOne(ctx, e, event)
	}
}

func (r *Registry) deliverToGroup(ctx context.Context, key string, event model.Event) {
	r.mu.RLock()
	members := append([]*entry(nil), r.queueGroups[key]...)
	start := r.groupNext[key]
	r.mu.RUnlock()

	if len(members) == 0 {
		return
	}
	for i := 0; i < len(members); i++ {
		idx := (start + i) % len(members)
		m := members[idx]
		if m.closed.Load() {
			continue
		}
		r.mu.Lock()
		r.groupNext[key] = (idx + 1) % len(members)
		r.mu.Unlock()
		r.deliverOne(ctx, m, event)
		return
	}
}

func (r *Registry) deliverOne(ctx context.Context, e *entry, event model.Event) {
	select {
	case e.queue <- event:
		return
	default:
	}

	switch e.policy {
	case DropNewest:
		e.dropped.Add(1)
		r.log.Warn("dropped event: queue full (drop-newest policy)",
			zap.String("subscription_id", e.sub.id),
			zap.String("topic", event.Topic))
		return
	default: // BlockWithTimeout
		timer := time.NewTimer(e.blockWait)
		defer timer.Stop()
		select {
		case e.queue <- event:
			return
		case <-timer.C:
			e.dropped.Add(1)
			e.lag.Add(1)
			r.log.Warn("dropped event: queue full after timeout",
				zap.String("subscription_id", e.sub.id),
				zap.String("topic", event.Topic),
				zap.Duration("wait", e.blockWait))
			return
		case <-e.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pull implements Subscription.Events.
func (r *Registry) pull(ctx context.Context, id string, maxEvents int, timeout time.Duration) ([]model.Event, bool, error) {
	r.mu.RLock()
	e, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false, bferrors.New(bferrors.KindNotFound, "subscription not found")
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	var out []model.Event
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Block for the first event (or timeout/close/ctx-cancel).
	select {
	case ev, ok := <-e.queue:
		if !ok {
			return out, false, nil
		}
		out = append(out, ev)
	case <-e.closeCh:
		return out, false, bferrors.New(bferrors.KindShutdown, "subscription closed")
	case <-ctx.Done():
		return out, false, bferrors.Wrap(bferrors.KindTimeout, ctx.Err(), "context done waiting for events")
	case <-deadline.C:
		return out, false, nil
	}

	// Drain any further immediately-available events up to maxEvents,
	// never blocking again.
	for len(out) < maxEvents {
		select {
		case ev, ok := <-e.queue:
			if !ok {
				return out, false, nil
			}
			out = append(out, ev)
		default:
			return out, len(e.queue) > 0, nil
		}
	}
	return out, len(e.queue) > 0, nil
}

func (r *Registry) lagCounter(id string) int64 {
	r.mu.RLock()
	e, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.lag.Load()
}

func (r *Registry) droppedCounter(id string) int64 {
	r.mu.RLock()
	e, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.dropped.Load()
}

// QueueDepth returns the current number of buffered-but-undelivered
// events for a subscription; used by admin introspection.
func (r *Registry) QueueDepth(id string) int {
	r.mu.RLock()
	e, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(e.queue)
}

// List returns all active subscription handles (admin introspection,
// SPEC_FULL.md §6 ListSubscriptions).
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, e := range r.subs {
		out = append(out, e.sub)
	}
	return out
}

// Get returns a subscription handle by id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	return e.sub, true
}

// Shutdown closes every subscription, waking blocked readers with
// end-of-stream. Events still buffered in a queue are discarded, not
// handed to the consumer.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_, _ = r.Destroy(id)
	}
}

func groupKey(pattern, group string) string {
	return group + ":" + pattern
}

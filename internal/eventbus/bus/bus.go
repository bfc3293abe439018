// Package bus composes the topic matcher, storage backend, subscription
// registry, rule engine, and router into the public bus service (spec
// §4.6). It generalizes the teacher's MemoryEventBus
// (internal/events/bus/memory.go), which wires the same pieces but
// without a storage layer, rate limiting, or a rule engine.
package bus

import (
	"container/heap"
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusbus/nexusbus/internal/common/appctx"
	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/common/logger"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/registry"
	"github.com/nexusbus/nexusbus/internal/eventbus/router"
	"github.com/nexusbus/nexusbus/internal/eventbus/rules"
	"github.com/nexusbus/nexusbus/internal/eventbus/storage"
	"github.com/nexusbus/nexusbus/internal/eventbus/topic"
	"github.com/nexusbus/nexusbus/internal/metrics"
)

// Config configures a Bus at construction time (spec §6 "Configuration
// options recognized at bus construction").
type Config struct {
	InstanceID             string
	MaxEvents              int // storage capacity; 0 = unbounded
	MaxConcurrentEmits     int // 0 = unbounded
	MaxEventsPerSecond     float64
	SubscriberBufferSize   int
	EnableMetrics          bool
	EnableGracefulShutdown bool
	ShutdownTimeoutSecs    int
	AllowedSources         []string // topic-glob patterns; nil/["*"] = any source
	EnableRules            bool
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

// Stats is the snapshot get_stats() returns (spec §4.6/§4.7), shaped
// after the original's BusStatsJson (jsonrpc/methods.rs):
// events_processed, events_per_second, active_subscriptions, and
// uptime_seconds all carry the same names and meaning; StorageEventCount
// and Topics are this implementation's additions (storage is inspectable
// where the original's in-process stats were not).
type Stats struct {
	InstanceID          string   `json:"instance_id"`
	UptimeSeconds       float64  `json:"uptime_seconds"`
	StorageEventCount   int      `json:"storage_event_count"`
	ActiveSubscriptions int      `json:"active_subscriptions"`
	EventsProcessed     uint64   `json:"events_processed"`
	EventsPerSecond     float64  `json:"events_per_second"`
	Topics              []string `json:"topics"`
}

// SubscriptionInfo is the supplemented admin-introspection view of one
// subscription (SPEC_FULL §6).
type SubscriptionInfo struct {
	ID        string
	Pattern   string
	ClientTag string
	CreatedAt time.Time
	QueueDepth int
	Lag        int64
	Dropped    int64
}

// Bus is one running event-bus instance.
type Bus struct {
	cfg       Config
	log       *logger.Logger
	startTime time.Time

	storage  storage.Backend
	registry *registry.Registry
	rules    *rules.Engine
	router   *router.Router
	metrics  *metrics.Bus

	allowedSources []*topic.Matcher

	emitSem chan struct{} // nil when MaxConcurrentEmits <= 0

	closed atomic.Bool
}

// New constructs a Bus. The caller must call Start before Emit.
func New(cfg Config, log *logger.Logger) (*Bus, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.InstanceID == "" {
		return nil, bferrors.New(bferrors.KindInvalidInput, "instance_id is required")
	}

	allowedSources, err := compileAllowedSources(cfg.AllowedSources)
	if err != nil {
		return nil, err
	}

	st := storage.NewMemory(cfg.MaxEvents, log)
	reg := registry.New(cfg.SubscriberBufferSize, log)
	engine := rules.New(log)
	m := metrics.New(cfg.InstanceID, cfg.EnableMetrics)

	r := router.New(reg, engine, m, log, router.Config{
		MaxEventsPerSecond: cfg.MaxEventsPerSecond,
		EnableRules:        cfg.EnableRules,
	})

	var sem chan struct{}
	if cfg.MaxConcurrentEmits > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrentEmits)
	}

	b := &Bus{
		cfg:            cfg,
		log:            log,
		storage:        st,
		registry:       reg,
		rules:          engine,
		router:         r,
		metrics:        m,
		allowedSources: allowedSources,
		emitSem:        sem,
	}
	r.SetEmitFunc(b.Emit)
	return b, nil
}

func compileAllowedSources(patterns []string) ([]*topic.Matcher, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	out := make([]*topic.Matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := topic.Compile(p)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindInvalidInput, err, "invalid allowed_sources pattern")
		}
		out = append(out, m)
	}
	return out, nil
}

// SetForwardHandler wires a manager-supplied cross-bus Forward resolver.
// Called once by the multi-bus manager after constructing every bus it
// owns, so Forward actions can resolve peer bus names.
func (b *Bus) SetForwardHandler(fn router.ForwardFunc) {
	b.router.SetForwardHandler(fn)
}

// Start brings the bus's storage online and records its start time. Safe
// to call once; a second call is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	if !b.startTime.IsZero() {
		return nil
	}
	if err := b.storage.Initialize(ctx); err != nil {
		return err
	}
	b.startTime = time.Now().UTC()
	b.log.Info("bus started", zap.String("instance_id", b.cfg.InstanceID))
	return nil
}

func (b *Bus) sourceAllowed(sourceRef string) bool {
	if sourceRef == "" {
		return true
	}
	for _, m := range b.allowedSources {
		if m.Match(sourceRef) {
			return true
		}
	}
	return false
}

// Emit validates, admits, stores, and routes one event (spec §4.6 emit).
// It also serves as router.EmitFunc for rule-synthesized re-emission, so
// EmitEvent/Transform effects go through the exact same pipeline as a
// directly-submitted event.
func (b *Bus) Emit(ctx context.Context, event *model.Event) error {
	if b.closed.Load() {
		return bferrors.New(bferrors.KindShutdown, "bus is shutting down")
	}
	if event == nil {
		return bferrors.New(bferrors.KindInvalidInput, "event is required")
	}

	event.WithDefaults()
	normalized, err := topic.Normalize(event.Topic)
	if err != nil {
		return bferrors.Wrap(bferrors.KindInvalidInput, err, "invalid topic")
	}
	event.Topic = normalized

	if !b.sourceAllowed(event.SourceRef) {
		return bferrors.Newf(bferrors.KindPermissionDenied, "source %q is not in allowed_sources", event.SourceRef)
	}

	if !b.router.Allow() {
		return bferrors.New(bferrors.KindRateLimited, "max_events_per_second exceeded")
	}

	if b.emitSem != nil {
		select {
		case b.emitSem <- struct{}{}:
			defer func() { <-b.emitSem }()
		case <-ctx.Done():
			return bferrors.Wrap(bferrors.KindTimeout, ctx.Err(), "emit admission timed out under max_concurrent_emits")
		}
	}

	start := time.Now()
	defer b.metrics.ObserveEmitDuration(start)

	if _, err := b.storage.Append(ctx, event); err != nil {
		return bferrors.Wrap(bferrors.KindStorage, err, "failed to append event")
	}

	b.router.Route(ctx, *event)
	return nil
}

// priorityItem orders a pending batch entry by descending priority
// (higher priority first, spec §3), ties broken by original submission
// order — the same container/heap idiom the teacher uses for task
// scheduling in internal/orchestrator/queue/queue.go, applied here to a
// one-shot batch instead of a long-lived queue.
type priorityItem struct {
	event *model.Event
	seq   int
	index int
}

type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].event.Priority != h[j].event.Priority {
		return h[i].event.Priority > h[j].event.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// EmitBatch processes events in descending-priority order and returns the
// count that succeeded. Best-effort: one failure never aborts the rest,
// and there is no cross-event atomicity (spec §4.6 emit_batch).
func (b *Bus) EmitBatch(ctx context.Context, events []*model.Event) (int, error) {
	h := make(priorityHeap, 0, len(events))
	heap.Init(&h)
	for i, e := range events {
		heap.Push(&h, &priorityItem{event: e, seq: i})
	}

	processed := 0
	for h.Len() > 0 {
		item := heap.Pop(&h).(*priorityItem)
		if err := b.Emit(ctx, item.event); err != nil {
			b.log.Warn("emit_batch: event failed", zap.String("topic", item.event.Topic), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

// PollResult is the snapshot Poll returns (spec §6 wire result shape).
type PollResult struct {
	Events     []model.Event
	TotalCount int
}

// Poll delegates straight to storage; it never blocks on subscribers
// (spec §4.6 poll).
func (b *Bus) Poll(ctx context.Context, query storage.EventQuery) (PollResult, error) {
	events, err := b.storage.Query(ctx, query)
	if err != nil {
		return PollResult{}, bferrors.Wrap(bferrors.KindStorage, err, "poll query failed")
	}
	total, err := b.storage.Count(ctx)
	if err != nil {
		return PollResult{}, bferrors.Wrap(bferrors.KindStorage, err, "poll count failed")
	}
	return PollResult{Events: events, TotalCount: total}, nil
}

// Subscribe creates a subscription (spec §4.6 subscribe).
func (b *Bus) Subscribe(pattern string, opts registry.Options) (*registry.Subscription, error) {
	if b.closed.Load() {
		return nil, bferrors.New(bferrors.KindShutdown, "bus is shutting down")
	}
	sub, err := b.registry.Create(pattern, opts)
	if err != nil {
		return nil, err
	}
	b.metrics.ActiveSubscriptions.Inc()
	return sub, nil
}

// GetSubscription returns a subscription handle by id, for callers (e.g.
// rpcapi's get_subscription_events) that only hold the id across a wire
// round trip.
func (b *Bus) GetSubscription(id string) (*registry.Subscription, bool) {
	return b.registry.Get(id)
}

// Unsubscribe removes a subscription by id (spec §4.6 unsubscribe).
func (b *Bus) Unsubscribe(id string) (bool, error) {
	existed, err := b.registry.Destroy(id)
	if err != nil {
		return false, err
	}
	if existed {
		b.metrics.ActiveSubscriptions.Dec()
	}
	return existed, nil
}

// ListTopics returns distinct normalized topics with at least one stored
// event (spec §4.6 list_topics).
func (b *Bus) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := b.storage.Topics(ctx)
	if err != nil {
		return nil, bferrors.Wrap(bferrors.KindStorage, err, "list_topics failed")
	}
	return topics, nil
}

// GetStats returns a snapshot of counters and gauges (spec §4.6 get_stats).
func (b *Bus) GetStats(ctx context.Context) (Stats, error) {
	count, err := b.storage.Count(ctx)
	if err != nil {
		return Stats{}, bferrors.Wrap(bferrors.KindStorage, err, "get_stats failed")
	}
	topics, err := b.storage.Topics(ctx)
	if err != nil {
		return Stats{}, bferrors.Wrap(bferrors.KindStorage, err, "get_stats failed")
	}
	b.metrics.StorageEventCount.Set(float64(count))

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}

	return Stats{
		InstanceID:          b.cfg.InstanceID,
		UptimeSeconds:       uptime.Seconds(),
		StorageEventCount:   count,
		ActiveSubscriptions: len(b.registry.List()),
		EventsProcessed:     b.router.EventsProcessed(),
		EventsPerSecond:     b.router.EventsPerSecond(),
		Topics:              topics,
	}, nil
}

// RegisterRule adds or idempotently replaces a rule (spec §4.5/§4.6).
func (b *Bus) RegisterRule(r rules.Rule) error {
	return b.rules.Register(r)
}

// RemoveRule deletes a rule by id.
func (b *Bus) RemoveRule(id string) bool {
	return b.rules.Remove(id)
}

// ListRules returns every registered rule.
func (b *Bus) ListRules() []rules.Rule {
	return b.rules.List()
}

// SetRuleEnabled flips a rule's enabled flag.
func (b *Bus) SetRuleEnabled(id string, enabled bool) error {
	return b.rules.SetEnabled(id, enabled)
}

// DescribeRule returns one rule by id (SPEC_FULL §6 admin introspection).
func (b *Bus) DescribeRule(id string) (rules.Rule, bool) {
	for _, r := range b.rules.List() {
		if r.ID == id {
			return r, true
		}
	}
	return rules.Rule{}, false
}

// ListSubscriptions returns admin-introspection detail for every active
// subscription (SPEC_FULL §6).
func (b *Bus) ListSubscriptions() []SubscriptionInfo {
	subs := b.registry.List()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubscriptionInfo{
			ID:         s.ID(),
			Pattern:    s.Pattern(),
			ClientTag:  s.ClientTag(),
			CreatedAt:  s.CreatedAt(),
			QueueDepth: b.registry.QueueDepth(s.ID()),
			Lag:        s.LagCounter(),
			Dropped:    s.DroppedCounter(),
		})
	}
	return out
}

// Request implements the supplemented request/reply pattern (SPEC_FULL §6):
// emit on topic, then wait on a transient reply subscription for the first
// matching response, mirroring the teacher's "_INBOX.<id>" convention from
// internal/events/bus/bus.go's Request contract.
func (b *Bus) Request(ctx context.Context, topicName string, event *model.Event, timeout time.Duration) (*model.Event, error) {
	replyTopic := "inbox." + uuid.New().String()
	sub, err := b.Subscribe(replyTopic, registry.Options{BufferSize: 1})
	if err != nil {
		return nil, err
	}
	defer func() { _, _ = b.Unsubscribe(sub.ID()) }()

	event.WithDefaults()
	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}
	event.Metadata["reply_to"] = replyTopic
	event.Topic = topicName

	if err := b.Emit(ctx, event); err != nil {
		return nil, err
	}

	events, _, err := sub.Events(ctx, 1, timeout)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, bferrors.New(bferrors.KindTimeout, "request timed out waiting for reply")
	}
	return &events[0], nil
}

// Shutdown stops accepting emits, closes every subscription, and
// finalizes storage, bounded by the configured shutdown timeout (spec
// §4.6 shutdown). Closing a subscription wakes a blocked reader and
// discards any events still in its queue; Shutdown does not wait for
// consumers to pull them first.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	dctx, cancel := appctx.Detached(ctx, nil, b.cfg.shutdownTimeout())
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.registry.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-dctx.Done():
		b.log.Warn("shutdown: registry drain exceeded timeout", zap.String("instance_id", b.cfg.InstanceID))
	}

	if err := b.storage.Shutdown(dctx); err != nil {
		return bferrors.Wrap(bferrors.KindStorage, err, "storage shutdown failed")
	}
	b.log.Info("bus stopped", zap.String("instance_id", b.cfg.InstanceID))
	return nil
}

// InstanceID returns the bus's configured instance id.
func (b *Bus) InstanceID() string { return b.cfg.InstanceID }

// MetricsHandler exposes the bus's /metrics handler for an (out-of-scope)
// transport to mount.
func (b *Bus) MetricsHandler() http.Handler {
	return b.metrics.Handler()
}

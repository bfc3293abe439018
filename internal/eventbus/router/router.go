// Package router implements fan-out dispatch, backpressure-aware delivery,
// admission rate limiting, and rule-engine invocation (spec §4.4).
//
// The token bucket is golang.org/x/time/rate, wired the way
// cuemby-warren/pkg/ingress/middleware.go wires one *rate.Limiter per
// client — here a single limiter per bus, structured so a per-subscription
// map of limiters can be added later without restructuring (spec §4.4's
// explicit requirement).
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/common/logger"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/registry"
	"github.com/nexusbus/nexusbus/internal/eventbus/rules"
	"github.com/nexusbus/nexusbus/internal/metrics"
)

// rateWindow and rateBucket size the events_per_second estimator (spec
// §4.4 step 4). One minute of one-second buckets balances estimate
// smoothness against the bucket map staying small.
const (
	rateWindow = 60 * time.Second
	rateBucket = time.Second
)

// rateEstimator tracks a recent-events-per-second rate alongside a
// lifetime total, bucketed by time the way ariadne's
// internal/ratelimit/sliding_window.go buckets request counts: each
// record() falls into the bucket for its truncated timestamp, and
// perSecond() sums buckets still inside the window before dividing by
// the window length.
type rateEstimator struct {
	mu      sync.Mutex
	total   uint64
	buckets map[int64]int64
}

func newRateEstimator() *rateEstimator {
	return &rateEstimator{buckets: make(map[int64]int64)}
}

func (e *rateEstimator) record(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total++
	key := now.Truncate(rateBucket).UnixNano()
	e.buckets[key]++
	e.evictLocked(now)
}

func (e *rateEstimator) evictLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	for key := range e.buckets {
		if time.Unix(0, key).Before(cutoff) {
			delete(e.buckets, key)
		}
	}
}

func (e *rateEstimator) perSecond(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictLocked(now)
	var count int64
	for _, c := range e.buckets {
		count += c
	}
	return float64(count) / rateWindow.Seconds()
}

func (e *rateEstimator) totalProcessed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// EmitFunc re-enters the bus's full Emit pipeline (validate, store, route)
// for a rule-synthesized event. The router never stores events itself;
// Bus wires this to its own emit path so EmitEvent/Transform effects are
// durable like any other event.
type EmitFunc func(ctx context.Context, event *model.Event) error

// ForwardFunc resolves a named peer bus and re-emits on it. Unknown
// targets are the caller's (manager's) responsibility to count and drop
// per spec §4.7; the router only logs the error it returns.
type ForwardFunc func(ctx context.Context, targetBus string, event *model.Event) error

// ToolSink receives InvokeTool/ExecuteTool effects for external dispatch.
type ToolSink func(rules.ToolInvocation)

// WebhookSink receives Webhook effects for external dispatch.
type WebhookSink func(rules.WebhookDispatch)

// CustomSink receives Custom effects for external dispatch.
type CustomSink func(rules.CustomEffect)

// Config configures a Router at bus-construction time.
type Config struct {
	MaxEventsPerSecond float64 // <=0 disables rate limiting
	EnableRules        bool

	OnForward ForwardFunc
	OnTool    ToolSink
	OnWebhook WebhookSink
	OnCustom  CustomSink
}

// Router performs fan-out to subscriptions and rule evaluation for one
// bus instance.
type Router struct {
	reg    *registry.Registry
	engine *rules.Engine
	m      *metrics.Bus
	log    *logger.Logger

	limiter     *rate.Limiter
	enableRules bool
	estimator   *rateEstimator

	mu          sync.RWMutex
	emitFn      EmitFunc
	forwardFn   ForwardFunc
	toolSink    ToolSink
	webhookSink WebhookSink
	customSink  CustomSink
}

// New builds a Router. emitFn must be supplied by Bus after construction
// via SetEmitFunc (the bus owns storage, so it must exist before the
// router can recurse into it).
func New(reg *registry.Registry, engine *rules.Engine, m *metrics.Bus, log *logger.Logger, cfg Config) *Router {
	if log == nil {
		log = logger.Default()
	}
	var limiter *rate.Limiter
	if cfg.MaxEventsPerSecond > 0 {
		burst := int(cfg.MaxEventsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxEventsPerSecond), burst)
	}
	return &Router{
		reg:         reg,
		engine:      engine,
		m:           m,
		log:         log,
		limiter:     limiter,
		enableRules: cfg.EnableRules,
		estimator:   newRateEstimator(),
		forwardFn:   cfg.OnForward,
		toolSink:    cfg.OnTool,
		webhookSink: cfg.OnWebhook,
		customSink:  cfg.OnCustom,
	}
}

// SetEmitFunc wires the bus's full emit pipeline for rule-synthesized
// re-emission. Must be called once before the first Route call.
func (r *Router) SetEmitFunc(fn EmitFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitFn = fn
}

// SetForwardHandler wires a multi-bus manager's cross-bus Forward
// resolver after construction — buses are built before the manager knows
// every peer name, so this is set once the full bus set exists.
func (r *Router) SetForwardHandler(fn ForwardFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwardFn = fn
}

// Allow checks the admission token bucket (spec §4.4). A disabled limiter
// (MaxEventsPerSecond <= 0) always allows.
func (r *Router) Allow() bool {
	if r.limiter == nil {
		return true
	}
	allowed := r.limiter.Allow()
	if !allowed && r.m != nil {
		r.m.RateLimitedTotal.Inc()
	}
	return allowed
}

// Route performs the fan-out algorithm of spec §4.4: deliver to matching
// subscriptions, evaluate the rule engine, act on emitted effects, and
// update metrics. It has no error result: subscriber-side delivery
// failures are metrics-only per spec §4.6, and failures of a nested
// re-emit or forward are logged, never propagated back to the original
// Emit caller.
func (r *Router) Route(ctx context.Context, event model.Event) {
	r.reg.Deliver(ctx, event)

	r.estimator.record(time.Now())
	if r.m != nil {
		r.m.EventsProcessedTotal.WithLabelValues(event.Topic).Inc()
	}

	if !r.enableRules {
		return
	}

	outcomes := r.engine.Evaluate(event)
	for _, outcome := range outcomes {
		if r.m != nil {
			r.m.RuleMatchesTotal.WithLabelValues(outcome.RuleID).Inc()
		}
		for _, effect := range outcome.Effects {
			r.applyEffect(ctx, effect)
		}
	}
}

func (r *Router) applyEffect(ctx context.Context, effect rules.Effect) {
	switch effect.Kind {
	case rules.ActionInvokeTool:
		if effect.ToolInvocation == nil {
			return
		}
		r.mu.RLock()
		sink := r.toolSink
		r.mu.RUnlock()
		if sink != nil {
			sink(*effect.ToolInvocation)
		} else {
			r.log.Info("tool invocation produced (no sink configured)",
				zap.String("rule_id", effect.ToolInvocation.RuleID),
				zap.String("tool_id", effect.ToolInvocation.ToolID))
		}

	case rules.ActionEmitEvent, rules.ActionTransform:
		r.reemit(ctx, effect.EmitEvent)

	case rules.ActionForward:
		r.mu.RLock()
		fwd := r.forwardFn
		r.mu.RUnlock()
		if fwd == nil {
			r.log.Warn("forward action dropped: no multi-bus manager wired", zap.String("target_bus", effect.ForwardTarget))
			return
		}
		if effect.ForwardEvent != nil && effect.ForwardEvent.RuleDepth > model.MaxRuleDepth {
			r.log.Warn("dropped forwarded event: max rule depth exceeded",
				zap.String("target_bus", effect.ForwardTarget), zap.Int("rule_depth", effect.ForwardEvent.RuleDepth))
			return
		}
		if err := fwd(ctx, effect.ForwardTarget, effect.ForwardEvent); err != nil {
			r.log.Warn("forward action failed", zap.String("target_bus", effect.ForwardTarget), zap.Error(err))
		}

	case rules.ActionWebhook:
		if effect.WebhookDispatch == nil {
			return
		}
		r.mu.RLock()
		sink := r.webhookSink
		r.mu.RUnlock()
		if sink != nil {
			sink(*effect.WebhookDispatch)
		} else {
			r.log.Info("webhook dispatch produced (no sink configured)", zap.String("url", effect.WebhookDispatch.URL))
		}

	case rules.ActionLog:
		if effect.LogEntry == nil {
			return
		}
		fields := make([]zap.Field, 0, len(effect.LogEntry.Fields)+1)
		fields = append(fields, zap.String("rule_id", effect.LogEntry.RuleID))
		for k, v := range effect.LogEntry.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		logAtLevel(r.log, effect.LogEntry.Level, "rule log action", fields...)

	case rules.ActionCustom:
		if effect.Custom == nil {
			return
		}
		r.mu.RLock()
		sink := r.customSink
		r.mu.RUnlock()
		if sink != nil {
			sink(*effect.Custom)
		} else {
			r.log.Debug("custom effect produced (no sink configured)", zap.String("kind", effect.Custom.Kind))
		}
	}
}

// reemit re-enters the bus pipeline for a rule-synthesized event, enforcing
// the rule-depth cap (spec §4.5 loop prevention).
func (r *Router) reemit(ctx context.Context, event *model.Event) {
	if event == nil {
		return
	}
	if event.RuleDepth > model.MaxRuleDepth {
		r.log.Warn("dropped rule-synthesized event: max rule depth exceeded",
			zap.String("topic", event.Topic), zap.Int("rule_depth", event.RuleDepth))
		return
	}

	r.mu.RLock()
	emit := r.emitFn
	r.mu.RUnlock()
	if emit == nil {
		r.log.Error("cannot re-emit rule-synthesized event: emit function not wired", zap.String("topic", event.Topic))
		return
	}
	if err := emit(ctx, event); err != nil && !bferrors.Is(err, bferrors.KindRateLimited) {
		r.log.Warn("rule-synthesized re-emit failed", zap.String("topic", event.Topic), zap.Error(err))
	}
}

// EventsProcessed returns the lifetime count of events this router has
// routed, the get_stats events_processed field (spec §4.6/§9).
func (r *Router) EventsProcessed() uint64 {
	return r.estimator.totalProcessed()
}

// EventsPerSecond returns the sliding-window rate estimate, the
// get_stats events_per_second field (spec §4.4 step 4, §4.6/§9).
func (r *Router) EventsPerSecond() float64 {
	return r.estimator.perSecond(time.Now())
}

func logAtLevel(log *logger.Logger, level string, msg string, fields ...zap.Field) {
	switch level {
	case "debug":
		log.Debug(msg, fields...)
	case "warn":
		log.Warn(msg, fields...)
	case "error":
		log.Error(msg, fields...)
	default:
		log.Info(msg, fields...)
	}
}

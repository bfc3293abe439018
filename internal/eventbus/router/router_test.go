package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/registry"
	"github.com/nexusbus/nexusbus/internal/eventbus/rules"
	"github.com/nexusbus/nexusbus/internal/metrics"
)

func TestRouteDeliversToMatchingSubscriptions(t *testing.T) {
	reg := registry.New(8, nil)
	sub, err := reg.Create("order.*", registry.Options{})
	require.NoError(t, err)

	engine := rules.New(nil)
	m := metrics.New("t1", false)
	r := New(reg, engine, m, nil, Config{EnableRules: true})

	r.Route(context.Background(), *model.New("order.created", map[string]any{"id": "o1"}))

	events, _, err := sub.Events(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "order.created", events[0].Topic)
}

func TestRouteRateLimiting(t *testing.T) {
	// spec §8 scenario S5
	reg := registry.New(8, nil)
	engine := rules.New(nil)
	m := metrics.New("t2", false)
	r := New(reg, engine, m, nil, Config{MaxEventsPerSecond: 1})

	assert.True(t, r.Allow())
	assert.False(t, r.Allow(), "second admission within the same instant must be rejected by the token bucket")
}

func TestRouteRateLimitingDisabledByDefault(t *testing.T) {
	r := New(registry.New(8, nil), rules.New(nil), metrics.New("t3", false), nil, Config{})
	for i := 0; i < 5; i++ {
		assert.True(t, r.Allow())
	}
}

func TestRouteRuleEmitEventRecursesThroughEmitFunc(t *testing.T) {
	reg := registry.New(8, nil)
	engine := rules.New(nil)
	require.NoError(t, engine.Register(rules.Rule{
		ID:      "audit",
		Enabled: true,
		Match:   rules.MatchSpec{TopicPattern: "order.created"},
		Action: rules.Action{
			Kind:     rules.ActionEmitEvent,
			Template: rules.EventTemplate{Topic: "audit.order"},
		},
	}))
	m := metrics.New("t4", false)
	r := New(reg, engine, m, nil, Config{EnableRules: true})

	var mu sync.Mutex
	var reemitted []*model.Event
	r.SetEmitFunc(func(ctx context.Context, e *model.Event) error {
		mu.Lock()
		defer mu.Unlock()
		reemitted = append(reemitted, e)
		return nil
	})

	r.Route(context.Background(), *model.New("order.created", map[string]any{"id": "o1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reemitted, 1)
	assert.Equal(t, "audit.order", reemitted[0].Topic)
	assert.Equal(t, 1, reemitted[0].RuleDepth)
}

func TestRouteDropsEventsExceedingMaxRuleDepth(t *testing.T) {
	// spec §8 scenario S6 recursion-prevention clause
	reg := registry.New(8, nil)
	engine := rules.New(nil)
	m := metrics.New("t5", false)
	r := New(reg, engine, m, nil, Config{EnableRules: true})

	called := false
	r.SetEmitFunc(func(ctx context.Context, e *model.Event) error {
		called = true
		return nil
	})

	trigger := model.New("loop.me", nil)
	trigger.RuleDepth = model.MaxRuleDepth + 1
	r.applyEffect(context.Background(), rules.Effect{
		Kind:      rules.ActionEmitEvent,
		EmitEvent: trigger,
	})

	assert.False(t, called, "an event already past MaxRuleDepth must never reach emitFn")
}

func TestRouteForwardWithoutManagerWiredIsDroppedNotPanicked(t *testing.T) {
	reg := registry.New(8, nil)
	engine := rules.New(nil)
	require.NoError(t, engine.Register(rules.Rule{
		ID:      "fwd",
		Enabled: true,
		Match:   rules.MatchSpec{TopicPattern: "x"},
		Action:  rules.Action{Kind: rules.ActionForward, TargetBus: "other"},
	}))
	m := metrics.New("t6", false)
	r := New(reg, engine, m, nil, Config{EnableRules: true})

	assert.NotPanics(t, func() {
		r.Route(context.Background(), *model.New("x", nil))
	})
}

func TestRouteForwardCallsOnForward(t *testing.T) {
	reg := registry.New(8, nil)
	engine := rules.New(nil)
	require.NoError(t, engine.Register(rules.Rule{
		ID:      "fwd",
		Enabled: true,
		Match:   rules.MatchSpec{TopicPattern: "x"},
		Action:  rules.Action{Kind: rules.ActionForward, TargetBus: "peer"},
	}))
	m := metrics.New("t7", false)

	var gotTarget string
	r := New(reg, engine, m, nil, Config{
		EnableRules: true,
		OnForward: func(ctx context.Context, target string, e *model.Event) error {
			gotTarget = target
			return nil
		},
	})

	r.Route(context.Background(), *model.New("x", nil))
	assert.Equal(t, "peer", gotTarget)
}

func TestRouteTracksEventsProcessedAndRate(t *testing.T) {
	// spec §4.4 step 4 events_per_second sliding-window estimator
	reg := registry.New(8, nil)
	engine := rules.New(nil)
	m := metrics.New("t9", false)
	r := New(reg, engine, m, nil, Config{})

	assert.Equal(t, uint64(0), r.EventsProcessed())
	assert.Equal(t, 0.0, r.EventsPerSecond())

	for i := 0; i < 3; i++ {
		r.Route(context.Background(), *model.New("order.created", nil))
	}

	assert.Equal(t, uint64(3), r.EventsProcessed())
	assert.InDelta(t, 3.0/rateWindow.Seconds(), r.EventsPerSecond(), 0.001)
}

func TestRateEstimatorEvictsOldBuckets(t *testing.T) {
	e := newRateEstimator()
	old := time.Now().Add(-2 * rateWindow)
	e.record(old)
	require.Equal(t, uint64(1), e.totalProcessed(), "lifetime total must never be evicted")

	now := time.Now()
	assert.Equal(t, 0.0, e.perSecond(now), "a bucket outside the window must not count toward the rate")
}

func TestRouteToolWebhookCustomSinks(t *testing.T) {
	reg := registry.New(8, nil)
	engine := rules.New(nil)
	require.NoError(t, engine.Register(rules.Rule{
		ID: "tool", Enabled: true, Match: rules.MatchSpec{TopicPattern: "a"},
		Action: rules.NewExecuteToolAction("build", nil),
	}))
	require.NoError(t, engine.Register(rules.Rule{
		ID: "hook", Enabled: true, Match: rules.MatchSpec{TopicPattern: "a"},
		Action: rules.Action{Kind: rules.ActionWebhook, URL: "https://example.invalid/hook"},
	}))
	require.NoError(t, engine.Register(rules.Rule{
		ID: "custom", Enabled: true, Match: rules.MatchSpec{TopicPattern: "a"},
		Action: rules.Action{Kind: rules.ActionCustom, CustomKind: "notify"},
	}))
	m := metrics.New("t8", false)

	var tool rules.ToolInvocation
	var hook rules.WebhookDispatch
	var custom rules.CustomEffect
	r := New(reg, engine, m, nil, Config{
		EnableRules: true,
		OnTool:      func(i rules.ToolInvocation) { tool = i },
		OnWebhook:   func(w rules.WebhookDispatch) { hook = w },
		OnCustom:    func(c rules.CustomEffect) { custom = c },
	})

	r.Route(context.Background(), *model.New("a", nil))

	assert.Equal(t, "build", tool.ToolID)
	assert.Equal(t, "https://example.invalid/hook", hook.URL)
	assert.Equal(t, "notify", custom.Kind)
}

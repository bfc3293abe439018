package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/eventbus/bus"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/registry"
	"github.com/nexusbus/nexusbus/internal/eventbus/rules"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{
		DefaultBus: "orders",
		Buses: map[string]bus.Config{
			"orders":  {EnableRules: true},
			"billing": {EnableRules: true},
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestNewRejectsMissingDefaultBus(t *testing.T) {
	_, err := New(Config{
		DefaultBus: "missing",
		Buses:      map[string]bus.Config{"orders": {}},
	}, nil)
	require.Error(t, err)
}

func TestNewRejectsEmptyBusSet(t *testing.T) {
	_, err := New(Config{DefaultBus: "x"}, nil)
	require.Error(t, err)
}

func TestBusNamesSorted(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, []string{"billing", "orders"}, m.BusNames())
}

func TestEmitGoesToDefaultBus(t *testing.T) {
	m := newTestManager(t)
	sub, err := m.SubscribeToBus("orders", "order.*", registry.Options{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), model.New("order.created", nil)))

	events, _, err := sub.Events(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestEmitToBusAndSubscribeToBus(t *testing.T) {
	m := newTestManager(t)
	sub, err := m.SubscribeToBus("billing", "invoice.*", registry.Options{})
	require.NoError(t, err)

	require.NoError(t, m.EmitToBus(context.Background(), "billing", model.New("invoice.created", nil)))

	events, _, err := sub.Events(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestEmitToUnknownBusFails(t *testing.T) {
	m := newTestManager(t)
	err := m.EmitToBus(context.Background(), "nonexistent", model.New("a", nil))
	require.Error(t, err)
	assert.Equal(t, bferrors.KindNotFound, bferrors.Of(err))
}

func TestForwardCrossBus(t *testing.T) {
	m := newTestManager(t)

	ordersBus, err := m.bus("orders")
	require.NoError(t, err)
	require.NoError(t, ordersBus.RegisterRule(rules.Rule{
		ID:      "to_billing",
		Enabled: true,
		Match:   rules.MatchSpec{TopicPattern: "order.created"},
		Action:  rules.Action{Kind: rules.ActionForward, TargetBus: "billing"},
	}))

	sub, err := m.SubscribeToBus("billing", "order.*", registry.Options{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), model.New("order.created", map[string]any{"id": "o1"})))

	events, _, err := sub.Events(context.Background(), 10, 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestForwardToUnknownBusIsDroppedAndRecorded(t *testing.T) {
	m := newTestManager(t)

	ordersBus, err := m.bus("orders")
	require.NoError(t, err)
	require.NoError(t, ordersBus.RegisterRule(rules.Rule{
		ID:      "to_nowhere",
		Enabled: true,
		Match:   rules.MatchSpec{TopicPattern: "x"},
		Action:  rules.Action{Kind: rules.ActionForward, TargetBus: "does-not-exist"},
	}))

	require.NoError(t, m.Emit(context.Background(), model.New("x", nil)))

	stats, err := m.GetCombinedMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.UnknownForwardDrops)
}

func TestGetCombinedMetricsSumsAcrossBuses(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.EmitToBus(context.Background(), "orders", model.New("a", nil)))
	require.NoError(t, m.EmitToBus(context.Background(), "billing", model.New("b", nil)))

	stats, err := m.GetCombinedMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Totals.StorageEventCount)
	assert.Equal(t, uint64(2), stats.Totals.EventsProcessed)
	assert.Len(t, stats.PerBus, 2)
}

func TestNewDefaultsBlankInstanceIDToBusName(t *testing.T) {
	m, err := New(Config{
		DefaultBus: "a",
		Buses: map[string]bus.Config{
			"a": {},
			"b": {},
		},
	}, nil)
	require.NoError(t, err)

	b, err := m.bus("a")
	require.NoError(t, err)
	assert.Equal(t, "a", b.InstanceID())
}

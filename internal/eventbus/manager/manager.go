// Package manager supervises a named set of bus.Bus instances (spec
// §4.7). It generalizes the teacher's internal/events/provider.go, which
// constructs exactly one bus implementation and hands back a cleanup
// func, into an all-or-nothing multi-bus lifecycle with cross-bus
// Forward resolution.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexusbus/nexusbus/internal/common/appctx"
	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/common/logger"
	"github.com/nexusbus/nexusbus/internal/eventbus/bus"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/registry"
)

// Config configures the manager: the set of named buses it owns and
// which one receives unqualified Emit calls.
type Config struct {
	DefaultBus          string
	Buses               map[string]bus.Config
	ShutdownTimeoutSecs int
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

// CombinedStats is GetCombinedMetrics's result (spec §4.7).
type CombinedStats struct {
	Totals              bus.Stats
	PerBus              map[string]bus.Stats
	UnknownForwardDrops int64
}

// Manager owns a mapping from bus name to running Bus instance.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu    sync.RWMutex
	buses map[string]*bus.Bus

	started atomic.Bool
	unknownForwardDrops atomic.Int64
}

// New constructs every configured bus (but does not start them) and wires
// each bus's Forward resolver to the manager, so a rule's Forward action
// on one bus can re-emit on any other bus this manager owns.
func New(cfg Config, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	if len(cfg.Buses) == 0 {
		return nil, bferrors.New(bferrors.KindInvalidInput, "manager requires at least one configured bus")
	}
	if cfg.DefaultBus == "" {
		return nil, bferrors.New(bferrors.KindInvalidInput, "manager requires a default_bus name")
	}
	if _, ok := cfg.Buses[cfg.DefaultBus]; !ok {
		return nil, bferrors.Newf(bferrors.KindInvalidInput, "default_bus %q is not among configured buses", cfg.DefaultBus)
	}

	m := &Manager{cfg: cfg, log: log, buses: make(map[string]*bus.Bus, len(cfg.Buses))}

	for name, bcfg := range cfg.Buses {
		if bcfg.InstanceID == "" {
			bcfg.InstanceID = name
		}
		b, err := bus.New(bcfg, log)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindInvalidInput, err, fmt.Sprintf("constructing bus %q", name))
		}
		b.SetForwardHandler(m.forward)
		m.buses[name] = b
	}

	return m, nil
}

// Start brings every bus online. If any bus fails to start, every bus
// started so far is shut down again before returning the error (spec
// §4.7: "Manager lifecycle is all-or-nothing: partial start failures
// roll back started buses.").
func (m *Manager) Start(ctx context.Context) error {
	started := make([]*bus.Bus, 0, len(m.buses))
	for _, name := range m.sortedNames() {
		b := m.buses[name]
		if err := b.Start(ctx); err != nil {
			m.log.Error("manager start: bus failed, rolling back", zap.String("bus", name), zap.Error(err))
			for _, sb := range started {
				_ = sb.Shutdown(ctx)
			}
			return bferrors.Wrap(bferrors.KindInternal, err, fmt.Sprintf("starting bus %q", name))
		}
		started = append(started, b)
	}
	m.started.Store(true)
	m.log.Info("manager started", zap.Int("bus_count", len(m.buses)))
	return nil
}

// Stop shuts down every bus, bounded by the configured shutdown timeout.
// It attempts every bus even if one fails, returning the first error.
func (m *Manager) Stop(ctx context.Context) error {
	dctx, cancel := appctx.Detached(ctx, nil, m.cfg.shutdownTimeout())
	defer cancel()

	var firstErr error
	for _, name := range m.sortedNames() {
		if err := m.buses[name].Shutdown(dctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.started.Store(false)
	return firstErr
}

// BusNames returns every configured bus name, sorted for stable output.
func (m *Manager) BusNames() []string {
	return m.sortedNames()
}

func (m *Manager) sortedNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buses))
	for name := range m.buses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) bus(name string) (*bus.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[name]
	if !ok {
		return nil, bferrors.Newf(bferrors.KindNotFound, "bus %q is not configured", name)
	}
	return b, nil
}

// Bus returns a configured bus by name, for collaborators (the CLI
// launcher's HTTP mux) that need the *bus.Bus itself rather than one of
// the manager's routing helpers.
func (m *Manager) Bus(name string) (*bus.Bus, error) {
	return m.bus(name)
}

// DefaultBus returns the bus configured as manager.defaultBus.
func (m *Manager) DefaultBus() *bus.Bus {
	b, _ := m.bus(m.cfg.DefaultBus)
	return b
}

// Emit routes to the default bus (spec §4.7 emit).
func (m *Manager) Emit(ctx context.Context, event *model.Event) error {
	return m.EmitToBus(ctx, m.cfg.DefaultBus, event)
}

// EmitToBus routes to a specific named bus (spec §4.7 emit_to_bus).
func (m *Manager) EmitToBus(ctx context.Context, name string, event *model.Event) error {
	b, err := m.bus(name)
	if err != nil {
		return err
	}
	return b.Emit(ctx, event)
}

// SubscribeToBus subscribes on a specific named bus (spec §4.7
// subscribe_to_bus).
func (m *Manager) SubscribeToBus(name, pattern string, opts registry.Options) (*registry.Subscription, error) {
	b, err := m.bus(name)
	if err != nil {
		return nil, err
	}
	return b.Subscribe(pattern, opts)
}

// GetCombinedMetrics aggregates every bus's stats plus a manager-level
// total (spec §4.7 get_combined_metrics).
func (m *Manager) GetCombinedMetrics(ctx context.Context) (CombinedStats, error) {
	perBus := make(map[string]bus.Stats, len(m.buses))
	totals := bus.Stats{}

	for _, name := range m.sortedNames() {
		b, err := m.bus(name)
		if err != nil {
			continue
		}
		stats, err := b.GetStats(ctx)
		if err != nil {
			return CombinedStats{}, err
		}
		perBus[name] = stats
		totals.StorageEventCount += stats.StorageEventCount
		totals.ActiveSubscriptions += stats.ActiveSubscriptions
		totals.EventsProcessed += stats.EventsProcessed
		totals.EventsPerSecond += stats.EventsPerSecond
		if stats.UptimeSeconds > totals.UptimeSeconds {
			totals.UptimeSeconds = stats.UptimeSeconds
		}
	}

	return CombinedStats{
		Totals:              totals,
		PerBus:              perBus,
		UnknownForwardDrops: m.unknownForwardDrops.Load(),
	}, nil
}

// forward resolves a cross-bus Forward action. Unknown targets record a
// metric and drop rather than erroring the triggering rule's bus (spec
// §4.7: "A cross-bus Forward action resolves the target by name; unknown
// targets record a metric and drop.").
func (m *Manager) forward(ctx context.Context, targetBus string, event *model.Event) error {
	b, err := m.bus(targetBus)
	if err != nil {
		m.unknownForwardDrops.Add(1)
		m.log.Warn("forward dropped: unknown target bus", zap.String("target_bus", targetBus))
		return err
	}
	return b.Emit(ctx, event)
}

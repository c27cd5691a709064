// Package monitor detects and self-heals divergence between the remote
// store's declared order count and the locally displayed one. Two triggers
// feed one debounced reconciliation: store change events and a fixed timer.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/events"
	"github.com/restaurantpos/ordersync/internal/remote"
	"github.com/restaurantpos/ordersync/internal/store"
	"github.com/restaurantpos/ordersync/internal/syncer"
	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

var monitorTracer = otel.Tracer("github.com/restaurantpos/ordersync/monitor")

// Outcome is the result of a count validation.
type Outcome struct {
	Consistent bool
	// Delta is the absolute difference between system and displayed counts.
	Delta int
}

// DisplayedCounter is the slice of the order store the monitor reads.
type DisplayedCounter interface {
	CountActive() int
}

// Puller triggers a full reload from the remote store.
type Puller interface {
	PullNow(ctx context.Context) (int, error)
}

// Monitor owns the drift detection and recovery loop.
type Monitor struct {
	displayed DisplayedCounter
	remote    remote.Store
	puller    Puller
	hub       *events.Hub
	logger    *zap.Logger
	cfg       config.Monitor

	refreshMu  sync.Mutex
	refreshing bool

	requests  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Params defines dependencies for constructing the Monitor.
type Params struct {
	fx.In

	Store  *store.Store
	Remote remote.Store
	Engine *syncer.Engine
	Hub    *events.Hub
	Config config.Config
	Logger *zap.Logger
}

// Module provides the monitor, subscribes it to store changes, and binds
// its lifecycle.
var Module = fx.Options(
	fx.Provide(NewMonitor),
	fx.Invoke(func(lc fx.Lifecycle, m *Monitor, hub *events.Hub, cfg config.Config) {
		if cfg.Monitor.Enabled {
			hub.Subscribe(changeTrigger{m})
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				m.Close()
				return nil
			},
		})
	}),
)

// NewMonitor constructs the monitor. The debounce goroutine only runs when
// the monitor is enabled; Close is safe either way.
func NewMonitor(p Params) *Monitor {
	m := &Monitor{
		displayed: p.Store,
		remote:    p.Remote,
		puller:    p.Engine,
		hub:       p.Hub,
		logger:    p.Logger,
		cfg:       p.Config.Monitor,
		requests:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if m.cfg.Enabled {
		m.wg.Add(1)
		go m.debounceLoop()
	}
	return m
}

// changeTrigger adapts the events contract onto the reactive trigger.
type changeTrigger struct {
	m *Monitor
}

func (t changeTrigger) OrdersChanged()                 { t.m.RequestRefresh() }
func (t changeTrigger) SyncStatusChanged(bool)         {}
func (t changeTrigger) CountMismatchDetected(int, int) {}

// Validate compares the remote system count against the displayed count.
func (m *Monitor) Validate(systemCount, displayedCount int) Outcome {
	delta := systemCount - displayedCount
	if delta < 0 {
		delta = -delta
	}
	return Outcome{Consistent: delta == 0, Delta: delta}
}

// RequestRefresh schedules a debounced reconciliation. Bursts of change
// events inside the debounce window collapse into one check.
func (m *Monitor) RequestRefresh() {
	select {
	case m.requests <- struct{}{}:
	default:
	}
}

// Sweep runs one reconciliation now. The timer trigger calls this on a
// fixed interval; the reactive trigger reaches it through the debouncer.
func (m *Monitor) Sweep(ctx context.Context) error {
	ctx, span := monitorTracer.Start(ctx, "ConsistencyMonitor.Sweep")
	defer span.End()

	systemCount, err := m.remote.CountActive(ctx)
	if err != nil {
		// Remote unreachable; the sync engine's own fallback handles this.
		m.logger.Debug("system count unavailable", zap.Error(err))
		return nil
	}
	displayedCount := m.displayed.CountActive()

	outcome := m.Validate(systemCount, displayedCount)
	span.SetAttributes(
		attribute.Int("count.system", systemCount),
		attribute.Int("count.displayed", displayedCount),
		attribute.Int("count.delta", outcome.Delta),
	)
	if outcome.Consistent || outcome.Delta <= m.cfg.DriftTolerance {
		// Small deltas are normal propagation delay, not drift.
		return nil
	}

	m.logger.Warn("order count drift detected",
		zap.Int("system", systemCount),
		zap.Int("displayed", displayedCount),
		zap.Int("delta", outcome.Delta),
	)
	return m.Recover(ctx, systemCount, displayedCount)
}

// Recover forces a full reload from the remote store, then re-validates.
// A second mismatch is surfaced to listeners as a user-actionable notice and
// returned as a consistency_drift error so callers can escalate. Overlapping
// recoveries collapse into one.
func (m *Monitor) Recover(ctx context.Context, systemCount, displayedCount int) error {
	if !m.tryBeginRefresh() {
		return nil
	}
	defer m.endRefresh()

	ctx, span := monitorTracer.Start(ctx, "ConsistencyMonitor.Recover")
	defer span.End()

	if _, err := m.puller.PullNow(ctx); err != nil && !errors.Is(err, syncer.ErrPullInFlight) {
		m.logger.Warn("drift recovery pull failed", zap.Error(err))
		m.hub.CountMismatchDetected(systemCount, displayedCount)
		return nil
	}

	refreshedSystem, err := m.remote.CountActive(ctx)
	if err != nil {
		m.logger.Warn("post-recovery count unavailable", zap.Error(err))
		return nil
	}
	refreshedDisplayed := m.displayed.CountActive()

	outcome := m.Validate(refreshedSystem, refreshedDisplayed)
	if !outcome.Consistent && outcome.Delta > m.cfg.DriftTolerance {
		m.logger.Error("order count drift persists after recovery",
			zap.Int("system", refreshedSystem),
			zap.Int("displayed", refreshedDisplayed),
		)
		m.hub.CountMismatchDetected(refreshedSystem, refreshedDisplayed)
		return errorbank.Drift("order count drift persists after recovery",
			errorbank.WithDetail("system", refreshedSystem),
			errorbank.WithDetail("displayed", refreshedDisplayed),
		)
	}

	m.logger.Info("order count drift recovered",
		zap.Int("system", refreshedSystem),
		zap.Int("displayed", refreshedDisplayed),
	)
	return nil
}

// Close stops the debounce goroutine.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Monitor) tryBeginRefresh() bool {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.refreshing {
		return false
	}
	m.refreshing = true
	return true
}

func (m *Monitor) endRefresh() {
	m.refreshMu.Lock()
	m.refreshing = false
	m.refreshMu.Unlock()
}

func (m *Monitor) debounceLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.requests:
			timer := time.NewTimer(m.cfg.Debounce)
		drain:
			for {
				select {
				case <-m.requests:
					// Coalesce further requests into this window.
				case <-timer.C:
					break drain
				case <-m.done:
					timer.Stop()
					return
				}
			}
			if err := m.Sweep(context.Background()); err != nil {
				m.logger.Warn("reactive sweep failed", zap.Error(err))
			}
		case <-m.done:
			return
		}
	}
}

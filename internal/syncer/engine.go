// Package syncer keeps the local order store and the remote authoritative
// store eventually consistent in both directions: push on local mutation,
// live feed merge for remote-origin changes, periodic full pull as the
// degraded fallback.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/entity"
	"github.com/restaurantpos/ordersync/internal/events"
	"github.com/restaurantpos/ordersync/internal/messaging"
	"github.com/restaurantpos/ordersync/internal/remote"
	"github.com/restaurantpos/ordersync/internal/store"
	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

var syncTracer = otel.Tracer("github.com/restaurantpos/ordersync/sync")

// ErrPullInFlight is returned when a full pull is already running.
var ErrPullInFlight = errors.New("pull already in flight")

// Ledger is the slice of the order store the engine mutates.
type Ledger interface {
	MergeRemote(ctx context.Context, order *entity.Order, silent bool) (*entity.Order, error)
}

// Engine reconciles the local ledger with the remote store.
type Engine struct {
	ledger Ledger
	remote remote.Store
	feed   messaging.Client
	hub    *events.Hub
	logger *zap.Logger
	cfg    config.Sync

	mu             sync.Mutex
	connected      bool
	connectedAt    time.Time
	active         bool
	cancelConsumer context.CancelFunc
	cancelPull     context.CancelFunc

	pullInFlight bool
	pullMu       sync.Mutex

	wg sync.WaitGroup
}

// Params defines dependencies for constructing the Engine.
type Params struct {
	fx.In

	Store  *store.Store
	Remote remote.Store
	Feed   messaging.Client
	Hub    *events.Hub
	Config config.Config
	Logger *zap.Logger
}

// Module provides the engine and ties Connect/Close to the Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Invoke(func(lc fx.Lifecycle, e *Engine) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// Startup reconciliation must not block boot on a slow or
				// unreachable remote; Connect degrades internally.
				go e.Connect(context.Background())
				return nil
			},
			OnStop: func(ctx context.Context) error {
				e.Close()
				return nil
			},
		})
	}),
)

// NewEngine constructs the sync engine.
func NewEngine(p Params) *Engine {
	return &Engine{
		ledger: p.Store,
		remote: p.Remote,
		feed:   p.Feed,
		hub:    p.Hub,
		logger: p.Logger,
		cfg:    p.Config.Sync,
	}
}

// Connect performs startup reconciliation and establishes the live feed
// subscription. Idempotent: a second call while connected is a no-op and
// never creates a duplicate subscription.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = true
	e.connectedAt = time.Now()
	e.mu.Unlock()

	ctx, span := syncTracer.Start(ctx, "SyncEngine.Connect")
	defer span.End()

	// Bulk startup reconciliation. Merges are always silent here; the
	// suppression window exists precisely because this burst looks like
	// remote activity.
	if _, err := e.PullNow(ctx); err != nil && !errors.Is(err, ErrPullInFlight) {
		e.logger.Warn("startup reconciliation failed; continuing", zap.Error(err))
		span.RecordError(err)
	}

	if e.feed.Live() {
		e.startConsumer()
		return nil
	}

	// Degraded mode: no live subscription available. Poll the remote store
	// on a fixed interval rather than going silently stale.
	e.logger.Info("change feed unavailable; falling back to periodic pull",
		zap.Duration("interval", e.cfg.PullInterval))
	e.startPullLoop()
	return nil
}

// PushOrder sends a local mutation to the remote store. Failure is logged
// and returned; callers treat it as non-fatal because the local mutation
// already succeeded and is never rolled back.
func (e *Engine) PushOrder(ctx context.Context, order *entity.Order, kind remote.ChangeKind) error {
	ctx, span := syncTracer.Start(ctx, "SyncEngine.PushOrder", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("change.kind", string(kind)),
	))
	defer span.End()

	if err := e.remote.WriteOrder(ctx, order, kind); err != nil {
		e.logger.Warn("order push failed; local save stands",
			zap.String("order_id", order.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		return errorbank.TransientIO("order sync failed", errorbank.WithCause(err))
	}
	return nil
}

// IsActive reports whether the live subscription is currently healthy.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// EnsureActive restarts the live subscription if it silently died. Intended
// to be polled on a fixed interval.
func (e *Engine) EnsureActive(ctx context.Context) error {
	e.mu.Lock()
	needsRestart := e.connected && !e.active && e.feed.Live()
	e.mu.Unlock()
	if !needsRestart {
		return nil
	}
	e.logger.Info("live subscription inactive; restarting")
	return e.Restart(ctx)
}

// Restart tears down the live subscription and establishes a fresh one.
// The startup suppression window is not re-armed; only Connect arms it.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return errors.New("sync engine not connected")
	}
	cancelConsumer := e.cancelConsumer
	cancelPull := e.cancelPull
	e.cancelConsumer = nil
	e.cancelPull = nil
	e.mu.Unlock()

	// Both modes are stopped: a restart out of degraded polling must not
	// leave the pull loop running behind a fresh subscription.
	if cancelConsumer != nil {
		cancelConsumer()
	}
	if cancelPull != nil {
		cancelPull()
	}
	e.wg.Wait()

	// Catch up on anything missed while the subscription was down.
	if _, err := e.PullNow(ctx); err != nil && !errors.Is(err, ErrPullInFlight) {
		e.logger.Warn("catch-up pull failed during restart", zap.Error(err))
	}

	if e.feed.Live() {
		e.startConsumer()
	} else {
		e.startPullLoop()
	}
	return nil
}

// PullNow performs one full pull from the remote store, merging every order
// into the ledger. Returns the number of orders merged. Guarded by a single
// in-flight flag so overlapping recovery attempts collapse into one.
func (e *Engine) PullNow(ctx context.Context) (int, error) {
	if !e.tryBeginPull() {
		return 0, ErrPullInFlight
	}
	defer e.endPull()

	ctx, span := syncTracer.Start(ctx, "SyncEngine.PullNow")
	defer span.End()

	orders, err := e.remote.FetchAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return 0, err
	}

	merged := 0
	for _, o := range orders {
		if _, err := e.ledger.MergeRemote(ctx, o, true); err != nil {
			if errorbank.IsKind(err, errorbank.KindInvalidState) {
				// Ghost or otherwise unsaveable remote row; skip.
				continue
			}
			e.logger.Warn("pull merge failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		merged++
	}

	if merged > 0 && !e.suppressed() {
		e.hub.OrdersChanged()
	}
	span.SetAttributes(attribute.Int("orders.merged", merged))
	return merged, nil
}

// Close stops the consumer and any pull loop.
func (e *Engine) Close() {
	e.mu.Lock()
	cancelConsumer := e.cancelConsumer
	cancelPull := e.cancelPull
	e.cancelConsumer = nil
	e.cancelPull = nil
	e.connected = false
	e.active = false
	e.mu.Unlock()

	if cancelConsumer != nil {
		cancelConsumer()
	}
	if cancelPull != nil {
		cancelPull()
	}
	e.wg.Wait()
}

func (e *Engine) tryBeginPull() bool {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()
	if e.pullInFlight {
		return false
	}
	e.pullInFlight = true
	return true
}

func (e *Engine) endPull() {
	e.pullMu.Lock()
	e.pullInFlight = false
	e.pullMu.Unlock()
}

// suppressed reports whether we are inside the startup suppression window.
// Remote-origin changes merged during this window are not surfaced as
// user-visible events: bulk startup reconciliation is indistinguishable
// from genuine remote updates and must not spam "new order" notices. Known
// false negative: a genuine new order in this window is merged silently.
func (e *Engine) suppressed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectedAt.IsZero() {
		return false
	}
	return time.Since(e.connectedAt) < e.cfg.SuppressionWindow
}

func (e *Engine) startConsumer() {
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.cancelConsumer = cancel
	e.mu.Unlock()

	// Activation is reported from inside the consumer goroutine, so IsActive
	// never runs ahead of the goroutine that owns the subscription.
	armed := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		e.mu.Lock()
		e.active = true
		e.mu.Unlock()
		e.hub.SyncStatusChanged(true)
		close(armed)

		err := e.feed.Consume(runCtx, e.handleFeedMessage)

		e.mu.Lock()
		wasActive := e.active
		e.active = false
		e.mu.Unlock()

		if errors.Is(err, context.Canceled) {
			return
		}
		if wasActive {
			e.logger.Warn("live subscription died", zap.Error(err))
			e.hub.SyncStatusChanged(false)
		}
	}()
	<-armed
}

func (e *Engine) startPullLoop() {
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.cancelPull = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.PullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.PullNow(runCtx); err != nil && !errors.Is(err, ErrPullInFlight) {
					e.logger.Warn("periodic pull failed", zap.Error(err))
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
}

func (e *Engine) handleFeedMessage(ctx context.Context, msg messaging.Message) error {
	event, err := remote.DecodeEvent(msg.Value)
	if err != nil {
		// A malformed event will never become parseable; drop it.
		e.logger.Warn("undecodable change event dropped", zap.Error(err))
		return nil
	}
	if event.TenantID != e.cfg.TenantID {
		return nil
	}
	if event.OriginID == e.cfg.DeviceID {
		// Echo of our own mutation.
		return nil
	}

	silent := e.suppressed()
	if _, err := e.ledger.MergeRemote(ctx, event.Order, silent); err != nil {
		if errorbank.IsKind(err, errorbank.KindInvalidState) {
			return nil
		}
		e.logger.Warn("remote change merge failed",
			zap.String("order_id", event.Order.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

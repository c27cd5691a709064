package dispatch

import (
	"context"
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
	"github.com/restaurantpos/ordersync/internal/remote"
	"github.com/restaurantpos/ordersync/internal/store"
	"github.com/restaurantpos/ordersync/internal/syncer"
	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

var dispatchTracer = otel.Tracer("github.com/restaurantpos/ordersync/dispatch")

// Ledger is the slice of the order store dispatch reads and writes.
type Ledger interface {
	Get(id string) (*entity.Order, bool)
	Upsert(ctx context.Context, order *entity.Order) (*entity.Order, error)
}

// Pusher propagates the post-dispatch order to the remote store.
type Pusher interface {
	PushOrder(ctx context.Context, order *entity.Order, kind remote.ChangeKind) error
}

// DispatchResult summarizes one send-to-kitchen run.
type DispatchResult struct {
	// Success is true when every targeted station accepted its ticket.
	Success      bool
	ItemsSent    int
	StationCount int
	UpdatedOrder *entity.Order
}

// Coordinator owns the kitchen fan-out.
type Coordinator struct {
	ledger    Ledger
	pusher    Pusher
	resolver  *Resolver
	transport Transport
	logger    *zap.Logger
	cfg       config.Dispatch
}

// Params defines dependencies for constructing the Coordinator.
type Params struct {
	fx.In

	Store  *store.Store
	Engine *syncer.Engine
	Config config.Config
	Logger *zap.Logger
}

// Module provides the dispatch coordinator.
var Module = fx.Provide(NewCoordinator)

// NewCoordinator wires the coordinator from configuration.
func NewCoordinator(p Params) (*Coordinator, error) {
	resolver, err := ParseStations(p.Config.Dispatch.StationMap)
	if err != nil {
		return nil, err
	}
	if !resolver.Configured() {
		p.Logger.Warn("no kitchen stations configured; dispatch runs in record-only mode")
	}
	return &Coordinator{
		ledger:    p.Store,
		pusher:    p.Engine,
		resolver:  resolver,
		transport: NewTCPTransport(p.Config.Dispatch.DialTimeout),
		logger:    p.Logger,
		cfg:       p.Config.Dispatch,
	}, nil
}

// SendToKitchen delivers every undispatched item of the order to its station.
// Stations fail independently: items whose station accepted the ticket are
// marked sent, the rest stay pending for a retry. The outcome is persisted
// even when every station fails. Calling again with nothing pending is a
// successful no-op.
func (c *Coordinator) SendToKitchen(ctx context.Context, orderID string) (*DispatchResult, error) {
	ctx, span := dispatchTracer.Start(ctx, "DispatchCoordinator.SendToKitchen", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	order, ok := c.ledger.Get(orderID)
	if !ok {
		return nil, errorbank.NotFound("order not found", errorbank.WithDetail("order_id", orderID))
	}
	if order.Status.Terminal() {
		return nil, errorbank.InvalidState("order is already closed",
			errorbank.WithDetail("status", string(order.Status)))
	}

	pending := order.UndispatchedItems()
	if len(pending) == 0 {
		span.SetAttributes(attribute.Int("items.sent", 0))
		return &DispatchResult{Success: true, UpdatedOrder: order}, nil
	}

	if !c.resolver.Configured() {
		// Record-only mode: no stations to reach, but the items must still be
		// marked sent so billing and cancellation rules see them as fired.
		c.logger.Warn("dispatch without stations; marking items sent",
			zap.String("order_id", orderID),
			zap.Int("items", len(pending)),
		)
		return c.finalize(order, map[string][]*entity.OrderItem{"": pending}, map[string]error{"": nil}, 0)
	}

	groups := c.resolver.Group(pending)
	span.SetAttributes(
		attribute.Int("items.pending", len(pending)),
		attribute.Int("stations", len(groups)),
	)

	// Fan-out runs detached from the caller: a dropped HTTP connection must
	// not abandon tickets mid-print.
	runCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)

	var (
		mu   sync.Mutex
		errs = make(map[string]error, len(groups))
		wg   sync.WaitGroup
	)
	now := time.Now()
	for name, items := range groups {
		station, _ := c.resolver.Lookup(name)
		ticket := renderTicket(order, name, items, now)
		wg.Add(1)
		go func(name, addr string, ticket []byte) {
			defer wg.Done()
			err := c.transport.Send(runCtx, addr, ticket)
			mu.Lock()
			errs[name] = err
			mu.Unlock()
			if err != nil {
				c.logger.Warn("station dispatch failed",
					zap.String("order_id", orderID),
					zap.String("station", name),
					zap.Error(err),
				)
			}
		}(name, station.Addr, ticket)
	}

	done := make(chan *DispatchResult, 1)
	go func() {
		defer cancel()
		wg.Wait()
		result, err := c.finalize(order, groups, errs, len(groups))
		if err != nil {
			c.logger.Error("dispatch finalize failed", zap.String("order_id", orderID), zap.Error(err))
			done <- &DispatchResult{Success: false, StationCount: len(groups), UpdatedOrder: order}
			return
		}
		done <- result
	}()

	select {
	case result := <-done:
		if !result.Success {
			span.SetStatus(codes.Error, "partial dispatch")
		}
		span.SetAttributes(attribute.Int("items.sent", result.ItemsSent))
		return result, nil
	case <-time.After(c.cfg.Timeout):
		// Soft success: the fan-out keeps running in the background and the
		// persisted result arrives through the orders-changed notification.
		c.logger.Warn("dispatch still running at deadline; completing in background",
			zap.String("order_id", orderID),
		)
		return &DispatchResult{Success: true, StationCount: len(groups), UpdatedOrder: order}, nil
	}
}

// finalize flips the sent flag on items whose station accepted the ticket,
// persists the order, and propagates it to the remote store.
func (c *Coordinator) finalize(order *entity.Order, groups map[string][]*entity.OrderItem, errs map[string]error, stationCount int) (*DispatchResult, error) {
	sentIDs := make(map[string]bool)
	success := true
	for name, items := range groups {
		if errs[name] != nil {
			success = false
			continue
		}
		for _, item := range items {
			sentIDs[item.ID] = true
		}
	}

	// Finalize works on its own copy: when the deadline fires first the caller
	// is still holding the order it was handed, and must never observe these
	// writes.
	updated := order.Clone()
	for _, item := range updated.Items {
		if sentIDs[item.ID] {
			item.SentToKitchen = true
		}
	}
	if len(sentIDs) > 0 && (updated.Status == entity.StatusPending || updated.Status == entity.StatusConfirmed) {
		updated.Status = entity.StatusPreparing
	}

	// Persist even when every station refused: dispatch outcomes always go
	// through the store so subscribers and the remote see one consistent view.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, err := c.ledger.Upsert(persistCtx, updated)
	if err != nil {
		return nil, err
	}
	// Push failure is non-fatal; the local save stands and the sync engine
	// logs it.
	_ = c.pusher.PushOrder(persistCtx, saved, remote.ChangeUpdated)

	return &DispatchResult{
		Success:      success,
		ItemsSent:    len(sentIDs),
		StationCount: stationCount,
		UpdatedOrder: saved,
	}, nil
}

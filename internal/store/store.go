// Package store owns the in-process order ledger. All mutations are
// serialized through a single writer goroutine; reads are served from an
// in-memory map of clones. Persistence goes to the local cache database,
// never to the remote store directly.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/cache"
	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/entity"
	"github.com/restaurantpos/ordersync/internal/events"
	"github.com/restaurantpos/ordersync/internal/identity"
	"github.com/restaurantpos/ordersync/internal/repository/order"
	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

var storeTracer = otel.Tracer("github.com/restaurantpos/ordersync/store")

// ErrClosed is returned when a mutation is submitted after shutdown.
var ErrClosed = errors.New("order store closed")

// Actor identifies who is performing a privileged-sensitive operation.
type Actor struct {
	ID       string
	Elevated bool
}

// CancelOutcome reports what a cancellation did to the order.
type CancelOutcome struct {
	Order *entity.Order
	// Reset is true when the elevated path zeroed items and totals.
	Reset bool
}

// Persister is the slice of the order repository the store needs.
type Persister interface {
	Upsert(ctx context.Context, order *entity.Order) error
	Delete(ctx context.Context, id string) error
	ListByTenant(ctx context.Context, tenantID string) ([]*entity.Order, error)
}

// Store is the single in-process source of truth for live orders.
type Store struct {
	repo     Persister
	cache    cache.Store
	cacheTTL time.Duration
	hub      *events.Hub
	logger   *zap.Logger
	matcher  identity.Matcher
	tenantID string
	taxRate  float64

	mu     sync.RWMutex
	orders map[string]*entity.Order

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Params defines dependencies for constructing the Store.
type Params struct {
	fx.In

	Repo   Persister
	Cache  cache.Store
	Hub    *events.Hub
	Config config.Config
	Logger *zap.Logger
}

// Module provides the Store and binds load/shutdown to the Fx lifecycle.
var Module = fx.Options(
	fx.Provide(func(local order.Local) Persister { return local }),
	fx.Provide(NewStore),
	fx.Invoke(func(lc fx.Lifecycle, s *Store) {
		lc.Append(fx.Hook{
			OnStart: s.Load,
			OnStop: func(ctx context.Context) error {
				s.Close()
				return nil
			},
		})
	}),
)

// NewStore constructs the Store and starts its writer goroutine.
func NewStore(p Params) *Store {
	s := &Store{
		repo:     p.Repo,
		cache:    p.Cache,
		cacheTTL: p.Config.Cache.DefaultTTL,
		hub:      p.Hub,
		logger:   p.Logger,
		matcher:  identity.NewMatcher(),
		tenantID: p.Config.Sync.TenantID,
		taxRate:  p.Config.Billing.TaxRate,
		orders:   make(map[string]*entity.Order),
		tasks:    make(chan func(), 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Load hydrates the in-memory view from the local database and removes any
// ghost orders left behind by incomplete creation flows.
func (s *Store) Load(ctx context.Context) error {
	ctx, span := storeTracer.Start(ctx, "OrderStore.Load")
	defer span.End()

	orders, err := s.repo.ListByTenant(ctx, s.tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return fmt.Errorf("load orders: %w", err)
	}

	loaded := make(map[string]*entity.Order, len(orders))
	ghosts := 0
	for _, o := range orders {
		if len(o.Items) == 0 && o.Status != entity.StatusCancelled {
			ghosts++
			if err := s.repo.Delete(ctx, o.ID); err != nil {
				s.logger.Warn("ghost order delete failed", zap.String("order_id", o.ID), zap.Error(err))
			}
			continue
		}
		loaded[o.ID] = o
	}

	s.mu.Lock()
	s.orders = loaded
	s.mu.Unlock()

	s.logger.Info("order store loaded",
		zap.Int("orders", len(loaded)),
		zap.Int("ghosts_removed", ghosts),
	)
	return nil
}

// Close stops the writer goroutine. Pending mutations are completed first.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Upsert validates invariants, recomputes derived totals, persists, and
// notifies subscribers. An empty item list or negative total is rejected
// with an invalid_state error; callers treat that as "skip save".
func (s *Store) Upsert(ctx context.Context, order *entity.Order) (*entity.Order, error) {
	return s.apply(ctx, order, true)
}

// MergeRemote applies a remote-origin order. When silent is true the store
// is updated without raising the orders-changed notification; the sync
// engine uses this during the startup suppression window.
func (s *Store) MergeRemote(ctx context.Context, order *entity.Order, silent bool) (*entity.Order, error) {
	return s.apply(ctx, order, !silent)
}

func (s *Store) apply(ctx context.Context, order *entity.Order, notify bool) (*entity.Order, error) {
	if order == nil {
		return nil, errorbank.InvalidState("order payload is required")
	}

	ctx, span := storeTracer.Start(ctx, "OrderStore.Upsert", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.Bool("notify", notify),
	))
	defer span.End()

	var (
		saved  *entity.Order
		opErr  error
		submit = order.Clone()
	)
	err := s.do(ctx, func() {
		saved, opErr = s.applyLocked(ctx, submit, notify)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		span.RecordError(opErr)
		span.SetStatus(codes.Error, "upsert rejected")
		return nil, opErr
	}
	return saved, nil
}

// applyLocked runs on the writer goroutine.
func (s *Store) applyLocked(ctx context.Context, order *entity.Order, notify bool) (*entity.Order, error) {
	// Ghost guard: an order with no items must never be persisted. A
	// cancelled order is the one exception, produced by the elevated reset.
	if len(order.Items) == 0 && order.Status != entity.StatusCancelled {
		return nil, errorbank.InvalidState("order has no items; save skipped",
			errorbank.WithDetail("order_id", order.ID))
	}

	order.RecalculateTotals(s.taxRate)
	if order.Total < 0 {
		return nil, errorbank.InvalidState("order total is negative",
			errorbank.WithDetail("order_id", order.ID))
	}
	if order.TenantID == "" {
		order.TenantID = s.tenantID
	}
	order.UpdatedAt = time.Now().UTC()

	if err := s.repo.Upsert(ctx, order); err != nil {
		return nil, errorbank.Internal("failed to persist order", errorbank.WithCause(err))
	}

	s.mu.Lock()
	s.orders[order.ID] = order
	s.mu.Unlock()

	s.storeSnapshot(ctx, order)

	if notify {
		s.hub.OrdersChanged()
	}
	return order.Clone(), nil
}

// Cancel applies the cancellation rules. An order whose items were never
// dispatched cannot be cancelled by a regular actor; an elevated actor may,
// in which case items and totals are zeroed first so the cancelled order
// carries no stale figures.
func (s *Store) Cancel(ctx context.Context, orderID string, actor Actor) (*CancelOutcome, error) {
	ctx, span := storeTracer.Start(ctx, "OrderStore.Cancel", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Bool("actor.elevated", actor.Elevated),
	))
	defer span.End()

	var (
		outcome *CancelOutcome
		opErr   error
	)
	err := s.do(ctx, func() {
		outcome, opErr = s.cancelLocked(ctx, orderID, actor)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		span.RecordError(opErr)
		span.SetStatus(codes.Error, "cancel rejected")
		return nil, opErr
	}
	return outcome, nil
}

func (s *Store) cancelLocked(ctx context.Context, orderID string, actor Actor) (*CancelOutcome, error) {
	s.mu.RLock()
	current, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, errorbank.NotFound("order not found", errorbank.WithDetail("order_id", orderID))
	}
	if current.Status.Terminal() {
		return nil, errorbank.InvalidState("order is already closed",
			errorbank.WithDetail("status", string(current.Status)))
	}

	order := current.Clone()
	reset := false

	if !order.HasDispatchedItems() {
		if !actor.Elevated {
			return nil, errorbank.InvalidState(
				"order has only undispatched items; remove them instead of cancelling")
		}
		order.ResetItems()
		reset = true
	} else {
		order.RecalculateTotals(s.taxRate)
	}

	order.Status = entity.StatusCancelled
	order.UpdatedAt = time.Now().UTC()

	if err := s.repo.Upsert(ctx, order); err != nil {
		return nil, errorbank.Internal("failed to persist cancellation", errorbank.WithCause(err))
	}

	s.mu.Lock()
	s.orders[order.ID] = order
	s.mu.Unlock()

	s.dropSnapshot(ctx, order.ID)
	s.hub.OrdersChanged()

	return &CancelOutcome{Order: order.Clone(), Reset: reset}, nil
}

// RemoveItem voids one item on an open order. An item already sent to the
// kitchen may only be removed by an elevated actor. Removing the last item is
// rejected: an empty order cannot be persisted, so it must be cancelled
// instead.
func (s *Store) RemoveItem(ctx context.Context, orderID, itemID string, actor Actor) (*entity.Order, error) {
	ctx, span := storeTracer.Start(ctx, "OrderStore.RemoveItem", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("item.id", itemID),
		attribute.Bool("actor.elevated", actor.Elevated),
	))
	defer span.End()

	var (
		updated *entity.Order
		opErr   error
	)
	err := s.do(ctx, func() {
		updated, opErr = s.removeItemLocked(ctx, orderID, itemID, actor)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		span.RecordError(opErr)
		span.SetStatus(codes.Error, "remove rejected")
		return nil, opErr
	}
	return updated, nil
}

func (s *Store) removeItemLocked(ctx context.Context, orderID, itemID string, actor Actor) (*entity.Order, error) {
	s.mu.RLock()
	current, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, errorbank.NotFound("order not found", errorbank.WithDetail("order_id", orderID))
	}
	if current.Status.Terminal() {
		return nil, errorbank.InvalidState("order is already closed",
			errorbank.WithDetail("status", string(current.Status)))
	}

	order := current.Clone()
	idx := -1
	for i, item := range order.Items {
		if item.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errorbank.NotFound("item not found", errorbank.WithDetail("item_id", itemID))
	}
	if order.Items[idx].SentToKitchen && !actor.Elevated {
		return nil, errorbank.PermissionDenied("item was already sent to the kitchen; voiding it requires a manager",
			errorbank.WithDetail("item_id", itemID))
	}
	if len(order.Items) == 1 {
		return nil, errorbank.InvalidState("removing the last item would empty the order; cancel it instead",
			errorbank.WithDetail("order_id", orderID))
	}

	order.Items = append(order.Items[:idx], order.Items[idx+1:]...)
	order.RecalculateTotals(s.taxRate)
	order.UpdatedAt = time.Now().UTC()

	if err := s.repo.Upsert(ctx, order); err != nil {
		return nil, errorbank.Internal("failed to persist item removal", errorbank.WithCause(err))
	}

	s.mu.Lock()
	s.orders[order.ID] = order
	s.mu.Unlock()

	s.storeSnapshot(ctx, order)
	s.hub.OrdersChanged()

	return order.Clone(), nil
}

// Get returns a clone of the order, if present.
func (s *Store) Get(id string) (*entity.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// ListActive returns clones of all non-terminal orders, oldest first.
func (s *Store) ListActive() []*entity.Order {
	return s.list(func(o *entity.Order) bool { return o.Active() })
}

// ListCompleted returns clones of all completed orders, oldest first.
func (s *Store) ListCompleted() []*entity.Order {
	return s.list(func(o *entity.Order) bool { return o.Status == entity.StatusCompleted })
}

// CountActive returns the number of non-terminal orders currently visible.
// The consistency monitor compares this against the remote system count.
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.orders {
		if o.Active() {
			n++
		}
	}
	return n
}

// CountActiveByServer counts active orders owned by the selected server,
// matching both the raw and composite addressing conventions.
func (s *Store) CountActiveByServer(serverID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.orders {
		if o.Active() && s.matcher.Matches(serverID, o.ServerID) {
			n++
		}
	}
	return n
}

func (s *Store) list(keep func(*entity.Order) bool) []*entity.Order {
	s.mu.RLock()
	out := make([]*entity.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// do submits fn to the writer goroutine and waits for completion.
func (s *Store) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		fn()
		close(finished)
	}

	select {
	case s.tasks <- job:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.tasks:
			job()
		case <-s.done:
			// Drain whatever was accepted before shutdown.
			for {
				select {
				case job := <-s.tasks:
					job()
				default:
					return
				}
			}
		}
	}
}

func (s *Store) snapshotKey(id string) string {
	return fmt.Sprintf("orders:%s:%s", s.tenantID, id)
}

func (s *Store) storeSnapshot(ctx context.Context, order *entity.Order) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(order)
	if err != nil {
		s.logger.Warn("order snapshot marshal failed", zap.String("order_id", order.ID), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, s.snapshotKey(order.ID), payload, s.cacheTTL); err != nil {
		s.logger.Warn("order snapshot write failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Store) dropSnapshot(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.snapshotKey(id)); err != nil {
		s.logger.Warn("order snapshot delete failed", zap.String("order_id", id), zap.Error(err))
	}
}

// Package events carries the presentation subscription contract: fire-and-
// forget notifications delivered on a single queue so observers never run
// concurrently.
package events

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Listener receives engine notifications. Implementations must not block;
// delivery is serialized on one goroutine.
type Listener interface {
	OrdersChanged()
	SyncStatusChanged(active bool)
	CountMismatchDetected(system, displayed int)
}

// Module provides the Hub and binds its lifecycle.
var Module = fx.Options(
	fx.Provide(NewHub),
	fx.Invoke(func(lc fx.Lifecycle, hub *Hub) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				hub.Close()
				return nil
			},
		})
	}),
)

// Hub fans notifications out to registered listeners in publish order.
type Hub struct {
	mu        sync.Mutex
	listeners []Listener
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewHub constructs a Hub and starts its delivery goroutine.
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		queue:  make(chan func(), 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.deliverLoop()
	return h
}

// Subscribe registers a listener for all future notifications.
func (h *Hub) Subscribe(l Listener) {
	if l == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// OrdersChanged notifies listeners that the visible order set changed.
func (h *Hub) OrdersChanged() {
	h.publish(func(l Listener) { l.OrdersChanged() })
}

// SyncStatusChanged notifies listeners of live-subscription health changes.
func (h *Hub) SyncStatusChanged(active bool) {
	h.publish(func(l Listener) { l.SyncStatusChanged(active) })
}

// CountMismatchDetected surfaces an unresolved drift to listeners.
func (h *Hub) CountMismatchDetected(system, displayed int) {
	h.publish(func(l Listener) { l.CountMismatchDetected(system, displayed) })
}

// Close stops delivery. Pending notifications are dropped.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) publish(fn func(Listener)) {
	h.mu.Lock()
	targets := make([]Listener, len(h.listeners))
	copy(targets, h.listeners)
	h.mu.Unlock()

	job := func() {
		for _, l := range targets {
			fn(l)
		}
	}

	select {
	case h.queue <- job:
	case <-h.done:
	default:
		// A full queue means a listener is stalling the delivery goroutine;
		// dropping is preferable to blocking a mutation path.
		if h.logger != nil {
			h.logger.Warn("event queue full; notification dropped")
		}
	}
}

func (h *Hub) deliverLoop() {
	for {
		select {
		case job := <-h.queue:
			job()
		case <-h.done:
			return
		}
	}
}

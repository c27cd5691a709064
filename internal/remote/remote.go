// Package remote is the client side of the authoritative tenant store:
// order writes, bulk reads, declared counts, and the change events other
// devices see on the feed.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/database"
	"github.com/restaurantpos/ordersync/internal/entity"
	"github.com/restaurantpos/ordersync/internal/messaging"
	repo "github.com/restaurantpos/ordersync/internal/repository/order"
)

var remoteTracer = otel.Tracer("github.com/restaurantpos/ordersync/remote")

// ChangeKind classifies an order mutation on the feed.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeCancelled ChangeKind = "cancelled"
)

// ChangeEvent is the wire form of one order mutation. OriginID carries the
// device that produced it so consumers can drop their own echoes.
type ChangeEvent struct {
	Kind     ChangeKind    `json:"kind"`
	TenantID string        `json:"tenant_id"`
	OriginID string        `json:"origin_id"`
	Order    *entity.Order `json:"order"`
	At       time.Time     `json:"at"`
}

// DecodeEvent parses a feed payload.
func DecodeEvent(payload []byte) (*ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode change event: %w", err)
	}
	if event.Order == nil {
		return nil, fmt.Errorf("change event without order")
	}
	return &event, nil
}

// Store is the remote authoritative store contract consumed by the sync
// engine and the consistency monitor.
type Store interface {
	WriteOrder(ctx context.Context, order *entity.Order, kind ChangeKind) error
	FetchAll(ctx context.Context) ([]*entity.Order, error)
	CountActive(ctx context.Context) (int, error)
}

// Client implements Store over the remote database plus the change feed.
type Client struct {
	repo     *repo.Repository
	feed     messaging.Client
	logger   *zap.Logger
	tenantID string
	deviceID string
}

// Module provides the remote store client.
var Module = fx.Options(
	fx.Provide(NewClient),
	fx.Provide(func(c *Client) Store { return c }),
)

// NewClient wires the remote store client.
func NewClient(conns *database.Connections, feed messaging.Client, cfg config.Config, logger *zap.Logger) *Client {
	return &Client{
		repo:     repo.NewRepository(conns.Remote),
		feed:     feed,
		logger:   logger,
		tenantID: cfg.Sync.TenantID,
		deviceID: cfg.Sync.DeviceID,
	}
}

// WriteOrder persists the order remotely and announces the change on the
// feed. A feed publish failure is logged, not returned; the remote row is
// already written and pull-mode devices will still converge.
func (c *Client) WriteOrder(ctx context.Context, order *entity.Order, kind ChangeKind) error {
	ctx, span := remoteTracer.Start(ctx, "RemoteStore.WriteOrder", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("change.kind", string(kind)),
	))
	defer span.End()

	if err := c.repo.Upsert(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote upsert failed")
		return fmt.Errorf("remote write: %w", err)
	}

	event := ChangeEvent{
		Kind:     kind,
		TenantID: c.tenantID,
		OriginID: c.deviceID,
		Order:    order,
		At:       time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("change event marshal failed", zap.String("order_id", order.ID), zap.Error(err))
		return nil
	}
	if err := c.feed.Publish(ctx, []byte(order.ID), payload); err != nil {
		c.logger.Warn("change event publish failed",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
	return nil
}

// FetchAll bulk-reads every order for the tenant.
func (c *Client) FetchAll(ctx context.Context) ([]*entity.Order, error) {
	ctx, span := remoteTracer.Start(ctx, "RemoteStore.FetchAll")
	defer span.End()

	orders, err := c.repo.ListByTenant(ctx, c.tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, fmt.Errorf("remote fetch: %w", err)
	}
	return orders, nil
}

// CountActive returns the remote store's declared active-order count.
func (c *Client) CountActive(ctx context.Context) (int, error) {
	ctx, span := remoteTracer.Start(ctx, "RemoteStore.CountActive")
	defer span.End()

	count, err := c.repo.CountActive(ctx, c.tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count failed")
		return 0, fmt.Errorf("remote count: %w", err)
	}
	return count, nil
}

package seeder

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/database"
	"github.com/restaurantpos/ordersync/internal/entity"
)

// Module exposes the seeder to Fx.
var Module = fx.Provide(New)

// Seeder fills the local database with sample orders for dev setups.
type Seeder struct {
	db       *bun.DB
	tenantID string
	logger   *zap.Logger
}

// New constructs a Seeder backed by the local database connection.
func New(cfg config.Config, conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Local, tenantID: cfg.Sync.TenantID, logger: logger}
}

// Orders seeds example orders if they are missing. Fixed ids keep the run
// idempotent.
func (s *Seeder) Orders(ctx context.Context) error {
	now := time.Now().UTC()
	samples := []*entity.Order{
		{
			ID:       "seed-order-1",
			Number:   "ORD-SEED-0001",
			TenantID: s.tenantID,
			ServerID: "seed-server",
			Type:     entity.TypeDineIn,
			Status:   entity.StatusPending,
			Items: []*entity.OrderItem{
				{ID: "seed-item-1a", OrderID: "seed-order-1", Name: "Margherita", Category: "mains", UnitPrice: 14.50, Quantity: 1},
				{ID: "seed-item-1b", OrderID: "seed-order-1", Name: "Sparkling Water", Category: "drinks", UnitPrice: 3.00, Quantity: 2},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:       "seed-order-2",
			Number:   "ORD-SEED-0002",
			TenantID: s.tenantID,
			ServerID: "seed-server",
			Type:     entity.TypeTakeaway,
			Status:   entity.StatusPreparing,
			Items: []*entity.OrderItem{
				{ID: "seed-item-2a", OrderID: "seed-order-2", Name: "Burger", Category: "mains", UnitPrice: 11.00, Quantity: 1, SentToKitchen: true},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	for _, sample := range samples {
		sample.RecalculateTotals(0)
		if _, err := s.db.NewInsert().Model(sample).
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx); err != nil {
			return err
		}
		for _, item := range sample.Items {
			if _, err := s.db.NewInsert().Model(item).
				On("CONFLICT (id) DO NOTHING").
				Exec(ctx); err != nil {
				return err
			}
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded orders", zap.Int("count", len(samples)))
	}
	return nil
}

package order

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/restaurantpos/ordersync/internal/entity"
)

var repoTracer = otel.Tracer("github.com/restaurantpos/ordersync/repository/order")

// ErrNotFound is returned when an order is missing.
var ErrNotFound = errors.New("order not found")

// Repository encapsulates order read/write access for one database. The same
// implementation backs the local cache and the remote authoritative store;
// they differ only in the connection handed to NewRepository.
type Repository struct {
	db *bun.DB
}

// NewRepository wires a repository over the given connection.
func NewRepository(db *bun.DB) *Repository {
	return &Repository{db: db}
}

// Upsert writes the order and replaces its item rows in one transaction.
func (r *Repository) Upsert(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Upsert", trace.WithAttributes(attribute.String("order.id", order.ID)))
	defer span.End()

	conflict, sets := upsertAssignments(r.db.Dialect().Name())
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		insert := tx.NewInsert().Model(order).On(conflict)
		for _, set := range sets {
			insert = insert.Set(set)
		}
		if _, err := insert.Exec(ctx); err != nil {
			return err
		}

		if _, err := tx.NewDelete().
			Model((*entity.OrderItem)(nil)).
			Where("order_id = ?", order.ID).
			Exec(ctx); err != nil {
			return err
		}

		if len(order.Items) == 0 {
			return nil
		}
		for _, item := range order.Items {
			item.OrderID = order.ID
		}
		_, err := tx.NewInsert().Model(&order.Items).Exec(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
	}
	return err
}

var upsertColumns = []string{
	"number", "server_id", "order_type", "status", "subtotal", "tax",
	"discount", "gratuity", "total", "notes", "preferences", "updated_at",
}

// upsertAssignments returns the conflict clause and per-column update
// expressions for the connection's dialect. MySQL has no ON CONFLICT; it
// spells the same upsert as ON DUPLICATE KEY UPDATE with VALUES() refs.
func upsertAssignments(name dialect.Name) (conflict string, sets []string) {
	sets = make([]string, 0, len(upsertColumns))
	if name == dialect.MySQL {
		for _, col := range upsertColumns {
			sets = append(sets, col+" = VALUES("+col+")")
		}
		return "DUPLICATE KEY UPDATE", sets
	}
	for _, col := range upsertColumns {
		sets = append(sets, col+" = EXCLUDED."+col)
	}
	return "CONFLICT (id) DO UPDATE", sets
}

// GetByID fetches an order with its items.
func (r *Repository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.db.NewSelect().
		Model(order).
		Relation("Items").
		Where("o.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// ListByTenant returns every order for the tenant, items included.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListByTenant", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	var orders []*entity.Order
	err := r.db.NewSelect().
		Model(&orders).
		Relation("Items").
		Where("o.tenant_id = ?", tenantID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return orders, nil
}

// CountActive returns how many non-terminal orders the store holds for the
// tenant. The consistency monitor treats this as the system count when run
// against the remote connection.
func (r *Repository) CountActive(ctx context.Context, tenantID string) (int, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.CountActive", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	count, err := r.db.NewSelect().
		Model((*entity.Order)(nil)).
		Where("tenant_id = ?", tenantID).
		Where("status NOT IN (?)", bun.In([]entity.Status{entity.StatusCompleted, entity.StatusCancelled})).
		Count(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count failed")
		return 0, err
	}
	return count, nil
}

// Delete removes an order and its items. Used by ghost-order cleanup.
func (r *Repository) Delete(ctx context.Context, id string) error {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Delete", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*entity.OrderItem)(nil)).
			Where("order_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*entity.Order)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
	}
	return err
}

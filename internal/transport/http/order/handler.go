package order

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/restaurantpos/ordersync/internal/dispatch"
	"github.com/restaurantpos/ordersync/internal/dto"
	"github.com/restaurantpos/ordersync/internal/entity"
	"github.com/restaurantpos/ordersync/internal/presentation/http/response"
	"github.com/restaurantpos/ordersync/internal/remote"
	"github.com/restaurantpos/ordersync/internal/store"
	"github.com/restaurantpos/ordersync/internal/syncer"
	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/restaurantpos/ordersync/transport/http/order")

// Handler exposes order endpoints over HTTP.
type Handler struct {
	store      *store.Store
	engine     *syncer.Engine
	dispatcher *dispatch.Coordinator
}

// NewHandler constructs an order Handler.
func NewHandler(s *store.Store, e *syncer.Engine, d *dispatch.Coordinator) *Handler {
	return &Handler{store: s, engine: e, dispatcher: d}
}

// Register routes with the provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.POST("", h.create)
	g.GET("", h.listActive)
	g.GET("/completed", h.listCompleted)
	g.GET("/:id", h.getByID)
	g.POST("/:id/items", h.addItems)
	g.DELETE("/:id/items/:itemID", h.removeItem)
	g.POST("/:id/send", h.sendToKitchen)
	g.POST("/:id/cancel", h.cancel)

	e.GET("/servers/:id/active-count", h.serverActiveCount)
}

// actorFrom derives the acting staff member from request headers. Managers
// and above get the elevated cancellation path.
func actorFrom(c echo.Context) store.Actor {
	role := strings.ToLower(c.Request().Header.Get("X-Staff-Role"))
	return store.Actor{
		ID:       c.Request().Header.Get("X-Staff-ID"),
		Elevated: role == "manager" || role == "admin" || role == "owner",
	}
}

func (h *Handler) create(c echo.Context) error {
	b := response.New(c)

	var payload dto.CreateOrderRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.InvalidState("invalid payload", errorbank.WithCause(err))).Build()
	}
	orderType := entity.OrderType(payload.Type)
	switch orderType {
	case entity.TypeDineIn, entity.TypeTakeaway, entity.TypeDelivery:
	case "":
		orderType = entity.TypeDineIn
	default:
		return b.WithError(errorbank.InvalidState("unknown order type",
			errorbank.WithDetail("order_type", payload.Type))).Build()
	}
	items, err := buildItems(payload.Items)
	if err != nil {
		return b.WithError(err).Build()
	}
	if len(items) == 0 {
		return b.WithError(errorbank.InvalidState("order needs at least one item")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.create", trace.WithAttributes(
		attribute.String("order.server_id", payload.ServerID),
		attribute.Int("order.items", len(items)),
	))
	defer span.End()

	order := entity.NewOrder("", payload.ServerID, orderType)
	order.Notes = payload.Notes
	order.Gratuity = payload.Gratuity
	order.Discount = payload.Discount
	for _, item := range items {
		item.OrderID = order.ID
	}
	order.Items = items

	saved, err := h.store.Upsert(ctx, order)
	if err != nil {
		return b.WithError(err).Build()
	}
	// Best effort; the order is locally committed either way.
	_ = h.engine.PushOrder(ctx, saved, remote.ChangeCreated)

	return b.WithStatus(http.StatusCreated).WithData(dto.FromOrder(saved)).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)
	order, ok := h.store.Get(c.Param("id"))
	if !ok {
		return b.WithError(errorbank.NotFound("order not found")).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) listActive(c echo.Context) error {
	return response.New(c).WithData(dto.FromOrders(h.store.ListActive())).Build()
}

func (h *Handler) listCompleted(c echo.Context) error {
	return response.New(c).WithData(dto.FromOrders(h.store.ListCompleted())).Build()
}

func (h *Handler) addItems(c echo.Context) error {
	b := response.New(c)

	var payload dto.AddItemsRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.InvalidState("invalid payload", errorbank.WithCause(err))).Build()
	}
	items, err := buildItems(payload.Items)
	if err != nil {
		return b.WithError(err).Build()
	}
	if len(items) == 0 {
		return b.WithError(errorbank.InvalidState("no items to add")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.addItems", trace.WithAttributes(
		attribute.String("order.id", c.Param("id")),
		attribute.Int("order.items_added", len(items)),
	))
	defer span.End()

	order, ok := h.store.Get(c.Param("id"))
	if !ok {
		return b.WithError(errorbank.NotFound("order not found")).Build()
	}
	if order.Status.Terminal() {
		return b.WithError(errorbank.InvalidState("order is already closed",
			errorbank.WithDetail("status", string(order.Status)))).Build()
	}
	for _, item := range items {
		item.OrderID = order.ID
	}
	order.Items = append(order.Items, items...)

	saved, err := h.store.Upsert(ctx, order)
	if err != nil {
		return b.WithError(err).Build()
	}
	_ = h.engine.PushOrder(ctx, saved, remote.ChangeUpdated)

	return b.WithData(dto.FromOrder(saved)).Build()
}

func (h *Handler) removeItem(c echo.Context) error {
	b := response.New(c)
	actor := actorFrom(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.removeItem", trace.WithAttributes(
		attribute.String("order.id", c.Param("id")),
		attribute.String("item.id", c.Param("itemID")),
		attribute.Bool("actor.elevated", actor.Elevated),
	))
	defer span.End()

	saved, err := h.store.RemoveItem(ctx, c.Param("id"), c.Param("itemID"), actor)
	if err != nil {
		return b.WithError(err).Build()
	}
	_ = h.engine.PushOrder(ctx, saved, remote.ChangeUpdated)

	return b.WithData(dto.FromOrder(saved)).Build()
}

func (h *Handler) sendToKitchen(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.sendToKitchen", trace.WithAttributes(
		attribute.String("order.id", c.Param("id")),
	))
	defer span.End()

	result, err := h.dispatcher.SendToKitchen(ctx, c.Param("id"))
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.DispatchResponse{
		Success:  result.Success,
		Sent:     result.ItemsSent,
		Stations: result.StationCount,
		Order:    dto.FromOrder(result.UpdatedOrder),
	}).Build()
}

func (h *Handler) cancel(c echo.Context) error {
	b := response.New(c)
	actor := actorFrom(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.cancel", trace.WithAttributes(
		attribute.String("order.id", c.Param("id")),
		attribute.Bool("actor.elevated", actor.Elevated),
	))
	defer span.End()

	outcome, err := h.store.Cancel(ctx, c.Param("id"), actor)
	if err != nil {
		return b.WithError(err).Build()
	}
	_ = h.engine.PushOrder(ctx, outcome.Order, remote.ChangeCancelled)

	return b.WithData(dto.CancelResponse{
		Order: dto.FromOrder(outcome.Order),
		Reset: outcome.Reset,
	}).Build()
}

func (h *Handler) serverActiveCount(c echo.Context) error {
	b := response.New(c)
	serverID := c.Param("id")
	if serverID == "" {
		return b.WithError(errorbank.InvalidState("server id is required")).Build()
	}
	count := h.store.CountActiveByServer(serverID)
	return b.WithData(map[string]any{"server_id": serverID, "active_orders": count}).Build()
}

func buildItems(payloads []dto.ItemPayload) ([]*entity.OrderItem, error) {
	items := make([]*entity.OrderItem, 0, len(payloads))
	for _, p := range payloads {
		if p.Name == "" {
			return nil, errorbank.InvalidState("item name is required")
		}
		if p.Quantity <= 0 {
			return nil, errorbank.InvalidState("item quantity must be positive",
				errorbank.WithDetail("item", p.Name))
		}
		if p.UnitPrice < 0 {
			return nil, errorbank.InvalidState("item price cannot be negative",
				errorbank.WithDetail("item", p.Name))
		}
		items = append(items, &entity.OrderItem{
			ID:         uuid.NewString(),
			MenuItemID: p.MenuItemID,
			Name:       p.Name,
			Category:   p.Category,
			UnitPrice:  p.UnitPrice,
			Quantity:   p.Quantity,
			Notes:      p.Notes,
			Properties: p.Properties,
		})
	}
	return items, nil
}

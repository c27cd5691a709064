package dto

import (
	"time"

	"github.com/restaurantpos/ordersync/internal/entity"
)

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID        string         `json:"id"`
	Number    string         `json:"number"`
	ServerID  string         `json:"server_id"`
	Type      string         `json:"order_type"`
	Status    string         `json:"status"`
	Items     []ItemResponse `json:"items"`
	Subtotal  float64        `json:"subtotal"`
	Tax       float64        `json:"tax"`
	Discount  float64        `json:"discount"`
	Gratuity  float64        `json:"gratuity"`
	Total     float64        `json:"total"`
	Notes     string         `json:"notes,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ItemResponse represents one order line.
type ItemResponse struct {
	ID            string  `json:"id"`
	MenuItemID    string  `json:"menu_item_id"`
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	UnitPrice     float64 `json:"unit_price"`
	Quantity      int     `json:"quantity"`
	Notes         string  `json:"notes,omitempty"`
	SentToKitchen bool    `json:"sent_to_kitchen"`
}

// DispatchResponse summarizes a send-to-kitchen run.
type DispatchResponse struct {
	Success  bool          `json:"success"`
	Sent     int           `json:"items_sent"`
	Stations int           `json:"stations"`
	Order    OrderResponse `json:"order"`
}

// CancelResponse reports a cancellation and whether it zeroed the order.
type CancelResponse struct {
	Order OrderResponse `json:"order"`
	Reset bool          `json:"reset"`
}

// ItemPayload is the inbound shape for one order line.
type ItemPayload struct {
	MenuItemID string         `json:"menu_item_id"`
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	UnitPrice  float64        `json:"unit_price"`
	Quantity   int            `json:"quantity"`
	Notes      string         `json:"notes"`
	Properties map[string]any `json:"properties"`
}

// CreateOrderRequest is the inbound shape for order creation.
type CreateOrderRequest struct {
	ServerID string        `json:"server_id"`
	Type     string        `json:"order_type"`
	Notes    string        `json:"notes"`
	Gratuity float64       `json:"gratuity"`
	Discount float64       `json:"discount"`
	Items    []ItemPayload `json:"items"`
}

// AddItemsRequest is the inbound shape for appending order lines.
type AddItemsRequest struct {
	Items []ItemPayload `json:"items"`
}

// FromOrder converts an entity into its transport shape.
func FromOrder(o *entity.Order) OrderResponse {
	resp := OrderResponse{
		ID:        o.ID,
		Number:    o.Number,
		ServerID:  o.ServerID,
		Type:      string(o.Type),
		Status:    string(o.Status),
		Items:     make([]ItemResponse, 0, len(o.Items)),
		Subtotal:  o.Subtotal,
		Tax:       o.Tax,
		Discount:  o.Discount,
		Gratuity:  o.Gratuity,
		Total:     o.Total,
		Notes:     o.Notes,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, ItemResponse{
			ID:            item.ID,
			MenuItemID:    item.MenuItemID,
			Name:          item.Name,
			Category:      item.Category,
			UnitPrice:     item.UnitPrice,
			Quantity:      item.Quantity,
			Notes:         item.Notes,
			SentToKitchen: item.SentToKitchen,
		})
	}
	return resp
}

// FromOrders converts a batch.
func FromOrders(orders []*entity.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, FromOrder(o))
	}
	return out
}

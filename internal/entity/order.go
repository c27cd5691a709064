package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further regular mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// OrderType classifies how the order is fulfilled.
type OrderType string

const (
	TypeDineIn   OrderType = "dine_in"
	TypeTakeaway OrderType = "takeaway"
	TypeDelivery OrderType = "delivery"
)

// Order is the ledger record shared between the local cache and the remote
// authoritative store. Monetary fields are derived from items plus
// adjustments; callers never set Total directly.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID          string         `bun:",pk" json:"id"`
	Number      string         `bun:"number" json:"number"`
	TenantID    string         `bun:"tenant_id" json:"tenant_id"`
	ServerID    string         `bun:"server_id" json:"server_id"`
	Type        OrderType      `bun:"order_type" json:"order_type"`
	Status      Status         `bun:"status" json:"status"`
	Items       []*OrderItem   `bun:"rel:has-many,join:id=order_id" json:"items"`
	Subtotal    float64        `bun:"subtotal" json:"subtotal"`
	Tax         float64        `bun:"tax" json:"tax"`
	Discount    float64        `bun:"discount" json:"discount"`
	Gratuity    float64        `bun:"gratuity" json:"gratuity"`
	Total       float64        `bun:"total" json:"total"`
	Notes       string         `bun:"notes" json:"notes,omitempty"`
	Preferences map[string]any `bun:"preferences,type:jsonb" json:"preferences,omitempty"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time      `bun:"updated_at,nullzero" json:"updated_at"`
}

// OrderItem is one line of an order. It copies display data from the catalog
// item it references; the catalog itself is externally owned.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID            string         `bun:",pk" json:"id"`
	OrderID       string         `bun:"order_id" json:"order_id"`
	MenuItemID    string         `bun:"menu_item_id" json:"menu_item_id"`
	Name          string         `bun:"name" json:"name"`
	Category      string         `bun:"category" json:"category"`
	UnitPrice     float64        `bun:"unit_price" json:"unit_price"`
	Quantity      int            `bun:"quantity" json:"quantity"`
	Notes         string         `bun:"notes" json:"notes,omitempty"`
	SentToKitchen bool           `bun:"sent_to_kitchen" json:"sent_to_kitchen"`
	Properties    map[string]any `bun:"properties,type:jsonb" json:"properties,omitempty"`
}

// NewOrder creates a pending order with a fresh id and sequence number.
func NewOrder(tenantID, serverID string, orderType OrderType) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:        uuid.NewString(),
		Number:    sequenceNumber(now),
		TenantID:  tenantID,
		ServerID:  serverID,
		Type:      orderType,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// sequenceNumber derives a human-readable order number from creation time.
func sequenceNumber(t time.Time) string {
	return fmt.Sprintf("ORD-%s-%04d", t.Format("20060102"), t.UnixMilli()%10000)
}

// LineTotal returns quantity times unit price for one item.
func (i *OrderItem) LineTotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// Active reports whether the order still participates in the working set.
func (o *Order) Active() bool {
	return !o.Status.Terminal()
}

// UndispatchedItems returns the items not yet delivered to a station.
func (o *Order) UndispatchedItems() []*OrderItem {
	var pending []*OrderItem
	for _, item := range o.Items {
		if !item.SentToKitchen {
			pending = append(pending, item)
		}
	}
	return pending
}

// HasDispatchedItems reports whether any item already reached a station.
func (o *Order) HasDispatchedItems() bool {
	for _, item := range o.Items {
		if item.SentToKitchen {
			return true
		}
	}
	return false
}

// RecalculateTotals rederives every monetary field from items, discount,
// gratuity, and the tax rate. Idempotent: a second call with the same inputs
// yields identical figures.
func (o *Order) RecalculateTotals(taxRate float64) {
	subtotal := 0.0
	for _, item := range o.Items {
		subtotal += item.LineTotal()
	}
	taxable := subtotal - o.Discount
	if taxable < 0 {
		taxable = 0
	}
	o.Subtotal = round2(subtotal)
	o.Tax = round2(taxable * taxRate)
	o.Total = round2(taxable + o.Tax + o.Gratuity)
}

// ResetItems drops all items and zeroes every monetary field. Used by the
// privileged cancellation path so a cancelled order never carries stale
// figures.
func (o *Order) ResetItems() {
	o.Items = nil
	o.Subtotal = 0
	o.Tax = 0
	o.Discount = 0
	o.Gratuity = 0
	o.Total = 0
}

// Clone deep-copies the order so observers never share mutable state with
// the store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	dup := *o
	if o.Items != nil {
		dup.Items = make([]*OrderItem, len(o.Items))
		for i, item := range o.Items {
			itemDup := *item
			if item.Properties != nil {
				itemDup.Properties = make(map[string]any, len(item.Properties))
				for k, v := range item.Properties {
					itemDup.Properties[k] = v
				}
			}
			dup.Items[i] = &itemDup
		}
	}
	if o.Preferences != nil {
		dup.Preferences = make(map[string]any, len(o.Preferences))
		for k, v := range o.Preferences {
			dup.Preferences[k] = v
		}
	}
	return &dup
}

func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}

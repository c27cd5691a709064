package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecalculateTotals(t *testing.T) {
	tests := []struct {
		name     string
		items    []*OrderItem
		discount float64
		gratuity float64
		taxRate  float64
		subtotal float64
		tax      float64
		total    float64
	}{
		{
			name: "two items with tax",
			items: []*OrderItem{
				{Quantity: 2, UnitPrice: 10.00},
				{Quantity: 1, UnitPrice: 5.00},
			},
			taxRate:  0.10,
			subtotal: 25.00,
			tax:      2.50,
			total:    27.50,
		},
		{
			name: "discount and gratuity",
			items: []*OrderItem{
				{Quantity: 1, UnitPrice: 40.00},
			},
			discount: 10.00,
			gratuity: 5.00,
			taxRate:  0.10,
			subtotal: 40.00,
			tax:      3.00,
			total:    38.00,
		},
		{
			name:     "no items",
			taxRate:  0.13,
			subtotal: 0,
			tax:      0,
			total:    0,
		},
		{
			name: "discount exceeding subtotal clamps taxable to zero",
			items: []*OrderItem{
				{Quantity: 1, UnitPrice: 5.00},
			},
			discount: 20.00,
			taxRate:  0.13,
			subtotal: 5.00,
			tax:      0,
			total:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{Items: tt.items, Discount: tt.discount, Gratuity: tt.gratuity}
			o.RecalculateTotals(tt.taxRate)
			assert.InDelta(t, tt.subtotal, o.Subtotal, 0.001, "subtotal")
			assert.InDelta(t, tt.tax, o.Tax, 0.001, "tax")
			assert.InDelta(t, tt.total, o.Total, 0.001, "total")

			// Recomputation must be idempotent.
			before := o.Total
			o.RecalculateTotals(tt.taxRate)
			assert.Equal(t, before, o.Total)
		})
	}
}

func TestUndispatchedItems(t *testing.T) {
	o := &Order{Items: []*OrderItem{
		{ID: "a", SentToKitchen: true},
		{ID: "b"},
		{ID: "c"},
	}}

	pending := o.UndispatchedItems()
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].ID)
	assert.True(t, o.HasDispatchedItems())
}

func TestResetItems(t *testing.T) {
	o := &Order{
		Items:    []*OrderItem{{Quantity: 2, UnitPrice: 9.99}},
		Discount: 1,
		Gratuity: 2,
	}
	o.RecalculateTotals(0.13)
	require.NotZero(t, o.Total)

	o.ResetItems()
	assert.Empty(t, o.Items)
	assert.Zero(t, o.Subtotal)
	assert.Zero(t, o.Tax)
	assert.Zero(t, o.Discount)
	assert.Zero(t, o.Gratuity)
	assert.Zero(t, o.Total)
}

func TestCloneIsDeep(t *testing.T) {
	o := NewOrder("tenant", "server-1", TypeDineIn)
	o.Items = []*OrderItem{{ID: "i1", Name: "Butter Chicken", Quantity: 1, Properties: map[string]any{"spice": "medium"}}}
	o.Preferences = map[string]any{"party_size": 4}

	dup := o.Clone()
	dup.Items[0].Quantity = 9
	dup.Items[0].Properties["spice"] = "hot"
	dup.Preferences["party_size"] = 2

	assert.Equal(t, 1, o.Items[0].Quantity)
	assert.Equal(t, "medium", o.Items[0].Properties["spice"])
	assert.Equal(t, 4, o.Preferences["party_size"])
}

func TestNewOrderDefaults(t *testing.T) {
	o := NewOrder("tenant", "server-1", TypeTakeaway)
	assert.NotEmpty(t, o.ID)
	assert.Contains(t, o.Number, "ORD-")
	assert.Equal(t, StatusPending, o.Status)
	assert.True(t, o.Active())
}

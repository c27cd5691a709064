package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/restaurantpos/ordersync/internal/entity"
)

const ticketWidth = 40

// renderTicket produces the plain-text ticket for one station's share of an
// order. Stations expect a fixed-width layout with a trailing feed.
func renderTicket(order *entity.Order, stationName string, items []*entity.OrderItem, at time.Time) []byte {
	var b bytes.Buffer

	rule := strings.Repeat("=", ticketWidth)
	fmt.Fprintf(&b, "%s\n", rule)
	fmt.Fprintf(&b, "%s\n", center(strings.ToUpper(stationName)))
	fmt.Fprintf(&b, "%s\n", rule)
	fmt.Fprintf(&b, "Order:  %s\n", order.Number)
	fmt.Fprintf(&b, "Type:   %s\n", order.Type)
	if order.ServerID != "" {
		fmt.Fprintf(&b, "Server: %s\n", order.ServerID)
	}
	fmt.Fprintf(&b, "Time:   %s\n", at.Format("15:04:05"))
	fmt.Fprintf(&b, "%s\n", strings.Repeat("-", ticketWidth))

	for _, item := range items {
		fmt.Fprintf(&b, "%2d x %s\n", item.Quantity, item.Name)
		if item.Notes != "" {
			fmt.Fprintf(&b, "     * %s\n", item.Notes)
		}
	}

	if order.Notes != "" {
		fmt.Fprintf(&b, "%s\n", strings.Repeat("-", ticketWidth))
		fmt.Fprintf(&b, "NOTE: %s\n", order.Notes)
	}
	fmt.Fprintf(&b, "%s\n\n\n", rule)
	return b.Bytes()
}

func center(s string) string {
	if len(s) >= ticketWidth {
		return s
	}
	pad := (ticketWidth - len(s)) / 2
	return strings.Repeat(" ", pad) + s
}

// Package dispatch fans order items out to kitchen stations. Each station is
// a network endpoint (printer or kitchen display) owning a set of item
// categories; dispatch groups the undispatched items per station and sends
// each group independently.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/restaurantpos/ordersync/internal/entity"
)

// Station is one kitchen endpoint and the categories routed to it.
type Station struct {
	Name       string
	Addr       string
	Categories []string
}

// Resolver routes order items to stations. Routing order: an explicit
// per-item station override, then the item's category, then the first
// configured station as the catch-all.
type Resolver struct {
	stations   []Station
	byName     map[string]int
	byCategory map[string]int
}

// ParseStations builds a resolver from the station map string, e.g.
// "grill@192.168.1.20:9100=mains,sides;bar@192.168.1.21:9100=drinks".
// An empty string yields an unconfigured resolver.
func ParseStations(spec string) (*Resolver, error) {
	r := &Resolver{
		byName:     make(map[string]int),
		byCategory: make(map[string]int),
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return r, nil
	}

	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		head, cats, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("station entry %q: missing category list", entry)
		}
		name, addr, found := strings.Cut(head, "@")
		if !found || name == "" || addr == "" {
			return nil, fmt.Errorf("station entry %q: want name@host:port", entry)
		}

		station := Station{Name: name, Addr: addr}
		for _, cat := range strings.Split(cats, ",") {
			cat = strings.ToLower(strings.TrimSpace(cat))
			if cat == "" {
				continue
			}
			station.Categories = append(station.Categories, cat)
		}

		idx := len(r.stations)
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("station %q defined twice", name)
		}
		r.stations = append(r.stations, station)
		r.byName[name] = idx
		for _, cat := range station.Categories {
			if _, dup := r.byCategory[cat]; dup {
				return nil, fmt.Errorf("category %q routed to two stations", cat)
			}
			r.byCategory[cat] = idx
		}
	}
	return r, nil
}

// Configured reports whether at least one station exists.
func (r *Resolver) Configured() bool {
	return len(r.stations) > 0
}

// Stations returns the configured stations.
func (r *Resolver) Stations() []Station {
	return append([]Station(nil), r.stations...)
}

// Resolve picks the station for one item.
func (r *Resolver) Resolve(item *entity.OrderItem) (Station, bool) {
	if !r.Configured() {
		return Station{}, false
	}
	if override, ok := item.Properties["station"].(string); ok {
		if idx, ok := r.byName[override]; ok {
			return r.stations[idx], true
		}
	}
	if idx, ok := r.byCategory[strings.ToLower(item.Category)]; ok {
		return r.stations[idx], true
	}
	// Unmapped categories land on the first station rather than vanishing.
	return r.stations[0], true
}

// Group partitions items by resolved station name.
func (r *Resolver) Group(items []*entity.OrderItem) map[string][]*entity.OrderItem {
	groups := make(map[string][]*entity.OrderItem)
	for _, item := range items {
		station, ok := r.Resolve(item)
		if !ok {
			continue
		}
		groups[station.Name] = append(groups[station.Name], item)
	}
	return groups
}

// Lookup returns the station with the given name.
func (r *Resolver) Lookup(name string) (Station, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return Station{}, false
	}
	return r.stations[idx], true
}

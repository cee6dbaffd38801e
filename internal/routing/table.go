// Copyright 2026 Meshpay Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package routing provides the longest-prefix-match routing table mapping
// ILP destination addresses to next-hop peers
package routing

import (
	"sync"

	"github.com/meshpay/ilpd/internal/ilp"
)

// Route maps an ILP address prefix to a next-hop peer
type Route struct {
	Prefix   ilp.Address
	NextHop  string
	Priority int
	seq      uint64
}

// Table is a routing table with label-aligned longest-prefix lookup.
// Writes come from the admin path only; the packet path is read-only.
type Table struct {
	sync.RWMutex
	routes  []Route
	nextSeq uint64
}

// NewTable creates an empty routing table
func NewTable() *Table {
	return &Table{}
}

// Add inserts a route. It is idempotent by (prefix, nextHop): re-adding an
// existing pair only updates its priority.
func (t *Table) Add(prefix ilp.Address, nextHop string, priority int) {
	t.Lock()
	defer t.Unlock()
	for i, route := range t.routes {
		if route.Prefix == prefix && route.NextHop == nextHop {
			t.routes[i].Priority = priority
			return
		}
	}
	t.nextSeq++
	t.routes = append(t.routes, Route{
		Prefix:   prefix,
		NextHop:  nextHop,
		Priority: priority,
		seq:      t.nextSeq,
	})
}

// Remove deletes all routes for a prefix and reports whether any existed
func (t *Table) Remove(prefix ilp.Address) bool {
	t.Lock()
	defer t.Unlock()
	var kept []Route
	removed := false
	for _, route := range t.routes {
		if route.Prefix == prefix {
			removed = true
			continue
		}
		kept = append(kept, route)
	}
	t.routes = kept
	return removed
}

// Lookup returns the next hop for a destination using longest-prefix match
// on dot-separated labels. Ties are broken by ascending priority, then by
// insertion order. The second return is false when no route matches.
func (t *Table) Lookup(destination ilp.Address) (string, bool) {
	t.RLock()
	defer t.RUnlock()
	var best *Route
	for i := range t.routes {
		route := &t.routes[i]
		if !destination.HasPrefix(route.Prefix) {
			continue
		}
		if best == nil {
			best = route
			continue
		}
		switch {
		case len(route.Prefix) > len(best.Prefix):
			best = route
		case len(route.Prefix) == len(best.Prefix) && route.Priority < best.Priority:
			best = route
		case len(route.Prefix) == len(best.Prefix) &&
			route.Priority == best.Priority &&
			route.seq < best.seq:
			best = route
		}
	}
	if best == nil {
		return "", false
	}
	return best.NextHop, true
}

// Routes returns a snapshot of the configured routes
func (t *Table) Routes() []Route {
	t.RLock()
	defer t.RUnlock()
	ret := make([]Route, len(t.routes))
	copy(ret, t.routes)
	return ret
}

// Package route implements the overlay's per-peer route table (spec
// §3.4): each virtual IPv4 address maps to a list of candidate routes
// (direct UDP, relay-via-gateway, TCP/WS tunnel), kept sorted by metric
// then rtt so route_one always picks the best live path. Grounded on the
// teacher's map-keyed-by-virtual-IP session manager
// (routing/server_routing/routing/udp_chacha20/client_session_manager.go),
// generalized from a single session-per-IP to a sorted candidate list.
package route

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Kind distinguishes how a route reaches its peer.
type Kind uint8

const (
	KindP2P Kind = iota // direct UDP punched route
	KindRelay           // relayed via the gateway/registrar
	KindTunnel
)

// IdleTimeout is how long a route may go without a fresh read before the
// idle detector reports it for eviction (spec §3.4).
const IdleTimeout = 10 * time.Second

// Route is one candidate path to a peer's virtual IP.
type Route struct {
	Kind     Kind
	Metric   int
	RTT      time.Duration
	Endpoint netip.AddrPort
	// ID identifies the underlying transport.Channel socket or connection
	// this route should send on (0 = main socket).
	ID int
}

// Entry is the full route list for one virtual IP, plus read-freshness
// bookkeeping used by the idle detector.
type Entry struct {
	routes       []Route
	lastReadTime time.Time
}

// Table is the route table; safe for concurrent use. Each Entry is owned
// by a single writer at a time via the table's lock (spec invariant:
// single-writer-per-entry), readers take a snapshot copy.
type Table struct {
	mu         sync.RWMutex
	entries    map[netip.Addr]*Entry
	channelNum int
}

// NewTable builds a route table that admits at most channelNum+1 routes
// per peer (spec §3.4) and requires channelNum direct P2P routes before
// NeedPunch reports the peer satisfied (spec §4.5). channelNum below 1 is
// clamped to 1.
func NewTable(channelNum int) *Table {
	if channelNum < 1 {
		channelNum = 1
	}
	return &Table{entries: make(map[netip.Addr]*Entry), channelNum: channelNum}
}

// Upsert inserts or updates the route matching r.Kind+r.Endpoint for ip.
// A genuinely new route (no existing entry shares its Kind+Endpoint) is
// subject to the table's admission policy (spec §3.4): a metric strictly
// below the entry's current minimum evicts every existing non-p2p route;
// a metric strictly above the current maximum is rejected outright. The
// entry is re-sorted by (metric asc, rtt asc) and truncated to
// channelNum+1 routes either way.
func (t *Table) Upsert(ip netip.Addr, r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		e = &Entry{lastReadTime: time.Now()}
		t.entries[ip] = e
	}

	for i := range e.routes {
		if e.routes[i].Kind == r.Kind && e.routes[i].Endpoint == r.Endpoint {
			e.routes[i] = r
			sortRoutes(e.routes)
			return
		}
	}

	if len(e.routes) > 0 {
		min, max := e.routes[0].Metric, e.routes[0].Metric
		for _, existing := range e.routes[1:] {
			if existing.Metric < min {
				min = existing.Metric
			}
			if existing.Metric > max {
				max = existing.Metric
			}
		}
		if r.Metric > max {
			return
		}
		if r.Metric < min {
			kept := e.routes[:0]
			for _, existing := range e.routes {
				if existing.Kind == KindP2P {
					kept = append(kept, existing)
				}
			}
			e.routes = kept
		}
	}

	e.routes = append(e.routes, r)
	sortRoutes(e.routes)
	if len(e.routes) > t.channelNum+1 {
		e.routes = e.routes[:t.channelNum+1]
	}
}

func sortRoutes(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Metric != routes[j].Metric {
			return routes[i].Metric < routes[j].Metric
		}
		return routes[i].RTT < routes[j].RTT
	})
}

// RouteOne returns the best (lowest metric, then lowest rtt) route for ip.
func (t *Table) RouteOne(ip netip.Addr) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	if !ok || len(e.routes) == 0 {
		return Route{}, false
	}
	return e.routes[0], true
}

// RouteToID returns the route for ip whose ID matches id, used when a
// reply must go back out on the same socket/connection it arrived on.
func (t *Table) RouteToID(ip netip.Addr, id int) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	if !ok {
		return Route{}, false
	}
	for _, r := range e.routes {
		if r.ID == id {
			return r, true
		}
	}
	return Route{}, false
}

// NeedPunch reports whether ip has fewer than channelNum direct KindP2P
// routes, meaning the punch engine should attempt another one (spec §4.5).
func (t *Table) NeedPunch(ip netip.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	if !ok {
		return true
	}
	count := 0
	for _, r := range e.routes {
		if r.Kind == KindP2P {
			count++
		}
	}
	return count < t.channelNum
}

// UpdateReadTime marks ip as having been read from just now, resetting its
// idle timer.
func (t *Table) UpdateReadTime(ip netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ip]; ok {
		e.lastReadTime = time.Now()
	}
}

// RemoveRoute removes the single route matching kind+endpoint from ip's
// entry, and drops the entry entirely if it becomes empty.
func (t *Table) RemoveRoute(ip netip.Addr, kind Kind, endpoint netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		return
	}
	out := e.routes[:0]
	for _, r := range e.routes {
		if r.Kind == kind && r.Endpoint == endpoint {
			continue
		}
		out = append(out, r)
	}
	e.routes = out
	if len(e.routes) == 0 {
		delete(t.entries, ip)
	}
}

// RemoveRouteAll drops every route for ip (spec §3.4: peer went offline in
// a device-list push).
func (t *Table) RemoveRouteAll(ip netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ip)
}

// IdleEvent is reported by Idle for a peer that hasn't been read from
// within IdleTimeout.
type IdleEvent struct {
	IP   netip.Addr
	Idle time.Duration
}

// Idle scans every entry and returns those that have gone quiet for at
// least IdleTimeout, for the scheduler's idle_route task (spec §4.10).
func (t *Table) Idle(now time.Time) []IdleEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []IdleEvent
	for ip, e := range t.entries {
		if idle := now.Sub(e.lastReadTime); idle >= IdleTimeout {
			out = append(out, IdleEvent{IP: ip, Idle: idle})
		}
	}
	return out
}

// Snapshot returns a copy of ip's current route list, for status reporting.
func (t *Table) Snapshot(ip netip.Addr) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	if !ok {
		return nil
	}
	out := make([]Route, len(e.routes))
	copy(out, e.routes)
	return out
}

// Peers returns every virtual IP currently in the table.
func (t *Table) Peers() []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]netip.Addr, 0, len(t.entries))
	for ip := range t.entries {
		out = append(out, ip)
	}
	return out
}

// P2PPeers returns every virtual IP that has at least one direct KindP2P
// route, for the periodic status upload's p2p route list (spec §4.10
// up_status).
func (t *Table) P2PPeers() []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []netip.Addr
	for ip, e := range t.entries {
		for _, r := range e.routes {
			if r.Kind == KindP2P {
				out = append(out, ip)
				break
			}
		}
	}
	return out
}

// P2PEndpoint pairs a peer's virtual IP with one of its direct routes,
// returned by P2PEndpoints for relay-candidate selection.
type P2PEndpoint struct {
	IP    netip.Addr
	Route Route
}

// P2PEndpoints returns every (ip, route) pair across the table whose
// route is a direct KindP2P path, mirroring route_table_p2p: the
// candidate pool client_relay probes as relay paths for peers that don't
// have one yet.
func (t *Table) P2PEndpoints() []P2PEndpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []P2PEndpoint
	for ip, e := range t.entries {
		for _, r := range e.routes {
			if r.Kind == KindP2P {
				out = append(out, P2PEndpoint{IP: ip, Route: r})
			}
		}
	}
	return out
}

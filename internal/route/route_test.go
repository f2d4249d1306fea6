package route

import (
	"net/netip"
	"testing"
	"time"
)

func mustAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

func TestUpsertSortsByMetricThenRTT(t *testing.T) {
	tbl := NewTable(3)
	ip := netip.MustParseAddr("10.0.0.2")

	// Same metric across all three so admission never evicts or rejects;
	// this test is only about the (metric asc, rtt asc) ordering.
	tbl.Upsert(ip, Route{Kind: KindRelay, Metric: 1, RTT: 5 * time.Millisecond, Endpoint: mustAddrPort("1.1.1.1:1")})
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, RTT: 50 * time.Millisecond, Endpoint: mustAddrPort("2.2.2.2:2")})
	tbl.Upsert(ip, Route{Kind: KindTunnel, Metric: 1, RTT: 10 * time.Millisecond, Endpoint: mustAddrPort("3.3.3.3:3")})

	got, ok := tbl.RouteOne(ip)
	if !ok {
		t.Fatal("expected a route")
	}
	if got.Kind != KindRelay {
		t.Fatalf("expected lowest rtt route (relay), got %v", got.Kind)
	}

	snap := tbl.Snapshot(ip)
	if len(snap) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(snap))
	}
	if snap[0].Kind != KindRelay || snap[1].Kind != KindTunnel || snap[2].Kind != KindP2P {
		t.Fatalf("unexpected sort order: %+v", snap)
	}
}

func TestUpsertReplacesExistingRoute(t *testing.T) {
	tbl := NewTable(1)
	ip := netip.MustParseAddr("10.0.0.3")
	ep := mustAddrPort("5.5.5.5:5")

	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 5, RTT: 100 * time.Millisecond, Endpoint: ep})
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, RTT: 1 * time.Millisecond, Endpoint: ep})

	snap := tbl.Snapshot(ip)
	if len(snap) != 1 {
		t.Fatalf("expected replace not append, got %d routes", len(snap))
	}
	if snap[0].Metric != 1 {
		t.Fatalf("expected updated metric, got %d", snap[0].Metric)
	}
}

func TestUpsertEvictsNonP2POnStrictlyLowerMetric(t *testing.T) {
	tbl := NewTable(3)
	ip := netip.MustParseAddr("10.0.0.20")

	tbl.Upsert(ip, Route{Kind: KindRelay, Metric: 5, Endpoint: mustAddrPort("1.1.1.1:1")})
	tbl.Upsert(ip, Route{Kind: KindTunnel, Metric: 5, Endpoint: mustAddrPort("2.2.2.2:2")})
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 5, Endpoint: mustAddrPort("3.3.3.3:3")})

	// Strictly below the current minimum (5): evicts the relay and tunnel
	// routes, keeps the p2p one, and admits the new route.
	tbl.Upsert(ip, Route{Kind: KindRelay, Metric: 1, Endpoint: mustAddrPort("4.4.4.4:4")})

	snap := tbl.Snapshot(ip)
	if len(snap) != 2 {
		t.Fatalf("expected 2 routes (surviving p2p + new), got %d: %+v", len(snap), snap)
	}
	for _, r := range snap {
		if r.Kind != KindP2P && r.Endpoint != mustAddrPort("4.4.4.4:4") {
			t.Fatalf("expected only the p2p route and the new route to survive, got %+v", snap)
		}
	}
}

func TestUpsertRejectsStrictlyHigherMetric(t *testing.T) {
	tbl := NewTable(3)
	ip := netip.MustParseAddr("10.0.0.21")

	// A p2p route at metric 5, then a cheaper relay: the relay is strictly
	// below the minimum, evicts nothing p2p, and leaves the maximum at 5.
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 5, Endpoint: mustAddrPort("1.1.1.1:1")})
	tbl.Upsert(ip, Route{Kind: KindRelay, Metric: 1, Endpoint: mustAddrPort("2.2.2.2:2")})

	// Strictly above the current maximum (5): rejected outright.
	tbl.Upsert(ip, Route{Kind: KindTunnel, Metric: 9, Endpoint: mustAddrPort("3.3.3.3:3")})

	snap := tbl.Snapshot(ip)
	if len(snap) != 2 {
		t.Fatalf("expected the higher-metric route to be rejected, got %d: %+v", len(snap), snap)
	}
	for _, r := range snap {
		if r.Metric == 9 {
			t.Fatalf("route with metric strictly above the existing maximum must be rejected, got %+v", snap)
		}
	}
}

func TestUpsertTruncatesToChannelNumPlusOne(t *testing.T) {
	tbl := NewTable(2)
	ip := netip.MustParseAddr("10.0.0.22")

	for i := 0; i < 5; i++ {
		tbl.Upsert(ip, Route{
			Kind:     KindTunnel,
			Metric:   1,
			RTT:      time.Duration(i) * time.Millisecond,
			Endpoint: mustAddrPort("1.1.1." + string(rune('1'+i)) + ":1"),
		})
	}

	snap := tbl.Snapshot(ip)
	if len(snap) != 3 {
		t.Fatalf("expected truncation to channelNum+1 (3) routes, got %d", len(snap))
	}
}

func TestRouteToID(t *testing.T) {
	tbl := NewTable(2)
	ip := netip.MustParseAddr("10.0.0.4")
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("1.1.1.1:1"), ID: 0})
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("2.2.2.2:2"), ID: 3})

	r, ok := tbl.RouteToID(ip, 3)
	if !ok || r.Endpoint != mustAddrPort("2.2.2.2:2") {
		t.Fatalf("expected route with ID 3, got %+v ok=%v", r, ok)
	}

	if _, ok := tbl.RouteToID(ip, 99); ok {
		t.Fatal("expected no route for unknown ID")
	}
}

func TestNeedPunch(t *testing.T) {
	tbl := NewTable(2)
	ip := netip.MustParseAddr("10.0.0.5")

	if !tbl.NeedPunch(ip) {
		t.Fatal("expected NeedPunch true for unknown peer")
	}

	tbl.Upsert(ip, Route{Kind: KindRelay, Metric: 1, Endpoint: mustAddrPort("1.1.1.1:1")})
	if !tbl.NeedPunch(ip) {
		t.Fatal("expected NeedPunch true with only a relay route")
	}

	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("2.2.2.2:2")})
	if !tbl.NeedPunch(ip) {
		t.Fatal("expected NeedPunch true with only one of channelNum required p2p routes")
	}

	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("3.3.3.3:3")})
	if tbl.NeedPunch(ip) {
		t.Fatal("expected NeedPunch false once channelNum p2p routes exist")
	}
}

func TestRemoveRouteDropsEmptyEntry(t *testing.T) {
	tbl := NewTable(1)
	ip := netip.MustParseAddr("10.0.0.6")
	ep := mustAddrPort("1.1.1.1:1")
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, Endpoint: ep})

	tbl.RemoveRoute(ip, KindP2P, ep)

	if _, ok := tbl.RouteOne(ip); ok {
		t.Fatal("expected no route after removal")
	}
	peers := tbl.Peers()
	for _, p := range peers {
		if p == ip {
			t.Fatal("expected entry to be dropped entirely once empty")
		}
	}
}

func TestRemoveRouteAll(t *testing.T) {
	tbl := NewTable(2)
	ip := netip.MustParseAddr("10.0.0.7")
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("1.1.1.1:1")})
	tbl.Upsert(ip, Route{Kind: KindRelay, Metric: 1, Endpoint: mustAddrPort("2.2.2.2:2")})

	tbl.RemoveRouteAll(ip)

	if _, ok := tbl.RouteOne(ip); ok {
		t.Fatal("expected all routes removed")
	}
}

func TestIdleDetector(t *testing.T) {
	tbl := NewTable(1)
	ip := netip.MustParseAddr("10.0.0.8")
	tbl.Upsert(ip, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("1.1.1.1:1")})

	now := time.Now()
	if events := tbl.Idle(now); len(events) != 0 {
		t.Fatalf("expected no idle events immediately, got %d", len(events))
	}

	later := now.Add(IdleTimeout + time.Second)
	events := tbl.Idle(later)
	if len(events) != 1 || events[0].IP != ip {
		t.Fatalf("expected one idle event for %v, got %+v", ip, events)
	}

	// UpdateReadTime stamps the wall clock, so backdate the entry until it
	// reads as stale right now, then check that the refresh clears it.
	tbl.entries[ip].lastReadTime = time.Now().Add(-IdleTimeout - time.Second)
	if events := tbl.Idle(time.Now()); len(events) != 1 {
		t.Fatalf("expected the backdated entry to read as idle, got %d events", len(events))
	}
	tbl.UpdateReadTime(ip)
	if events := tbl.Idle(time.Now()); len(events) != 0 {
		t.Fatalf("expected UpdateReadTime to reset idle timer, got %d events", len(events))
	}
}

func TestPeersListsAllEntries(t *testing.T) {
	tbl := NewTable(1)
	ipA := netip.MustParseAddr("10.0.0.9")
	ipB := netip.MustParseAddr("10.0.0.10")
	tbl.Upsert(ipA, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("1.1.1.1:1")})
	tbl.Upsert(ipB, Route{Kind: KindP2P, Metric: 1, Endpoint: mustAddrPort("2.2.2.2:2")})

	peers := tbl.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
}

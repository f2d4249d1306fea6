package tundevice

import (
	"net/netip"
	"testing"
)

func mustRoute(cidr string) Route {
	return Route{Dest: netip.MustParsePrefix(cidr)}
}

func TestDiffRoutesAddsMissingAndRemovesStale(t *testing.T) {
	installed := []Route{mustRoute("10.0.0.0/24"), mustRoute("192.168.1.0/24")}
	desired := []Route{mustRoute("10.0.0.0/24"), mustRoute("172.16.0.0/16")}

	toAdd, toRemove := DiffRoutes(installed, desired)

	if len(toAdd) != 1 || toAdd[0].Dest.String() != "172.16.0.0/16" {
		t.Fatalf("expected to add 172.16.0.0/16, got %+v", toAdd)
	}
	if len(toRemove) != 1 || toRemove[0].Dest.String() != "192.168.1.0/24" {
		t.Fatalf("expected to remove 192.168.1.0/24, got %+v", toRemove)
	}
}

func TestDiffRoutesNoChangeWhenEqual(t *testing.T) {
	routes := []Route{mustRoute("10.0.0.0/24"), mustRoute("224.0.0.0/4")}
	toAdd, toRemove := DiffRoutes(routes, routes)
	if len(toAdd) != 0 || len(toRemove) != 0 {
		t.Fatalf("expected no diff, got add=%+v remove=%+v", toAdd, toRemove)
	}
}

func TestDiffRoutesDistinguishesByViaAndMetric(t *testing.T) {
	base := mustRoute("10.0.0.0/24")
	viaA := Route{Dest: base.Dest, Via: netip.MustParseAddr("10.0.0.1")}
	viaB := Route{Dest: base.Dest, Via: netip.MustParseAddr("10.0.0.2")}

	toAdd, toRemove := DiffRoutes([]Route{viaA}, []Route{viaB})

	if len(toAdd) != 1 || toAdd[0].Via != viaB.Via {
		t.Fatalf("expected to add route via 10.0.0.2, got %+v", toAdd)
	}
	if len(toRemove) != 1 || toRemove[0].Via != viaA.Via {
		t.Fatalf("expected to remove route via 10.0.0.1, got %+v", toRemove)
	}
}

func TestStandingRoutesIncludesVirtualNetworkBroadcastAndMulticast(t *testing.T) {
	vip := netip.MustParseAddr("10.6.0.2")
	routes := StandingRoutes(vip, 24)

	if routes[0].Dest.String() != "10.6.0.0/24" {
		t.Fatalf("expected virtual network 10.6.0.0/24, got %v", routes[0].Dest)
	}
	if routes[1].Dest.String() != "255.255.255.255/32" {
		t.Fatalf("expected limited broadcast route, got %v", routes[1].Dest)
	}
	if routes[2].Dest.String() != "224.0.0.0/4" {
		t.Fatalf("expected multicast route, got %v", routes[2].Dest)
	}
}

func TestEmptyDiffOnBothEmpty(t *testing.T) {
	toAdd, toRemove := DiffRoutes(nil, nil)
	if toAdd != nil || toRemove != nil {
		t.Fatalf("expected nil/nil, got add=%+v remove=%+v", toAdd, toRemove)
	}
}

// Package tundevice is the collaborator spec.md §6.3 requires: open a TUN
// (or TAP) device, assign it a virtual IPv4 address, and keep its installed
// route set in sync with what the route/dispatch layers want reachable
// through it. Grounded on the teacher's infrastructure/PAL device
// abstraction, with the shell-out-to-ip configuration backend replaced by
// direct netlink calls.
package tundevice

import (
	"fmt"
	"io"
	"net"
	"net/netip"
)

// Device is the capability set spec.md §6.3 names: open/read/write/close
// plus address and route configuration. A Device is always IPv4; tap
// selects L2 (Ethernet-framed) mode at open time.
type Device interface {
	io.ReadWriteCloser

	// Name reports the kernel-assigned or requested interface name.
	Name() string

	// SetIPv4 assigns the device's virtual address; Open has already
	// brought the device up.
	SetIPv4(ip netip.Addr, prefixLen int) error

	// Reconfigure installs desired as the device's full route set,
	// diffing against whatever is currently installed: routes present
	// in desired but not installed are added, routes installed but
	// absent from desired are removed. Always-on routes (virtual
	// network, limited broadcast, multicast) are not added
	// automatically; callers include them via StandingRoutes.
	Reconfigure(desired []Route) error
}

// Route is one entry of a device's route table: traffic to Dest is sent
// out this device, optionally via Via, at the given Metric.
type Route struct {
	Dest   netip.Prefix
	Via    netip.Addr // zero value: directly-connected, no next hop
	Metric int
}

func (r Route) key() Route { return Route{Dest: r.Dest, Via: r.Via, Metric: r.Metric} }

// StandingRoutes returns the routes spec.md §6.3 says are always installed
// once a device has vip/netmask assigned: the virtual subnet itself, the
// limited broadcast address, and the multicast block. Callers pass these,
// together with any user-configured external routes, to Reconfigure.
func StandingRoutes(vip netip.Addr, prefixLen int) []Route {
	network := netip.PrefixFrom(vip, prefixLen).Masked()
	return []Route{
		{Dest: network},
		{Dest: netip.PrefixFrom(netip.MustParseAddr("255.255.255.255"), 32)},
		{Dest: netip.MustParsePrefix("224.0.0.0/4")},
	}
}

// DiffRoutes compares an installed route set against a desired one and
// returns what must be added and removed to reconcile them. Pure and
// platform-independent so it can be unit tested without root privileges;
// Device.Reconfigure implementations call it and then perform the actual
// kernel route-table mutations.
func DiffRoutes(installed, desired []Route) (toAdd, toRemove []Route) {
	want := make(map[Route]struct{}, len(desired))
	for _, r := range desired {
		want[r.key()] = struct{}{}
	}
	have := make(map[Route]struct{}, len(installed))
	for _, r := range installed {
		have[r.key()] = struct{}{}
	}

	for _, r := range desired {
		if _, ok := have[r.key()]; !ok {
			toAdd = append(toAdd, r)
		}
	}
	for _, r := range installed {
		if _, ok := want[r.key()]; !ok {
			toRemove = append(toRemove, r)
		}
	}
	return toAdd, toRemove
}

// ErrUnsupportedPlatform is returned by Open on platforms with no wired
// backend.
var ErrUnsupportedPlatform = fmt.Errorf("tundevice: no backend for this platform")

// Sink adapts a Device's io.Writer-shaped Write(p []byte) (int, error)
// to the single-error Write(payload []byte) error the tunpipe package's
// Writer seam expects, matching whichever OS device backend is wired in
// at the cmd/vnt entry point.
type Sink struct{ Device Device }

func (s Sink) Write(payload []byte) error {
	_, err := s.Device.Write(payload)
	return err
}

// prefixToIPNet converts a netip.Prefix (as used throughout this package
// and the route/config layers) to the *net.IPNet shape kernel-routing
// libraries such as netlink expect.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

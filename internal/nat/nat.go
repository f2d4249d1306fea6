// Package nat implements the overlay's self NAT-type detection (spec
// §3.5, §4.6): probing the registrar from two distinct local sockets and
// comparing the public endpoints it reports back to classify the local
// NAT as Cone or Symmetric, the same distinction the punch engine needs
// to pick a punching strategy. Grounded on
// original_source/vnt/src/channel/punch.rs's NatInfo/NatType (already
// mirrored on the wire in internal/wire/proto/control.go) and its
// update_addr/local_udp_ipv4addr accessors.
package nat

import (
	"net"
	"net/netip"

	"vntgo/internal/wire/proto"
)

// Info is the client's local view of its own NAT situation, built from
// probe responses and local interface enumeration.
type Info struct {
	PublicIPs       []netip.Addr
	PublicPorts     []uint16
	PublicPortRange uint16
	LocalIPv4       netip.Addr
	IPv6            netip.Addr
	UDPPorts        []uint16
	TCPPort         uint16
	PublicTCPPort   uint16
	NatType         proto.NatType
}

// ToWire converts Info into the wire NatInfo carried in a punch envelope.
func (i Info) ToWire() proto.NatInfo {
	return proto.NatInfo{
		PublicIPs:       i.PublicIPs,
		PublicPorts:     i.PublicPorts,
		PublicPortRange: i.PublicPortRange,
		LocalIPv4:       i.LocalIPv4,
		IPv6:            i.IPv6,
		UDPPorts:        i.UDPPorts,
		TCPPort:         i.TCPPort,
		PublicTCPPort:   i.PublicTCPPort,
		NatType:         i.NatType,
	}
}

// FromWire builds an Info from a received NatInfo (a peer's self-report).
func FromWire(w proto.NatInfo) Info {
	return Info{
		PublicIPs:       w.PublicIPs,
		PublicPorts:     w.PublicPorts,
		PublicPortRange: w.PublicPortRange,
		LocalIPv4:       w.LocalIPv4,
		IPv6:            w.IPv6,
		UDPPorts:        w.UDPPorts,
		TCPPort:         w.TCPPort,
		PublicTCPPort:   w.PublicTCPPort,
		NatType:         w.NatType,
	}
}

// UpdateAddr folds in a freshly observed public ip:port pair at socket
// index, returning whether anything changed. Mirrors NatInfo::update_addr:
// a new port at an already-tracked index replaces it; a genuinely new
// public IP is appended, provided it is a routable (non-private,
// non-loopback, non-multicast) address.
func (i *Info) UpdateAddr(index int, ip netip.Addr, port uint16) bool {
	updated := false
	if port != 0 && index < len(i.PublicPorts) {
		if i.PublicPorts[index] != port {
			updated = true
		}
		i.PublicPorts[index] = port
	}
	if IsGlobalUnicast(ip) {
		found := false
		for _, have := range i.PublicIPs {
			if have == ip {
				found = true
				break
			}
		}
		if !found {
			i.PublicIPs = append(i.PublicIPs, ip)
			updated = true
		}
	}
	return updated
}

// IsGlobalUnicast reports whether ip is a plausible public internet
// address: not unspecified, loopback, multicast, link-local, or private.
func IsGlobalUnicast(ip netip.Addr) bool {
	if !ip.IsValid() || ip.IsUnspecified() || ip.IsLoopback() || ip.IsMulticast() || ip.IsLinkLocalUnicast() {
		return false
	}
	return !ip.IsPrivate()
}

// LocalInterfaceAddrs enumerates this host's non-loopback IPv4/IPv6
// addresses, used to populate Info.LocalIPv4/IPv6 and to let
// IsLocalAddress recognize our own interfaces (grounded on the teacher's
// net.Interfaces() usage across its PAL network-manager adapters).
func LocalInterfaceAddrs() ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLoopback() {
			continue
		}
		out = append(out, ip)
	}
	return out, nil
}

// Tester detects and tracks this node's NAT classification.
type Tester struct {
	info  Info
	local []netip.Addr
}

// NewTester builds a Tester, snapshotting the host's local interface
// addresses for IsLocalAddress checks.
func NewTester(udpPorts []uint16, tcpPort uint16) (*Tester, error) {
	local, err := LocalInterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var localV4, localV6 netip.Addr
	for _, a := range local {
		if a.Is4() && !localV4.IsValid() {
			localV4 = a
		}
		if a.Is6() && !a.Is4In6() && !localV6.IsValid() {
			localV6 = a
		}
	}
	return &Tester{
		info: Info{
			LocalIPv4: localV4,
			IPv6:      localV6,
			UDPPorts:  udpPorts,
			TCPPort:   tcpPort,
			NatType:   proto.Cone,
		},
		local: local,
	}, nil
}

// Info returns a copy of the current NAT snapshot.
func (t *Tester) Info() Info { return t.info }

// Observe folds a probe response's observed public endpoint into the
// tester's running Info and updates the detected NatType. Called once per
// response from each probe socket index. More than one distinct public IP
// observed implies Symmetric (same rule as NatInfo::new); so does a port
// observed at a socket index above 0 that differs from index 0's port,
// i.e. the NAT remaps the port per socket.
func (t *Tester) Observe(index int, observed netip.AddrPort) {
	t.info.UpdateAddr(index, observed.Addr(), observed.Port())
	if len(t.info.PublicIPs) > 1 {
		t.info.NatType = proto.Symmetric
		return
	}
	if index > 0 && index < len(t.info.PublicPorts) {
		first := t.info.PublicPorts[0]
		if first != 0 && observed.Port() != 0 && observed.Port() != first {
			t.info.NatType = proto.Symmetric
		}
	}
}

// IsLocalAddress reports whether addr belongs to this host itself (one of
// its own interfaces, or loopback/unspecified), so the punch engine never
// wastes a probe sending to itself.
func (t *Tester) IsLocalAddress(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsLoopback() || addr.IsUnspecified() {
		return true
	}
	for _, a := range t.local {
		if a == addr {
			return true
		}
	}
	return false
}

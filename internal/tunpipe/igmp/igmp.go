// Package igmp tracks which virtual peers have joined which multicast
// groups, so the TUN pipeline's send path can turn a multicast datagram
// into a set of unicast copies instead of falling back to broadcast (spec
// §4.9 step 3). Grounded on
// original_source/switch/packet/src/igmp/igmp_v3.rs and the IGMPv2
// membership-report/leave message types it models; this package only
// tracks membership state, it does not speak the IGMP wire protocol to
// upstream routers.
package igmp

import (
	"net/netip"
	"sync"
	"time"
)

// MembershipInterval is the IGMPv2 default group membership interval
// (RFC 2236 §8.1: robustness(2) * query interval(125s) + query response
// interval(10s)), used to expire a join that was never refreshed.
const MembershipInterval = 260 * time.Second

// Table is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	groups  map[netip.Addr]map[netip.Addr]time.Time
	timeout time.Duration
}

func NewTable() *Table {
	return &Table{groups: make(map[netip.Addr]map[netip.Addr]time.Time), timeout: MembershipInterval}
}

// Join records that member has joined group, refreshing its membership
// timer if it had already joined.
func (t *Table) Join(group, member netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.groups[group]
	if !ok {
		m = make(map[netip.Addr]time.Time)
		t.groups[group] = m
	}
	m[member] = time.Now()
}

// Leave removes member from group immediately.
func (t *Table) Leave(group, member netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.groups[group]; ok {
		delete(m, member)
		if len(m) == 0 {
			delete(t.groups, group)
		}
	}
}

// Members returns every peer still within its membership interval for
// group. A nil/empty result means the pipeline should fall back to
// broadcast (spec §4.9 step 3: "else treat as broadcast").
func (t *Table) Members(group netip.Addr) []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.groups[group]
	if !ok {
		return nil
	}
	out := make([]netip.Addr, 0, len(m))
	for addr, joined := range m {
		if time.Since(joined) <= t.timeout {
			out = append(out, addr)
		}
	}
	return out
}

// Expire drops every membership that has gone quiet past the table's
// timeout as of now. The scheduler does not call it; Members already
// leaves out expired memberships.
func (t *Table) Expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for group, members := range t.groups {
		for addr, joined := range members {
			if now.Sub(joined) > t.timeout {
				delete(members, addr)
			}
		}
		if len(members) == 0 {
			delete(t.groups, group)
		}
	}
}

// IGMPv2 message types, used by ParseMembership to classify a datagram
// captured on the send path before it's handed off as ordinary traffic.
const (
	typeMembershipReportV1 = 0x12
	typeMembershipReportV2 = 0x16
	typeLeaveGroup         = 0x17
)

// ParseMembership inspects an IGMP message body (the payload immediately
// following the inner IPv4 header) and reports the group it names and
// whether it is a join (report) or a leave, for the TUN pipeline to
// update this table without forwarding the control packet itself onto
// the overlay. IGMPv3 reports (type 0x22) carry a list of group records
// the v2-shaped fields here can't address and are left unparsed: hosts on
// this overlay are expected to fall back to v2/v1 reports the way most
// light IGMP stacks do.
func ParseMembership(body []byte) (group netip.Addr, isJoin bool, ok bool) {
	if len(body) < 8 {
		return netip.Addr{}, false, false
	}
	switch body[0] {
	case typeMembershipReportV1, typeMembershipReportV2:
		return netip.AddrFrom4([4]byte(body[4:8])), true, true
	case typeLeaveGroup:
		return netip.AddrFrom4([4]byte(body[4:8])), false, true
	default:
		return netip.Addr{}, false, false
	}
}

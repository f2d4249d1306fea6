// Package icmpproxy maintains the re-addressing table the TUN pipeline's
// ip-proxy mode needs to route an external host's ICMP echo reply back to
// whichever local virtual peer actually sent the request (spec §4.9's
// "ICMP proxy"). Grounded on
// original_source/vnt/src/ip_proxy/icmp_proxy.rs's icmp_proxy_map: a
// (peer_ip, id, seq) -> real_src table, here a portable in-memory map
// instead of the original's raw-socket-backed DashMap (the raw ICMP
// listener itself is OS-specific device plumbing left to a tundevice
// adapter, not this package's concern).
package icmpproxy

import (
	"net/netip"
	"sync"
	"time"
)

// DefaultTTL bounds how long a pending (peer, id, seq) mapping is kept
// before it's considered stale and evicted, matching the rough lifetime
// of a single ping round-trip.
const DefaultTTL = 30 * time.Second

type key struct {
	PeerIP netip.Addr
	ID     uint16
	Seq    uint16
}

type entry struct {
	realSrc netip.Addr
	at      time.Time
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[key]entry
	ttl     time.Duration
}

func NewTable() *Table {
	return &Table{entries: make(map[key]entry), ttl: DefaultTTL}
}

// Register records that an echo request addressed to peerIP with the
// given id/seq was proxied on behalf of realSrc, so a later reply can be
// re-addressed back to it.
func (t *Table) Register(peerIP netip.Addr, id, seq uint16, realSrc netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key{peerIP, id, seq}] = entry{realSrc: realSrc, at: time.Now()}
}

// Lookup returns the original requester for a reply arriving from peerIP
// with the given id/seq, if one was registered and hasn't expired.
func (t *Table) Lookup(peerIP netip.Addr, id, seq uint16) (netip.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{peerIP, id, seq}]
	if !ok {
		return netip.Addr{}, false
	}
	if time.Since(e.at) > t.ttl {
		delete(t.entries, key{peerIP, id, seq})
		return netip.Addr{}, false
	}
	return e.realSrc, true
}

// Evict drops every mapping older than the table's ttl as of now. The
// scheduler does not call it; Lookup drops an expired mapping it meets.
func (t *Table) Evict(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if now.Sub(e.at) > t.ttl {
			delete(t.entries, k)
		}
	}
}

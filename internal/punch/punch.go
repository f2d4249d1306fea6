// Package punch implements the overlay's NAT hole-punching engine (spec
// §3.5, §4.7): picking which peers need punching, and sending the
// cone/symmetric probe fan-out that gets a UDP hole open in both
// directions. Grounded on original_source/vnt/src/channel/punch.rs
// (the core punch/punch_symmetric algorithm) and
// original_source/vnt/src/handle/maintain/punch.rs (punch0's periodic
// target-selection policy: shuffle, skip offline peers, break symmetry by
// only punching peers with a numerically greater virtual IP, cap at 2 new
// attempts per tick).
package punch

import (
	"math/rand"
	"net/netip"
	"time"

	"vntgo/internal/nat"
	"vntgo/internal/route"
	"vntgo/internal/transport"
	"vntgo/internal/wire/proto"
)

// MaxNewTargetsPerTick caps how many fresh punch attempts punch0-style
// selection starts in one scheduler tick, so a large device list doesn't
// flood the network all at once (mirrors punch0's `count > 2 { break }`).
const MaxNewTargetsPerTick = 2

// SelectTargets returns the subset of peers that still need punching this
// tick: online, with a strictly greater virtual IP than self (so only one
// side of every pair initiates), and for which rt.NeedPunch still reports
// true (fewer direct routes than the table's channelNum). The
// list is shuffled before capping so repeated ticks don't starve peers
// late in the device list.
func SelectTargets(self netip.Addr, peers []proto.PeerDeviceInfo, rt *route.Table) []netip.Addr {
	shuffled := append([]proto.PeerDeviceInfo(nil), peers...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	out := make([]netip.Addr, 0, MaxNewTargetsPerTick)
	for _, p := range shuffled {
		if p.Status != proto.PeerOnline {
			continue
		}
		if p.IP.Compare(self) <= 0 {
			continue
		}
		if !rt.NeedPunch(p.IP) {
			continue
		}
		out = append(out, p.IP)
		if len(out) >= MaxNewTargetsPerTick {
			break
		}
	}
	return out
}

// RetrySchedule is the backoff sequence (seconds) between successive
// punch_request rounds for a peer that hasn't succeeded yet, taken
// verbatim from handle/maintain/punch.rs's sleep_time table.
var RetrySchedule = []time.Duration{
	3 * time.Second, 5 * time.Second, 7 * time.Second, 11 * time.Second,
	13 * time.Second, 17 * time.Second, 19 * time.Second, 23 * time.Second,
	29 * time.Second,
}

// NextRetryDelay returns the backoff delay for the count'th retry round.
func NextRetryDelay(count int) time.Duration {
	return RetrySchedule[count%len(RetrySchedule)]
}

// Engine drives the actual probe fan-out for a single punch attempt.
type Engine struct {
	sender     transport.Sender
	tester     *nat.Tester
	portVec    []uint16
	portIdx    map[netip.Addr]int
	channelNum int
}

// NewEngine builds an Engine with a shuffled full 16-bit port space for
// the symmetric global-scan phase (punch.rs's Punch::new port_vec).
// channelNum bounds how many local UDP sockets a single probe is fanned
// out across (spec §4.7 step 5); values below 1 are treated as 1.
func NewEngine(sender transport.Sender, tester *nat.Tester, channelNum int) *Engine {
	if channelNum < 1 {
		channelNum = 1
	}
	ports := make([]uint16, 0, 65535)
	for p := 1; p <= 65535; p++ {
		ports = append(ports, uint16(p))
	}
	rand.Shuffle(len(ports), func(i, j int) { ports[i], ports[j] = ports[j], ports[i] })
	return &Engine{
		sender:     sender,
		tester:     tester,
		portVec:    ports,
		portIdx:    make(map[netip.Addr]int),
		channelNum: channelNum,
	}
}

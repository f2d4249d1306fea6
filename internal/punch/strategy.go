package punch

import (
	"errors"
	"math/rand"
	"net/netip"
	"time"

	"vntgo/internal/nat"
	"vntgo/internal/transport"
	"vntgo/internal/wire/proto"
)

// interSendDelay throttles the probe fan-out so a single punch round
// doesn't look like a port-scan; punch.rs sleeps 2-3ms between sends in
// the same spot.
const interSendDelay = 3 * time.Millisecond

// symMaxK1 caps probes sent within the predicted port-range window;
// symMinK2/symMaxK2 bound the global random-port scan. Both are taken
// directly from punch.rs's commented birthday-paradox estimate: guessing
// among n bound ports with k tries succeeds with probability
// 1-prod((65535-n-i)/(65535-i)) for i in 0..k, which crosses 50% around
// n=76, k=600.
const (
	symMaxK1 = 60
	symMinK2 = 600
	symMaxK2 = 800
)

// Punch sends one round of hole-punch probes toward peer, using the
// peer's self-reported NatInfo to pick a cone-direct or
// symmetric-guessing strategy. attempt decays the symmetric global scan
// size on repeated rounds, same as punch.rs's count parameter.
func (e *Engine) Punch(peer netip.Addr, buf []byte, remote nat.Info, attempt int) error {
	remote = filterGlobal(remote)

	if remote.NatType == proto.Symmetric {
		return e.punchSymmetric(peer, buf, remote, attempt)
	}
	return e.punchCone(peer, buf, remote)
}

func filterGlobal(info nat.Info) nat.Info {
	kept := info.PublicIPs[:0:0]
	for _, ip := range info.PublicIPs {
		if nat.IsGlobalUnicast(ip) {
			kept = append(kept, ip)
		}
	}
	info.PublicIPs = kept
	return info
}

// punchCone probes directly: for each of the first min(len(PublicPorts),
// len(PublicIPs)) public ports, one probe to every public IP; a cone NAT's mapping is stable so a single accurate guess is enough
// (punch.rs's NatType::Cone branch) — unless the local NAT is itself
// symmetric, in which case the local mapping varies per destination and
// every local socket must try (try_send_all), since there is no way to
// predict in advance which one the peer's cone mapping will see.
func (e *Engine) punchCone(peer netip.Addr, buf []byte, remote nat.Info) error {
	limit := len(remote.PublicPorts)
	if len(remote.PublicIPs) < limit {
		limit = len(remote.PublicIPs)
	}
	localSymmetric := e.tester.Info().NatType == proto.Symmetric
	for i := 0; i < limit; i++ {
		port := remote.PublicPorts[i]
		if port == 0 {
			continue
		}
		for _, ip := range remote.PublicIPs {
			if e.tester.IsLocalAddress(ip) {
				continue
			}
			to := netip.AddrPortFrom(ip, port)
			var err error
			if localSymmetric {
				err = e.sender.SendAll(buf, to)
			} else {
				err = e.sender.SendMain(buf, to)
			}
			if err != nil {
				return err
			}
			time.Sleep(interSendDelay)
		}
	}
	return nil
}

// punchSymmetric implements the birthday-paradox port guessing described
// in punch.rs: first a focused scan within the observed public_port_range
// around the first known public port (if the range is narrow), then a
// wider scan over a slice of the engine's shuffled global port space,
// continuing from wherever the previous round for this peer left off.
func (e *Engine) punchSymmetric(peer netip.Addr, buf []byte, remote nat.Info, attempt int) error {
	if len(remote.PublicIPs) == 0 {
		return nil
	}

	maxK2 := symMinK2 + rand.Intn(symMaxK2-symMinK2)
	if attempt > 2 {
		scaled := maxK2 * 2 / attempt
		if scaled < symMaxK1 {
			scaled = symMaxK1
		}
		maxK2 = scaled
	}

	var firstPort uint16
	if len(remote.PublicPorts) > 0 {
		firstPort = remote.PublicPorts[0]
	}
	if remote.PublicPortRange > 0 && remote.PublicPortRange < symMaxK1*3 {
		lo := int(firstPort) - int(remote.PublicPortRange)
		if lo < 1 {
			lo = 1
		}
		hi := int(firstPort) + int(remote.PublicPortRange)
		if hi > 65535 {
			hi = 65535
		}
		if err := e.scanPorts(buf, remote.PublicIPs, randomPortWindow(lo, hi), symMaxK1); err != nil {
			return err
		}
	}

	start := e.portIdx[peer]
	end := start + maxK2
	if end > len(e.portVec) {
		end = len(e.portVec)
	}
	if start < end {
		if err := e.scanPorts(buf, remote.PublicIPs, e.portVec[start:end], maxK2); err != nil {
			return err
		}
	}
	next := end
	if next >= len(e.portVec) {
		next = 0
	}
	e.portIdx[peer] = next
	return nil
}

func (e *Engine) scanPorts(buf []byte, ips []netip.Addr, ports []uint16, max int) error {
	count := 0
	for _, port := range ports {
		for _, ip := range ips {
			count++
			if count > max {
				return nil
			}
			if err := e.sendAcrossChannels(buf, netip.AddrPortFrom(ip, port)); err != nil {
				return err
			}
			time.Sleep(interSendDelay)
		}
	}
	return nil
}

// sendAcrossChannels sends buf to to from each local channel up to
// channelNum (spec §4.7 step 5: "send one probe per channel, bounded by
// channel_num"), so a symmetric local NAT's per-socket port remapping
// gets tried on every probe rather than only the main socket. Stops as
// soon as an index has no socket open yet rather than failing the round.
func (e *Engine) sendAcrossChannels(buf []byte, to netip.AddrPort) error {
	for idx := 0; idx < e.channelNum; idx++ {
		if err := e.sender.SendByIndex(buf, idx, to); err != nil {
			if errors.Is(err, transport.ErrNoMainConn) {
				break
			}
			return err
		}
	}
	return nil
}

// randomPortWindow returns every port in [lo, hi] in random order, for the
// focused scan around a symmetric NAT's observed port-range.
func randomPortWindow(lo, hi int) []uint16 {
	out := make([]uint16, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		out = append(out, uint16(p))
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

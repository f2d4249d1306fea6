package punch

import (
	"net/netip"
	"strconv"
	"testing"

	"vntgo/internal/nat"
	"vntgo/internal/route"
	"vntgo/internal/wire/proto"
)

type fakeSender struct {
	sent []netip.AddrPort
}

func (f *fakeSender) SendMain(b []byte, to netip.AddrPort) error {
	f.sent = append(f.sent, to)
	return nil
}
func (f *fakeSender) SendAll(b []byte, to netip.AddrPort) error {
	f.sent = append(f.sent, to)
	return nil
}
func (f *fakeSender) SendByIndex(b []byte, idx int, to netip.AddrPort) error {
	f.sent = append(f.sent, to)
	return nil
}

func TestSelectTargetsSkipsOfflineAndLowerIP(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.5")
	rt := route.NewTable(1)
	peers := []proto.PeerDeviceInfo{
		{IP: netip.MustParseAddr("10.0.0.2"), Status: proto.PeerOnline},  // lower IP, skip
		{IP: netip.MustParseAddr("10.0.0.9"), Status: proto.PeerOffline}, // offline, skip
		{IP: netip.MustParseAddr("10.0.0.10"), Status: proto.PeerOnline},
	}
	targets := SelectTargets(self, peers, rt)
	if len(targets) != 1 || targets[0] != netip.MustParseAddr("10.0.0.10") {
		t.Fatalf("expected only 10.0.0.10, got %v", targets)
	}
}

func TestSelectTargetsSkipsPeersWithRoute(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.5")
	rt := route.NewTable(1)
	peerIP := netip.MustParseAddr("10.0.0.10")
	rt.Upsert(peerIP, route.Route{Kind: route.KindP2P, Endpoint: netip.MustParseAddrPort("1.1.1.1:1")})

	targets := SelectTargets(self, []proto.PeerDeviceInfo{{IP: peerIP, Status: proto.PeerOnline}}, rt)
	if len(targets) != 0 {
		t.Fatalf("expected no targets once a P2P route exists, got %v", targets)
	}
}

func TestSelectTargetsCapsAtMax(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	rt := route.NewTable(1)
	var peers []proto.PeerDeviceInfo
	for i := 2; i < 20; i++ {
		peers = append(peers, proto.PeerDeviceInfo{
			IP:     netip.MustParseAddr("10.0.0." + strconv.Itoa(i)),
			Status: proto.PeerOnline,
		})
	}
	targets := SelectTargets(self, peers, rt)
	if len(targets) > MaxNewTargetsPerTick {
		t.Fatalf("expected at most %d targets, got %d", MaxNewTargetsPerTick, len(targets))
	}
}

func TestNextRetryDelayCycles(t *testing.T) {
	if NextRetryDelay(0) != RetrySchedule[0] {
		t.Fatal("expected round 0 to match first schedule entry")
	}
	if NextRetryDelay(len(RetrySchedule)) != RetrySchedule[0] {
		t.Fatal("expected schedule to wrap around")
	}
}

func TestPunchConeSendsToEveryIPPortPair(t *testing.T) {
	tester, err := nat.NewTester([]uint16{0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	engine := NewEngine(sender, tester, 2)

	remote := nat.Info{
		PublicIPs:   []netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("9.9.9.9")},
		PublicPorts: []uint16{5000},
		NatType:     proto.Cone,
	}
	if err := engine.Punch(netip.MustParseAddr("10.0.0.2"), []byte("probe"), remote, 0); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 probes (one per public ip), got %d", len(sender.sent))
	}
}

func TestPunchSymmetricSendsWithinBudget(t *testing.T) {
	tester, err := nat.NewTester([]uint16{0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	engine := NewEngine(sender, tester, 2)

	remote := nat.Info{
		PublicIPs:       []netip.Addr{netip.MustParseAddr("8.8.8.8")},
		PublicPorts:     []uint16{5000},
		PublicPortRange: 10,
		NatType:         proto.Symmetric,
	}
	if err := engine.Punch(netip.MustParseAddr("10.0.0.2"), []byte("probe"), remote, 0); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) == 0 {
		t.Fatal("expected at least some probes sent for symmetric punching")
	}
	// Engine was built with channelNum=2, so every probe target fans out
	// across up to 2 local sockets (spec §4.7 step 5).
	if len(sender.sent) > (symMaxK1+symMaxK2)*2 {
		t.Fatalf("expected bounded probe count, got %d", len(sender.sent))
	}
}

package tunpipe

import (
	"net/netip"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"vntgo/internal/cipher"
	"vntgo/internal/route"
)

type fakeSender struct {
	mainSent []netip.AddrPort
	byIdx    []netip.AddrPort
}

func (f *fakeSender) SendMain(b []byte, to netip.AddrPort) error {
	f.mainSent = append(f.mainSent, to)
	return nil
}
func (f *fakeSender) SendAll(b []byte, to netip.AddrPort) error { return nil }
func (f *fakeSender) SendByIndex(b []byte, idx int, to netip.AddrPort) error {
	f.byIdx = append(f.byIdx, to)
	return nil
}

type fakeWriter struct {
	written [][]byte
}

func (f *fakeWriter) Write(payload []byte) error {
	f.written = append(f.written, append([]byte(nil), payload...))
	return nil
}

func buildIPv4(src, dst netip.Addr, protocol byte, body []byte) []byte {
	buf := make([]byte, 20+len(body))
	buf[0] = 0x45
	buf[9] = protocol
	s, d := src.As4(), dst.As4()
	copy(buf[12:16], s[:])
	copy(buf[16:20], d[:])
	copy(buf[20:], body)
	writeIPv4Checksum(buf[:20])
	return buf
}

func echoRequest(id, seq int, data string) []byte {
	msg := icmp.Message{Type: ipv4.ICMPTypeEcho, Code: 0, Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte(data)}}
	b, err := msg.Marshal(nil)
	if err != nil {
		panic(err)
	}
	return b
}

func newTestEngine(t *testing.T, sender *fakeSender, tun Writer, cfg Config) *Engine {
	t.Helper()
	none, err := cipher.New(cipher.ModelNone, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(nil, route.NewTable(2), sender, nil, tun, none, cfg)
}

func baseConfig() Config {
	return Config{
		Self:       netip.MustParseAddr("10.0.0.5"),
		Netmask:    netip.MustParseAddr("255.255.255.0"),
		Broadcast:  netip.MustParseAddr("10.0.0.255"),
		Gateway:    netip.MustParseAddr("10.0.0.1"),
		ServerAddr: netip.MustParseAddrPort("203.0.113.1:9999"),
	}
}

func TestSendToPeerWithRouteSendsByIndex(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil, baseConfig())
	peer := netip.MustParseAddr("10.0.0.9")
	endpoint := netip.MustParseAddrPort("198.51.100.2:4000")
	e.routes.Upsert(peer, route.Route{Kind: route.KindP2P, Metric: 1, Endpoint: endpoint, ID: 3})

	pkt := buildIPv4(e.cfg.Self, peer, 17, []byte("payload"))
	if err := e.Send(pkt); err != nil {
		t.Fatal(err)
	}
	if len(sender.byIdx) != 1 || sender.byIdx[0] != endpoint {
		t.Fatalf("expected a send_by_id to %v, got %v", endpoint, sender.byIdx)
	}
}

func TestSendToPeerWithoutRouteFallsBackToServer(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig()
	e := newTestEngine(t, sender, nil, cfg)
	peer := netip.MustParseAddr("10.0.0.9")

	pkt := buildIPv4(cfg.Self, peer, 17, []byte("payload"))
	if err := e.Send(pkt); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 || sender.mainSent[0] != cfg.ServerAddr {
		t.Fatalf("expected a send_main to %v, got %v", cfg.ServerAddr, sender.mainSent)
	}
}

func TestSendGatewayDestinedWrapsAsUnencryptedIcmp(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig()
	e := newTestEngine(t, sender, nil, cfg)

	pkt := buildIPv4(cfg.Self, cfg.Gateway, 1, echoRequest(1, 1, "x"))
	if err := e.Send(pkt); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 || sender.mainSent[0] != cfg.ServerAddr {
		t.Fatalf("expected gateway-destined traffic sent to the server, got %v", sender.mainSent)
	}
}

func TestSendBroadcastServesP2PPeersAndForwardsRestToServer(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig()
	e := newTestEngine(t, sender, nil, cfg)

	reachable := netip.MustParseAddr("10.0.0.9")
	unreachable := netip.MustParseAddr("10.0.0.20")
	endpoint := netip.MustParseAddrPort("198.51.100.2:4000")
	e.routes.Upsert(reachable, route.Route{Kind: route.KindP2P, Metric: 1, Endpoint: endpoint, ID: 7})
	e.routes.Upsert(unreachable, route.Route{Kind: route.KindRelay, Metric: 1, Endpoint: endpoint})

	pkt := buildIPv4(cfg.Self, cfg.Broadcast, 17, []byte("payload"))
	if err := e.Send(pkt); err != nil {
		t.Fatal(err)
	}
	if len(sender.byIdx)+len(sender.mainSent) == 0 {
		t.Fatal("expected some sends for a broadcast with a mixed-reachability peer set")
	}
	if len(sender.mainSent) != 1 {
		t.Fatalf("expected exactly one server fan-out frame for the unreached peer, got %d", len(sender.mainSent))
	}
}

func TestSendBroadcastSkipsServerWhenEveryPeerIsP2PReachable(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig()
	e := newTestEngine(t, sender, nil, cfg)

	peer := netip.MustParseAddr("10.0.0.9")
	endpoint := netip.MustParseAddrPort("198.51.100.2:4000")
	e.routes.Upsert(peer, route.Route{Kind: route.KindP2P, Metric: 1, Endpoint: endpoint, ID: 7})

	pkt := buildIPv4(cfg.Self, cfg.Broadcast, 17, []byte("payload"))
	if err := e.Send(pkt); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 0 {
		t.Fatalf("expected no server fan-out when every peer was already served, got %d", len(sender.mainSent))
	}
}

func TestHandleInboundReflectsSelfAddressedEchoRequest(t *testing.T) {
	sender := &fakeSender{}
	writer := &fakeWriter{}
	cfg := baseConfig()
	e := newTestEngine(t, sender, writer, cfg)
	peer := netip.MustParseAddr("10.0.0.9")
	endpoint := netip.MustParseAddrPort("198.51.100.2:4000")
	e.routes.Upsert(peer, route.Route{Kind: route.KindP2P, Metric: 1, Endpoint: endpoint, ID: 2})

	pkt := buildIPv4(peer, cfg.Self, 1, echoRequest(7, 1, "ping"))
	if err := e.HandleInbound(peer, pkt); err != nil {
		t.Fatal(err)
	}
	if len(writer.written) != 0 {
		t.Fatal("expected the echo reply to be reflected over the network, not written to the tun device")
	}
	if len(sender.byIdx) != 1 || sender.byIdx[0] != endpoint {
		t.Fatalf("expected the reflected echo reply sent back to %v, got %v", endpoint, sender.byIdx)
	}
}

func TestHandleInboundWritesOrdinaryPayloadToTun(t *testing.T) {
	sender := &fakeSender{}
	writer := &fakeWriter{}
	cfg := baseConfig()
	e := newTestEngine(t, sender, writer, cfg)
	peer := netip.MustParseAddr("10.0.0.9")

	pkt := buildIPv4(peer, cfg.Self, 17, []byte("payload"))
	if err := e.HandleInbound(peer, pkt); err != nil {
		t.Fatal(err)
	}
	if len(writer.written) != 1 {
		t.Fatalf("expected one delivery to the tun device, got %d", len(writer.written))
	}
}

func TestHandleInboundDropsMismatchedDestinationWhenProxyDisabled(t *testing.T) {
	sender := &fakeSender{}
	writer := &fakeWriter{}
	cfg := baseConfig()
	e := newTestEngine(t, sender, writer, cfg)
	peer := netip.MustParseAddr("10.0.0.9")
	other := netip.MustParseAddr("10.0.0.77")

	pkt := buildIPv4(peer, other, 17, []byte("payload"))
	if err := e.HandleInbound(peer, pkt); err != nil {
		t.Fatal(err)
	}
	if len(writer.written) != 0 {
		t.Fatal("expected a mismatched inner destination to be dropped with ip-proxy disabled")
	}
}

func TestWithinNetwork(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.5")
	mask := netip.MustParseAddr("255.255.255.0")
	if !withinNetwork(netip.MustParseAddr("10.0.0.200"), self, mask) {
		t.Fatal("expected an address on the same /24 to be within the network")
	}
	if withinNetwork(netip.MustParseAddr("10.0.1.200"), self, mask) {
		t.Fatal("expected an address on a different /24 to be outside the network")
	}
}

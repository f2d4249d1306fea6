package dispatch

import (
	"net/netip"
	"testing"

	"vntgo/internal/cipher"
	"vntgo/internal/handshake"
	"vntgo/internal/nat"
	"vntgo/internal/punch"
	"vntgo/internal/route"
	"vntgo/internal/telemetry"
	"vntgo/internal/transport"
	"vntgo/internal/wire/header"
	"vntgo/internal/wire/proto"
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

type fakeTun struct {
	delivered [][]byte
}

func (f *fakeTun) HandleInbound(src netip.Addr, payload []byte) error {
	f.delivered = append(f.delivered, append([]byte(nil), payload...))
	return nil
}

func newTestEngine(t *testing.T, sender *fakeSender, tun TunSink) *Engine {
	t.Helper()
	none, err := cipher.New(cipher.ModelNone, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	tester, err := nat.NewTester([]uint16{0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	punchEngine := punch.NewEngine(sender, tester, 2)
	e := NewEngine(
		nil, route.NewTable(2), tester, telemetry.NewCollector(0, 0),
		sender, tun, punchEngine, none, none,
		handshake.Config{Token: "tok", DeviceID: "dev"},
		netip.MustParseAddrPort("203.0.113.1:9999"),
		Callbacks{},
	)
	e.SetSelf(
		netip.MustParseAddr("10.0.0.5"),
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("255.255.255.0"),
		netip.MustParseAddr("10.0.0.255"),
	)
	return e
}

func frame(protocol header.Protocol, sub uint8, gateway bool, src, dst netip.Addr, ttl uint8, payload []byte) []byte {
	buf := make([]byte, header.HeadLen+len(payload))
	h, _ := header.View(buf)
	h.SetVersion(header.V1)
	h.SetGateway(gateway)
	h.SetProtocol(protocol)
	h.SetTransportProtocol(sub)
	h.FirstSetTTL(ttl)
	s4, d4 := src.As4(), dst.As4()
	h.SetSource(s4)
	h.SetDestination(d4)
	copy(h.Payload(), payload)
	return buf
}

func TestDispatchDropsZeroTTL(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	self := netip.MustParseAddr("10.0.0.5")
	peer := netip.MustParseAddr("10.0.0.9")
	buf := frame(header.ProtoControl, byte(proto.CtrlPing), false, peer, self, 0, nil)
	h, _ := header.View(buf)
	h.SetTTL(0)
	if err := e.Dispatch(transport.Packet{Data: buf}); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent)+len(sender.byIdx) != 0 {
		t.Fatal("expected a zero-ttl frame to be dropped silently")
	}
}

func TestDispatchClientPingRepliesWithPong(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	self := netip.MustParseAddr("10.0.0.5")
	peer := netip.MustParseAddr("10.0.0.9")
	ping := proto.PingPacket{TimeLow16: 42, Epoch: 1}
	buf := frame(header.ProtoControl, byte(proto.CtrlPing), false, peer, self, 15, ping.Marshal())

	pkt := transport.Packet{Data: buf, From: netip.MustParseAddrPort("198.51.100.2:4000"), SocketIdx: 0}
	if err := e.Dispatch(pkt); err != nil {
		t.Fatal(err)
	}
	if len(sender.byIdx) != 1 {
		t.Fatalf("expected one reply sent by index, got %d", len(sender.byIdx))
	}
	if sender.byIdx[0] != pkt.From {
		t.Fatalf("expected reply to go back to %v, got %v", pkt.From, sender.byIdx[0])
	}
}

func TestDispatchClientPongAddsRoute(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	self := netip.MustParseAddr("10.0.0.5")
	peer := netip.MustParseAddr("10.0.0.9")
	pong := proto.PongPacket{TimeLow16: 1, Epoch: 0}
	buf := frame(header.ProtoControl, byte(proto.CtrlPong), false, peer, self, 15, pong.Marshal())
	pkt := transport.Packet{Data: buf, From: netip.MustParseAddrPort("198.51.100.2:4000"), SocketIdx: 2}

	if err := e.Dispatch(pkt); err != nil {
		t.Fatal(err)
	}
	r, ok := e.routes.RouteOne(peer)
	if !ok {
		t.Fatal("expected a p2p route to be installed from the pong")
	}
	if r.Kind != route.KindP2P || r.Endpoint != pkt.From || r.ID != 2 {
		t.Fatalf("unexpected route: %+v", r)
	}
}

func TestDispatchClientIpv4ForwardsToTun(t *testing.T) {
	sender := &fakeSender{}
	tun := &fakeTun{}
	e := newTestEngine(t, sender, tun)
	self := netip.MustParseAddr("10.0.0.5")
	peer := netip.MustParseAddr("10.0.0.9")
	innerIPv4 := []byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 1, 0, 0, 10, 0, 0, 9, 10, 0, 0, 5}
	buf := frame(header.ProtoIPTurn, byte(proto.Ipv4), false, peer, self, 15, innerIPv4)
	pkt := transport.Packet{Data: buf}

	if err := e.Dispatch(pkt); err != nil {
		t.Fatal(err)
	}
	if len(tun.delivered) != 1 {
		t.Fatalf("expected one delivery to the tun sink, got %d", len(tun.delivered))
	}
}

func TestDispatchTransitForwardsToRoute(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	peer := netip.MustParseAddr("10.0.0.9")
	other := netip.MustParseAddr("10.0.0.20")
	endpoint := netip.MustParseAddrPort("198.51.100.9:5000")
	e.routes.Upsert(other, route.Route{Kind: route.KindRelay, Metric: 1, Endpoint: endpoint})

	buf := frame(header.ProtoIPTurn, byte(proto.Ipv4), false, peer, other, 15, []byte("payload"))
	if err := e.Dispatch(transport.Packet{Data: buf}); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 || sender.mainSent[0] != endpoint {
		t.Fatalf("expected the transit frame forwarded to %v, got %v", endpoint, sender.mainSent)
	}
}

func TestDispatchTransitDropsWithoutRoute(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	peer := netip.MustParseAddr("10.0.0.9")
	other := netip.MustParseAddr("10.0.0.99")
	buf := frame(header.ProtoIPTurn, byte(proto.Ipv4), false, peer, other, 15, []byte("payload"))
	if err := e.Dispatch(transport.Packet{Data: buf}); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 0 {
		t.Fatal("expected no forward when no route exists")
	}
}

func TestDispatchServerRegistrationResponseGoesOnline(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	var gotList proto.DeviceList
	e.callbacks.OnDeviceList = func(l proto.DeviceList) { gotList = l }

	resp := proto.RegistrationResponse{
		VirtualIP:      netip.MustParseAddr("10.0.0.7"),
		VirtualGateway: netip.MustParseAddr("10.0.0.1"),
		VirtualNetmask: netip.MustParseAddr("255.255.255.0"),
		PublicIP:       netip.MustParseAddr("1.2.3.4"),
		PublicPort:     1111,
		Epoch:          3,
	}
	payload, err := resp.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	buf := frame(header.ProtoService, byte(proto.SvcRegistrationResponse), true, netip.IPv4Unspecified(), netip.IPv4Unspecified(), 15, payload)

	if err := e.Dispatch(transport.Packet{Data: buf}); err != nil {
		t.Fatal(err)
	}
	if e.Status() != handshake.StatusOnline {
		t.Fatalf("expected status Online, got %v", e.Status())
	}
	if gotList.Epoch != 3 {
		t.Fatalf("expected device list callback with epoch 3, got %d", gotList.Epoch)
	}
}

func TestDispatchServerErrorTriggersCallback(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	var got error
	e.callbacks.OnError = func(err error) { got = err }

	buf := frame(header.ProtoError, byte(proto.TokenError), true, netip.IPv4Unspecified(), netip.IPv4Unspecified(), 15, nil)
	if err := e.Dispatch(transport.Packet{Data: buf}); err != nil {
		t.Fatal(err)
	}
	if got != handshake.ErrTokenError {
		t.Fatalf("expected ErrTokenError callback, got %v", got)
	}
}

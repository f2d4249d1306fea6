package dispatch

import (
	"net/netip"
	"testing"

	"vntgo/internal/handshake"
	"vntgo/internal/nat"
	"vntgo/internal/route"
	"vntgo/internal/wire/proto"
)

func TestSendHeartbeatPingsGatewayAndKnownRoutes(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	peer := netip.MustParseAddr("10.0.0.9")
	endpoint := netip.MustParseAddrPort("198.51.100.2:4000")
	e.routes.Upsert(peer, route.Route{Kind: route.KindP2P, Endpoint: endpoint, ID: 3})

	if err := e.SendHeartbeat(); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 || sender.mainSent[0] != e.Gateway() {
		t.Fatalf("expected one gateway ping, got %v", sender.mainSent)
	}
	if len(sender.byIdx) != 1 || sender.byIdx[0] != endpoint {
		t.Fatalf("expected one ping on the peer's route, got %v", sender.byIdx)
	}
}

func TestSendHeartbeatFallsBackToGatewayForRoutelessOnlinePeer(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	peer := netip.MustParseAddr("10.0.0.9")
	e.mu.Lock()
	e.peers = []proto.PeerDeviceInfo{{IP: peer, Status: proto.PeerOnline}}
	e.mu.Unlock()

	if err := e.SendHeartbeat(); err != nil {
		t.Fatal(err)
	}
	// one gateway ping for the node itself, one routed-via-gateway ping for
	// the routeless peer
	if len(sender.mainSent) != 2 {
		t.Fatalf("expected 2 sends to the gateway, got %d", len(sender.mainSent))
	}
}

func TestSendHeartbeatSkipsOfflinePeers(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	peer := netip.MustParseAddr("10.0.0.9")
	e.mu.Lock()
	e.peers = []proto.PeerDeviceInfo{{IP: peer, Status: proto.PeerOffline}}
	e.mu.Unlock()

	if err := e.SendHeartbeat(); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 {
		t.Fatalf("expected only the gateway's own ping, got %d", len(sender.mainSent))
	}
}

func TestSendClientRelayProbesP2PCandidatesForRoutelessPeers(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	peer := netip.MustParseAddr("10.0.0.9")
	relay := netip.MustParseAddr("10.0.0.20")
	relayEndpoint := netip.MustParseAddrPort("198.51.100.3:4000")
	e.routes.Upsert(relay, route.Route{Kind: route.KindP2P, Endpoint: relayEndpoint, ID: 5})
	e.mu.Lock()
	e.peers = []proto.PeerDeviceInfo{{IP: peer, Status: proto.PeerOnline}}
	e.mu.Unlock()

	if err := e.SendClientRelay(); err != nil {
		t.Fatal(err)
	}
	if len(sender.byIdx) != 1 || sender.byIdx[0] != relayEndpoint {
		t.Fatalf("expected a relay probe via %v, got %v", relayEndpoint, sender.byIdx)
	}
}

func TestSendClientRelaySkipsPeersAlreadyP2P(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	peer := netip.MustParseAddr("10.0.0.9")
	endpoint := netip.MustParseAddrPort("198.51.100.2:4000")
	e.routes.Upsert(peer, route.Route{Kind: route.KindP2P, Endpoint: endpoint, ID: 3})
	e.mu.Lock()
	e.peers = []proto.PeerDeviceInfo{{IP: peer, Status: proto.PeerOnline}}
	e.mu.Unlock()

	if err := e.SendClientRelay(); err != nil {
		t.Fatal(err)
	}
	if len(sender.byIdx) != 0 {
		t.Fatalf("expected no relay probing for an already-p2p peer, got %v", sender.byIdx)
	}
}

func TestSendAddrRequestNoopsWhenNotOnline(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	// newTestEngine leaves status at its default, Connecting.

	if err := e.SendAddrRequest(); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 0 {
		t.Fatalf("expected no send while status is Connecting, got %v", sender.mainSent)
	}
}

func TestSendAddrRequestSendsWhenOnline(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	e.setStatus(handshake.StatusOnline)

	if err := e.SendAddrRequest(); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 || sender.mainSent[0] != e.Gateway() {
		t.Fatalf("expected one addr request to the gateway, got %v", sender.mainSent)
	}
}

func TestSendClientStatusRequiresP2PRoute(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	e.setStatus(handshake.StatusOnline)

	if err := e.SendClientStatus(10, 20, false); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 0 {
		t.Fatal("expected no status upload with no p2p route yet")
	}

	peer := netip.MustParseAddr("10.0.0.9")
	e.routes.Upsert(peer, route.Route{Kind: route.KindP2P, Endpoint: netip.MustParseAddrPort("198.51.100.2:4000")})
	if err := e.SendClientStatus(10, 20, false); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 {
		t.Fatalf("expected a status upload once a p2p route exists, got %d", len(sender.mainSent))
	}
}

func TestReconnectFlipsStatusToConnecting(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	e.setStatus(handshake.StatusOnline)

	if err := e.Reconnect(); err != nil {
		t.Fatal(err)
	}
	if e.Status() != handshake.StatusConnecting {
		t.Fatalf("expected Reconnect to flip status back to Connecting, got %v", e.Status())
	}
}

func TestSendPunchRequestsTargetsOnlineGreaterIPPeersNeedingPunch(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, nil)
	lesser := netip.MustParseAddr("10.0.0.1")
	greater := netip.MustParseAddr("10.0.0.200")
	e.mu.Lock()
	e.peers = []proto.PeerDeviceInfo{
		{IP: lesser, Status: proto.PeerOnline},
		{IP: greater, Status: proto.PeerOnline},
	}
	e.mu.Unlock()

	tester, err := nat.NewTester([]uint16{0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SendPunchRequests(tester.Info()); err != nil {
		t.Fatal(err)
	}
	if len(sender.mainSent) != 1 || sender.mainSent[0] != e.Gateway() {
		t.Fatalf("expected exactly one punch invitation routed via the gateway, got %v", sender.mainSent)
	}
}

package dispatch

import (
	"math/rand"
	"net/netip"
	"time"

	"vntgo/internal/handshake"
	"vntgo/internal/nat"
	"vntgo/internal/punch"
	"vntgo/internal/route"
	"vntgo/internal/wire/header"
	"vntgo/internal/wire/proto"
)

// maxRelayCandidatesPerPeer caps how many shuffled p2p routes client_relay
// probes per peer lacking a fast direct path, taken from client_relay0's
// `index >= 2 { break }`.
const maxRelayCandidatesPerPeer = 2

// buildHeartbeatPayload builds the shared Control::Ping body every
// heartbeat variant carries (heartbeat_packet in the original).
func buildHeartbeatPayload(epoch uint16) []byte {
	return proto.PingPacket{TimeLow16: timeLow16(time.Now()), Epoch: epoch}.Marshal()
}

// sealGatewayPing builds and encrypts a Control::Ping frame addressed to
// the gateway (heartbeat_packet_server): gateway-flagged, sealed with the
// server cipher, carrying the current device-list epoch.
func (e *Engine) sealGatewayPing() ([]byte, error) {
	e.mu.Lock()
	self, gatewayVIP, epoch, serverCipher := e.self, e.gatewayVIP, e.epoch, e.serverCipher
	e.mu.Unlock()

	buf := make([]byte, header.HeadLen+4)
	h, err := header.View(buf)
	if err != nil {
		return nil, err
	}
	h.SetVersion(header.V1)
	h.SetGateway(true)
	h.SetProtocol(header.ProtoControl)
	h.SetTransportProtocol(byte(proto.CtrlPing))
	h.FirstSetTTL(15)
	if self.IsValid() {
		s4 := self.As4()
		h.SetSource(s4)
	}
	if gatewayVIP.IsValid() {
		g4 := gatewayVIP.As4()
		h.SetDestination(g4)
	}
	copy(h.Payload(), buildHeartbeatPayload(epoch))
	return serverCipher.Seal(h)
}

// sealPeerPing builds and encrypts a Control::Ping frame addressed to dest
// (heartbeat_packet_client): sealed with the shared peer cipher, no epoch.
func (e *Engine) sealPeerPing(dest netip.Addr) ([]byte, error) {
	e.mu.Lock()
	self, peerCipher := e.self, e.peerCipher
	e.mu.Unlock()

	buf := make([]byte, header.HeadLen+4)
	h, err := header.View(buf)
	if err != nil {
		return nil, err
	}
	h.SetVersion(header.V1)
	h.SetProtocol(header.ProtoControl)
	h.SetTransportProtocol(byte(proto.CtrlPing))
	h.FirstSetTTL(15)
	if self.IsValid() {
		s4 := self.As4()
		h.SetSource(s4)
	}
	d4 := dest.As4()
	h.SetDestination(d4)
	copy(h.Payload(), buildHeartbeatPayload(0))
	return peerCipher.Seal(h)
}

// SendHeartbeat implements heartbeat0 (spec §4.10): a gateway-bound Ping
// carrying the device-list epoch, one Ping per known route (skipping a
// second gateway ping if the gateway's own route already got one), and a
// Ping routed via the gateway for any online peer that still has no
// route at all.
func (e *Engine) SendHeartbeat() error {
	gatewayVIP := e.GatewayVIP()
	gateway := e.Gateway()

	gatewayPing, err := e.sealGatewayPing()
	if err != nil {
		return err
	}
	sentGateway := e.sender.SendMain(gatewayPing, gateway) == nil

	for _, ip := range e.routes.Peers() {
		var frame []byte
		if gatewayVIP.IsValid() && ip == gatewayVIP {
			if sentGateway {
				continue
			}
			frame = gatewayPing
		} else {
			frame, err = e.sealPeerPing(ip)
			if err != nil {
				continue
			}
		}
		for _, r := range e.routes.Snapshot(ip) {
			if r.ID != 0 {
				_ = e.sender.SendByIndex(frame, r.ID, r.Endpoint)
			} else {
				_ = e.sender.SendMain(frame, r.Endpoint)
			}
		}
	}

	for _, peer := range e.Peers() {
		if peer.Status != proto.PeerOnline {
			continue
		}
		if gatewayVIP.IsValid() && peer.IP == gatewayVIP {
			continue
		}
		if _, ok := e.routes.RouteOne(peer.IP); ok {
			continue
		}
		ping, err := e.sealPeerPing(peer.IP)
		if err != nil {
			continue
		}
		_ = e.sender.SendMain(ping, gateway)
	}
	return nil
}

// SendClientRelay implements client_relay0 (spec §4.10): for every peer
// that still lacks a fast p2p route, probe a handful of shuffled p2p
// routes to other peers as relay candidates.
func (e *Engine) SendClientRelay() error {
	self := e.Self()
	p2pRoutes := e.routes.P2PEndpoints()

	for _, peer := range e.Peers() {
		if peer.IP == self {
			continue
		}
		if r, ok := e.routes.RouteOne(peer.IP); ok && r.Kind == route.KindP2P {
			continue
		}
		probe, err := e.sealPeerPing(peer.IP)
		if err != nil {
			continue
		}
		rand.Shuffle(len(p2pRoutes), func(i, j int) { p2pRoutes[i], p2pRoutes[j] = p2pRoutes[j], p2pRoutes[i] })
		for i, candidate := range p2pRoutes {
			if i >= maxRelayCandidatesPerPeer {
				break
			}
			if candidate.IP == self {
				continue
			}
			_ = e.sender.SendByIndex(probe, candidate.Route.ID, candidate.Route.Endpoint)
		}
	}
	return nil
}

// SendAddrRequest sends a Control::AddrRequest to the gateway for
// public-port detection (spec §4.10 addr_request), gated on the engine
// being online.
func (e *Engine) SendAddrRequest() error {
	if e.Status() != handshake.StatusOnline {
		return nil
	}
	buf := make([]byte, header.HeadLen)
	h, err := header.View(buf)
	if err != nil {
		return err
	}
	h.SetVersion(header.V1)
	h.SetGateway(true)
	h.SetProtocol(header.ProtoControl)
	h.SetTransportProtocol(byte(proto.CtrlAddrRequest))
	h.FirstSetTTL(15)
	self := e.Self()
	if self.IsValid() {
		s4 := self.As4()
		h.SetSource(s4)
	}
	e.mu.Lock()
	serverCipher := e.serverCipher
	e.mu.Unlock()
	sealed, err := serverCipher.Seal(h)
	if err != nil {
		return err
	}
	return e.sendToGateway(sealed)
}

// SendClientStatus uploads a ClientStatusInfo snapshot (spec §4.10
// up_status), gated on being online with at least one p2p route.
func (e *Engine) SendClientStatus(upStream, downStream uint64, natSymmetric bool) error {
	if e.Status() != handshake.StatusOnline {
		return nil
	}
	p2p := e.routes.P2PPeers()
	if len(p2p) == 0 {
		return nil
	}
	info := proto.ClientStatusInfo{
		P2PList:          p2p,
		UpStream:         upStream,
		DownStream:       downStream,
		NatTypeSymmetric: natSymmetric,
	}
	buf := make([]byte, header.HeadLen+len(info.Marshal()))
	h, err := header.View(buf)
	if err != nil {
		return err
	}
	h.SetVersion(header.V1)
	h.SetGateway(true)
	h.SetProtocol(header.ProtoService)
	h.SetTransportProtocol(byte(proto.SvcClientStatusInfo))
	h.FirstSetTTL(15)
	self := e.Self()
	if self.IsValid() {
		s4 := self.As4()
		h.SetSource(s4)
	}
	copy(h.Payload(), info.Marshal())
	e.mu.Lock()
	serverCipher := e.serverCipher
	e.mu.Unlock()
	sealed, err := serverCipher.Seal(h)
	if err != nil {
		return err
	}
	return e.sendToGateway(sealed)
}

// Reconnect re-sends the gateway handshake/registration sequence and
// flips status back to Connecting (spec §4.10 idle_gateway): called when
// the idle detector reports the gateway's own route has gone quiet too
// long.
func (e *Engine) Reconnect() error {
	e.setStatus(handshake.StatusConnecting)
	if e.cfg.ServerEncryption {
		return e.sendToGateway(handshake.BuildHandshakeRequest(true))
	}
	return e.sendRegistrationRequest()
}

// SendPunchRequests implements punch0 (spec §4.10 punch_request): picks
// the peers this node should initiate punching with via
// punch.SelectTargets, and sends each an unreplied OtherTurn::Punch
// envelope carrying this node's own NatInfo, routed via the gateway so
// even a fully-NATed peer can receive the invitation.
func (e *Engine) SendPunchRequests(self nat.Info) error {
	selfIP := e.Self()
	targets := punch.SelectTargets(selfIP, e.Peers(), e.routes)
	if len(targets) == 0 {
		return nil
	}
	payload := proto.PunchEnvelope{Reply: false, Info: self.ToWire()}.Marshal()
	e.mu.Lock()
	peerCipher := e.peerCipher
	e.mu.Unlock()
	gateway := e.Gateway()

	for _, dest := range targets {
		buf := make([]byte, header.HeadLen+len(payload))
		h, err := header.View(buf)
		if err != nil {
			continue
		}
		h.SetVersion(header.V1)
		h.SetProtocol(header.ProtoOtherTurn)
		h.SetTransportProtocol(byte(proto.Punch))
		h.FirstSetTTL(15)
		if selfIP.IsValid() {
			s4 := selfIP.As4()
			h.SetSource(s4)
		}
		d4 := dest.As4()
		h.SetDestination(d4)
		copy(h.Payload(), payload)
		sealed, err := peerCipher.Seal(h)
		if err != nil {
			continue
		}
		_ = e.sender.SendMain(sealed, gateway)
	}
	return nil
}

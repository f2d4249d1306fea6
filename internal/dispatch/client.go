package dispatch

import (
	"net/netip"
	"time"

	"vntgo/internal/nat"
	"vntgo/internal/route"
	"vntgo/internal/transport"
	"vntgo/internal/wire/header"
	"vntgo/internal/wire/proto"
)

// handleClient implements the client handler (spec §4.8): peer-to-peer
// keepalive, NAT punching control messages, and inner-IPv4 delivery.
func (e *Engine) handleClient(h header.Header, pkt transport.Packet, source netip.Addr) error {
	e.mu.Lock()
	peerCipher := e.peerCipher
	e.mu.Unlock()

	plaintext, err := openPayload(peerCipher, h)
	if err != nil {
		return err
	}

	switch h.Protocol() {
	case header.ProtoControl:
		return e.handleClientControl(proto.Control(h.TransportProtocol()), plaintext, pkt, source)
	case header.ProtoIPTurn:
		return e.handleClientIPTurn(proto.IPTurn(h.TransportProtocol()), plaintext, source)
	case header.ProtoOtherTurn:
		return e.handleClientOtherTurn(proto.OtherTurn(h.TransportProtocol()), plaintext, pkt, source)
	default:
		return nil
	}
}

func (e *Engine) handleClientControl(sub proto.Control, plaintext []byte, pkt transport.Packet, source netip.Addr) error {
	switch sub {
	case proto.CtrlPing:
		ping, err := proto.UnmarshalPing(plaintext)
		if err != nil {
			return err
		}
		pong := proto.PongPacket{TimeLow16: ping.TimeLow16, Epoch: ping.Epoch}
		return e.replyOnSameRoute(pkt, header.ProtoControl, byte(proto.CtrlPong), pong.Marshal())

	case proto.CtrlPong:
		pong, err := proto.UnmarshalPong(plaintext)
		if err != nil {
			return err
		}
		rtt := rttFromTimeLow16(pong.TimeLow16)
		e.routes.Upsert(source, route.Route{
			Kind:     route.KindP2P,
			Metric:   1,
			RTT:      rtt,
			Endpoint: pkt.From,
			ID:       pkt.SocketIdx,
		})
		return nil

	case proto.CtrlPunchRequest:
		if e.nat != nil && e.nat.IsLocalAddress(pkt.From.Addr()) {
			return nil // skip self-address requests
		}
		return e.replyOnSameRoute(pkt, header.ProtoControl, byte(proto.CtrlPunchResponse), nil)

	case proto.CtrlPunchResponse:
		e.addRouteIfAbsent(source, route.Route{
			Kind:     route.KindP2P,
			Metric:   1,
			Endpoint: pkt.From,
			ID:       pkt.SocketIdx,
		})
		return nil

	case proto.CtrlAddrRequest:
		resp := proto.AddrResponse{PublicIP: pkt.From.Addr(), PublicPort: pkt.From.Port()}
		return e.replyOnSameRoute(pkt, header.ProtoControl, byte(proto.CtrlAddrResponse), resp.Marshal())

	default:
		return nil
	}
}

func (e *Engine) handleClientIPTurn(sub proto.IPTurn, plaintext []byte, source netip.Addr) error {
	if e.tun == nil {
		return nil
	}
	switch sub {
	case proto.Ipv4:
		return e.tun.HandleInbound(source, plaintext)
	case proto.Ipv4Broadcast:
		_, inner, err := proto.UnmarshalBroadcastExtension(plaintext)
		if err != nil {
			return err
		}
		return e.tun.HandleInbound(source, inner)
	default:
		return nil
	}
}

func (e *Engine) handleClientOtherTurn(sub proto.OtherTurn, plaintext []byte, pkt transport.Packet, source netip.Addr) error {
	if sub != proto.Punch {
		return nil
	}
	envelope, err := proto.UnmarshalPunchEnvelope(plaintext)
	if err != nil {
		return err
	}
	remote := nat.FromWire(envelope.Info)

	if !envelope.Reply {
		if e.nat != nil {
			ownReply := proto.PunchEnvelope{Reply: true, Info: e.nat.Info().ToWire()}
			if err := e.replyOnSameRoute(pkt, header.ProtoOtherTurn, byte(proto.Punch), ownReply.Marshal()); err != nil {
				return err
			}
		}
	}
	if e.punch != nil {
		return e.punch.Punch(source, buildPingProbe(), remote, 0)
	}
	return nil
}

// addRouteIfAbsent installs r only if no route of the same kind+endpoint
// already exists for ip, avoiding clobbering an rtt already measured by an
// earlier Pong with a fresh metric=1 guess (spec §4.8's
// "add_route_if_absent").
func (e *Engine) addRouteIfAbsent(ip netip.Addr, r route.Route) {
	for _, existing := range e.routes.Snapshot(ip) {
		if existing.Kind == r.Kind && existing.Endpoint == r.Endpoint {
			return
		}
	}
	e.routes.Upsert(ip, r)
}

// replyOnSameRoute sends a reply frame back out on the socket/endpoint pkt
// was observed on, as spec §4.8 requires for Pong/PunchResponse/
// AddrResponse/Punch-reply traffic.
func (e *Engine) replyOnSameRoute(pkt transport.Packet, protocol header.Protocol, subCode uint8, payload []byte) error {
	buf := make([]byte, header.HeadLen+len(payload))
	h, err := header.View(buf)
	if err != nil {
		return err
	}
	h.SetVersion(header.V1)
	h.SetProtocol(protocol)
	h.SetTransportProtocol(subCode)
	h.FirstSetTTL(15)
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self.IsValid() {
		s4 := self.As4()
		h.SetSource(s4)
	}
	copy(h.Payload(), payload)
	return e.sender.SendByIndex(buf, pkt.SocketIdx, pkt.From)
}

// buildPingProbe constructs the minimal Control::Ping frame the punch
// engine fans out toward a peer's guessed public endpoints, so a probe
// that lands correctly is recognized and answered like any other Ping.
func buildPingProbe() []byte {
	ping := proto.PingPacket{TimeLow16: timeLow16(time.Now())}
	payload := ping.Marshal()
	buf := make([]byte, header.HeadLen+len(payload))
	h, _ := header.View(buf)
	h.SetVersion(header.V1)
	h.SetProtocol(header.ProtoControl)
	h.SetTransportProtocol(byte(proto.CtrlPing))
	h.FirstSetTTL(1)
	copy(h.Payload(), payload)
	return buf
}

func timeLow16(t time.Time) uint16 {
	return uint16(t.UnixMilli())
}

// rttFromTimeLow16 approximates a round-trip time from the low 16 bits of
// milliseconds embedded in a Ping/Pong exchange, wrapping at 65536ms
// (~65s) the same way the wire format does.
func rttFromTimeLow16(sent uint16) time.Duration {
	now := timeLow16(time.Now())
	delta := now - sent
	if delta > 1<<15 {
		return 0 // implausible wrap, treat as unmeasured
	}
	return time.Duration(delta) * time.Millisecond
}

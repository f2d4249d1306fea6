// Package dispatch implements the overlay's receive-side packet
// classifier (spec §4.8): every inbound frame is ttl-checked, folded into
// the route table's read-freshness tracking, then routed to the server
// handler (gateway traffic), the client handler (peer traffic), or
// forwarded untouched as a transit packet. Grounded on the teacher's
// per-transport packet handler pair (routing/{server_routing,
// client_routing}/routing/*/{service_packet_handler,transport_handler}.go),
// generalized from one fixed wire format to the overlay's header+protocol
// dispatch table.
package dispatch

import (
	"crypto/rsa"
	"net/netip"
	"sync"
	"time"

	"vntgo/internal/cipher"
	"vntgo/internal/cipher/rsakex"
	"vntgo/internal/handshake"
	"vntgo/internal/logging"
	"vntgo/internal/nat"
	"vntgo/internal/punch"
	"vntgo/internal/route"
	"vntgo/internal/telemetry"
	"vntgo/internal/transport"
	"vntgo/internal/wire/header"
	"vntgo/internal/wire/proto"
)

// TunSink receives a decrypted inner IPv4 datagram destined for this host
// (spec §4.9's receive path owns ICMP-echo reflection and ip-proxy
// rewrites; dispatch only classifies and delegates).
type TunSink interface {
	HandleInbound(src netip.Addr, payload []byte) error
}

// Callbacks lets the caller observe state transitions the server handler
// makes without dispatch depending on any particular UI or CLI package.
type Callbacks struct {
	OnStatus     func(handshake.Status)
	OnDeviceList func(proto.DeviceList)
	OnError      func(error)
}

// Engine is the overlay's stateful packet dispatcher: one per client
// session, shared across every receive goroutine.
type Engine struct {
	logger    logging.Logger
	routes    *route.Table
	nat       *nat.Tester
	telemetry *telemetry.Collector
	sender    transport.Sender
	tun       TunSink
	punch     *punch.Engine
	cfg       handshake.Config
	gateway   netip.AddrPort // connect_server transport address
	callbacks Callbacks

	mu             sync.Mutex
	serverCipher   cipher.Cipher // mutable: upgraded once the RSA secret handshake lands
	peerCipher     cipher.Cipher // shared network-wide p2p cipher
	self           netip.Addr
	gatewayVIP     netip.Addr
	netmask        netip.Addr
	broadcastIP    netip.Addr
	status         handshake.Status
	epoch          uint16
	rsaPub         *rsa.PublicKey
	sessionKey     []byte
	lastNoKeyUp    time.Time
	peers          []proto.PeerDeviceInfo

	channel             *transport.Channel // optional: drives socket-pool mode switches
	symmetricChannelNum int
}

// NewEngine wires an Engine from its collaborators. serverCipher starts as
// whatever the caller negotiated out of band (often cipher.ModelNone until
// the RSA bootstrap upgrades it); peerCipher is the token-derived cipher
// used for all p2p/client traffic.
func NewEngine(
	logger logging.Logger,
	routes *route.Table,
	natTester *nat.Tester,
	collector *telemetry.Collector,
	sender transport.Sender,
	tun TunSink,
	punchEngine *punch.Engine,
	serverCipher, peerCipher cipher.Cipher,
	cfg handshake.Config,
	gatewayAddr netip.AddrPort,
	callbacks Callbacks,
) *Engine {
	if logger == nil {
		logger = logging.Discard{}
	}
	return &Engine{
		logger:       logger,
		routes:       routes,
		nat:          natTester,
		telemetry:    collector,
		sender:       sender,
		tun:          tun,
		punch:        punchEngine,
		serverCipher: serverCipher,
		peerCipher:   peerCipher,
		cfg:          cfg,
		gateway:      gatewayAddr,
		callbacks:    callbacks,
		status:       handshake.StatusConnecting,
	}
}

// EnableTransportMode wires the UDP channel whose socket pool this engine
// grows and shrinks on NAT classification changes (spec §4.4): ch.SetMode
// tracks the current posture, and up to symmetricChannelNum extra sockets
// are opened on entering Symmetric and closed on returning to Cone. Until
// called, NAT transitions are observed but never acted on.
func (e *Engine) EnableTransportMode(ch *transport.Channel, symmetricChannelNum int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channel = ch
	e.symmetricChannelNum = symmetricChannelNum
}

// syncTransportMode reacts to a NAT classification change by growing or
// shrinking the wired channel's socket pool (spec §4.4). A no-op until
// EnableTransportMode has installed a channel.
func (e *Engine) syncTransportMode(nt proto.NatType) {
	e.mu.Lock()
	ch := e.channel
	n := e.symmetricChannelNum
	e.mu.Unlock()
	if ch == nil {
		return
	}
	switch nt {
	case proto.Symmetric:
		if ch.Mode() == transport.ModeSymmetric {
			return
		}
		ch.SetMode(transport.ModeSymmetric)
		for i := 0; i < n; i++ {
			if _, err := ch.AddSocket(); err != nil {
				e.logger.Printf("dispatch: opening symmetric-NAT socket %d/%d: %v", i+1, n, err)
				break
			}
		}
	case proto.Cone:
		if ch.Mode() == transport.ModeCone {
			return
		}
		ch.SetMode(transport.ModeCone)
		if err := ch.CloseExtraSockets(); err != nil {
			e.logger.Printf("dispatch: closing symmetric-NAT sockets: %v", err)
		}
	}
}

// SetSelf installs the virtual addressing a successful registration
// assigned (spec §4.8 RegistrationResponse transition).
func (e *Engine) SetSelf(self, gatewayVIP, netmask, broadcast netip.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.self = self
	e.gatewayVIP = gatewayVIP
	e.netmask = netmask
	e.broadcastIP = broadcast
}

// Status reports the engine's current connection status.
func (e *Engine) Status() handshake.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Self returns the virtual IP this node was assigned, or the zero Addr
// before registration completes.
func (e *Engine) Self() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Gateway returns the registrar's transport address, for maintenance
// tasks that need to address it directly (spec §4.10).
func (e *Engine) Gateway() netip.AddrPort {
	return e.gateway
}

// Epoch returns the last device-list epoch this node has accepted.
func (e *Engine) Epoch() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// GatewayVIP returns the registrar's virtual IP, used by maintenance tasks
// to tell gateway-bound traffic apart from ordinary peer traffic.
func (e *Engine) GatewayVIP() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gatewayVIP
}

// Peers returns the most recently accepted device list, for maintenance
// tasks that need to iterate every known peer (spec §4.10 heartbeat/
// client_relay).
func (e *Engine) Peers() []proto.PeerDeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]proto.PeerDeviceInfo(nil), e.peers...)
}

func (e *Engine) setStatus(s handshake.Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
	if e.callbacks.OnStatus != nil {
		e.callbacks.OnStatus(s)
	}
}

// Dispatch processes one inbound frame (spec §4.8 steps 1-5): accounts for
// it, validates its ttl, refreshes the source's route freshness, then
// classifies it as server/client/transit traffic.
func (e *Engine) Dispatch(pkt transport.Packet) error {
	if e.telemetry != nil {
		e.telemetry.AddDownBytes(uint64(len(pkt.Data)))
	}

	h, err := header.View(pkt.Data)
	if err != nil {
		return err
	}
	if h.TTL() == 0 || h.SourceTTL() < h.TTL() {
		return nil // silently dropped, spec §4.8 step 2
	}

	src4 := h.Source()
	source := netip.AddrFrom4(src4)
	e.routes.UpdateReadTime(source)

	dest4 := h.Destination()
	destination := netip.AddrFrom4(dest4)

	if e.isLocalDestination(destination) {
		if h.IsGateway() {
			return e.handleServer(h, pkt, source)
		}
		return e.handleClient(h, pkt, source)
	}
	return e.forwardTransit(h, pkt, destination)
}

// isLocalDestination reports whether destination addresses this node
// directly: self, the unspecified address, multicast, or the overlay's
// broadcast address (spec §4.8 step 4).
func (e *Engine) isLocalDestination(destination netip.Addr) bool {
	e.mu.Lock()
	self, broadcast := e.self, e.broadcastIP
	e.mu.Unlock()

	if destination.IsUnspecified() || destination.IsMulticast() {
		return true
	}
	if self.IsValid() && destination == self {
		return true
	}
	if broadcast.IsValid() && destination == broadcast {
		return true
	}
	return false
}

// forwardTransit decrements ttl and forwards unmodified to the best known
// route whose metric budget can still absorb the hop (spec §4.8 step 5).
func (e *Engine) forwardTransit(h header.Header, pkt transport.Packet, destination netip.Addr) error {
	if h.TTL() == 0 {
		return nil
	}
	h.DecrementTTL()
	if h.TTL() == 0 {
		return nil
	}
	r, ok := e.routes.RouteOne(destination)
	if !ok || r.Metric > int(h.TTL()) {
		return nil // no viable route within budget, drop
	}
	if r.ID != 0 {
		return e.sender.SendByIndex(pkt.Data, r.ID, r.Endpoint)
	}
	return e.sender.SendMain(pkt.Data, r.Endpoint)
}

// openPayload decrypts h's payload with c if the frame is encrypted,
// returning a slice of the plaintext.
func openPayload(c cipher.Cipher, h header.Header) ([]byte, error) {
	if !h.IsEncrypted() {
		return h.Payload(), nil
	}
	n, err := c.Open(h)
	if err != nil {
		return nil, err
	}
	return h.Payload()[:n], nil
}

// wrapSessionKey builds the RSA-wrapped key for a SecretHandshakeRequest,
// binding it to the frame's fixed head tag (spec §4.2).
func wrapSessionKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsakex.WrapKey(pub, key, handshake.SecretHandshakeHeadTag())
}

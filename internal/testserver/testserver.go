// Package testserver is a minimal in-repo registrar double: just enough
// of the registrar's wire behavior (registration, keepalive Ping/Pong,
// device-list poll/push, and last-resort transit relay) for the overlay
// engine's scenario tests to run against a real UDP peer instead of a
// hand-assembled byte stream. It is not a production registrar — there is
// no persistence, no admin surface, and no concurrent-registrar fleet;
// it exists to drive the client state machine the way
// _examples/original_source/vnt/src/handle/registrar.rs's
// connect_server loop drives it.
package testserver

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"vntgo/internal/wire/header"
	"vntgo/internal/wire/proto"
)

// record tracks one registered device's assignment and last-seen endpoint.
type record struct {
	deviceID     string
	name         string
	virtualIP    netip.Addr
	endpoint     netip.AddrPort
	clientSecret bool
}

// Server is a single-goroutine registrar double bound to one UDP socket.
type Server struct {
	conn    *net.UDPConn
	network netip.Prefix
	gateway netip.Addr
	netmask netip.Addr

	mu          sync.Mutex
	nextHost    int
	byDeviceID  map[string]*record
	byVirtualIP map[netip.Addr]*record
	epoch       uint16
	rejectToken string
}

// New binds a UDP socket on an ephemeral port and prepares a registrar
// for the given virtual network (e.g. 10.0.0.0/24); host .1 is reserved
// as the virtual gateway, matching spec §8 S1's example assignment.
func New(network netip.Prefix) (*Server, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	base := network.Masked().Addr()
	return &Server{
		conn:        conn,
		network:     network,
		gateway:     addOffset(base, 1),
		netmask:     prefixNetmask(network),
		nextHost:    2,
		byDeviceID:  make(map[string]*record),
		byVirtualIP: make(map[netip.Addr]*record),
	}, nil
}

// Addr returns the socket's bound address, for clients to dial.
func (s *Server) Addr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// RejectToken makes every future registration carrying token respond with
// a TokenError instead of succeeding, for exercising the client's error
// classification path.
func (s *Server) RejectToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectToken = token
}

// BumpEpoch advances the device-list epoch a registered client will see
// mismatch on its next Pong (spec §8 S6).
func (s *Server) BumpEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// Close releases the underlying socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve runs the receive loop until ctx is cancelled or the socket fails.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		pkt := append([]byte(nil), buf[:n]...)
		s.handle(pkt, from)
	}
}

func (s *Server) handle(buf []byte, from netip.AddrPort) {
	h, err := header.View(buf)
	if err != nil {
		return
	}
	if h.IsGateway() {
		s.handleGatewayFrame(h, from)
		return
	}
	s.relayTransit(h, buf)
}

func (s *Server) handleGatewayFrame(h header.Header, from netip.AddrPort) {
	switch h.Protocol() {
	case header.ProtoService:
		s.handleService(proto.Service(h.TransportProtocol()), h.Payload(), from)
	case header.ProtoControl:
		s.handleControl(proto.Control(h.TransportProtocol()), h.Payload(), from)
	}
}

func (s *Server) handleService(sub proto.Service, payload []byte, from netip.AddrPort) {
	switch sub {
	case proto.SvcRegistrationRequest:
		s.handleRegistration(payload, from)
	case proto.SvcPollDeviceList:
		s.sendDeviceList(from)
	}
}

func (s *Server) handleControl(sub proto.Control, payload []byte, from netip.AddrPort) {
	if sub != proto.CtrlPing {
		return
	}
	ping, err := proto.UnmarshalPing(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	pong := proto.PongPacket{TimeLow16: ping.TimeLow16, Epoch: epoch}
	s.send(gatewayFrame(header.ProtoControl, byte(proto.CtrlPong), pong.Marshal()), from)
}

func (s *Server) handleRegistration(payload []byte, from netip.AddrPort) {
	req, err := proto.UnmarshalRegistrationRequest(payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.rejectToken != "" && req.Token == s.rejectToken {
		s.mu.Unlock()
		s.send(gatewayFrame(header.ProtoError, byte(proto.TokenError), nil), from)
		return
	}

	rec, ok := s.byDeviceID[req.DeviceID]
	if !ok {
		ip := s.assignIP(req.DesiredIP)
		rec = &record{deviceID: req.DeviceID, virtualIP: ip}
		s.byDeviceID[req.DeviceID] = rec
		s.byVirtualIP[ip] = rec
		s.epoch++
	}
	rec.name = req.Name
	rec.endpoint = from
	rec.clientSecret = req.ClientSecret

	list := s.deviceListLocked(rec.virtualIP)
	epoch := s.epoch
	netmask := s.netmask
	gateway := s.gateway
	s.mu.Unlock()

	resp := proto.RegistrationResponse{
		VirtualIP:      rec.virtualIP,
		VirtualGateway: gateway,
		VirtualNetmask: netmask,
		PublicIP:       from.Addr(),
		PublicPort:     from.Port(),
		Epoch:          epoch,
		DeviceInfoList: list,
	}
	body, err := resp.Marshal()
	if err != nil {
		return
	}
	s.send(gatewayFrame(header.ProtoService, byte(proto.SvcRegistrationResponse), body), from)
}

// assignIP honors desired when it is inside the network and unused,
// otherwise hands out the next free host address.
func (s *Server) assignIP(desired netip.Addr) netip.Addr {
	if desired.IsValid() && s.network.Contains(desired) {
		if _, taken := s.byVirtualIP[desired]; !taken {
			return desired
		}
	}
	for {
		ip := addOffset(s.network.Masked().Addr(), s.nextHost)
		s.nextHost++
		if !s.network.Contains(ip) {
			return ip // out of addresses; caller gets an address outside the network as a visible failure signal
		}
		if _, taken := s.byVirtualIP[ip]; !taken {
			return ip
		}
	}
}

func (s *Server) sendDeviceList(from netip.AddrPort) {
	s.mu.Lock()
	var self netip.Addr
	for _, rec := range s.byDeviceID {
		if rec.endpoint == from {
			self = rec.virtualIP
			break
		}
	}
	list := s.deviceListLocked(self)
	s.mu.Unlock()

	body, err := list.Marshal()
	if err != nil {
		return
	}
	s.send(gatewayFrame(header.ProtoService, byte(proto.SvcPushDeviceList), body), from)
}

// deviceListLocked builds the roster every registered peer but self sees;
// caller must hold s.mu.
func (s *Server) deviceListLocked(self netip.Addr) proto.DeviceList {
	peers := make([]proto.PeerDeviceInfo, 0, len(s.byVirtualIP))
	for ip, rec := range s.byVirtualIP {
		if ip == self {
			continue
		}
		peers = append(peers, proto.PeerDeviceInfo{
			IP:           rec.virtualIP,
			Name:         rec.name,
			Status:       proto.PeerOnline,
			ClientSecret: rec.clientSecret,
		})
	}
	return proto.DeviceList{Epoch: s.epoch, Peers: peers}
}

// relayTransit forwards a frame not addressed to the registrar itself to
// its destination's last known endpoint, decrementing ttl exactly as
// dispatch.Engine.forwardTransit does client-side (spec §8 S4: the
// registrar is the last-resort path when no p2p route exists).
func (s *Server) relayTransit(h header.Header, buf []byte) {
	if h.TTL() == 0 {
		return
	}
	h.DecrementTTL()
	if h.TTL() == 0 {
		return
	}
	dest := netip.AddrFrom4(h.Destination())
	s.mu.Lock()
	rec, ok := s.byVirtualIP[dest]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.send(buf, rec.endpoint)
}

func (s *Server) send(buf []byte, to netip.AddrPort) {
	_, _ = s.conn.WriteToUDPAddrPort(buf, to)
}

// gatewayFrame builds an unencrypted frame addressed as the registrar
// sends it: source/destination left at the unspecified placeholder the
// client also uses before it owns a virtual IP (handshake.buildGatewayFrame
// mirrors this on the client side).
func gatewayFrame(protocol header.Protocol, subCode uint8, payload []byte) []byte {
	buf := make([]byte, header.HeadLen+len(payload))
	h, err := header.View(buf)
	if err != nil {
		panic(err)
	}
	h.SetVersion(header.V1)
	h.SetGateway(true)
	h.SetProtocol(protocol)
	h.SetTransportProtocol(subCode)
	h.FirstSetTTL(15)
	copy(h.Payload(), payload)
	return buf
}

func addOffset(base netip.Addr, n int) netip.Addr {
	b4 := base.As4()
	v := uint32(b4[0])<<24 | uint32(b4[1])<<16 | uint32(b4[2])<<8 | uint32(b4[3])
	v += uint32(n)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func prefixNetmask(p netip.Prefix) netip.Addr {
	bits := p.Bits()
	var m uint32
	if bits > 0 {
		m = ^uint32(0) << (32 - bits)
	}
	return netip.AddrFrom4([4]byte{byte(m >> 24), byte(m >> 16), byte(m >> 8), byte(m)})
}

package dispatch

import (
	"crypto/rand"
	"net/netip"
	"time"

	"vntgo/internal/cipher"
	"vntgo/internal/cipher/rsakex"
	"vntgo/internal/handshake"
	"vntgo/internal/transport"
	"vntgo/internal/wire/header"
	"vntgo/internal/wire/proto"
)

// noKeyUploadInterval rate-limits the NoKey re-upload trigger to once per
// second (spec §4.8's "Error::NoKey ... rate-limited 1/s").
const noKeyUploadInterval = time.Second

// handleServer implements the server handler's state machine (spec §4.8):
// the gateway handshake/registration sequence, device-list pushes, error
// classification, and gateway keepalive accounting.
func (e *Engine) handleServer(h header.Header, pkt transport.Packet, source netip.Addr) error {
	e.mu.Lock()
	serverCipher := e.serverCipher
	e.mu.Unlock()

	plaintext, err := openPayload(serverCipher, h)
	if err != nil {
		return err
	}

	switch h.Protocol() {
	case header.ProtoService:
		return e.handleServerService(proto.Service(h.TransportProtocol()), plaintext)
	case header.ProtoError:
		return e.handleServerError(proto.Error(h.TransportProtocol()))
	case header.ProtoControl:
		return e.handleServerControl(proto.Control(h.TransportProtocol()), plaintext)
	default:
		return nil
	}
}

func (e *Engine) handleServerService(sub proto.Service, plaintext []byte) error {
	switch sub {
	case proto.SvcHandshakeResponse:
		return e.onHandshakeResponse(plaintext)
	case proto.SvcSecretHandshakeResponse:
		return e.onSecretHandshakeResponse(plaintext)
	case proto.SvcRegistrationResponse:
		return e.onRegistrationResponse(plaintext)
	case proto.SvcPushDeviceList:
		return e.onPushDeviceList(plaintext)
	default:
		return nil
	}
}

func (e *Engine) onHandshakeResponse(plaintext []byte) error {
	resp, err := proto.UnmarshalHandshakeResponse(plaintext)
	if err != nil {
		return err
	}
	if !e.cfg.ServerEncryption {
		return e.sendRegistrationRequest()
	}
	pub, err := rsakex.ParsePublicKeyDER(resp.RSAPublicKeyDER)
	if err != nil {
		return err
	}
	if len(resp.Fingerprint) > 0 && !rsakex.VerifyFingerprint(resp.RSAPublicKeyDER, resp.Fingerprint) {
		return rsakex.ErrFingerMismatch
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	wrapped, err := wrapSessionKey(pub, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rsaPub = pub
	e.sessionKey = key
	e.mu.Unlock()

	return e.sendToGateway(handshake.BuildSecretHandshakeRequest(wrapped))
}

func (e *Engine) onSecretHandshakeResponse(plaintext []byte) error {
	resp, err := proto.UnmarshalSecretHandshakeResponse(plaintext)
	if err != nil {
		return err
	}
	if resp.Accepted {
		e.mu.Lock()
		key := e.sessionKey
		e.mu.Unlock()
		if c, cerr := cipher.New(cipher.ModelAesGcm, key, e.cfg.Token); cerr == nil {
			e.mu.Lock()
			e.serverCipher = c
			e.mu.Unlock()
		}
	}
	return e.sendRegistrationRequest()
}

func (e *Engine) sendRegistrationRequest() error {
	e.mu.Lock()
	serverCipher := e.serverCipher
	e.mu.Unlock()
	buf, err := handshake.BuildRegistrationRequest(serverCipher, e.cfg)
	if err != nil {
		return err
	}
	return e.sendToGateway(buf)
}

func (e *Engine) onRegistrationResponse(plaintext []byte) error {
	resp, err := proto.UnmarshalRegistrationResponse(plaintext)
	if err != nil {
		return err
	}
	broadcast := broadcastAddr(resp.VirtualIP, resp.VirtualNetmask)
	e.SetSelf(resp.VirtualIP, resp.VirtualGateway, resp.VirtualNetmask, broadcast)
	e.mu.Lock()
	e.epoch = resp.DeviceInfoList.Epoch
	e.peers = resp.DeviceInfoList.Peers
	e.mu.Unlock()
	e.setStatus(handshake.StatusOnline)
	if e.callbacks.OnDeviceList != nil {
		e.callbacks.OnDeviceList(resp.DeviceInfoList)
	}
	return nil
}

func (e *Engine) onPushDeviceList(plaintext []byte) error {
	list, err := proto.UnmarshalDeviceList(plaintext)
	if err != nil {
		return err
	}
	e.mu.Lock()
	accept := list.Epoch == e.epoch || proto.EpochNewer(e.epoch, list.Epoch)
	if accept {
		e.epoch = list.Epoch
		e.peers = list.Peers
	}
	e.mu.Unlock()
	if !accept {
		return nil
	}
	if e.callbacks.OnDeviceList != nil {
		e.callbacks.OnDeviceList(list)
	}
	return nil
}

func (e *Engine) handleServerError(code proto.Error) error {
	switch code {
	case proto.NoKey:
		e.mu.Lock()
		due := time.Since(e.lastNoKeyUp) >= noKeyUploadInterval
		if due {
			e.lastNoKeyUp = time.Now()
		}
		pub := e.rsaPub
		key := e.sessionKey
		e.mu.Unlock()
		if !due || pub == nil || key == nil {
			return nil
		}
		wrapped, err := wrapSessionKey(pub, key)
		if err != nil {
			return err
		}
		return e.sendToGateway(handshake.BuildSecretHandshakeRequest(wrapped))
	case proto.TokenError, proto.IpAlreadyExists:
		if e.callbacks.OnError != nil {
			e.callbacks.OnError(classifyErr(code))
		}
		return nil // engine stops retrying; caller decides what's next
	default:
		if e.callbacks.OnError != nil {
			e.callbacks.OnError(classifyErr(code))
		}
		e.setStatus(handshake.StatusConnecting)
		return nil
	}
}

func classifyErr(code proto.Error) error {
	switch code {
	case proto.TokenError:
		return handshake.ErrTokenError
	case proto.Disconnect:
		return handshake.ErrDisconnect
	case proto.AddressExhausted:
		return handshake.ErrAddressExhausted
	case proto.IpAlreadyExists:
		return handshake.ErrIPAlreadyExists
	case proto.InvalidIp:
		return handshake.ErrInvalidIP
	default:
		return handshake.ErrUnexpectedPayload
	}
}

func (e *Engine) handleServerControl(sub proto.Control, plaintext []byte) error {
	switch sub {
	case proto.CtrlPong:
		pong, err := proto.UnmarshalPong(plaintext)
		if err != nil {
			return err
		}
		e.mu.Lock()
		localEpoch := e.epoch
		e.mu.Unlock()
		if pong.Epoch != localEpoch {
			return e.sendToGateway(buildPollDeviceList())
		}
		return nil
	case proto.CtrlAddrResponse:
		resp, err := proto.UnmarshalAddrResponse(plaintext)
		if err != nil {
			return err
		}
		if e.nat != nil {
			before := e.nat.Info().NatType
			e.nat.Observe(0, netip.AddrPortFrom(resp.PublicIP, resp.PublicPort))
			if after := e.nat.Info().NatType; after != before {
				e.syncTransportMode(after)
			}
		}
		return nil
	default:
		return nil
	}
}

func (e *Engine) sendToGateway(buf []byte) error {
	return e.sender.SendMain(buf, e.gateway)
}

func buildPollDeviceList() []byte {
	buf := make([]byte, header.HeadLen)
	h, _ := header.View(buf)
	h.SetVersion(header.V1)
	h.SetGateway(true)
	h.SetProtocol(header.ProtoService)
	h.SetTransportProtocol(byte(proto.SvcPollDeviceList))
	h.FirstSetTTL(15)
	return buf
}

// broadcastAddr derives the IPv4 network broadcast address from a virtual
// address and netmask (host bits all set).
func broadcastAddr(ip, mask netip.Addr) netip.Addr {
	if !ip.Is4() || !mask.Is4() {
		return netip.Addr{}
	}
	ip4, mask4 := ip.As4(), mask.As4()
	var out [4]byte
	for i := range out {
		out[i] = ip4[i] | ^mask4[i]
	}
	return netip.AddrFrom4(out)
}

// Package handshake implements the overlay's client-side gateway
// handshake and registration state machine (spec §3.6, §4.2, §8 S1):
// the optional RSA server-key exchange, the registration request/response
// exchange with its 500ms/10-attempt retry, and the Connecting/Online
// status transitions driven by registration success and gateway loss.
// Grounded on original_source/vnt/src/handle/{handshaker,registrar,
// registration_handler}.rs.
package handshake

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"vntgo/internal/cipher"
	"vntgo/internal/transport"
	"vntgo/internal/wire/header"
	"vntgo/internal/wire/proto"
)

// RegisterRetryInterval/RegisterMaxAttempts mirror
// registration_handler.rs's registration() retry loop (300ms UDP timeout
// in the original; widened slightly here to 500ms/10 attempts per the
// overlay's own registration budget, spec §8 S1).
const (
	RegisterRetryInterval = 500 * time.Millisecond
	RegisterMaxAttempts   = 10
)

// Status mirrors CurrentDeviceInfo.status (spec §3.2).
type Status uint8

const (
	StatusConnecting Status = iota
	StatusOnline
)

// Config is the registration request's stable fields (spec §8 S1).
type Config struct {
	Token            string
	DeviceID         string
	Name             string
	DesiredIP        netip.Addr // zero = let the registrar choose
	AllowIPChange    bool
	ClientSecret     bool
	ServerEncryption bool // opt into the RSA key-bootstrap handshake
}

// DeviceState is the client's current registration outcome (spec §3.2
// CurrentDeviceInfo), mutated atomically on registration, gateway
// reconnect, and status change.
type DeviceState struct {
	VirtualIP      netip.Addr
	VirtualGateway netip.Addr
	VirtualNetmask netip.Addr
	ConnectServer  netip.AddrPort
	Status         Status
}

var (
	ErrTokenError        = errors.New("handshake: token rejected")
	ErrDisconnect        = errors.New("handshake: server disconnected")
	ErrAddressExhausted  = errors.New("handshake: no addresses remain in the virtual network")
	ErrIPAlreadyExists   = errors.New("handshake: requested virtual ip already in use")
	ErrInvalidIP         = errors.New("handshake: requested virtual ip is invalid")
	ErrTimeout           = errors.New("handshake: registration timed out")
	ErrUnexpectedPayload = errors.New("handshake: unexpected or malformed response")
)

// classifyError maps a received Error-protocol sub-code (spec §3.1
// ProtoError) to its sentinel, mirroring registration_handler.rs's
// InErrorPacket match.
func classifyError(code proto.Error) error {
	switch code {
	case proto.TokenError:
		return ErrTokenError
	case proto.Disconnect:
		return ErrDisconnect
	case proto.AddressExhausted:
		return ErrAddressExhausted
	case proto.IpAlreadyExists:
		return ErrIPAlreadyExists
	case proto.InvalidIp:
		return ErrInvalidIP
	case proto.NoKey:
		return cipher.ErrNoKey
	default:
		return ErrUnexpectedPayload
	}
}

// placeholderIP is used for the source/destination fields of frames sent
// before a virtual IP has been assigned (handshake and the first
// registration attempt): the gateway bit routes these directly to
// connect_server rather than through virtual addressing.
var placeholderIP = netip.IPv4Unspecified()

func buildGatewayFrame(protocol header.Protocol, subCode uint8, payload []byte) []byte {
	buf := make([]byte, header.HeadLen+len(payload))
	h, err := header.View(buf)
	if err != nil {
		panic(err) // buf is always >= HeadLen by construction
	}
	h.SetVersion(header.V1)
	h.SetGateway(true)
	h.SetProtocol(protocol)
	h.SetTransportProtocol(subCode)
	h.FirstSetTTL(15)
	placeholder4 := placeholderIP.As4()
	h.SetSource(placeholder4)
	h.SetDestination(placeholder4)
	copy(h.Payload(), payload)
	return buf
}

// BuildHandshakeRequest opens the optional server-key exchange (spec
// §4.2). Sent unencrypted and un-gated on any cipher, same as
// handshaker.rs's handshake_request_packet.
func BuildHandshakeRequest(wantsServerEncryption bool) []byte {
	payload := proto.HandshakeRequest{WantsServerEncryption: wantsServerEncryption}.Marshal()
	return buildGatewayFrame(header.ProtoService, byte(proto.SvcHandshakeRequest), payload)
}

// BuildSecretHandshakeRequest sends the client's RSA-wrapped symmetric key
// once HandshakeResponse has supplied the registrar's public key.
func BuildSecretHandshakeRequest(wrappedKey []byte) []byte {
	payload := proto.SecretHandshakeRequest{WrappedKey: wrappedKey}.Marshal()
	return buildGatewayFrame(header.ProtoService, byte(proto.SvcSecretHandshakeRequest), payload)
}

// SecretHandshakeHeadTag returns the head tag a SecretHandshakeRequest frame
// will carry, letting a caller bind rsakex.WrapKey's ciphertext to it before
// the wrapped key (and hence the frame itself) exists. Every
// SecretHandshakeRequest frame shares the same fixed header fields
// regardless of payload, so this tag always matches the one
// BuildSecretHandshakeRequest's returned frame will have.
func SecretHandshakeHeadTag() [header.HeadLen]byte {
	frame := buildGatewayFrame(header.ProtoService, byte(proto.SvcSecretHandshakeRequest), nil)
	h, err := header.View(frame)
	if err != nil {
		panic(err) // frame is always HeadLen bytes here
	}
	return h.HeadTag()
}

// BuildRegistrationRequest builds and, unless serverCipher is the None
// model, encrypts the join message (spec §8 S1).
func BuildRegistrationRequest(serverCipher cipher.Cipher, cfg Config) ([]byte, error) {
	payload := proto.RegistrationRequest{
		Token:        cfg.Token,
		DeviceID:     cfg.DeviceID,
		Name:         cfg.Name,
		DesiredIP:    cfg.DesiredIP,
		ClientSecret: cfg.ClientSecret,
	}.Marshal()
	buf := buildGatewayFrame(header.ProtoService, byte(proto.SvcRegistrationRequest), payload)
	h, err := header.View(buf)
	if err != nil {
		return nil, err
	}
	return serverCipher.Seal(h)
}

// ParseResponse decodes a frame received from the registrar, returning
// either a RegistrationResponse or HandshakeResponse body (identified by
// the returned subCode), or the classified error if the frame carries an
// Error protocol.
func ParseResponse(serverCipher cipher.Cipher, buf []byte) (proto.Service, []byte, error) {
	h, err := header.View(buf)
	if err != nil {
		return 0, nil, err
	}
	plaintext := h.Payload()
	if h.IsEncrypted() {
		n, err := serverCipher.Open(h)
		if err != nil {
			return 0, nil, err
		}
		plaintext = plaintext[:n]
	}
	switch h.Protocol() {
	case header.ProtoService:
		return proto.Service(h.TransportProtocol()), plaintext, nil
	case header.ProtoError:
		return 0, nil, classifyError(proto.Error(h.TransportProtocol()))
	default:
		return 0, nil, ErrUnexpectedPayload
	}
}

// Register runs registration_handler.rs's registration() retry loop:
// send, wait up to RegisterRetryInterval for a reply from serverAddr, and
// retry up to RegisterMaxAttempts times before giving up with ErrTimeout.
func Register(
	ctx context.Context,
	sender transport.Sender,
	recv <-chan transport.Packet,
	serverAddr netip.AddrPort,
	serverCipher cipher.Cipher,
	cfg Config,
) (proto.RegistrationResponse, error) {
	request, err := BuildRegistrationRequest(serverCipher, cfg)
	if err != nil {
		return proto.RegistrationResponse{}, err
	}

	for attempt := 0; attempt < RegisterMaxAttempts; attempt++ {
		if err := sender.SendMain(request, serverAddr); err != nil {
			return proto.RegistrationResponse{}, err
		}

		deadline := time.NewTimer(RegisterRetryInterval)
		for {
			select {
			case <-ctx.Done():
				deadline.Stop()
				return proto.RegistrationResponse{}, ctx.Err()
			case pkt := <-recv:
				if pkt.From != serverAddr {
					continue
				}
				deadline.Stop()
				subCode, payload, err := ParseResponse(serverCipher, pkt.Data)
				if err != nil {
					return proto.RegistrationResponse{}, err
				}
				if subCode != proto.SvcRegistrationResponse {
					return proto.RegistrationResponse{}, ErrUnexpectedPayload
				}
				return proto.UnmarshalRegistrationResponse(payload)
			case <-deadline.C:
				goto nextAttempt
			}
		}
	nextAttempt:
	}
	return proto.RegistrationResponse{}, ErrTimeout
}

package proto

import (
	"encoding/binary"
	"net/netip"
)

// RegistrationRequest is the client's join message (spec §3.6, §8 S1).
type RegistrationRequest struct {
	Token        string
	DeviceID     string
	Name         string
	DesiredIP    netip.Addr // zero Addr = let the registrar choose
	ClientSecret bool
}

func (r RegistrationRequest) Marshal() []byte {
	size := 2 + len(r.Token) + 2 + len(r.DeviceID) + 2 + len(r.Name) + 4 + 1
	buf := make([]byte, size)
	off := putString(buf, 0, r.Token)
	off = putString(buf, off, r.DeviceID)
	off = putString(buf, off, r.Name)
	if r.DesiredIP.Is4() {
		ip4 := r.DesiredIP.As4()
		copy(buf[off:off+4], ip4[:])
	}
	off += 4
	if r.ClientSecret {
		buf[off] = 1
	}
	return buf
}

func UnmarshalRegistrationRequest(buf []byte) (RegistrationRequest, error) {
	var r RegistrationRequest
	var off int
	var err error
	if r.Token, off, err = getString(buf, 0); err != nil {
		return r, err
	}
	if r.DeviceID, off, err = getString(buf, off); err != nil {
		return r, err
	}
	if r.Name, off, err = getString(buf, off); err != nil {
		return r, err
	}
	if off+5 > len(buf) {
		return r, ErrShortBuffer
	}
	var ip4 [4]byte
	copy(ip4[:], buf[off:off+4])
	r.DesiredIP = netip.AddrFrom4(ip4)
	off += 4
	r.ClientSecret = buf[off] != 0
	return r, nil
}

// RegistrationResponse completes registration (spec §8 S1).
type RegistrationResponse struct {
	VirtualIP      netip.Addr
	VirtualGateway netip.Addr
	VirtualNetmask netip.Addr
	PublicIP       netip.Addr
	PublicPort     uint16
	Epoch          uint16
	DeviceInfoList DeviceList
}

func (r RegistrationResponse) Marshal() ([]byte, error) {
	dl, err := r.DeviceInfoList.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4*4+2+2+len(dl))
	off := 0
	for _, ip := range []netip.Addr{r.VirtualIP, r.VirtualGateway, r.VirtualNetmask, r.PublicIP} {
		a4 := ip.As4()
		copy(buf[off:off+4], a4[:])
		off += 4
	}
	binary.BigEndian.PutUint16(buf[off:off+2], r.PublicPort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], r.Epoch)
	off += 2
	copy(buf[off:], dl)
	return buf, nil
}

func UnmarshalRegistrationResponse(buf []byte) (RegistrationResponse, error) {
	var r RegistrationResponse
	if len(buf) < 20 {
		return r, ErrShortBuffer
	}
	ips := make([]netip.Addr, 4)
	off := 0
	for i := range ips {
		var a4 [4]byte
		copy(a4[:], buf[off:off+4])
		ips[i] = netip.AddrFrom4(a4)
		off += 4
	}
	r.VirtualIP, r.VirtualGateway, r.VirtualNetmask, r.PublicIP = ips[0], ips[1], ips[2], ips[3]
	r.PublicPort = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	r.Epoch = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	dl, err := UnmarshalDeviceList(buf[off:])
	if err != nil {
		return r, err
	}
	r.DeviceInfoList = dl
	return r, nil
}

// HandshakeRequest opens the §4.2 optional server-key exchange.
type HandshakeRequest struct {
	WantsServerEncryption bool
}

func (h HandshakeRequest) Marshal() []byte {
	if h.WantsServerEncryption {
		return []byte{1}
	}
	return []byte{0}
}

func UnmarshalHandshakeRequest(buf []byte) (HandshakeRequest, error) {
	if len(buf) < 1 {
		return HandshakeRequest{}, ErrShortBuffer
	}
	return HandshakeRequest{WantsServerEncryption: buf[0] != 0}, nil
}

// HandshakeResponse carries the server's RSA public key (DER) and its
// base64-independent raw fingerprint hash (spec §4.2); fingerprint is
// compared by the caller, not encoded as base64 on the wire.
type HandshakeResponse struct {
	RSAPublicKeyDER []byte
	Fingerprint     []byte
}

func (h HandshakeResponse) Marshal() []byte {
	buf := make([]byte, 2+len(h.RSAPublicKeyDER)+2+len(h.Fingerprint))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(h.RSAPublicKeyDER)))
	off := 2
	copy(buf[off:off+len(h.RSAPublicKeyDER)], h.RSAPublicKeyDER)
	off += len(h.RSAPublicKeyDER)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(h.Fingerprint)))
	off += 2
	copy(buf[off:], h.Fingerprint)
	return buf
}

func UnmarshalHandshakeResponse(buf []byte) (HandshakeResponse, error) {
	if len(buf) < 2 {
		return HandshakeResponse{}, ErrShortBuffer
	}
	kl := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	if off+kl+2 > len(buf) {
		return HandshakeResponse{}, ErrShortBuffer
	}
	key := append([]byte(nil), buf[off:off+kl]...)
	off += kl
	fl := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+fl > len(buf) {
		return HandshakeResponse{}, ErrShortBuffer
	}
	finger := append([]byte(nil), buf[off:off+fl]...)
	return HandshakeResponse{RSAPublicKeyDER: key, Fingerprint: finger}, nil
}

// SecretHandshakeRequest carries the client's random AES-256 key, RSA-wrapped.
type SecretHandshakeRequest struct {
	WrappedKey []byte
}

func (s SecretHandshakeRequest) Marshal() []byte {
	return append([]byte(nil), s.WrappedKey...)
}

func UnmarshalSecretHandshakeRequest(buf []byte) SecretHandshakeRequest {
	return SecretHandshakeRequest{WrappedKey: append([]byte(nil), buf...)}
}

// SecretHandshakeResponse acknowledges that the server installed the
// client's AES-256 key; Accepted is false if the server rejected the key
// (e.g. malformed RSA padding) and the client must fall back to header-only
// encryption.
type SecretHandshakeResponse struct {
	Accepted bool
}

func (s SecretHandshakeResponse) Marshal() []byte {
	if s.Accepted {
		return []byte{1}
	}
	return []byte{0}
}

func UnmarshalSecretHandshakeResponse(buf []byte) (SecretHandshakeResponse, error) {
	if len(buf) < 1 {
		return SecretHandshakeResponse{}, ErrShortBuffer
	}
	return SecretHandshakeResponse{Accepted: buf[0] != 0}, nil
}

// ClientStatusInfo is the periodic status upload (spec §4.10 up_status).
type ClientStatusInfo struct {
	P2PList          []netip.Addr
	UpStream         uint64
	DownStream       uint64
	NatTypeSymmetric bool
}

func (c ClientStatusInfo) Marshal() []byte {
	buf := make([]byte, 2+4*len(c.P2PList)+8+8+1)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(c.P2PList)))
	off := 2
	for _, ip := range c.P2PList {
		a4 := ip.As4()
		copy(buf[off:off+4], a4[:])
		off += 4
	}
	binary.BigEndian.PutUint64(buf[off:off+8], c.UpStream)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], c.DownStream)
	off += 8
	if c.NatTypeSymmetric {
		buf[off] = 1
	}
	return buf
}

func putString(buf []byte, off int, s string) int {
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(s)))
	off += 2
	copy(buf[off:off+len(s)], s)
	return off + len(s)
}

func getString(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", off, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+n > len(buf) {
		return "", off, ErrShortBuffer
	}
	return string(buf[off : off+n]), off + n, nil
}

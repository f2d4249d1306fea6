// Package header implements the fixed 12-byte overlay frame header (spec §3.1, §4.1):
//
//	byte 0 : E S X X V V V V   (E=encrypted, S=gateway, V=version nibble)
//	byte 1 : protocol
//	byte 2 : transport_protocol
//	byte 3 : SSSS TTTT         (source_ttl high nibble, ttl low nibble)
//	bytes 4..8  : source virtual IPv4
//	bytes 8..12 : destination virtual IPv4
//	bytes 12..  : payload
//
// All operations are zero-copy: they read/write fields of a caller-owned
// buffer in place. Mutators never allocate.
package header

import (
	"encoding/binary"
	"errors"
)

// HeadLen is the fixed header size in bytes (spec §9 normalizes prior
// mixed 12 / 4+8 constants to this single name).
const HeadLen = 12

// MaxTotalLen is the largest total frame length the overlay will ever
// produce, bounded by UDP's own header/footer overhead (spec §3.1).
const MaxTotalLen = 65535 - 20 - 8

const (
	flagEncrypted byte = 1 << 7
	flagGateway   byte = 1 << 6
	flagExtension byte = 1 << 5
	versionMask   byte = 0x0F
)

var (
	ErrShortBuffer    = errors.New("header: buffer shorter than header")
	ErrOverlongBuffer = errors.New("header: buffer exceeds max overlay length")
	ErrBadLength      = errors.New("header: inconsistent length")
)

// Protocol is the byte-1 top-level packet class.
type Protocol uint8

const (
	ProtoService Protocol = iota + 1
	ProtoError
	ProtoControl
	ProtoIPTurn
	ProtoOtherTurn
)

// Version is the 4-bit version nibble carried in byte 0.
type Version uint8

const V1 Version = 1

// Header is a view over a caller-owned buffer's first HeadLen bytes.
// It does not own memory and is safe to construct repeatedly over the
// same backing array.
type Header struct {
	buf []byte
}

// View wraps buf (which must be at least HeadLen bytes) for reading and
// writing header fields in place.
func View(buf []byte) (Header, error) {
	if len(buf) < HeadLen {
		return Header{}, ErrShortBuffer
	}
	if len(buf) > MaxTotalLen {
		return Header{}, ErrOverlongBuffer
	}
	return Header{buf: buf}, nil
}

func (h Header) IsEncrypted() bool { return h.buf[0]&flagEncrypted != 0 }
func (h Header) IsGateway() bool   { return h.buf[0]&flagGateway != 0 }
func (h Header) HasExtension() bool { return h.buf[0]&flagExtension != 0 }
func (h Header) Version() Version  { return Version(h.buf[0] & versionMask) }

func (h Header) SetEncrypted(v bool) { setFlag(h.buf, flagEncrypted, v) }
func (h Header) SetGateway(v bool)   { setFlag(h.buf, flagGateway, v) }
func (h Header) SetExtension(v bool) { setFlag(h.buf, flagExtension, v) }
func (h Header) SetVersion(v Version) {
	h.buf[0] = (h.buf[0] &^ versionMask) | (byte(v) & versionMask)
}

func setFlag(buf []byte, mask byte, v bool) {
	if v {
		buf[0] |= mask
	} else {
		buf[0] &^= mask
	}
}

func (h Header) Protocol() Protocol        { return Protocol(h.buf[1]) }
func (h Header) SetProtocol(p Protocol)    { h.buf[1] = byte(p) }
func (h Header) TransportProtocol() uint8  { return h.buf[2] }
func (h Header) SetTransportProtocol(t uint8) { h.buf[2] = t }

// TTL is the remaining hop budget; SourceTTL is the value it started at.
func (h Header) TTL() uint8       { return h.buf[3] & 0x0F }
func (h Header) SourceTTL() uint8 { return h.buf[3] >> 4 }

func (h Header) SetTTL(ttl uint8) {
	h.buf[3] = (h.buf[3] & 0xF0) | (ttl & 0x0F)
}

func (h Header) SetSourceTTL(ttl uint8) {
	h.buf[3] = (ttl << 4) | (h.buf[3] & 0x0F)
}

// FirstSetTTL sets both the source and current TTL to the same value, as
// done once by the packet's originator.
func (h Header) FirstSetTTL(ttl uint8) {
	h.buf[3] = (ttl << 4) | (ttl & 0x0F)
}

// DecrementTTL lowers TTL by one. It does not check for underflow; callers
// must check TTL() > 0 first (spec invariant: ttl==0 never leaves the node).
func (h Header) DecrementTTL() {
	h.buf[3]--
}

func (h Header) Source() [4]byte      { return [4]byte(h.buf[4:8]) }
func (h Header) Destination() [4]byte { return [4]byte(h.buf[8:12]) }

func (h Header) SetSource(ip [4]byte)      { copy(h.buf[4:8], ip[:]) }
func (h Header) SetDestination(ip [4]byte) { copy(h.buf[8:12], ip[:]) }

// Payload returns the mutable slice after the header.
func (h Header) Payload() []byte { return h.buf[HeadLen:] }

// Raw returns the full backing buffer, header included.
func (h Header) Raw() []byte { return h.buf }

// HeadTag extracts the 12-byte value used to seed cipher AAD/nonces (spec
// §4.1, §4.2): source, destination, protocol, transport_protocol, the
// gateway bit, and source_ttl packed into a fixed-size array so it can be
// used without allocating.
func (h Header) HeadTag() [HeadLen]byte {
	var tag [HeadLen]byte
	copy(tag[0:4], h.buf[4:8])
	copy(tag[4:8], h.buf[8:12])
	tag[8] = byte(h.Protocol())
	tag[9] = h.TransportProtocol()
	gw := byte(0)
	if h.IsGateway() {
		gw = 1
	}
	tag[10] = gw
	tag[11] = h.SourceTTL()
	return tag
}

// ValidateLength checks the length invariant from spec §8.1: total length
// accounts for header, payload and the space beyond it. It takes no
// header, so it does not check the ttl <= source_ttl ordering.
func ValidateLength(totalLen, headerLen, payloadLen, tailLen int) error {
	if headerLen+payloadLen+tailLen != totalLen {
		return ErrBadLength
	}
	return nil
}

// PutUint16/GetUint16 are small helpers kept alongside the header codec so
// extension records (compression, broadcast fan-out lists) can be encoded
// without reaching for encoding/binary at every call site.
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func GetUint16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }

package proto

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// ErrTruncatedBroadcastExtension is returned when a frame claims a
// BroadcastExtension prefix but is too short to hold the peer list its
// own count field declares.
var ErrTruncatedBroadcastExtension = errors.New("proto: truncated broadcast extension")

// BroadcastExtension is the variable-length record an Ipv4Broadcast frame
// carries ahead of its raw inner IPv4 datagram when some peers were
// already served a direct p2p copy (spec §4.9 step 4): it lists those
// peers so the registrar's fan-out skips them. This is unrelated to the
// header's single extension bit/compression record (spec §4.1): that one
// is a fixed 4-byte trailing record reserved for compression, while this
// is a variable-length prefix living inside the Ipv4Broadcast payload
// itself, sized the same way every other proto message in this package is.
type BroadcastExtension struct {
	Served []netip.Addr
}

// Marshal encodes the extension as [count:u16][ip:4]*count.
func (b BroadcastExtension) Marshal() []byte {
	out := make([]byte, 2+4*len(b.Served))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(b.Served)))
	for i, ip := range b.Served {
		a4 := ip.As4()
		copy(out[2+4*i:2+4*i+4], a4[:])
	}
	return out
}

// UnmarshalBroadcastExtension parses the leading BroadcastExtension off
// buf and returns it alongside the remaining bytes (the raw inner IPv4
// datagram).
func UnmarshalBroadcastExtension(buf []byte) (BroadcastExtension, []byte, error) {
	if len(buf) < 2 {
		return BroadcastExtension{}, nil, ErrTruncatedBroadcastExtension
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	end := 2 + 4*count
	if len(buf) < end {
		return BroadcastExtension{}, nil, ErrTruncatedBroadcastExtension
	}
	served := make([]netip.Addr, count)
	for i := 0; i < count; i++ {
		off := 2 + 4*i
		served[i] = netip.AddrFrom4([4]byte(buf[off : off+4]))
	}
	return BroadcastExtension{Served: served}, buf[end:], nil
}

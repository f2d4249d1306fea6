package proto

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

var ErrShortBuffer = errors.New("proto: short buffer")

// PeerStatus mirrors spec §3.7's PeerDeviceInfo.status.
type PeerStatus uint8

const (
	PeerOnline PeerStatus = iota
	PeerOffline
)

// PeerDeviceInfo is one entry of a DeviceList (spec §3.7).
type PeerDeviceInfo struct {
	IP           netip.Addr
	Name         string
	Status       PeerStatus
	ClientSecret bool
}

// DeviceList is the epoch-tagged peer roster pushed by the registrar
// (spec §3.7). Epoch is owned by the server; the client only compares it.
type DeviceList struct {
	Epoch uint16
	Peers []PeerDeviceInfo
}

// EpochNewer reports whether next is a newer epoch than cur, treating the
// counter as wrapping mod 2^16 with a reject window of 2^14 (spec §9 open
// question: epoch arithmetic is specified here as mod-2^16 with a
// 2^14 reject window, resolving the mixed u32/u16 arithmetic seen in the
// original source).
func EpochNewer(cur, next uint16) bool {
	delta := next - cur
	return delta != 0 && delta < (1<<14)
}

// Marshal encodes a DeviceList as: epoch(2) | count(2) | repeated { ip(4) name_len(1) name ctrl(1) }.
// ctrl bit0 = status offline, bit1 = client_secret.
func (d DeviceList) Marshal() ([]byte, error) {
	size := 4
	for _, p := range d.Peers {
		size += 4 + 1 + len(p.Name) + 1
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], d.Epoch)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(d.Peers)))
	off := 4
	for _, p := range d.Peers {
		ip4 := p.IP.As4()
		copy(buf[off:off+4], ip4[:])
		off += 4
		if len(p.Name) > 255 {
			return nil, errors.New("proto: peer name too long")
		}
		buf[off] = byte(len(p.Name))
		off++
		copy(buf[off:off+len(p.Name)], p.Name)
		off += len(p.Name)
		var ctrl byte
		if p.Status == PeerOffline {
			ctrl |= 1
		}
		if p.ClientSecret {
			ctrl |= 2
		}
		buf[off] = ctrl
		off++
	}
	return buf, nil
}

// UnmarshalDeviceList parses the wire layout produced by Marshal.
func UnmarshalDeviceList(buf []byte) (DeviceList, error) {
	if len(buf) < 4 {
		return DeviceList{}, ErrShortBuffer
	}
	d := DeviceList{Epoch: binary.BigEndian.Uint16(buf[0:2])}
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	off := 4
	peers := make([]PeerDeviceInfo, 0, n)
	for i := 0; i < n; i++ {
		if off+5 > len(buf) {
			return DeviceList{}, ErrShortBuffer
		}
		var ip4 [4]byte
		copy(ip4[:], buf[off:off+4])
		off += 4
		nameLen := int(buf[off])
		off++
		if off+nameLen+1 > len(buf) {
			return DeviceList{}, ErrShortBuffer
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		ctrl := buf[off]
		off++
		peers = append(peers, PeerDeviceInfo{
			IP:           netip.AddrFrom4(ip4),
			Name:         name,
			Status:       PeerStatus(ctrl & 1),
			ClientSecret: ctrl&2 != 0,
		})
	}
	d.Peers = peers
	return d, nil
}

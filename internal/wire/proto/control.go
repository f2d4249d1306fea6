package proto

import (
	"encoding/binary"
	"net/netip"
)

// PingPacket/PongPacket carry the low 16 bits of a clock plus the sender's
// epoch view, used for rtt measurement and epoch-mismatch detection
// (spec §4.8, §8 S2/S6).
type PingPacket struct {
	TimeLow16 uint16
	Epoch     uint16
}

func (p PingPacket) Marshal() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], p.TimeLow16)
	binary.BigEndian.PutUint16(buf[2:4], p.Epoch)
	return buf
}

func UnmarshalPing(buf []byte) (PingPacket, error) {
	if len(buf) < 4 {
		return PingPacket{}, ErrShortBuffer
	}
	return PingPacket{
		TimeLow16: binary.BigEndian.Uint16(buf[0:2]),
		Epoch:     binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// PongPacket echoes PingPacket's TimeLow16 so the sender can compute rtt.
type PongPacket = PingPacket

func UnmarshalPong(buf []byte) (PongPacket, error) { return UnmarshalPing(buf) }

// AddrRequest has no payload; AddrResponse carries the requester's
// observed public address (UDP only, spec §4.10 addr_request).
type AddrResponse struct {
	PublicIP   netip.Addr
	PublicPort uint16
}

func (a AddrResponse) Marshal() []byte {
	buf := make([]byte, 6)
	a4 := a.PublicIP.As4()
	copy(buf[0:4], a4[:])
	binary.BigEndian.PutUint16(buf[4:6], a.PublicPort)
	return buf
}

func UnmarshalAddrResponse(buf []byte) (AddrResponse, error) {
	if len(buf) < 6 {
		return AddrResponse{}, ErrShortBuffer
	}
	var a4 [4]byte
	copy(a4[:], buf[0:4])
	return AddrResponse{
		PublicIP:   netip.AddrFrom4(a4),
		PublicPort: binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}

// NatType mirrors spec §3.5.
type NatType uint8

const (
	Cone NatType = iota
	Symmetric
)

// NatInfo is exchanged during punching (spec §3.5, §4.7, OtherTurn::Punch).
type NatInfo struct {
	PublicIPs       []netip.Addr
	PublicPorts     []uint16
	PublicPortRange uint16
	LocalIPv4       netip.Addr
	IPv6            netip.Addr
	UDPPorts        []uint16
	TCPPort         uint16
	PublicTCPPort   uint16
	NatType         NatType
}

// PunchEnvelope wraps a NatInfo with the reply bit described in spec §4.8's
// OtherTurn::Punch handler.
type PunchEnvelope struct {
	Reply bool
	Info  NatInfo
}

func (p PunchEnvelope) Marshal() []byte {
	info := p.Info
	size := 1 + 2 + 4*len(info.PublicIPs) + 2 + 2*len(info.PublicPorts) + 2 + 4 + 16 + 2 + 2*len(info.UDPPorts) + 2 + 2 + 1
	buf := make([]byte, size)
	off := 0
	if p.Reply {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(info.PublicIPs)))
	off += 2
	for _, ip := range info.PublicIPs {
		a4 := ip.As4()
		copy(buf[off:off+4], a4[:])
		off += 4
	}
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(info.PublicPorts)))
	off += 2
	for _, p := range info.PublicPorts {
		binary.BigEndian.PutUint16(buf[off:off+2], p)
		off += 2
	}
	binary.BigEndian.PutUint16(buf[off:off+2], info.PublicPortRange)
	off += 2
	localA4 := info.LocalIPv4.As4()
	copy(buf[off:off+4], localA4[:])
	off += 4
	if info.IPv6.Is6() {
		v6 := info.IPv6.As16()
		copy(buf[off:off+16], v6[:])
	}
	off += 16
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(info.UDPPorts)))
	off += 2
	for _, p := range info.UDPPorts {
		binary.BigEndian.PutUint16(buf[off:off+2], p)
		off += 2
	}
	binary.BigEndian.PutUint16(buf[off:off+2], info.TCPPort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], info.PublicTCPPort)
	off += 2
	buf[off] = byte(info.NatType)
	return buf
}

func UnmarshalPunchEnvelope(buf []byte) (PunchEnvelope, error) {
	var p PunchEnvelope
	if len(buf) < 1 {
		return p, ErrShortBuffer
	}
	p.Reply = buf[0] != 0
	off := 1
	readU16 := func() (uint16, error) {
		if off+2 > len(buf) {
			return 0, ErrShortBuffer
		}
		v := binary.BigEndian.Uint16(buf[off : off+2])
		off += 2
		return v, nil
	}
	readIP := func() (netip.Addr, error) {
		if off+4 > len(buf) {
			return netip.Addr{}, ErrShortBuffer
		}
		var a4 [4]byte
		copy(a4[:], buf[off:off+4])
		off += 4
		return netip.AddrFrom4(a4), nil
	}
	readIP6 := func() (netip.Addr, error) {
		if off+16 > len(buf) {
			return netip.Addr{}, ErrShortBuffer
		}
		var a16 [16]byte
		copy(a16[:], buf[off:off+16])
		off += 16
		addr := netip.AddrFrom16(a16)
		if addr.IsUnspecified() {
			return netip.Addr{}, nil
		}
		return addr, nil
	}
	n, err := readU16()
	if err != nil {
		return p, err
	}
	ips := make([]netip.Addr, n)
	for i := range ips {
		if ips[i], err = readIP(); err != nil {
			return p, err
		}
	}
	n, err = readU16()
	if err != nil {
		return p, err
	}
	ports := make([]uint16, n)
	for i := range ports {
		if ports[i], err = readU16(); err != nil {
			return p, err
		}
	}
	rangeV, err := readU16()
	if err != nil {
		return p, err
	}
	localIP, err := readIP()
	if err != nil {
		return p, err
	}
	ipv6, err := readIP6()
	if err != nil {
		return p, err
	}
	n, err = readU16()
	if err != nil {
		return p, err
	}
	udpPorts := make([]uint16, n)
	for i := range udpPorts {
		if udpPorts[i], err = readU16(); err != nil {
			return p, err
		}
	}
	tcpPort, err := readU16()
	if err != nil {
		return p, err
	}
	pubTCPPort, err := readU16()
	if err != nil {
		return p, err
	}
	if off+1 > len(buf) {
		return p, ErrShortBuffer
	}
	p.Info = NatInfo{
		PublicIPs:       ips,
		PublicPorts:     ports,
		PublicPortRange: rangeV,
		LocalIPv4:       localIP,
		IPv6:            ipv6,
		UDPPorts:        udpPorts,
		TCPPort:         tcpPort,
		PublicTCPPort:   pubTCPPort,
		NatType:         NatType(buf[off]),
	}
	return p, nil
}

// Package transport implements the overlay's channel abstraction (spec
// §3.3, §4.4): one primary UDP socket, additional UDP sockets opened for
// symmetric-NAT port-prediction fan-out, and an optional TCP/WebSocket
// tunnel to the registrar used when UDP is blocked outright. Grounded on
// the teacher's infrastructure/network adapters (udp/adapters,
// framing.TCPFramingAdapter, ws/adapters) and its mode-switching style.
package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
)

// Mode mirrors the overlay's NAT-driven transport posture (spec §3.5):
// Cone keeps a single stable main socket; Symmetric fans sends out across
// a pool of sockets to enable destination-port prediction; Close means the
// transport is shutting down and sends should stop.
type Mode uint8

const (
	ModeCone Mode = iota
	ModeSymmetric
	ModeClose
)

var (
	ErrClosed     = errors.New("transport: channel closed")
	ErrNoMainConn = errors.New("transport: no main connection configured")
)

// Packet is a received datagram plus the endpoint it came from and which
// socket index observed it (0 is always the main socket).
type Packet struct {
	Data      []byte
	From      netip.AddrPort
	SocketIdx int
}

// Sender is the minimal surface dispatch/punch/scheduler need to emit
// frames without depending on the full Channel type.
type Sender interface {
	SendMain(b []byte, to netip.AddrPort) error
	SendAll(b []byte, to netip.AddrPort) error
	SendByIndex(b []byte, idx int, to netip.AddrPort) error
}

// Channel owns the overlay's UDP socket pool and optional TCP/WS tunnel to
// the registrar. All sockets share one receive fan-in via Recv.
type Channel struct {
	mu      sync.RWMutex
	mode    Mode
	conns   []*net.UDPConn
	tunnel  *Tunnel
	recvCh  chan Packet
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewChannel binds the main UDP socket on localAddr (":0" for an ephemeral
// port) and returns a Channel with just that socket; AddSocket grows the
// pool for symmetric-NAT prediction.
func NewChannel(localAddr string) (*Channel, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		mode:    ModeCone,
		conns:   []*net.UDPConn{conn},
		recvCh:  make(chan Packet, 256),
		closeCh: make(chan struct{}),
	}
	c.spawnReceiver(0, conn)
	return c, nil
}

// AddSocket opens an additional UDP socket (spec §4.7 symmetric NAT
// port-prediction fan-out) and returns its index.
func (c *Channel) AddSocket() (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	idx := len(c.conns)
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	c.spawnReceiver(idx, conn)
	return idx, nil
}

// CloseExtraSockets shuts down every socket opened by AddSocket beyond the
// main socket (index 0), used when the channel transitions back to Cone
// mode (spec §4.4). The main socket and its receiver are left running.
func (c *Channel) CloseExtraSockets() error {
	c.mu.Lock()
	if len(c.conns) <= 1 {
		c.mu.Unlock()
		return nil
	}
	extra := append([]*net.UDPConn(nil), c.conns[1:]...)
	c.conns = c.conns[:1]
	c.mu.Unlock()

	var firstErr error
	for _, conn := range extra {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetTunnel installs the optional TCP/WebSocket tunnel used for service
// traffic when UDP is blocked (spec §3.3). Pass nil to remove it.
func (c *Channel) SetTunnel(t *Tunnel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tunnel = t
}

// SetMode records the channel's NAT posture. The send methods do not
// consult it: dispatch reads Mode only to skip a repeated socket-pool
// switch, and punch picks its fan-out from the NAT tester.
func (c *Channel) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *Channel) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Recv returns the channel's inbound packet stream, shared across all UDP
// sockets. Frames arriving on an installed tunnel are not delivered here;
// they are read with Tunnel.Read.
func (c *Channel) Recv() <-chan Packet { return c.recvCh }

func (c *Channel) spawnReceiver(idx int, conn *net.UDPConn) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				select {
				case <-c.closeCh:
					return
				default:
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case c.recvCh <- Packet{Data: data, From: from, SocketIdx: idx}:
			case <-c.closeCh:
				return
			}
		}
	}()
}

// SendMain sends on the primary (index 0) UDP socket.
func (c *Channel) SendMain(b []byte, to netip.AddrPort) error {
	return c.SendByIndex(b, 0, to)
}

// SendByIndex sends on the socket at idx.
func (c *Channel) SendByIndex(b []byte, idx int, to netip.AddrPort) error {
	c.mu.RLock()
	if idx < 0 || idx >= len(c.conns) {
		c.mu.RUnlock()
		return ErrNoMainConn
	}
	conn := c.conns[idx]
	c.mu.RUnlock()
	_, err := conn.WriteToUDPAddrPort(b, to)
	return err
}

// SendAll fans b out across every socket in the pool, used for symmetric
// NAT punching where the destination port is predicted per-socket (spec
// §4.7). Returns the first error encountered, but still attempts every
// socket.
func (c *Channel) SendAll(b []byte, to netip.AddrPort) error {
	c.mu.RLock()
	conns := append([]*net.UDPConn(nil), c.conns...)
	c.mu.RUnlock()
	var firstErr error
	for _, conn := range conns {
		if _, err := conn.WriteToUDPAddrPort(b, to); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TrySendAllMain attempts SendMain and ignores the error, used by
// best-effort periodic tasks (heartbeat, idle probes) that must not block
// the scheduler on a transient send failure.
func (c *Channel) TrySendAllMain(b []byte, to netip.AddrPort) {
	_ = c.SendMain(b, to)
}

// SendTunnel writes b (a full frame) to the TCP/WS tunnel, if installed.
func (c *Channel) SendTunnel(ctx context.Context, b []byte) error {
	c.mu.RLock()
	t := c.tunnel
	c.mu.RUnlock()
	if t == nil {
		return ErrNoMainConn
	}
	return t.Write(ctx, b)
}

// Close shuts every socket and the tunnel down and stops all receivers.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.mode = ModeClose
	close(c.closeCh)
	conns := c.conns
	t := c.tunnel
	c.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t != nil {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.wg.Wait()
	return firstErr
}

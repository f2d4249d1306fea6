package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/coder/websocket"
)

// Tunnel is the overlay's fallback service channel when UDP is unusable
// (spec §3.3): either a raw TCP connection with 4-byte length-prefix
// framing, or a WebSocket connection carrying whole frames per message.
type Tunnel struct {
	tcp    net.Conn
	ws     *websocket.Conn
	lenBuf [4]byte
}

// NewTCPTunnel wraps an already-dialed TCP connection with length-prefix
// framing (grounded on framing.TCPFramingAdapter: a 4-byte big-endian
// length prefix ahead of every frame, so the reader never needs to guess a
// boundary).
func NewTCPTunnel(conn net.Conn) *Tunnel {
	return &Tunnel{tcp: conn}
}

// NewWSTunnel wraps a dialed WebSocket connection (grounded on
// ws/adapters.WSConn: one binary message per frame, no extra framing
// needed since WebSocket already preserves message boundaries).
func NewWSTunnel(conn *websocket.Conn) *Tunnel {
	return &Tunnel{ws: conn}
}

// Write sends one full frame (header + payload) over the tunnel.
func (t *Tunnel) Write(ctx context.Context, frame []byte) error {
	if t.ws != nil {
		return t.ws.Write(ctx, websocket.MessageBinary, frame)
	}
	binary.BigEndian.PutUint32(t.lenBuf[:], uint32(len(frame)))
	if _, err := t.tcp.Write(t.lenBuf[:]); err != nil {
		return fmt.Errorf("tunnel: write length prefix: %w", err)
	}
	if _, err := t.tcp.Write(frame); err != nil {
		return fmt.Errorf("tunnel: write frame: %w", err)
	}
	return nil
}

// Read reads one full frame into buf, returning the number of bytes read.
func (t *Tunnel) Read(ctx context.Context, buf []byte) (int, error) {
	if t.ws != nil {
		_, data, err := t.ws.Read(ctx)
		if err != nil {
			return 0, err
		}
		if len(data) > len(buf) {
			return 0, io.ErrShortBuffer
		}
		return copy(buf, data), nil
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(t.tcp, lenBuf[:]); err != nil {
		return 0, fmt.Errorf("tunnel: read length prefix: %w", err)
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n > len(buf) {
		return 0, io.ErrShortBuffer
	}
	if _, err := io.ReadFull(t.tcp, buf[:n]); err != nil {
		return 0, fmt.Errorf("tunnel: read frame: %w", err)
	}
	return n, nil
}

// Close closes the underlying connection.
func (t *Tunnel) Close() error {
	if t.ws != nil {
		return t.ws.Close(websocket.StatusNormalClosure, "closing")
	}
	return t.tcp.Close()
}

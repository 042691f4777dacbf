// Package transport wraps the raw WebSocket connection behind small Socket
// and Dialer interfaces so the protocol clients can be exercised against
// in-memory fakes. The production implementation is built on gobwas/ws, the
// same library the provider uses server-side.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Socket is a single bidirectional text-frame connection.
type Socket interface {
	// Send writes one UTF-8 text frame. It fails on transport errors.
	Send(text string) error

	// Receive blocks until the next inbound text frame arrives. It returns
	// an error when the remote closes the connection, when the local side
	// closes it, or on a read failure.
	Receive() (string, error)

	// Close sends a close frame with the given status code and tears down
	// the connection. Safe to call more than once.
	Close(code int) error
}

// Dialer opens Sockets. The zero-value WSDialer is the production dialer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WSDialer dials real WebSocket connections using gobwas/ws.
type WSDialer struct{}

// Dial opens a WebSocket connection to the given ws:// or wss:// URL. The
// context bounds the handshake only; the returned Socket has no deadline.
func (WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &wsSocket{conn: conn}, nil
}

// wsSocket adapts a net.Conn produced by ws.Dial to the Socket interface.
// The write mutex serializes outbound frames so concurrent senders do not
// interleave frame bytes.
type wsSocket struct {
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsSocket) Send(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(s.conn, ws.OpText, []byte(text)); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (s *wsSocket) Receive() (string, error) {
	data, err := wsutil.ReadServerText(s.conn)
	if err != nil {
		return "", fmt.Errorf("transport: receive: %w", err)
	}
	return string(data), nil
}

// Close sends a close frame with the given status code, then closes the
// underlying connection. Closing also unblocks any Receive in progress.
func (s *wsSocket) Close(code int) error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), ""))
		frame = ws.MaskFrameInPlace(frame)
		_ = ws.WriteFrame(s.conn, frame)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// WebSocket close status codes used by the clients.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseProtocolErr = 1002
)

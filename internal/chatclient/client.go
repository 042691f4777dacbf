// Package chatclient implements the long-lived authenticated session with the
// provider: the auth handshake, inbound envelope dispatch, and the outbound
// queue with per-message acknowledgment retry.
//
// A Client is created once and reused across reconnects; each Connect call
// first tears down any prior session. All mutable session state (the socket
// reference, the pending-message map, the connection state, and the single
// handshake slot) is owned by the Client and serialized through one mutex so
// the dispatch loop, retry timers, and callers observe a consistent picture.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beacon/chatlink/internal/metrics"
	"github.com/beacon/chatlink/internal/protocol"
	"github.com/beacon/chatlink/internal/transport"
)

// Config holds tunable parameters for the session client.
type Config struct {
	BaseURL       string        // provider base URL (http(s) or ws(s))
	DeviceID      string        // paired device id (uuid)
	RetryInterval time.Duration // resend interval for unacknowledged messages
	ChannelBuffer int           // capacity of the published sequences
}

// DefaultConfig returns a Config with production defaults. BaseURL and
// DeviceID must still be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		RetryInterval: 5 * time.Second,
		ChannelBuffer: 64,
	}
}

// pendingMessage is one unacknowledged outbound message. The payload is the
// exact serialized frame first queued; retransmissions resend these bytes
// untouched so the server's content-hash dedup sees identical retries.
type pendingMessage struct {
	id      string
	payload []byte
	timer   *retryTimer
}

// handshake is the single outstanding "waiting for auth_result" slot. It is
// created fresh per Connect and resolved exactly once, from one of three
// places: receipt of auth_result, receipt of a connection-fatal error frame,
// or socket closure.
type handshake struct {
	ch      chan error // buffered 1
	done    bool
	info    *AuthInfo
	started time.Time
}

// Client owns one authenticated socket's lifecycle. The zero value is not
// usable; create clients with New.
type Client struct {
	config Config
	dialer transport.Dialer

	mu        sync.Mutex
	sock      transport.Socket
	pending   map[string]*pendingMessage
	status    Status
	handshake *handshake
	gen       uint64 // bumped on every connect/teardown to fence stale loops

	messages chan protocol.ServerChatMsg
	states   chan State
	events   chan MessageError
	typing   chan protocol.ServerTypingMsg
}

// New creates a session client. A nil dialer selects the production
// WebSocket dialer.
func New(dialer transport.Dialer, config Config) *Client {
	if dialer == nil {
		dialer = transport.WSDialer{}
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.ChannelBuffer <= 0 {
		config.ChannelBuffer = 64
	}
	return &Client{
		config:   config,
		dialer:   dialer,
		pending:  make(map[string]*pendingMessage),
		messages: make(chan protocol.ServerChatMsg, config.ChannelBuffer),
		states:   make(chan State, config.ChannelBuffer),
		events:   make(chan MessageError, config.ChannelBuffer),
		typing:   make(chan protocol.ServerTypingMsg, config.ChannelBuffer),
	}
}

// Messages is the inbound chat sequence, in arrival order. The client is a
// transparent relay: replayed and live messages arrive interleaved exactly as
// the provider sends them.
func (c *Client) Messages() <-chan protocol.ServerChatMsg { return c.messages }

// States is the published connection-state sequence.
func (c *Client) States() <-chan State { return c.states }

// Events is the per-message failure sequence (errors carrying a messageId).
func (c *Client) Events() <-chan MessageError { return c.events }

// Typing relays remote typing indicators.
func (c *Client) Typing() <-chan protocol.ServerTypingMsg { return c.typing }

// ---------------------------------------------------------------------------
// Connect / Disconnect
// ---------------------------------------------------------------------------

// Connect tears down any prior session, opens a socket to the provider, and
// runs the auth handshake. lastMessageID, when non-empty, asks the provider
// to replay everything after that id. Connect returns once auth_result
// resolves the handshake; the context bounds the whole attempt (the protocol
// itself imposes no handshake timeout).
func (c *Client) Connect(ctx context.Context, token, lastMessageID string) (*AuthInfo, error) {
	c.Disconnect()

	wsURL, err := transport.ResolveWebSocketURL(c.config.BaseURL)
	if err != nil {
		return nil, err
	}

	sock, err := c.dialer.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("chatclient: connect: %w", err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.sock = sock
	c.pending = make(map[string]*pendingMessage)
	hs := &handshake{ch: make(chan error, 1), started: time.Now()}
	c.handshake = hs
	c.publishStateLocked(State{Status: StatusConnecting})
	c.mu.Unlock()

	go c.dispatchLoop(sock, gen)

	auth, err := protocol.NewClientMessage(protocol.TypeAuth, protocol.AuthMsg{
		ProtocolVersion: protocol.ProtocolVersion,
		Token:           token,
		DeviceID:        c.config.DeviceID,
		LastMessageID:   lastMessageID,
	})
	if err != nil {
		c.Disconnect()
		return nil, err
	}
	if err := sock.Send(string(auth)); err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("chatclient: send auth: %w", err)
	}

	select {
	case err := <-hs.ch:
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		info := hs.info
		c.mu.Unlock()
		return info, nil
	case <-ctx.Done():
		c.Disconnect()
		return nil, fmt.Errorf("chatclient: connect: %w", ctx.Err())
	}
}

// Disconnect closes the session: it stops the dispatch loop, closes the
// socket with a normal-closure code, cancels every pending retry timer, and
// publishes disconnected. It is idempotent and safe to call from a dispatch
// callback.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// teardownLocked is the single cleanup path shared by Disconnect, fatal
// protocol errors, and unexpected socket closure. Calling it with nothing
// active is a no-op so repeated disconnects do not double-fire cleanup.
func (c *Client) teardownLocked() {
	if c.sock == nil && c.handshake == nil && len(c.pending) == 0 &&
		c.status == StatusDisconnected {
		return
	}

	// A connect still waiting on auth_result must never be left hanging.
	c.resolveHandshakeLocked(nil, &SessionError{
		Code:    CodeNotConnected,
		Message: "connection closed",
	})
	c.handshake = nil

	// Unacknowledged messages are not replayed by the server; the caller
	// resends after reconnecting. Cancel every retry timer and clear the map.
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
	metrics.PendingMessages.Set(0)

	if c.sock != nil {
		c.sock.Close(transport.CloseNormal)
		c.sock = nil
	}

	// Fence the dispatch loop of this session so its closure callback
	// becomes a no-op.
	c.gen++

	metrics.Connected.Set(0)
	c.publishStateLocked(State{Status: StatusDisconnected})
}

// resolveHandshakeLocked resolves the handshake slot exactly once; later
// attempts are no-ops.
func (c *Client) resolveHandshakeLocked(info *AuthInfo, err error) {
	hs := c.handshake
	if hs == nil || hs.done {
		return
	}
	hs.done = true
	hs.info = info
	hs.ch <- err
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send serializes a chat message once, queues it for acknowledgment tracking
// with its own retry timer, and transmits it immediately. It does not wait
// for the ack. The id must carry the client prefix ("c_"); anything else is
// rejected before any transport I/O.
func (c *Client) Send(id, content string, attachments []protocol.Attachment) error {
	if !protocol.IsClientID(id) {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return &SessionError{
			Code:    CodeInvalidMessageID,
			Message: fmt.Sprintf("id %q must start with %q", id, protocol.ClientIDPrefix),
		}
	}
	if err := protocol.ValidateContent(content); err != nil {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return fmt.Errorf("chatclient: %w", err)
	}

	payload, err := protocol.NewClientMessage(protocol.TypeMessage, protocol.ClientChatMsg{
		ID:          id,
		Content:     content,
		Attachments: attachments,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	sock := c.sock
	if sock == nil {
		c.mu.Unlock()
		return &SessionError{Code: CodeNotConnected, Message: "no active session"}
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("chatclient: message %s is already pending", id)
	}
	p := &pendingMessage{id: id, payload: payload}
	p.timer = newRetryTimer(c.config.RetryInterval, func() { c.retransmit(id) })
	c.pending[id] = p
	metrics.PendingMessages.Set(float64(len(c.pending)))
	c.mu.Unlock()

	if err := sock.Send(string(payload)); err != nil {
		// The entry stays pending; either a retry gets through or the
		// dispatch loop observes the dead socket and clears everything.
		return fmt.Errorf("chatclient: send %s: %w", id, err)
	}
	metrics.MessagesSent.WithLabelValues("sent").Inc()
	return nil
}

// SendTyping transmits a typing indicator. Typing is fire-and-forget: it is
// neither tracked nor retried.
func (c *Client) SendTyping(active bool) error {
	payload, err := protocol.NewClientMessage(protocol.TypeTyping, protocol.ClientTypingMsg{
		Active: active,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return &SessionError{Code: CodeNotConnected, Message: "no active session"}
	}
	return sock.Send(string(payload))
}

// retransmit is a retry-timer tick: resend the exact stored payload bytes if
// the message is still pending and the socket is still open. A gone socket
// means cleanup is already underway via teardown, not the timer's business.
func (c *Client) retransmit(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	sock := c.sock
	c.mu.Unlock()

	if !ok || sock == nil {
		return
	}
	if err := sock.Send(string(p.payload)); err != nil {
		log.Printf("[chat] retransmit id=%s failed: %v", id, err)
		return
	}
	metrics.MessagesSent.WithLabelValues("retransmit").Inc()
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

// dispatchLoop reads frames from one socket for the lifetime of one session.
// gen identifies that session; once teardown bumps the generation, the loop's
// cleanup becomes a no-op so it cannot interfere with a newer session.
func (c *Client) dispatchLoop(sock transport.Socket, gen uint64) {
	for {
		text, err := sock.Receive()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}
		c.handleFrame(gen, []byte(text))
	}
}

// handleClosed runs when the read loop terminates: remote closure or a local
// read error. It funnels into the same teardown as an explicit disconnect,
// which also resolves a still-outstanding handshake so connect callers are
// never left waiting forever.
func (c *Client) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return // torn down already, or a newer session owns the client
	}
	log.Printf("[chat] socket closed: %v", err)
	c.teardownLocked()
}

// handleFrame decodes the minimal envelope for the type discriminator, then
// the concrete payload, and applies it to the session state.
func (c *Client) handleFrame(gen uint64, data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			return // forward compatibility
		}
		log.Printf("[chat] dropping malformed %q frame: %v", msgType, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}

	switch m := msg.(type) {
	case protocol.AuthResultMsg:
		c.handleAuthResultLocked(m)
	case protocol.ServerChatMsg:
		metrics.MessagesReceived.Inc()
		c.publishMessageLocked(m)
	case protocol.AckMsg:
		c.handleAckLocked(m)
	case protocol.ServerTypingMsg:
		c.publishTypingLocked(m)
	case protocol.ErrorMsg:
		c.handleErrorLocked(m)
	}
}

func (c *Client) handleAuthResultLocked(m protocol.AuthResultMsg) {
	if hs := c.handshake; hs != nil && !hs.done {
		metrics.HandshakeDuration.Observe(time.Since(hs.started).Seconds())
	}

	if m.Success {
		info := &AuthInfo{
			UserID:          m.UserID,
			SessionID:       m.SessionID,
			ReplayCount:     m.ReplayCount,
			ReplayTruncated: m.ReplayTruncated,
			HistoryReset:    m.HistoryReset,
		}
		c.resolveHandshakeLocked(info, nil)
		metrics.Connected.Set(1)
		c.publishStateLocked(State{Status: StatusConnected})
		log.Printf("[chat] authenticated user=%s session=%s replay=%d", m.UserID, m.SessionID, m.ReplayCount)
		return
	}

	sessErr := &SessionError{Code: protocol.CodeAuthFailed, Message: m.Reason}
	c.resolveHandshakeLocked(nil, sessErr)
	c.publishStateLocked(State{Status: StatusFailed, Err: sessErr})
	c.teardownLocked()
}

func (c *Client) handleAckLocked(m protocol.AckMsg) {
	// An ack for an id the client no longer tracks is not an error.
	p, ok := c.pending[m.ID]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(c.pending, m.ID)
	metrics.AcksReceived.Inc()
	metrics.PendingMessages.Set(float64(len(c.pending)))
}

func (c *Client) handleErrorLocked(m protocol.ErrorMsg) {
	metrics.SessionErrors.WithLabelValues(m.Code).Inc()

	// Message-scoped errors never terminate the session.
	if m.MessageID != "" {
		if p, ok := c.pending[m.MessageID]; ok {
			p.timer.Stop()
			delete(c.pending, m.MessageID)
			metrics.PendingMessages.Set(float64(len(c.pending)))
		}
		c.publishEventLocked(MessageError{MessageID: m.MessageID, Code: m.Code, Message: m.Message})
		return
	}

	sessErr := &SessionError{Code: m.Code, Message: m.Message}

	// Fatal codes end the session wherever they arrive. During the handshake
	// an auth rejection may come as an error frame instead of auth_result;
	// resolveHandshakeLocked is a no-op once the handshake has settled. The
	// server closes the socket itself after session_replaced; our own teardown
	// asserts the same outcome once, the generation fence prevents a second
	// pass.
	if sessErr.Fatal() {
		c.resolveHandshakeLocked(nil, sessErr)
		c.publishStateLocked(State{Status: StatusFailed, Err: sessErr})
		log.Printf("[chat] fatal session error code=%s message=%q", m.Code, m.Message)
		c.teardownLocked()
		return
	}

	// Non-fatal session-level error (rate_limited, server_error, ...): the
	// socket stays open, the caller decides whether to retry.
	c.publishStateLocked(State{Status: StatusFailed, Err: sessErr})
	log.Printf("[chat] server error code=%s message=%q", m.Code, m.Message)
}

// ---------------------------------------------------------------------------
// Published sequences
// ---------------------------------------------------------------------------

// The publish helpers never block the dispatch loop: when a consumer lags
// behind the channel buffer, the oldest entry is dropped to make room.

func (c *Client) publishStateLocked(s State) {
	c.status = s.Status
	for {
		select {
		case c.states <- s:
			return
		default:
			select {
			case <-c.states:
			default:
			}
		}
	}
}

func (c *Client) publishMessageLocked(m protocol.ServerChatMsg) {
	for {
		select {
		case c.messages <- m:
			return
		default:
			select {
			case <-c.messages:
			default:
			}
		}
	}
}

func (c *Client) publishEventLocked(e MessageError) {
	for {
		select {
		case c.events <- e:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

func (c *Client) publishTypingLocked(m protocol.ServerTypingMsg) {
	for {
		select {
		case c.typing <- m:
			return
		default:
			select {
			case <-c.typing:
			default:
			}
		}
	}
}

// Package pairing implements the one-shot device pairing exchange with the
// provider. A transient WebSocket connection carries a single pair_request;
// the provider answers with pair_result frames, repeating a "pair_pending"
// result as a keep-alive until an administrator approves or denies the
// request. The socket is closed on every exit path.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf16"

	"github.com/beacon/chatlink/internal/protocol"
	"github.com/beacon/chatlink/internal/transport"
)

// MaxClaimedNameUnits caps the claimed device name at 64 UTF-16 code units,
// matching the provider's column limit.
const MaxClaimedNameUnits = 64

// Pairing failure sentinels. RequestPairing wraps them with context, so use
// errors.Is for classification.
var (
	ErrTimeout         = errors.New("pairing: timed out")
	ErrSocketClosed    = errors.New("pairing: socket closed before result")
	ErrInvalidResponse = errors.New("pairing: invalid response")
	ErrUnsupportedURL  = errors.New("pairing: unsupported server URL")
)

// Result is the terminal outcome of a pairing exchange. Approved results
// carry the credentials; denied results carry the provider's reason.
type Result struct {
	Approved bool
	Token    string
	UserID   string
	Reason   string
}

// Config holds pairing timeouts and the device description sent to the
// provider.
type Config struct {
	ConnectTimeout time.Duration // connect + send budget
	PendingTimeout time.Duration // overall wait for a terminal pair_result
	Platform       string
	Model          string
	OSVersion      string
	AppVersion     string
}

// DefaultConfig returns the standard pairing configuration. The pending
// timeout mirrors the provider's 5-minute pairing TTL.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 20 * time.Second,
		PendingTimeout: 300 * time.Second,
		Platform:       "linux",
		Model:          "chatlink",
	}
}

// Client runs pairing exchanges over sockets opened by the given dialer.
type Client struct {
	dialer transport.Dialer
	config Config
}

// NewClient creates a pairing client. A nil dialer selects the production
// WebSocket dialer.
func NewClient(dialer transport.Dialer, config Config) *Client {
	if dialer == nil {
		dialer = transport.WSDialer{}
	}
	return &Client{dialer: dialer, config: config}
}

// RequestPairing performs the full pair_request/pair_result exchange and
// returns the terminal result. The serverURL must be a ws:// or wss:// URL;
// anything else fails with ErrUnsupportedURL before any I/O. Connect and
// send share the ConnectTimeout budget, and the wait for a terminal result
// is bounded by PendingTimeout.
func (c *Client) RequestPairing(ctx context.Context, serverURL, claimedName, deviceID string) (*Result, error) {
	if !transport.IsWebSocketURL(serverURL) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, serverURL)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	sock, err := c.dialer.Dial(connectCtx, serverURL)
	if err != nil {
		if connectCtx.Err() != nil {
			return nil, fmt.Errorf("%w: connect", ErrTimeout)
		}
		return nil, fmt.Errorf("pairing: connect: %w", err)
	}
	// Every exit path below releases the socket.
	defer sock.Close(transport.CloseNormal)

	request, err := protocol.NewClientMessage(protocol.TypePairRequest, protocol.PairRequestMsg{
		ProtocolVersion: protocol.ProtocolVersion,
		DeviceID:        deviceID,
		ClaimedName:     TruncateClaimedName(claimedName),
		DeviceInfo: protocol.DeviceInfo{
			Platform:   c.config.Platform,
			Model:      c.config.Model,
			OSVersion:  c.config.OSVersion,
			AppVersion: c.config.AppVersion,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := sendWithContext(connectCtx, sock, string(request)); err != nil {
		return nil, err
	}

	log.Printf("[pairing] request sent device=%s name=%q", deviceID, claimedName)
	return c.awaitResult(ctx, sock)
}

// sendWithContext races a blocking Send against the context deadline. The
// losing branch is cancelled by closing the socket, which unblocks the write.
func sendWithContext(ctx context.Context, sock transport.Socket, text string) error {
	done := make(chan error, 1)
	go func() {
		done <- sock.Send(text)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("pairing: send request: %w", err)
		}
		return nil
	case <-ctx.Done():
		sock.Close(transport.CloseGoingAway)
		<-done
		return fmt.Errorf("%w: send", ErrTimeout)
	}
}

// awaitResult reads frames until a terminal pair_result arrives or the
// pending timeout elapses. Frames of other types are ignored for forward
// compatibility. A pair_pending result does not extend the deadline.
func (c *Client) awaitResult(ctx context.Context, sock transport.Socket) (*Result, error) {
	type inbound struct {
		text string
		err  error
	}

	frames := make(chan inbound)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			text, err := sock.Receive()
			select {
			case frames <- inbound{text: text, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(c.config.PendingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			sock.Close(transport.CloseGoingAway)
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())

		case <-timer.C:
			// Closing the socket unblocks the reader goroutine.
			sock.Close(transport.CloseGoingAway)
			return nil, fmt.Errorf("%w: no result within %s", ErrTimeout, c.config.PendingTimeout)

		case in := <-frames:
			if in.err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSocketClosed, in.err)
			}

			msgType, msg, err := protocol.ParseServerMessage([]byte(in.text))
			if msgType != protocol.TypePairResult {
				continue // forward compatibility, decodable or not
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
			}

			result, ok := msg.(protocol.PairResultMsg)
			if !ok {
				return nil, ErrInvalidResponse
			}

			// pair_pending is a keep-alive while the request awaits approval.
			if result.Reason == protocol.ReasonPairPending {
				log.Printf("[pairing] pending, waiting for approval")
				continue
			}

			if result.Success && result.Token != "" && result.UserID != "" {
				log.Printf("[pairing] approved user=%s", result.UserID)
				return &Result{Approved: true, Token: result.Token, UserID: result.UserID}, nil
			}

			reason := result.Reason
			if reason == "" {
				reason = "Pairing request denied"
			}
			log.Printf("[pairing] denied reason=%q", reason)
			return &Result{Approved: false, Reason: reason}, nil
		}
	}
}

// TruncateClaimedName limits a device name to MaxClaimedNameUnits UTF-16
// code units, the unit the provider counts in.
func TruncateClaimedName(name string) string {
	units := utf16.Encode([]rune(name))
	if len(units) <= MaxClaimedNameUnits {
		return name
	}
	return string(utf16.Decode(units[:MaxClaimedNameUnits]))
}

package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beacon/chatlink/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeSocket is an in-memory transport.Socket fed by the test.
type fakeSocket struct {
	mu        sync.Mutex
	sent      []string
	inbound   chan string
	closed    bool
	closeCode int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan string, 16)}
}

func (s *fakeSocket) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("fake: send on closed socket")
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSocket) Receive() (string, error) {
	text, ok := <-s.inbound
	if !ok {
		return "", errors.New("fake: socket closed")
	}
	return text, nil
}

func (s *fakeSocket) Close(code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeCode = code
	close(s.inbound)
	return nil
}

// push queues an inbound frame.
func (s *fakeSocket) push(text string) { s.inbound <- text }

// closeRemote simulates the server closing the connection.
func (s *fakeSocket) closeRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.inbound)
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) sentFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeDialer hands out a prepared socket, or blocks until the context is
// cancelled when block is set.
type fakeDialer struct {
	mu     sync.Mutex
	sock   *fakeSocket
	block  bool
	dialed []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Socket, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, url)
	d.mu.Unlock()
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.sock, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.PendingTimeout = 200 * time.Millisecond
	return cfg
}

// ---------------------------------------------------------------------------
// Test: successful pairing returns the credentials
// ---------------------------------------------------------------------------

func TestRequestPairing_Success(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"pair_result","success":true,"token":"tok-1","userId":"user-1"}`)

	client := NewClient(&fakeDialer{sock: sock}, testConfig())
	result, err := client.RequestPairing(context.Background(), "wss://provider.test/ws", "My Laptop", "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Approved {
		t.Fatalf("expected approved result, got denied (%q)", result.Reason)
	}
	if result.Token != "tok-1" || result.UserID != "user-1" {
		t.Errorf("unexpected credentials: token=%q user=%q", result.Token, result.UserID)
	}
	if !sock.isClosed() {
		t.Errorf("socket not closed after success")
	}

	// Verify the pair_request frame.
	frames := sock.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 sent frame, got %d", len(frames))
	}
	var req map[string]interface{}
	if err := json.Unmarshal([]byte(frames[0]), &req); err != nil {
		t.Fatalf("sent frame is not JSON: %v", err)
	}
	if req["type"] != "pair_request" {
		t.Errorf("expected pair_request, got %v", req["type"])
	}
	if req["protocolVersion"] != float64(1) {
		t.Errorf("expected protocolVersion 1, got %v", req["protocolVersion"])
	}
	if req["deviceId"] != "dev-1" {
		t.Errorf("expected deviceId dev-1, got %v", req["deviceId"])
	}
	if req["claimedName"] != "My Laptop" {
		t.Errorf("expected claimedName, got %v", req["claimedName"])
	}
	if _, ok := req["deviceInfo"].(map[string]interface{}); !ok {
		t.Errorf("expected deviceInfo object, got %T", req["deviceInfo"])
	}
}

// ---------------------------------------------------------------------------
// Test: pair_pending keep-alives never terminate the wait
// ---------------------------------------------------------------------------

func TestRequestPairing_PendingThenDenied(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"pair_result","success":false,"reason":"pair_pending"}`)
	sock.push(`{"type":"pair_result","success":false,"reason":"pair_pending"}`)
	sock.push(`{"type":"pair_result","success":false,"reason":"rejected by admin"}`)

	client := NewClient(&fakeDialer{sock: sock}, testConfig())
	result, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Approved {
		t.Fatalf("expected denied result")
	}
	if result.Reason != "rejected by admin" {
		t.Errorf("expected reason %q, got %q", "rejected by admin", result.Reason)
	}
	if !sock.isClosed() {
		t.Errorf("socket not closed after denial")
	}
}

// ---------------------------------------------------------------------------
// Test: denial without a reason gets the default reason string
// ---------------------------------------------------------------------------

func TestRequestPairing_DeniedDefaultReason(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"pair_result","success":false}`)

	client := NewClient(&fakeDialer{sock: sock}, testConfig())
	result, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Approved {
		t.Fatalf("expected denied result")
	}
	if result.Reason != "Pairing request denied" {
		t.Errorf("expected default reason, got %q", result.Reason)
	}
}

// ---------------------------------------------------------------------------
// Test: success without both token and userId is treated as a denial
// ---------------------------------------------------------------------------

func TestRequestPairing_SuccessMissingFields(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"pair_result","success":true,"token":"tok-only"}`)

	client := NewClient(&fakeDialer{sock: sock}, testConfig())
	result, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Approved {
		t.Fatalf("expected denied result for success without userId")
	}
}

// ---------------------------------------------------------------------------
// Test: frames of other types are ignored
// ---------------------------------------------------------------------------

func TestRequestPairing_IgnoresOtherFrames(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"server_notice","text":"welcome"}`)
	sock.push(`{"type":"typing","active":true}`)
	sock.push(`{"type":"ack","id":5}`) // malformed payload of a known type
	sock.push(`not even json`)
	sock.push(`{"type":"pair_result","success":true,"token":"t","userId":"u"}`)

	client := NewClient(&fakeDialer{sock: sock}, testConfig())
	result, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Approved {
		t.Fatalf("expected approval after skipping non-result frames")
	}
}

// ---------------------------------------------------------------------------
// Test: a malformed pair_result payload is terminal
// ---------------------------------------------------------------------------

func TestRequestPairing_MalformedResult(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"pair_result","success":"yes"}`)

	client := NewClient(&fakeDialer{sock: sock}, testConfig())
	_, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if !sock.isClosed() {
		t.Errorf("socket not closed after malformed result")
	}
}

// ---------------------------------------------------------------------------
// Test: no terminal result within the pending timeout fails with ErrTimeout
// ---------------------------------------------------------------------------

func TestRequestPairing_PendingTimeout(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"pair_result","success":false,"reason":"pair_pending"}`)

	cfg := testConfig()
	cfg.PendingTimeout = 50 * time.Millisecond

	client := NewClient(&fakeDialer{sock: sock}, cfg)
	_, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !sock.isClosed() {
		t.Errorf("socket not closed after timeout")
	}
}

// ---------------------------------------------------------------------------
// Test: remote closure before a terminal result fails with ErrSocketClosed
// ---------------------------------------------------------------------------

func TestRequestPairing_SocketClosed(t *testing.T) {
	sock := newFakeSocket()
	sock.push(`{"type":"pair_result","success":false,"reason":"pair_pending"}`)
	sock.closeRemote()

	client := NewClient(&fakeDialer{sock: sock}, testConfig())
	_, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("expected ErrSocketClosed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: non-WebSocket URLs are rejected before any I/O
// ---------------------------------------------------------------------------

func TestRequestPairing_UnsupportedURL(t *testing.T) {
	dialer := &fakeDialer{sock: newFakeSocket()}
	client := NewClient(dialer, testConfig())

	for _, url := range []string{"https://provider.test/ws", "ftp://provider.test", "not a url", ""} {
		_, err := client.RequestPairing(context.Background(), url, "x", "dev-1")
		if !errors.Is(err, ErrUnsupportedURL) {
			t.Errorf("url %q: expected ErrUnsupportedURL, got %v", url, err)
		}
	}
	if dialer.dialCount() != 0 {
		t.Errorf("expected no dial attempts, got %d", dialer.dialCount())
	}
}

// ---------------------------------------------------------------------------
// Test: a connect that never completes fails with ErrTimeout
// ---------------------------------------------------------------------------

func TestRequestPairing_ConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond

	client := NewClient(&fakeDialer{block: true}, cfg)
	start := time.Now()
	_, err := client.RequestPairing(context.Background(), "ws://provider.test/ws", "x", "dev-1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("connect timeout took too long")
	}
}

// ---------------------------------------------------------------------------
// Test: claimed name truncation counts UTF-16 code units
// ---------------------------------------------------------------------------

func TestTruncateClaimedName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short name unchanged", "kitchen laptop", "kitchen laptop"},
		{"exactly 64 unchanged", strings.Repeat("a", 64), strings.Repeat("a", 64)},
		{"ascii truncated to 64", strings.Repeat("a", 80), strings.Repeat("a", 64)},
		// Each emoji is a surrogate pair: two UTF-16 code units.
		{"surrogate pairs counted as two", strings.Repeat("\U0001F600", 40), strings.Repeat("\U0001F600", 32)},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		if got := TruncateClaimedName(tt.in); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

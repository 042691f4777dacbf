package chatclient

import (
	"fmt"

	"github.com/beacon/chatlink/internal/protocol"
)

// Error codes raised locally, alongside the protocol error codes.
const (
	// CodeInvalidMessageID rejects outbound ids without the client prefix.
	CodeInvalidMessageID = "invalid_message_id"

	// CodeNotConnected resolves an outstanding connect when the socket goes
	// away before auth_result arrives, and rejects sends with no session.
	CodeNotConnected = "not_connected"
)

// SessionError is a protocol or session level failure. Code is either one of
// the server's error codes (protocol.Code*) or a local code above.
type SessionError struct {
	Code    string
	Message string
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatclient: %s", e.Code)
	}
	return fmt.Sprintf("chatclient: %s: %s", e.Code, e.Message)
}

// Fatal reports whether this error forces the client to drop the session.
// Fatal errors always end with a local disconnect; everything else leaves the
// socket open and recovery to the caller.
func (e *SessionError) Fatal() bool {
	switch e.Code {
	case protocol.CodeAuthFailed, protocol.CodeTokenRevoked, protocol.CodeSessionReplaced:
		return true
	}
	return false
}

// MessageError is an out-of-band failure scoped to a single outbound message.
// It never affects the connection state.
type MessageError struct {
	MessageID string
	Code      string
	Message   string
}

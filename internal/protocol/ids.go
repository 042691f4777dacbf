package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// ClientIDPrefix marks message ids minted by a client.
	ClientIDPrefix = "c_"

	// ServerIDPrefix marks message ids minted by the server.
	ServerIDPrefix = "s_"

	// MaxContentBytes is the maximum UTF-8 payload size of a client message.
	MaxContentBytes = 64 * 1024 // 64KB
)

// NewClientID returns a fresh client message id ("c_" + uuid). The id is part
// of the message identity: the server dedups retransmissions by id and
// content hash, so a message keeps its first id for its entire lifetime.
func NewClientID() string {
	return ClientIDPrefix + uuid.NewString()
}

// IsClientID reports whether id carries the client id prefix.
func IsClientID(id string) bool {
	return strings.HasPrefix(id, ClientIDPrefix)
}

// ValidateContent checks that message content meets the wire limits before
// any transport I/O happens.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// Package protocol defines the WebSocket message types and structures of the
// provider chat protocol. All frames are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the wire protocol version sent in pair_request and auth.
const ProtocolVersion = 1

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypePairRequest = "pair_request"
	TypeAuth        = "auth"
	TypeMessage     = "message"
	TypeTyping      = "typing"
)

// Server -> Client message types.
const (
	TypePairResult = "pair_result"
	TypeAuthResult = "auth_result"
	TypeAck        = "ack"
	TypeError      = "error"
)

// Error codes sent by the server in error frames.
const (
	CodeAuthFailed            = "auth_failed"
	CodeTokenRevoked          = "token_revoked"
	CodeInvalidMessage        = "invalid_message"
	CodePayloadTooLarge       = "payload_too_large"
	CodeAssetNotFound         = "asset_not_found"
	CodeRateLimited           = "rate_limited"
	CodeSessionReplaced       = "session_replaced"
	CodeUploadFailedRetryable = "upload_failed_retryable"
	CodeServerError           = "server_error"
)

// ReasonPairPending is the pair_result reason used by the server as a
// keep-alive while the pairing request awaits administrator approval.
const ReasonPairPending = "pair_pending"

// ErrUnknownType is returned by ParseServerMessage for frames whose type is
// not part of the server->client vocabulary. Callers treat it as a signal to
// ignore the frame rather than a protocol failure (forward compatibility).
var ErrUnknownType = errors.New("protocol: unknown message type")

// ---------------------------------------------------------------------------
// Envelope, used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structs
// ---------------------------------------------------------------------------

// DeviceInfo describes the pairing device. Platform and Model are always
// sent; the remaining fields are optional.
type DeviceInfo struct {
	Platform   string `json:"platform"`
	Model      string `json:"model"`
	OSVersion  string `json:"osVersion,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// Attachment is either an inline image or a reference to a previously
// uploaded asset. Exactly one of the two shapes is populated:
//
//	inline: {type:"image", mimeType, data(base64)}
//	asset:  {type:"asset", assetId}
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	AssetID  string `json:"assetId,omitempty"`
}

// Attachment type discriminator values.
const (
	AttachmentImage = "image"
	AttachmentAsset = "asset"
)

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// PairRequestMsg is sent once over a transient socket to request pairing of a
// new device with the provider.
type PairRequestMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion int        `json:"protocolVersion"`
	DeviceID        string     `json:"deviceId"`
	ClaimedName     string     `json:"claimedName,omitempty"`
	DeviceInfo      DeviceInfo `json:"deviceInfo"`
}

// AuthMsg opens an authenticated session. LastMessageID, when present, asks
// the provider to replay every event after that id.
type AuthMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocolVersion"`
	Token           string `json:"token"`
	DeviceID        string `json:"deviceId"`
	LastMessageID   string `json:"lastMessageId,omitempty"`
}

// ClientChatMsg is a chat message sent by the client. The id is generated by
// the client ("c_" + uuid) so that retransmissions carry the same identity.
type ClientChatMsg struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ClientTypingMsg signals whether the local user is currently typing.
type ClientTypingMsg struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// PairResultMsg answers a pair_request. While the request awaits approval the
// server repeats it with Reason == ReasonPairPending as a keep-alive.
type PairResultMsg struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// AuthResultMsg answers an auth frame. On success the replay fields describe
// how much history the provider is about to resend.
type AuthResultMsg struct {
	Type            string `json:"type"`
	Success         bool   `json:"success"`
	UserID          string `json:"userId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	ReplayCount     int    `json:"replayCount,omitempty"`
	ReplayTruncated bool   `json:"replayTruncated,omitempty"`
	HistoryReset    bool   `json:"historyReset,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// ServerChatMsg is a chat event delivered by the server, either live or as
// part of a replay. Timestamp is milliseconds since the Unix epoch.
type ServerChatMsg struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Timestamp   int64        `json:"timestamp"`
	Streaming   bool         `json:"streaming"`
	Attachments []Attachment `json:"attachments,omitempty"`
	DeviceID    string       `json:"deviceId,omitempty"`
}

// AckMsg acknowledges that a client-sent message was durably accepted.
type AckMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ServerTypingMsg relays a remote typing indicator.
type ServerTypingMsg struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
	Role   string `json:"role,omitempty"`
}

// ErrorMsg is a structured error from the server. When MessageID is set the
// error is scoped to that message and does not affect the session.
type ErrorMsg struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses raw WebSocket bytes into a typed server message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Frames whose type is not part of the
// server->client vocabulary return ErrUnknownType so callers can skip them.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypePairResult:
		var m PairResultMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAuthResult:
		var m AuthResultMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ServerChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAck:
		var m AckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m ServerTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates a JSON-encoded byte slice for a client message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the client message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}

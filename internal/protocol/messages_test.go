package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing an auth_result message
// ---------------------------------------------------------------------------

func TestParseServerMessage_AuthResult(t *testing.T) {
	input := []byte(`{"type":"auth_result","success":true,"userId":"u1","sessionId":"sess1","replayCount":5,"replayTruncated":true}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuthResult {
		t.Fatalf("expected type %q, got %q", TypeAuthResult, msgType)
	}

	ar, ok := msg.(AuthResultMsg)
	if !ok {
		t.Fatalf("expected AuthResultMsg, got %T", msg)
	}
	if !ar.Success {
		t.Errorf("expected success")
	}
	if ar.UserID != "u1" || ar.SessionID != "sess1" {
		t.Errorf("unexpected identity fields: %+v", ar)
	}
	if ar.ReplayCount != 5 || !ar.ReplayTruncated {
		t.Errorf("unexpected replay fields: %+v", ar)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an inbound chat message with an asset attachment
// ---------------------------------------------------------------------------

func TestParseServerMessage_ChatMessage(t *testing.T) {
	input := []byte(`{"type":"message","id":"s_abc","role":"assistant","content":"hello","timestamp":1700000000123,"streaming":false,"attachments":[{"type":"asset","assetId":"a1"}]}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ServerChatMsg)
	if !ok {
		t.Fatalf("expected ServerChatMsg, got %T", msg)
	}
	if cm.ID != "s_abc" || cm.Role != "assistant" || cm.Content != "hello" {
		t.Errorf("unexpected fields: %+v", cm)
	}
	if cm.Timestamp != 1700000000123 {
		t.Errorf("expected millisecond timestamp, got %d", cm.Timestamp)
	}
	if len(cm.Attachments) != 1 || cm.Attachments[0].Type != AttachmentAsset || cm.Attachments[0].AssetID != "a1" {
		t.Errorf("unexpected attachments: %+v", cm.Attachments)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an error message with a messageId scope
// ---------------------------------------------------------------------------

func TestParseServerMessage_ScopedError(t *testing.T) {
	input := []byte(`{"type":"error","code":"payload_too_large","message":"too big","messageId":"c_1"}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeError {
		t.Fatalf("expected type %q, got %q", TypeError, msgType)
	}

	em, ok := msg.(ErrorMsg)
	if !ok {
		t.Fatalf("expected ErrorMsg, got %T", msg)
	}
	if em.Code != CodePayloadTooLarge || em.MessageID != "c_1" {
		t.Errorf("unexpected fields: %+v", em)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown types return ErrUnknownType so callers can skip them
// ---------------------------------------------------------------------------

func TestParseServerMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseServerMessage([]byte(`{"type":"future_feature","data":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msgType != "future_feature" {
		t.Errorf("expected the raw type back, got %q", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil payload, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Missing or empty type field is a parse error
// ---------------------------------------------------------------------------

func TestParseServerMessage_MissingType(t *testing.T) {
	for _, input := range []string{`{}`, `{"type":""}`, `not json`} {
		if _, _, err := ParseServerMessage([]byte(input)); err == nil {
			t.Errorf("input %q: expected error", input)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Building a client auth message injects the type field
// ---------------------------------------------------------------------------

func TestNewClientMessage_Auth(t *testing.T) {
	data, err := NewClientMessage(TypeAuth, AuthMsg{
		ProtocolVersion: ProtocolVersion,
		Token:           "tok",
		DeviceID:        "dev-1",
		LastMessageID:   "s_9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeAuth {
		t.Errorf("expected type %q, got %v", TypeAuth, result["type"])
	}
	if result["protocolVersion"] != float64(1) {
		t.Errorf("expected protocolVersion 1, got %v", result["protocolVersion"])
	}
	if result["token"] != "tok" || result["deviceId"] != "dev-1" || result["lastMessageId"] != "s_9" {
		t.Errorf("unexpected fields: %v", result)
	}
}

// ---------------------------------------------------------------------------
// Test: Optional fields are omitted from the wire format
// ---------------------------------------------------------------------------

func TestNewClientMessage_OmitsEmptyOptionals(t *testing.T) {
	data, err := NewClientMessage(TypeAuth, AuthMsg{
		ProtocolVersion: ProtocolVersion,
		Token:           "tok",
		DeviceID:        "dev-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(data), "lastMessageId") {
		t.Errorf("empty lastMessageId serialized: %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Client id helpers
// ---------------------------------------------------------------------------

func TestNewClientID(t *testing.T) {
	id := NewClientID()
	if !IsClientID(id) {
		t.Fatalf("generated id %q does not carry the client prefix", id)
	}
	if id == NewClientID() {
		t.Errorf("two generated ids collided")
	}
	if IsClientID("s_123") || IsClientID("") {
		t.Errorf("non-client ids accepted")
	}
}

// ---------------------------------------------------------------------------
// Test: Content validation limits
// ---------------------------------------------------------------------------

func TestValidateContent(t *testing.T) {
	if err := ValidateContent("hello"); err != nil {
		t.Errorf("valid content rejected: %v", err)
	}
	if err := ValidateContent(""); err == nil {
		t.Errorf("empty content accepted")
	}
	if err := ValidateContent(strings.Repeat("a", MaxContentBytes+1)); err == nil {
		t.Errorf("oversized content accepted")
	}
	if err := ValidateContent(string([]byte{0xff, 0xfe})); err == nil {
		t.Errorf("invalid UTF-8 accepted")
	}
}

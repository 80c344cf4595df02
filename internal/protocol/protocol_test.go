package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseClient(t *testing.T) {
	msg, err := ParseClient([]byte(`{"type":"connect","targetNickname":"bob"}`))
	if err != nil {
		t.Fatalf("ParseClient: %v", err)
	}
	if msg.Type != TypeConnect || msg.TargetNickname != "bob" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseClientRejectsBadInput(t *testing.T) {
	if _, err := ParseClient([]byte("{broken")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := ParseClient([]byte(`{"nickname":"alice"}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

func TestSystemFrameWireFormat(t *testing.T) {
	data, err := json.Marshal(System("alice left", SystemUserLeft))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// The notice sub-kind rides in the type_ field, next to the frame type.
	if !strings.Contains(string(data), `"type":"system"`) || !strings.Contains(string(data), `"type_":"user_left"`) {
		t.Fatalf("unexpected wire form: %s", data)
	}
}

func TestWaitingCarriesMillisecondExpiry(t *testing.T) {
	at := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	msg := Waiting("r1", "bob", at)
	if msg.ExpiresAt != at.UnixMilli() {
		t.Fatalf("ExpiresAt = %d, want %d", msg.ExpiresAt, at.UnixMilli())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"expiresAt":`) || !strings.Contains(string(data), `"requestId":"r1"`) {
		t.Fatalf("unexpected wire form: %s", data)
	}
	// Fields the frame does not carry stay off the wire.
	if strings.Contains(string(data), "sessionId") || strings.Contains(string(data), "type_") {
		t.Fatalf("unexpected extra fields: %s", data)
	}
}

func TestChatTimestampFormat(t *testing.T) {
	at := time.Date(2026, 8, 28, 12, 0, 0, 123456789, time.UTC)
	msg := Chat("hi", "alice", at)
	parsed, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q not RFC3339: %v", msg.Timestamp, err)
	}
	if !parsed.Equal(at) {
		t.Fatalf("timestamp %v, want %v", parsed, at)
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(CodeNicknameTaken, "Nickname already taken")
	if got := err.Error(); got != "NICKNAME_TAKEN: Nickname already taken" {
		t.Fatalf("Error() = %q", got)
	}

	frame := ErrorFrame(err)
	if frame.Type != TypeError || frame.Code != CodeNicknameTaken {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

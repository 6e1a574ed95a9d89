package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseBackfillsMissingFields(t *testing.T) {
	env, ok := Parse([]byte(`{"type":"chat"}`))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if env.ID == "" {
		t.Error("expected a generated id")
	}
	if env.From != "unknown" {
		t.Errorf("from = %q, want %q", env.From, "unknown")
	}
	if env.Timestamp == "" {
		t.Error("expected a generated timestamp")
	}
	if env.Payload == nil {
		t.Error("expected a non-nil payload")
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, ok := Parse([]byte(`{"from":"alice"}`)); ok {
		t.Error("expected parse to fail without a type field")
	}
}

func TestParseRejectsNonJSON(t *testing.T) {
	if _, ok := Parse([]byte(`not json`)); ok {
		t.Error("expected parse to fail on non-JSON input")
	}
}

func TestParsePreservesUnrecognizedPayloadKeys(t *testing.T) {
	env, ok := Parse([]byte(`{"type":"chat","payload":{"message":"hi","mystery":42}}`))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if env.Payload["mystery"] != float64(42) {
		t.Errorf("mystery = %v, want 42", env.Payload["mystery"])
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	original := NewChatEnvelope("alice", RoomTarget("general"), "hello", nil)
	data, err := Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	parsed, ok := Parse(data)
	if !ok {
		t.Fatal("expected re-parse to succeed")
	}
	if parsed.ID != original.ID || parsed.From != original.From || parsed.To != original.To {
		t.Errorf("round-trip mismatch: got %+v, want %+v", parsed, original)
	}
	if parsed.Payload["message"] != "hello" {
		t.Errorf("message = %v, want hello", parsed.Payload["message"])
	}
}

func TestRoomTargetAndRoomID(t *testing.T) {
	target := RoomTarget("general")
	if target != "room:general" {
		t.Errorf("RoomTarget = %q, want room:general", target)
	}
	id, ok := RoomID(target)
	if !ok || id != "general" {
		t.Errorf("RoomID(%q) = (%q, %v), want (general, true)", target, id, ok)
	}
	if _, ok := RoomID("alice"); ok {
		t.Error("expected RoomID to reject a plain user name")
	}
}

func TestNewResponseEnvelopeSuccessAndFailure(t *testing.T) {
	ok := NewResponseEnvelope("auth", true, Payload{"user_id": "u1"}, "")
	if ok.Payload["success"] != true {
		t.Error("expected success=true")
	}
	if _, present := ok.Payload["error"]; present {
		t.Error("success response should not carry an error key")
	}

	fail := NewResponseEnvelope("auth", false, nil, "name taken")
	if fail.Payload["success"] != false {
		t.Error("expected success=false")
	}
	if fail.Payload["error"] != "name taken" {
		t.Errorf("error = %v, want 'name taken'", fail.Payload["error"])
	}
}

func TestNewSystemEnvelopeSetsEventAndServer(t *testing.T) {
	env := NewSystemEnvelope("welcome", Payload{"message": "hi"})
	if env.From != Server {
		t.Errorf("from = %q, want %q", env.From, Server)
	}
	if env.Payload["event"] != "welcome" {
		t.Errorf("event = %v, want welcome", env.Payload["event"])
	}
}

func TestNewErrorEnvelopeShape(t *testing.T) {
	env := NewErrorEnvelope(401, "Authenticate first.")
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"code":401`) {
		t.Errorf("encoded error missing code: %s", data)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

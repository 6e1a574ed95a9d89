// Package protocol defines the single JSON envelope used for every message
// exchanged between a client and the AgentRoom service, plus the factory
// helpers that build well-formed envelopes for each message kind.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the top-level kind of an Envelope.
type Type string

const (
	TypeChat     Type = "chat"
	TypeSystem   Type = "system"
	TypeAction   Type = "action"
	TypeResponse Type = "response"
	TypeError    Type = "error"
)

// Server is the `from` value used for every server-originated envelope.
const Server = "server"

// Payload is the loosely-typed body of an Envelope. Recognized keys depend
// on Type (and, for action/response, on the action name); unrecognized keys
// are preserved on the wire but otherwise ignored.
type Payload map[string]any

// Envelope is the uniform message shape carried over the wire.
type Envelope struct {
	ID        string   `json:"id"`
	Type      Type     `json:"type"`
	From      string   `json:"from"`
	To        string   `json:"to,omitempty"`
	Timestamp string   `json:"timestamp"`
	Payload   Payload  `json:"payload"`
}

// wireEnvelope mirrors Envelope's JSON shape but keeps Type as a raw string
// so Parse can validate it is present before converting to the Type alias.
type wireEnvelope struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	From      string  `json:"from"`
	To        string  `json:"to,omitempty"`
	Timestamp string  `json:"timestamp"`
	Payload   Payload `json:"payload"`
}

// NewID returns a short opaque string suitable for an envelope id or a
// session id. Callers never need to parse it — it is an opaque token.
func NewID() string {
	return uuid.NewString()
}

// Parse decodes raw bytes into an Envelope. It returns (nil, false) when the
// bytes are not valid JSON, are not a JSON object, or lack a `type` field.
// Missing id/from/timestamp/payload are backfilled with their default
// values so downstream handlers always see a structurally complete
// Envelope.
func Parse(data []byte) (*Envelope, bool) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false
	}
	if w.Type == "" {
		return nil, false
	}

	env := &Envelope{
		ID:        w.ID,
		Type:      Type(w.Type),
		From:      w.From,
		To:        w.To,
		Timestamp: w.Timestamp,
		Payload:   w.Payload,
	}
	if env.ID == "" {
		env.ID = NewID()
	}
	if env.From == "" {
		env.From = "unknown"
	}
	if env.Timestamp == "" {
		env.Timestamp = nowISO()
	}
	if env.Payload == nil {
		env.Payload = Payload{}
	}
	return env, true
}

// Encode serializes an Envelope back into wire bytes. Any Envelope produced
// by this package round-trips through Encode without loss.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// RoomTarget formats the `to` field used to address a room.
func RoomTarget(roomID string) string {
	return "room:" + roomID
}

// RoomID extracts the room id from a `to` field shaped like "room:<id>", and
// reports whether `to` was actually a room target.
func RoomID(to string) (string, bool) {
	const prefix = "room:"
	if !strings.HasPrefix(to, prefix) {
		return "", false
	}
	return strings.TrimPrefix(to, prefix), true
}

// NewSystemEnvelope builds a server-originated `system` envelope carrying an
// `event` key plus whatever extra fields the caller supplies in payload.
func NewSystemEnvelope(event string, payload Payload) *Envelope {
	p := Payload{"event": event}
	for k, v := range payload {
		p[k] = v
	}
	return &Envelope{
		ID:        NewID(),
		Type:      TypeSystem,
		From:      Server,
		Timestamp: nowISO(),
		Payload:   p,
	}
}

// NewChatEnvelope builds a chat envelope from `from` to `to` carrying
// `message`, with any additional payload keys merged in (e.g. `room`, `dm`,
// `permission`).
func NewChatEnvelope(from, to, message string, extra Payload) *Envelope {
	p := Payload{"message": message}
	for k, v := range extra {
		p[k] = v
	}
	return &Envelope{
		ID:        NewID(),
		Type:      TypeChat,
		From:      from,
		To:        to,
		Timestamp: nowISO(),
		Payload:   p,
	}
}

// NewErrorEnvelope builds a server-originated `error` envelope with a
// numeric code and a human-readable message.
func NewErrorEnvelope(code int, message string) *Envelope {
	return &Envelope{
		ID:        NewID(),
		Type:      TypeError,
		From:      Server,
		Timestamp: nowISO(),
		Payload: Payload{
			"code":    code,
			"message": message,
		},
	}
}

// NewResponseEnvelope builds a server-originated `response` envelope for the
// given action. On failure, pass a non-empty errMsg and nil data; on
// success pass data (may be nil for actions with no return value).
func NewResponseEnvelope(action string, success bool, data Payload, errMsg string) *Envelope {
	p := Payload{
		"action":  action,
		"success": success,
	}
	if success {
		if data != nil {
			p["data"] = data
		}
	} else {
		p["error"] = errMsg
	}
	return &Envelope{
		ID:        NewID(),
		Type:      TypeResponse,
		From:      Server,
		Timestamp: nowISO(),
		Payload:   p,
	}
}

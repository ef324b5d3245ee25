// Package envelope implements the MEW wire envelope: the single unit of
// routed traffic between participants in a space.
//
// Every message, whether chat, MCP traffic, presence, or capability and
// stream control, is one JSON envelope. The codec here parses, validates, and
// serializes envelopes while preserving unknown fields verbatim, so that
// newer peers can round-trip extensions through an older gateway.
package envelope

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Protocol is the version tag this gateway implements. Envelopes carrying
// any other tag are rejected at admission with protocol_version_mismatch.
const Protocol = "mew/v0.4"

// Envelope is the sole routed message unit.
//
// To is the addressed recipient list; empty means broadcast to the space.
// CorrelationID lists envelope ids this envelope answers or continues.
// Context groups a sequence (e.g. a reasoning trace) without implying a
// direct reply. Payload is opaque to the router; subsystems that need
// fields decode it on demand.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	Ts            time.Time       `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// extra holds fields the codec does not recognize. They survive a
	// parse/encode round-trip byte for byte.
	extra map[string]json.RawMessage
}

// ParseError describes why input was rejected by the codec. Its wire code
// is always malformed_envelope; Field and Reason carry the detail.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "malformed envelope: " + e.Reason
	}
	return fmt.Sprintf("malformed envelope: field %q: %s", e.Field, e.Reason)
}

// NewID returns a globally unique envelope id. UUIDv4 carries 122 bits of
// randomness, comfortably above the collision budget for the history
// retention window.
func NewID() string {
	return uuid.NewString()
}

// knownFields are the envelope fields the codec owns. Everything else is
// preserved in extra.
var knownFields = map[string]bool{
	"protocol":       true,
	"id":             true,
	"ts":             true,
	"from":           true,
	"to":             true,
	"kind":           true,
	"correlation_id": true,
	"context":        true,
	"payload":        true,
}

// Parse decodes and validates a wire envelope. Input must be a single JSON
// object with a non-empty protocol tag and semantically typed fields.
// Version matching against Protocol is the router's concern, not the
// codec's.
func Parse(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: "not a JSON object"}
	}

	env := &Envelope{}
	if err := decodeString(raw, "protocol", &env.Protocol); err != nil {
		return nil, err
	}
	if env.Protocol == "" {
		return nil, &ParseError{Field: "protocol", Reason: "missing"}
	}
	if err := decodeString(raw, "id", &env.ID); err != nil {
		return nil, err
	}
	if err := decodeString(raw, "from", &env.From); err != nil {
		return nil, err
	}
	if err := decodeString(raw, "kind", &env.Kind); err != nil {
		return nil, err
	}
	if env.Kind == "" {
		return nil, &ParseError{Field: "kind", Reason: "missing"}
	}
	if err := decodeString(raw, "context", &env.Context); err != nil {
		return nil, err
	}
	if err := decodeStrings(raw, "to", &env.To); err != nil {
		return nil, err
	}
	if err := decodeCorrelation(raw, &env.CorrelationID); err != nil {
		return nil, err
	}
	if err := decodeTime(raw, "ts", &env.Ts); err != nil {
		return nil, err
	}
	if p, ok := raw["payload"]; ok {
		if !isJSONObject(p) {
			return nil, &ParseError{Field: "payload", Reason: "must be a JSON object"}
		}
		env.Payload = p
	}

	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if env.extra == nil {
			env.extra = make(map[string]json.RawMessage)
		}
		env.extra[k] = v
	}
	return env, nil
}

// Encode serializes the envelope, emitting preserved unknown fields
// alongside the known ones. Key order is deterministic.
func (e *Envelope) Encode() ([]byte, error) {
	out := make(map[string]json.RawMessage, 9+len(e.extra))
	put := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}

	if err := put("protocol", e.Protocol); err != nil {
		return nil, err
	}
	if err := put("id", e.ID); err != nil {
		return nil, err
	}
	if err := put("kind", e.Kind); err != nil {
		return nil, err
	}
	if err := put("from", e.From); err != nil {
		return nil, err
	}
	if !e.Ts.IsZero() {
		if err := put("ts", e.Ts.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, err
		}
	}
	if len(e.To) > 0 {
		if err := put("to", e.To); err != nil {
			return nil, err
		}
	}
	if len(e.CorrelationID) > 0 {
		if err := put("correlation_id", e.CorrelationID); err != nil {
			return nil, err
		}
	}
	if e.Context != "" {
		if err := put("context", e.Context); err != nil {
			return nil, err
		}
	}
	if len(e.Payload) > 0 {
		out["payload"] = e.Payload
	}
	for k, v := range e.extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// Clone returns an independent copy. Envelopes placed into history and
// outbound queues must not alias the ingress value.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.To = append([]string(nil), e.To...)
	c.CorrelationID = append([]string(nil), e.CorrelationID...)
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	if e.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			c.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// Size is the byte cost charged against a history ring's byte budget.
func (e *Envelope) Size() int {
	b, err := e.Encode()
	if err != nil {
		return 0
	}
	return len(b)
}

// Hash returns a stable digest of the envelope's admission-relevant fields,
// used to key the capability decision cache.
func (e *Envelope) Hash() [32]byte {
	h := sha256.New()
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	to := append([]string(nil), e.To...)
	sort.Strings(to)
	for _, t := range to {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	h.Write(e.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Correlates reports whether the envelope's correlation_id list contains id.
func (e *Envelope) Correlates(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// Extra returns a preserved unknown field, if present.
func (e *Envelope) Extra(key string) (json.RawMessage, bool) {
	v, ok := e.extra[key]
	return v, ok
}

func decodeString(raw map[string]json.RawMessage, field string, dst *string) error {
	v, ok := raw[field]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return &ParseError{Field: field, Reason: "must be a string"}
	}
	return nil
}

func decodeStrings(raw map[string]json.RawMessage, field string, dst *[]string) error {
	v, ok := raw[field]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return &ParseError{Field: field, Reason: "must be a list of strings"}
	}
	return nil
}

// decodeCorrelation accepts both the list form and, for compatibility with
// older producers, a bare string normalized to a one-element list.
func decodeCorrelation(raw map[string]json.RawMessage, dst *[]string) error {
	v, ok := raw["correlation_id"]
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		*dst = list
		return nil
	}
	var single string
	if err := json.Unmarshal(v, &single); err == nil {
		*dst = []string{single}
		return nil
	}
	return &ParseError{Field: "correlation_id", Reason: "must be a list of envelope ids"}
}

func decodeTime(raw map[string]json.RawMessage, field string, dst *time.Time) error {
	v, ok := raw[field]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return &ParseError{Field: field, Reason: "must be an RFC3339 timestamp"}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return &ParseError{Field: field, Reason: "must be an RFC3339 timestamp"}
		}
	}
	*dst = t
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

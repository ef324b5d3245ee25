package envelope

import (
	"encoding/json"
	"time"

	"github.com/mewspace/gateway/internal/capability"
)

// Typed decodes for payloads the gateway itself interprets. Everything else
// stays opaque to the router.

// GrantPayload is carried by capability/grant.
type GrantPayload struct {
	Recipient    string            `json:"recipient"`
	Capabilities []capability.Rule `json:"capabilities"`
	Reason       string            `json:"reason,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// GrantAckPayload is carried by capability/grant-ack.
type GrantAckPayload struct {
	Status string `json:"status,omitempty"`
}

// RevokePayload is carried by capability/revoke.
type RevokePayload struct {
	Recipient    string            `json:"recipient"`
	Capabilities []capability.Rule `json:"capabilities"`
}

// InvitePayload is carried by space/invite.
type InvitePayload struct {
	ParticipantID       string            `json:"participant_id"`
	Kind                string            `json:"kind,omitempty"`
	InitialCapabilities []capability.Rule `json:"initial_capabilities,omitempty"`
	Reason              string            `json:"reason,omitempty"`
}

// InviteAckPayload is carried by space/invite-ack, addressed only to the
// inviter. This is the sole envelope that ever carries a token.
type InviteAckPayload struct {
	Status        string `json:"status"`
	ParticipantID string `json:"participant_id"`
	Token         string `json:"token"`
}

// StreamRequestPayload is carried by stream/request.
type StreamRequestPayload struct {
	Direction    string   `json:"direction"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// StreamOpenPayload is carried by stream/open.
type StreamOpenPayload struct {
	StreamID  string `json:"stream_id"`
	Direction string `json:"direction"`
}

// StreamClosePayload is carried by stream/close.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// PresencePayload is carried by presence envelopes.
type PresencePayload struct {
	Event         string   `json:"event"`
	ParticipantID string   `json:"participant_id"`
	Name          string   `json:"name,omitempty"`
	Kind          string   `json:"kind,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// ErrorPayload is carried by system/error.
type ErrorPayload struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// WelcomeParticipant is one roster entry in a welcome payload. It carries a
// capability summary, never tokens.
type WelcomeParticipant struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"`
}

// WelcomeHistory advertises the history surface to a joining participant.
type WelcomeHistory struct {
	Enabled bool `json:"enabled"`
	Limit   int  `json:"limit"`
}

// WelcomePayload is carried by the single system/welcome envelope sent on
// session accept.
type WelcomePayload struct {
	You          string               `json:"you"`
	Space        string               `json:"space"`
	Participants []WelcomeParticipant `json:"participants"`
	History      WelcomeHistory       `json:"history"`
	Recent       []json.RawMessage    `json:"recent,omitempty"`
	Streams      bool                 `json:"streams"`
}

// DecodeControl unmarshals a control payload after schema validation.
func DecodeControl(kind string, payload json.RawMessage, dst interface{}) error {
	if err := ValidateControl(kind, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return &ParseError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

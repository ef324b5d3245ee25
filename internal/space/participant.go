// Package space implements the MEW topic state machine: participant rows,
// the envelope admission pipeline, fan-out, presence, the runtime
// capability engine (grant/ack/revoke/invite), and the stream table.
//
// All mutable topic state (participants, history ring, streams, grants)
// is serialized behind one mutex per space. The lock is held only for the
// admission pipeline, which is O(participants) and never O(history).
// Sessions hold participant ids, never pointers; lookups go through the
// space.
package space

import (
	"time"

	"github.com/mewspace/gateway/internal/capability"
)

// Participant is an authenticated identity in a space. The row persists
// while the space exists; a live session references it by id.
type Participant struct {
	ID       string
	Name     string
	Kind     string // human | agent | robot | other tag
	Status   string // online | offline
	LastSeen time.Time
	Metadata map[string]string

	// Base is the configured rule set; grants union on top of it.
	// Observes authorizes read-only copies of addressed traffic.
	Base     []capability.Rule
	Observes []capability.Rule

	// rulesVersion invalidates cached capability decisions whenever the
	// effective rule set changes.
	rulesVersion uint64

	grants []*Grant // owned grants, any status
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// GrantStatus is the lifecycle state of a runtime capability grant.
type GrantStatus string

const (
	GrantPendingAck GrantStatus = "pending_ack"
	GrantActive     GrantStatus = "active"
	GrantRevoked    GrantStatus = "revoked"
	GrantExpired    GrantStatus = "expired"
)

// Grant is a capability added to a participant at runtime. It becomes
// active only upon the recipient's own grant-ack.
type Grant struct {
	ID           string
	EnvelopeID   string // id of the capability/grant envelope
	Recipient    string
	GrantedBy    string
	Capabilities []capability.Rule
	Reason       string
	CreatedAt    time.Time
	AckDeadline  time.Time
	ExpiresAt    *time.Time
	Status       GrantStatus
}

// EffectiveRules assembles the participant's current rule set: base rules
// plus every active, unexpired grant.
func (p *Participant) EffectiveRules(now time.Time) []capability.Rule {
	rules := append([]capability.Rule(nil), p.Base...)
	for _, g := range p.grants {
		if g.Status != GrantActive {
			continue
		}
		if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
			continue
		}
		rules = append(rules, g.Capabilities...)
	}
	return rules
}

// bumpRules invalidates cached decisions for this participant.
func (p *Participant) bumpRules() {
	p.rulesVersion++
}

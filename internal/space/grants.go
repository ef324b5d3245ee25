package space

import (
	"time"

	"github.com/google/uuid"

	"github.com/mewspace/gateway/internal/capability"
	"github.com/mewspace/gateway/internal/envelope"
	"github.com/mewspace/gateway/internal/events"
)

// Runtime capability engine: grants, acks, revokes. Grant state is mutated
// only here, under the space lock.

func (s *Space) handleGrant(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	var gp envelope.GrantPayload
	if err := envelope.DecodeControl(envelope.KindCapabilityGrant, e.Payload, &gp); err != nil {
		return nil, false, &AdmissionError{Code: envelope.ErrMalformedEnvelope, Detail: err.Error(), Kind: e.Kind}
	}
	recipient, ok := s.participants[gp.Recipient]
	if !ok {
		return nil, false, &AdmissionError{Code: envelope.ErrUnknownParticipant, Detail: gp.Recipient, Kind: e.Kind}
	}

	g := &Grant{
		ID:           uuid.NewString(),
		EnvelopeID:   e.ID,
		Recipient:    gp.Recipient,
		GrantedBy:    e.From,
		Capabilities: gp.Capabilities,
		Reason:       gp.Reason,
		CreatedAt:    time.Now(),
		AckDeadline:  time.Now().Add(s.cfg.GrantAckTimeout()),
		ExpiresAt:    gp.ExpiresAt,
		Status:       GrantPendingAck,
	}
	s.pendingGrants[e.ID] = g
	recipient.grants = append(recipient.grants, g)

	// The grant reaches its recipient as a normal addressed delivery.
	e.To = []string{gp.Recipient}
	s.logger.Printf("grant %s: %s -> %s (%d rules)", g.ID, g.GrantedBy, g.Recipient, len(g.Capabilities))
	return nil, false, nil
}

// handleGrantAck activates a pending grant. Only the recipient may ack a
// grant addressed to them; the gateway never synthesizes acks on anyone's
// behalf, and an ack with a mismatched from is a capability violation.
func (s *Space) handleGrantAck(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	for _, corr := range e.CorrelationID {
		g, ok := s.pendingGrants[corr]
		if !ok {
			continue
		}
		if e.From != g.Recipient {
			return nil, false, &AdmissionError{
				Code:   envelope.ErrCapabilityViolation,
				Detail: "grant-ack from non-recipient",
				Kind:   e.Kind,
			}
		}
		g.Status = GrantActive
		delete(s.pendingGrants, corr)
		s.participants[g.Recipient].bumpRules()
		s.metrics.GrantsActivated.WithLabelValues(s.name).Inc()
		go s.publish(events.EventGrantActivated, map[string]interface{}{
			"grant_id":  g.ID,
			"recipient": g.Recipient,
			"granter":   g.GrantedBy,
		})
		if len(e.To) == 0 {
			e.To = []string{g.GrantedBy}
		}
		s.logger.Printf("grant %s activated by %s", g.ID, g.Recipient)
		return nil, false, nil
	}

	// A second ack for an already-active grant is a no-op: dropped, not
	// recorded, not delivered.
	for _, corr := range e.CorrelationID {
		if g := s.findGrantByEnvelope(corr); g != nil && g.Status == GrantActive && g.Recipient == e.From {
			return nil, true, nil
		}
	}
	return nil, false, &AdmissionError{
		Code:   envelope.ErrCapabilityViolation,
		Detail: "no pending grant for this ack",
		Kind:   e.Kind,
	}
}

func (s *Space) handleRevoke(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	var rp envelope.RevokePayload
	if err := envelope.DecodeControl(envelope.KindCapabilityRevoke, e.Payload, &rp); err != nil {
		return nil, false, &AdmissionError{Code: envelope.ErrMalformedEnvelope, Detail: err.Error(), Kind: e.Kind}
	}
	recipient, ok := s.participants[rp.Recipient]
	if !ok {
		return nil, false, &AdmissionError{Code: envelope.ErrUnknownParticipant, Detail: rp.Recipient, Kind: e.Kind}
	}

	// Revoke both faces of the rule set: grants whose capability set is
	// covered by the revoke patterns, and matching base rules. Pending
	// grants are revoked too, so a late ack finds nothing to activate.
	for _, g := range recipient.grants {
		if g.Status != GrantActive && g.Status != GrantPendingAck {
			continue
		}
		if coveredBy(g.Capabilities, rp.Capabilities) {
			if g.Status == GrantPendingAck {
				delete(s.pendingGrants, g.EnvelopeID)
			}
			g.Status = GrantRevoked
		}
	}
	kept := recipient.Base[:0]
	for _, base := range recipient.Base {
		if !ruleCoveredBy(base, rp.Capabilities) {
			kept = append(kept, base)
		}
	}
	recipient.Base = kept
	recipient.bumpRules()

	e.To = []string{rp.Recipient}
	go s.publish(events.EventGrantRevoked, map[string]interface{}{
		"recipient":  rp.Recipient,
		"revoked_by": e.From,
	})
	s.logger.Printf("revoked %d pattern(s) from %s", len(rp.Capabilities), rp.Recipient)
	return nil, false, nil
}

func (s *Space) findGrantByEnvelope(envelopeID string) *Grant {
	for _, p := range s.participants {
		for _, g := range p.grants {
			if g.EnvelopeID == envelopeID {
				return g
			}
		}
	}
	return nil
}

// coveredBy reports whether every granted rule conflicts with some revoke
// pattern.
func coveredBy(granted, revoke []capability.Rule) bool {
	for _, g := range granted {
		if !ruleCoveredBy(g, revoke) {
			return false
		}
	}
	return len(granted) > 0
}

func ruleCoveredBy(r capability.Rule, revoke []capability.Rule) bool {
	for _, rv := range revoke {
		if capability.Conflicts(rv, r) {
			return true
		}
	}
	return false
}

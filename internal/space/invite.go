package space

import (
	"time"

	"github.com/mewspace/gateway/internal/auth"
	"github.com/mewspace/gateway/internal/envelope"
	"github.com/mewspace/gateway/internal/events"
)

// Invites mint a brand-new participant row plus its bearer token. The token
// travels in exactly one envelope: the space/invite-ack addressed to the
// inviter. The broadcast presence event, the roster, the welcome payload,
// and the event bus never carry it. Invite-acks are also kept out of the
// history ring, since history is replayed to later joiners.

func (s *Space) handleInvite(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	var ip envelope.InvitePayload
	if err := envelope.DecodeControl(envelope.KindSpaceInvite, e.Payload, &ip); err != nil {
		return nil, false, &AdmissionError{Code: envelope.ErrMalformedEnvelope, Detail: err.Error(), Kind: e.Kind}
	}

	token, p, admErr := s.inviteLocked(ip)
	if admErr != nil {
		admErr.Kind = e.Kind
		return nil, false, admErr
	}

	ack := s.synth(envelope.KindSpaceInviteAck, []string{e.From}, []string{e.ID}, envelope.InviteAckPayload{
		Status:        "created",
		ParticipantID: p.ID,
		Token:         token,
	})
	invited := s.presenceEnvelope(envelope.PresenceInvited, p)

	go s.publish(events.EventParticipantInvited, map[string]interface{}{
		"participant_id": p.ID,
		"invited_by":     e.From,
	})
	return []synthOut{
		{env: ack, record: false},
		{env: invited, record: true},
	}, false, nil
}

// Invite is the REST entry point. It performs the same creation as the
// envelope path and additionally hands the token back to the HTTP caller;
// the inviter's live session, if any, still receives the invite-ack, and
// the space still sees the presence event.
func (s *Space) Invite(inviterID string, ip envelope.InvitePayload) (string, *AdmissionError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[inviterID]; !ok && inviterID != envelope.SystemParticipant {
		return "", &AdmissionError{Code: envelope.ErrUnknownParticipant, Detail: inviterID}
	}
	token, p, admErr := s.inviteLocked(ip)
	if admErr != nil {
		return "", admErr
	}

	if sess, ok := s.sessions[inviterID]; ok {
		ack := s.synth(envelope.KindSpaceInviteAck, []string{inviterID}, nil, envelope.InviteAckPayload{
			Status:        "created",
			ParticipantID: p.ID,
			Token:         token,
		})
		s.deliverLocked(sess, ack)
	}
	invited := s.presenceEnvelope(envelope.PresenceInvited, p)
	s.history.Append(invited)
	s.fanoutLocked(invited)

	go s.publish(events.EventParticipantInvited, map[string]interface{}{
		"participant_id": p.ID,
		"invited_by":     inviterID,
	})
	return token, nil
}

// inviteLocked creates the row and mints the token atomically under the
// space lock. Duplicate ids never re-mint: the existing row keeps its
// tokens.
func (s *Space) inviteLocked(ip envelope.InvitePayload) (string, *Participant, *AdmissionError) {
	if _, exists := s.participants[ip.ParticipantID]; exists {
		return "", nil, &AdmissionError{Code: envelope.ErrAlreadyExists, Detail: ip.ParticipantID}
	}
	if len(s.participants) >= s.cfg.MaxParticipants {
		return "", nil, &AdmissionError{Code: envelope.ErrInternal, Detail: "participant limit reached"}
	}

	kind := ip.Kind
	if kind == "" {
		kind = "agent"
	}
	p := &Participant{
		ID:     ip.ParticipantID,
		Kind:   kind,
		Status: StatusOffline,
		Base:   ip.InitialCapabilities,
	}

	var token string
	if s.tokens != nil {
		var err error
		token, err = s.tokens.Mint(auth.Identity{Space: s.name, ParticipantID: p.ID})
		if err != nil {
			return "", nil, &AdmissionError{Code: envelope.ErrInternal, Detail: "token mint failed"}
		}
	}

	s.participants[p.ID] = p
	s.roster = append(s.roster, p.ID)
	p.LastSeen = time.Time{}
	s.logger.Printf("invited %s (%s) with %d initial rule(s)", p.ID, kind, len(p.Base))
	return token, p, nil
}

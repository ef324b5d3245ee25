package space

import (
	"errors"
	"time"

	"github.com/mewspace/gateway/internal/capability"
	"github.com/mewspace/gateway/internal/envelope"
	"github.com/mewspace/gateway/internal/events"
)

var errUnknownParticipant = errors.New("unknown participant")

// AdmissionError is a rejected ingress envelope. Code is a stable wire
// error code; Detail is human-oriented.
type AdmissionError struct {
	Code   string
	Detail string
	Kind   string // offending envelope kind, when relevant
}

func (e *AdmissionError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// tsSkewTolerance bounds how far a producer clock may drift before the
// gateway restamps ts with its own clock.
const tsSkewTolerance = 60 * time.Second

// synthOut is an envelope synthesized by an internal-kind handler. Most are
// recorded in history like any accepted envelope; invite-acks are not,
// because they carry tokens and history is replayed to later joiners.
type synthOut struct {
	env    *envelope.Envelope
	record bool
}

// Admit runs the admission pipeline for one ingress envelope from
// senderID. On success it returns the stamped envelope as accepted; on
// failure it returns the rejection and, when the sender has a live
// session, delivers the system/error reply to them alone. The whole
// pipeline holds the space lock and is O(participants).
//
// The HTTP injection endpoint and the WebSocket ingress path both land
// here, so the two are observationally equivalent.
func (s *Space) Admit(in *envelope.Envelope, senderID string) (*envelope.Envelope, *AdmissionError) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		s.metrics.AdmissionSeconds.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	}()

	env, admErr := s.admitLocked(in, senderID)
	if admErr != nil {
		s.rejectLocked(senderID, in, admErr)
		return nil, admErr
	}
	return env, nil
}

func (s *Space) admitLocked(in *envelope.Envelope, senderID string) (*envelope.Envelope, *AdmissionError) {
	if s.closed {
		return nil, &AdmissionError{Code: envelope.ErrInternal, Detail: "space closed"}
	}

	sender, ok := s.participants[senderID]
	if !ok {
		return nil, &AdmissionError{Code: envelope.ErrUnknownParticipant, Detail: senderID}
	}

	// Step 1: stamp. The gateway owns from; producers cannot spoof it.
	e := in.Clone()
	e.From = senderID
	if e.ID == "" {
		e.ID = envelope.NewID()
	}
	now := time.Now()
	if e.Ts.IsZero() || e.Ts.Sub(now) > tsSkewTolerance || now.Sub(e.Ts) > tsSkewTolerance {
		e.Ts = now
	}

	// Step 2: protocol version.
	if e.Protocol != envelope.Protocol {
		return nil, &AdmissionError{
			Code:   envelope.ErrProtocolVersionMismatch,
			Detail: e.Protocol,
			Kind:   e.Kind,
		}
	}

	if !s.limiter.allow(senderID, now) {
		return nil, &AdmissionError{Code: envelope.ErrRateLimited, Kind: e.Kind}
	}

	// Step 3: capability. Grant-acks and stream open/close are authorized
	// by the pending grant or stream record they answer, not by a rule;
	// their handlers enforce that. Everything else needs a matching rule.
	if !s.implicitlyAuthorized(e) {
		if !s.allowedLocked(sender, e, now) {
			return nil, &AdmissionError{
				Code:   envelope.ErrCapabilityViolation,
				Detail: "no capability matches " + e.Kind,
				Kind:   e.Kind,
			}
		}
	}

	// Step 4: gateway-internal semantics.
	var synths []synthOut
	if handler := s.internalHandler(e.Kind); handler != nil {
		out, drop, admErr := handler(e)
		if admErr != nil {
			return nil, admErr
		}
		synths = out
		if drop {
			// Accepted but intentionally unrecorded and undelivered
			// (double-ack, ping).
			s.flushSynths(synths)
			return e, nil
		}
	}

	// Steps 5-7: record, then fan out; synthesized envelopes follow the
	// original in admission order.
	sender.LastSeen = now
	s.history.Append(e)
	s.fanoutLocked(e)
	s.metrics.EnvelopesRouted.WithLabelValues(s.name, e.Kind).Inc()
	s.flushSynths(synths)
	return e, nil
}

func (s *Space) flushSynths(synths []synthOut) {
	for _, so := range synths {
		if so.record {
			s.history.Append(so.env)
		}
		s.fanoutLocked(so.env)
	}
}

// rejectLocked reports an admission failure to the offending sender only,
// and mirrors it on the event bus for operators. Dropped envelopes are
// never recorded.
func (s *Space) rejectLocked(senderID string, in *envelope.Envelope, admErr *AdmissionError) {
	s.metrics.EnvelopesRejected.WithLabelValues(s.name, admErr.Code).Inc()
	s.logger.Printf("rejected %s from %s: %s", in.Kind, senderID, admErr.Error())

	var corr []string
	if in.ID != "" {
		corr = []string{in.ID}
	}
	if sess, ok := s.sessions[senderID]; ok {
		s.deliverLocked(sess, s.errorEnvelope(senderID, corr, admErr.Code, admErr.Detail, admErr.Kind))
	}

	go s.publish(events.EventEnvelopeRejected, map[string]interface{}{
		"participant_id": senderID,
		"kind":           in.Kind,
		"reason":         admErr.Code,
	})
}

// allowedLocked answers the capability predicate through the decision
// cache. Decisions are invalidated by the participant's rules version and
// bounded by the cache TTL.
func (s *Space) allowedLocked(p *Participant, e *envelope.Envelope, now time.Time) bool {
	key := capability.Key(p.ID, p.rulesVersion, e.Hash())
	if allowed, ok := s.cache.Get(key); ok {
		s.metrics.MatcherCacheHit.WithLabelValues(s.name, "hit").Inc()
		return allowed
	}
	s.metrics.MatcherCacheHit.WithLabelValues(s.name, "miss").Inc()
	allowed := capability.Allows(p.EffectiveRules(now), e.Kind, e.To, e.Payload)
	s.cache.Put(key, allowed)
	return allowed
}

func (s *Space) implicitlyAuthorized(e *envelope.Envelope) bool {
	switch e.Kind {
	case envelope.KindCapabilityGrantAck, envelope.KindStreamOpen,
		envelope.KindStreamClose, envelope.KindSystemPing:
		return true
	}
	return false
}

type internalHandler func(e *envelope.Envelope) (synths []synthOut, drop bool, admErr *AdmissionError)

func (s *Space) internalHandler(kind string) internalHandler {
	switch kind {
	case envelope.KindCapabilityGrant:
		return s.handleGrant
	case envelope.KindCapabilityGrantAck:
		return s.handleGrantAck
	case envelope.KindCapabilityRevoke:
		return s.handleRevoke
	case envelope.KindSpaceInvite:
		return s.handleInvite
	case envelope.KindStreamRequest:
		return s.handleStreamRequest
	case envelope.KindStreamOpen:
		return s.handleStreamOpen
	case envelope.KindStreamClose:
		return s.handleStreamClose
	case envelope.KindSystemPing:
		return s.handlePing
	default:
		return nil
	}
}

// handlePing answers transport-visible liveness probes at the protocol
// level. Pings are not recorded or fanned out.
func (s *Space) handlePing(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	pong := s.synth(envelope.KindSystemPong, []string{e.From}, []string{e.ID}, map[string]string{})
	return []synthOut{{env: pong}}, true, nil
}

package space

import (
	"time"

	"github.com/google/uuid"

	"github.com/mewspace/gateway/internal/envelope"
	"github.com/mewspace/gateway/internal/events"
	"github.com/mewspace/gateway/internal/stream"
)

// Stream lifecycle. Envelopes orchestrate; binary frames carry the data.
// The space owns the stream table and forwards frames without inspecting
// payload bytes.

func (s *Space) handleStreamRequest(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	var rp envelope.StreamRequestPayload
	if err := envelope.DecodeControl(envelope.KindStreamRequest, e.Payload, &rp); err != nil {
		return nil, false, &AdmissionError{Code: envelope.ErrMalformedEnvelope, Detail: err.Error(), Kind: e.Kind}
	}

	rec := &stream.Record{
		Direction:    stream.Direction(rp.Direction),
		Owner:        e.From, // requester until an opener takes over
		Participants: rp.Participants,
		Description:  rp.Description,
		State:        stream.StateRequested,
		RequestID:    e.ID,
		RequestedAt:  time.Now(),
	}

	// Requests addressed to the gateway (or broadcast) are opened on the
	// gateway's own authority; the capability check already passed.
	if len(e.To) == 0 || containsString(e.To, envelope.SystemParticipant) {
		rec.StreamID = uuid.NewString()
		rec.State = stream.StateOpen
		rec.OpenedAt = time.Now()
		s.streams[rec.StreamID] = rec
		open := s.synth(envelope.KindStreamOpen, []string{e.From}, []string{e.ID}, envelope.StreamOpenPayload{
			StreamID:  rec.StreamID,
			Direction: string(rec.Direction),
		})
		go s.publish(events.EventStreamOpened, map[string]interface{}{
			"stream_id": rec.StreamID,
			"owner":     rec.Owner,
		})
		s.logger.Printf("stream %s opened by gateway for %s (%s)", rec.StreamID, e.From, rec.Direction)
		return []synthOut{{env: open, record: true}}, false, nil
	}

	rec.Addressees = e.To
	s.pendingStreams[e.ID] = rec
	return nil, false, nil
}

// handleStreamOpen promotes a pending request. The opener needs no
// stream/open rule; being addressed by the request is the authorization,
// so opens from anyone outside the request's To are rejected.
func (s *Space) handleStreamOpen(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	var op envelope.StreamOpenPayload
	if err := envelope.DecodeControl(envelope.KindStreamOpen, e.Payload, &op); err != nil {
		return nil, false, &AdmissionError{Code: envelope.ErrMalformedEnvelope, Detail: err.Error(), Kind: e.Kind}
	}

	var rec *stream.Record
	var reqID string
	for _, corr := range e.CorrelationID {
		if r, ok := s.pendingStreams[corr]; ok {
			rec, reqID = r, corr
			break
		}
	}
	if rec == nil {
		return nil, false, &AdmissionError{
			Code:   envelope.ErrCapabilityViolation,
			Detail: "stream/open without a pending request",
			Kind:   e.Kind,
		}
	}
	if !rec.MayOpen(e.From) {
		return nil, false, &AdmissionError{
			Code:   envelope.ErrCapabilityViolation,
			Detail: "stream/open from a participant the request was not addressed to",
			Kind:   e.Kind,
		}
	}
	if _, taken := s.streams[op.StreamID]; taken {
		return nil, false, &AdmissionError{Code: envelope.ErrAlreadyExists, Detail: op.StreamID, Kind: e.Kind}
	}

	requester := rec.Owner
	rec.StreamID = op.StreamID
	rec.Owner = e.From
	rec.State = stream.StateOpen
	rec.OpenedAt = time.Now()
	if !containsString(rec.Participants, requester) {
		rec.Participants = append(rec.Participants, requester)
	}
	delete(s.pendingStreams, reqID)
	s.streams[rec.StreamID] = rec

	if len(e.To) == 0 {
		e.To = []string{requester}
	}
	go s.publish(events.EventStreamOpened, map[string]interface{}{
		"stream_id": rec.StreamID,
		"owner":     rec.Owner,
	})
	s.logger.Printf("stream %s open: %s <-> %s", rec.StreamID, rec.Owner, requester)
	return nil, false, nil
}

func (s *Space) handleStreamClose(e *envelope.Envelope) ([]synthOut, bool, *AdmissionError) {
	var cp envelope.StreamClosePayload
	if err := envelope.DecodeControl(envelope.KindStreamClose, e.Payload, &cp); err != nil {
		return nil, false, &AdmissionError{Code: envelope.ErrMalformedEnvelope, Detail: err.Error(), Kind: e.Kind}
	}

	rec, ok := s.streams[cp.StreamID]
	if !ok {
		// Unknown or already closed: dropped silently, like frames.
		return nil, true, nil
	}
	if !rec.Allowed(e.From) {
		return nil, false, &AdmissionError{
			Code:   envelope.ErrCapabilityViolation,
			Detail: "not a participant of stream " + cp.StreamID,
			Kind:   e.Kind,
		}
	}

	delete(s.streams, cp.StreamID)
	rec.State = stream.StateClosed
	if len(e.To) == 0 {
		e.To = rec.Peers(e.From)
	}
	go s.publish(events.EventStreamClosed, map[string]interface{}{
		"stream_id": cp.StreamID,
		"closed_by": e.From,
	})
	return nil, false, nil
}

// closeStreamLocked synthesizes the close when the gateway tears a stream
// down itself (owner disconnect, shutdown). Caller holds s.mu and has
// already removed the record.
func (s *Space) closeStreamLocked(rec *stream.Record, reason string) {
	rec.State = stream.StateClosed
	to := rec.Peers(rec.Owner)
	if len(to) == 0 {
		return
	}
	closeEnv := s.synth(envelope.KindStreamClose, to, nil, envelope.StreamClosePayload{
		StreamID: rec.StreamID,
		Reason:   reason,
	})
	s.history.Append(closeEnv)
	s.fanoutLocked(closeEnv)
	go s.publish(events.EventStreamClosed, map[string]interface{}{
		"stream_id": rec.StreamID,
		"closed_by": envelope.SystemParticipant,
		"reason":    reason,
	})
}

// ForwardFrame relays one binary frame. The gateway reads only the header;
// payload bytes pass through untouched and in arrival order. Frames for
// unknown or closed streams, or from participants outside the stream, are
// dropped silently.
func (s *Space) ForwardFrame(senderID string, frame []byte) {
	streamID, data, err := stream.DecodeFrame(frame)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.streams[streamID]
	if !ok || rec.State != stream.StateOpen || !rec.Allowed(senderID) {
		return
	}
	for _, pid := range rec.Peers(senderID) {
		if sess, ok := s.sessions[pid]; ok {
			s.enqueueLocked(sess, OutFrame{Binary: true, Data: frame})
		}
	}
	s.metrics.StreamBytesTotal.WithLabelValues(s.name, string(rec.Direction)).Add(float64(len(data)))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

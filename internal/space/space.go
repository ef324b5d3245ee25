package space

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mewspace/gateway/internal/auth"
	"github.com/mewspace/gateway/internal/capability"
	"github.com/mewspace/gateway/internal/config"
	"github.com/mewspace/gateway/internal/envelope"
	"github.com/mewspace/gateway/internal/events"
	"github.com/mewspace/gateway/internal/history"
	"github.com/mewspace/gateway/internal/metrics"
	"github.com/mewspace/gateway/internal/stream"
)

// Deps are the gateway-wide collaborators a space publishes to.
type Deps struct {
	Metrics *metrics.Metrics
	Bus     events.Bus
	Tokens  *auth.Store
}

// Space is one topic: the authority over its participant rows, history
// ring, stream table, and grants.
type Space struct {
	name      string
	cfg       config.SpaceConfig
	startTime time.Time

	mu             sync.Mutex
	participants   map[string]*Participant
	roster         []string // join order
	sessions       map[string]*Session
	history        *history.Ring
	streams        map[string]*stream.Record // open, by stream id
	pendingStreams map[string]*stream.Record // requested, by request envelope id
	pendingGrants  map[string]*Grant         // by grant envelope id
	closed         bool

	lastHeartbeat time.Time
	evictionsSeen uint64 // ring evictions already counted into metrics

	limiter *rateLimiter
	cache   *capability.Cache
	metrics *metrics.Metrics
	bus     events.Bus
	tokens  *auth.Store
	logger  *log.Logger
}

// New builds a space from configuration. Participant rows and their tokens
// are materialized immediately; sessions attach later.
func New(cfg config.SpaceConfig, deps Deps) *Space {
	s := &Space{
		name:           cfg.Name,
		cfg:            cfg,
		startTime:      time.Now(),
		participants:   make(map[string]*Participant),
		sessions:       make(map[string]*Session),
		history:        history.NewRing(cfg.HistoryLimit, cfg.HistoryMaxBytes),
		streams:        make(map[string]*stream.Record),
		pendingStreams: make(map[string]*stream.Record),
		pendingGrants:  make(map[string]*Grant),
		limiter:        newRateLimiter(cfg.RateLimitPerMinute),
		cache:          capability.NewCache(4096, 5*time.Second),
		metrics:        deps.Metrics,
		bus:            deps.Bus,
		tokens:         deps.Tokens,
		logger:         log.New(log.Writer(), fmt.Sprintf("[Space:%s] ", cfg.Name), log.LstdFlags),
	}
	if s.bus == nil {
		s.bus = events.NopBus{}
	}
	for _, pc := range cfg.Participants {
		p := &Participant{
			ID:       pc.ID,
			Name:     pc.Name,
			Kind:     pc.Kind,
			Status:   StatusOffline,
			Base:     pc.Capabilities,
			Observes: pc.Observes,
		}
		s.participants[pc.ID] = p
		s.roster = append(s.roster, pc.ID)
		if s.tokens != nil {
			for _, tok := range pc.Tokens {
				id := auth.Identity{Space: cfg.Name, ParticipantID: pc.ID}
				if auth.IsBcryptHash(tok) {
					s.tokens.RegisterBcrypt(tok, id)
				} else {
					s.tokens.Register(tok, id)
				}
			}
		}
	}
	return s
}

// Name returns the space name.
func (s *Space) Name() string { return s.name }

// Config returns the space configuration.
func (s *Space) Config() config.SpaceConfig { return s.cfg }

// Run drives the space scheduler: heartbeats, grant and stream expiry,
// slow-consumer eviction, window sweeps. Returns when ctx is done.
func (s *Space) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Space) tick(now time.Time) {
	s.limiter.sweep(now)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	// Grant ack timeouts expire silently; the grantor may re-issue.
	for envID, g := range s.pendingGrants {
		if now.After(g.AckDeadline) {
			g.Status = GrantExpired
			delete(s.pendingGrants, envID)
			s.metrics.GrantsExpired.WithLabelValues(s.name).Inc()
			s.logger.Printf("grant %s to %s expired unacked", g.ID, g.Recipient)
		}
	}

	// Stream requests that never saw an open.
	for reqID, rec := range s.pendingStreams {
		if now.Sub(rec.RequestedAt) > s.cfg.StreamOpenTimeout() {
			delete(s.pendingStreams, reqID)
		}
	}

	// Slow consumers past the drain budget are evicted; their leave is
	// emitted exactly once by Disconnect.
	var evict []*Session
	for _, sess := range s.sessions {
		if !sess.breachedAt.IsZero() && now.Sub(sess.breachedAt) > s.cfg.SlowConsumerBudget() {
			evict = append(evict, sess)
		}
	}

	heartbeat := now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatInterval()
	var online []*Participant
	if heartbeat {
		s.lastHeartbeat = now
		for _, pid := range s.roster {
			p := s.participants[pid]
			if p.Status == StatusOnline {
				online = append(online, p)
			}
		}
	}

	// Protocol-level heartbeats, independent of transport pings. Emitted
	// on behalf of each live participant; not recorded in history.
	for _, p := range online {
		hb := s.presenceEnvelope(envelope.PresenceHeartbeat, p)
		hb.From = p.ID
		s.fanoutLocked(hb)
	}

	s.metrics.HistorySize.WithLabelValues(s.name).Set(float64(s.history.Len()))
	if ev := s.history.Evicted(); ev > s.evictionsSeen {
		s.metrics.HistoryEvictions.WithLabelValues(s.name).Add(float64(ev - s.evictionsSeen))
		s.evictionsSeen = ev
	}
	s.metrics.StreamsOpen.WithLabelValues(s.name).Set(float64(len(s.streams)))
	s.mu.Unlock()

	for _, sess := range evict {
		s.metrics.SessionsEvicted.WithLabelValues(s.name, envelope.ErrSlowConsumer).Inc()
		s.publish(events.EventSlowConsumer, map[string]interface{}{
			"participant_id": sess.ParticipantID,
		})
		s.logger.Printf("evicting slow consumer %s", sess.ParticipantID)
		sess.Close(envelope.ErrSlowConsumer)
	}
}

// Connect attaches a live session to a participant row. Exactly one
// system/welcome is queued before anything else, then presence/join is
// broadcast. An older live session for the same participant is displaced.
func (s *Space) Connect(participantID string) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("space %s closed", s.name)
	}
	p, ok := s.participants[participantID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", participantID, errUnknownParticipant)
	}

	displaced := s.sessions[participantID]
	if displaced != nil {
		delete(s.sessions, participantID)
		p.Status = StatusOffline
		leave := s.presenceEnvelope(envelope.PresenceLeave, p)
		leave.From = p.ID
		s.history.Append(leave)
		s.fanoutLocked(leave)
	}

	sess := newSession(s, participantID)
	s.sessions[participantID] = sess
	p.Status = StatusOnline
	p.LastSeen = time.Now()

	s.deliverLocked(sess, s.welcomeEnvelope(p))

	join := s.presenceEnvelope(envelope.PresenceJoin, p)
	join.From = p.ID
	s.history.Append(join)
	s.fanoutLocked(join)
	s.metrics.SessionsConnected.WithLabelValues(s.name).Set(float64(len(s.sessions)))
	s.mu.Unlock()

	if displaced != nil {
		displaced.Close("displaced")
	}
	s.publish(events.EventParticipantJoined, map[string]interface{}{
		"participant_id": participantID,
	})
	slog.Info("participant connected", "space", s.name, "participant", participantID)
	return sess, nil
}

// Disconnect detaches a session. The presence/leave is emitted once even if
// both the transport close and an eviction race here; streams owned by the
// participant are closed with synthetic stream/close envelopes.
func (s *Space) Disconnect(sess *Session, reason string) {
	s.mu.Lock()
	current, ok := s.sessions[sess.ParticipantID]
	if !ok || current != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.ParticipantID)
	p := s.participants[sess.ParticipantID]
	p.Status = StatusOffline
	p.LastSeen = time.Now()

	for id, rec := range s.streams {
		if rec.Owner == sess.ParticipantID {
			delete(s.streams, id)
			s.closeStreamLocked(rec, "owner_disconnected")
		}
	}

	leave := s.presenceEnvelope(envelope.PresenceLeave, p)
	leave.From = p.ID
	s.history.Append(leave)
	s.fanoutLocked(leave)
	s.metrics.SessionsConnected.WithLabelValues(s.name).Set(float64(len(s.sessions)))
	s.mu.Unlock()

	s.publish(events.EventParticipantLeft, map[string]interface{}{
		"participant_id": sess.ParticipantID,
		"reason":         reason,
	})
	slog.Info("participant disconnected", "space", s.name,
		"participant", sess.ParticipantID, "reason", reason)
}

// HasParticipant reports whether a participant row exists.
func (s *Space) HasParticipant(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[id]
	return ok
}

// History answers a paginated query over the ring.
func (s *Space) History(q history.Query) []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Select(q)
}

// RosterEntry is a participant summary safe for external eyes.
type RosterEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
	LastSeen     string   `json:"last_seen,omitempty"`
}

// Roster lists participants in join order. Tokens never appear.
func (s *Space) Roster() []RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]RosterEntry, 0, len(s.roster))
	for _, pid := range s.roster {
		p := s.participants[pid]
		e := RosterEntry{
			ID:           p.ID,
			Name:         p.Name,
			Kind:         p.Kind,
			Status:       p.Status,
			Capabilities: capability.Summary(p.EffectiveRules(now)),
		}
		if !p.LastSeen.IsZero() {
			e.LastSeen = p.LastSeen.UTC().Format(time.RFC3339)
		}
		out = append(out, e)
	}
	return out
}

// fanoutLocked computes the recipient set for an accepted envelope and
// try-sends to each recipient's queue. Caller holds s.mu.
//
// Addressed envelopes reach exactly the present participants listed in To;
// non-existent ids are dropped, not errored. Broadcast reaches every
// present participant except the sender. Observers, meaning present
// participants with a matching observe rule who are neither sender nor
// recipient, get a read-only copy of addressed traffic.
func (s *Space) fanoutLocked(env *envelope.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.logger.Printf("encode failed for %s: %v", env.ID, err)
		return
	}

	delivered := make(map[string]bool, len(s.sessions))
	if len(env.To) > 0 {
		for _, pid := range env.To {
			if pid == env.From {
				continue
			}
			if sess, ok := s.sessions[pid]; ok && !delivered[pid] {
				s.enqueueLocked(sess, OutFrame{Data: data})
				delivered[pid] = true
			}
		}
		for pid, sess := range s.sessions {
			if delivered[pid] || pid == env.From {
				continue
			}
			p := s.participants[pid]
			if capability.Allows(p.Observes, env.Kind, env.To, env.Payload) {
				s.enqueueLocked(sess, OutFrame{Data: data})
				delivered[pid] = true
			}
		}
		return
	}

	for pid, sess := range s.sessions {
		if pid == env.From {
			continue
		}
		s.enqueueLocked(sess, OutFrame{Data: data})
	}
}

// deliverLocked sends one envelope to one session only.
func (s *Space) deliverLocked(sess *Session, env *envelope.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.logger.Printf("encode failed for %s: %v", env.ID, err)
		return
	}
	s.enqueueLocked(sess, OutFrame{Data: data})
}

// enqueueLocked is the only enqueue path: a try-send that never blocks
// under the space lock. Overflow marks the session breached; the scheduler
// evicts it if the breach outlives the drain budget.
func (s *Space) enqueueLocked(sess *Session, f OutFrame) {
	select {
	case sess.send <- f:
		sess.breachedAt = time.Time{}
	default:
		if sess.breachedAt.IsZero() {
			sess.breachedAt = time.Now()
			s.logger.Printf("outbound queue full for %s", sess.ParticipantID)
		}
	}
}

// synth builds a gateway-originated envelope. Synthesized envelopes bypass
// the capability check.
func (s *Space) synth(kind string, to []string, correlation []string, payload interface{}) *envelope.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return &envelope.Envelope{
		Protocol:      envelope.Protocol,
		ID:            envelope.NewID(),
		Ts:            time.Now(),
		From:          envelope.SystemParticipant,
		To:            to,
		Kind:          kind,
		CorrelationID: correlation,
		Payload:       raw,
	}
}

func (s *Space) presenceEnvelope(event string, p *Participant) *envelope.Envelope {
	payload := envelope.PresencePayload{
		Event:         event,
		ParticipantID: p.ID,
		Name:          p.Name,
		Kind:          p.Kind,
	}
	if event == envelope.PresenceJoin || event == envelope.PresenceInvited {
		payload.Capabilities = capability.Summary(p.EffectiveRules(time.Now()))
	}
	return s.synth(envelope.KindPresence, nil, nil, payload)
}

func (s *Space) welcomeEnvelope(p *Participant) *envelope.Envelope {
	now := time.Now()
	roster := make([]envelope.WelcomeParticipant, 0, len(s.roster))
	for _, pid := range s.roster {
		row := s.participants[pid]
		roster = append(roster, envelope.WelcomeParticipant{
			ID:           row.ID,
			Name:         row.Name,
			Kind:         row.Kind,
			Status:       row.Status,
			Capabilities: capability.Summary(row.EffectiveRules(now)),
		})
	}

	recent := s.history.Tail(s.cfg.WelcomeHistoryLimit)
	raws := make([]json.RawMessage, 0, len(recent))
	for _, env := range recent {
		if b, err := env.Encode(); err == nil {
			raws = append(raws, b)
		}
	}

	w := s.synth(envelope.KindSystemWelcome, []string{p.ID}, nil, envelope.WelcomePayload{
		You:          p.ID,
		Space:        s.name,
		Participants: roster,
		History: envelope.WelcomeHistory{
			Enabled: true,
			Limit:   s.cfg.WelcomeHistoryLimit,
		},
		Recent:  raws,
		Streams: true,
	})
	return w
}

// errorEnvelope builds the system/error reply for an admission failure,
// addressed only to the offender.
func (s *Space) errorEnvelope(to string, correlation []string, code, detail, kind string) *envelope.Envelope {
	return s.synth(envelope.KindSystemError, []string{to}, correlation, envelope.ErrorPayload{
		Error:  code,
		Detail: detail,
		Kind:   kind,
	})
}

func (s *Space) publish(t events.Type, payload map[string]interface{}) {
	ev := &events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Space:     s.name,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := s.bus.Publish(context.Background(), ev); err != nil {
		slog.Debug("event publish failed", "type", t, "error", err)
	}
}

// Close shuts the space down, closing every session.
func (s *Space) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close("shutdown")
	}
}

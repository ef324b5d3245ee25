// Package httpapi is the REST admin surface of the gateway: health, dev
// token minting, roster and history reads, envelope injection, and the
// WebSocket mount. Every endpoint except health requires bearer auth.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mewspace/gateway/internal/auth"
	"github.com/mewspace/gateway/internal/config"
	"github.com/mewspace/gateway/internal/envelope"
	"github.com/mewspace/gateway/internal/history"
	"github.com/mewspace/gateway/internal/middleware"
	"github.com/mewspace/gateway/internal/space"
)

// Server wires the admin endpoints over the space registry.
type Server struct {
	registry  *space.Registry
	tokens    *auth.Store
	env       string
	devTokens bool
	startTime time.Time
}

// NewServer builds the admin surface.
func NewServer(cfg *config.Config, registry *space.Registry, tokens *auth.Store) *Server {
	return &Server{
		registry:  registry,
		tokens:    tokens,
		env:       cfg.Gateway.Env,
		devTokens: cfg.Gateway.EnableDevToken && cfg.Gateway.Env != "production",
		startTime: time.Now(),
	}
}

// Router assembles the route table. The WebSocket endpoint is mounted at
// both /v0/ws and /ws; they are the same handler.
func (s *Server) Router(allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/ratelimit", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, limiter.Stats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/v0/ws", s.registry.HandleWebSocket)
	r.HandleFunc("/ws", s.registry.HandleWebSocket)

	v0 := r.PathPrefix("/v0").Subrouter()
	v0.HandleFunc("/auth/token", s.handleMintToken).Methods(http.MethodPost)
	v0.HandleFunc("/topics/{topic}/participants", s.handleRoster).Methods(http.MethodGet)
	v0.HandleFunc("/topics/{topic}/participants", s.handleInvite).Methods(http.MethodPost)
	v0.HandleFunc("/topics/{topic}/history", s.handleHistory).Methods(http.MethodGet)

	r.HandleFunc("/participants/{pid}/messages", s.handleInject).Methods(http.MethodPost)

	r.Use(middleware.CORS(allowedOrigins))
	r.Use(middleware.Logging)
	r.Use(limiter.Middleware)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "mew-gateway",
		"protocol":       envelope.Protocol,
		"spaces":         len(s.registry.Names()),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

type mintRequest struct {
	Space         string `json:"space"`
	ParticipantID string `json:"participant_id"`
}

// handleMintToken mints a bearer token for an existing participant row.
// Development convenience only; the route answers 404 in production so the
// surface is indistinguishable from an unrouted path.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	if !s.devTokens {
		http.NotFound(w, r)
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRejected(w, http.StatusBadRequest, envelope.ErrMalformedEnvelope, err.Error())
		return
	}
	sp, ok := s.registry.Get(req.Space)
	if !ok {
		writeRejected(w, http.StatusNotFound, envelope.ErrUnknownParticipant, "unknown space "+req.Space)
		return
	}
	if !sp.HasParticipant(req.ParticipantID) {
		writeRejected(w, http.StatusNotFound, envelope.ErrUnknownParticipant, req.ParticipantID)
		return
	}

	token, err := s.tokens.Mint(auth.Identity{Space: req.Space, ParticipantID: req.ParticipantID})
	if err != nil {
		writeRejected(w, http.StatusInternalServerError, envelope.ErrInternal, "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":          token,
		"space":          req.Space,
		"participant_id": req.ParticipantID,
		"expires_in":     int(auth.DevTokenTTL.Seconds()),
	})
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	sp, _, ok := s.authorize(w, r, topic)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"space":        topic,
		"participants": sp.Roster(),
	})
}

// handleInvite creates a participant over REST. The response carries the
// minted token; this is the only place besides the invite-ack envelope where
// a token crosses the wire.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	sp, identity, ok := s.authorize(w, r, topic)
	if !ok {
		return
	}

	var ip envelope.InvitePayload
	if err := json.NewDecoder(r.Body).Decode(&ip); err != nil {
		writeRejected(w, http.StatusBadRequest, envelope.ErrMalformedEnvelope, err.Error())
		return
	}
	if ip.ParticipantID == "" {
		writeRejected(w, http.StatusBadRequest, envelope.ErrMalformedEnvelope, "participant_id is required")
		return
	}

	token, admErr := sp.Invite(identity.ParticipantID, ip)
	if admErr != nil {
		status := http.StatusBadRequest
		if admErr.Code == envelope.ErrAlreadyExists {
			status = http.StatusConflict
		}
		writeRejected(w, status, admErr.Code, admErr.Detail)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":         "created",
		"participant_id": ip.ParticipantID,
		"token":          token,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	sp, _, ok := s.authorize(w, r, topic)
	if !ok {
		return
	}

	q := history.Query{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeRejected(w, http.StatusBadRequest, envelope.ErrMalformedEnvelope, "invalid limit")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("before"); v != "" {
		// Accepts either an envelope id or an RFC3339 timestamp.
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.BeforeTs = ts
		} else {
			q.BeforeID = v
		}
	}

	envs := sp.History(q)
	raws := make([]json.RawMessage, 0, len(envs))
	for _, e := range envs {
		if b, err := e.Encode(); err == nil {
			raws = append(raws, b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"space":     topic,
		"count":     len(raws),
		"envelopes": raws,
	})
}

// handleInject runs the full admission pipeline for an envelope posted over
// HTTP, exactly as if pid had sent it over WebSocket. The bearer token must
// resolve to pid itself.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["pid"]
	spaceName := r.URL.Query().Get("space")
	if spaceName == "" {
		writeRejected(w, http.StatusBadRequest, envelope.ErrMalformedEnvelope, "missing space parameter")
		return
	}
	sp, identity, ok := s.authorize(w, r, spaceName)
	if !ok {
		return
	}
	if identity.ParticipantID != pid {
		writeRejected(w, http.StatusForbidden, envelope.ErrCapabilityViolation,
			"token does not belong to "+pid)
		return
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	buf, err := io.ReadAll(body)
	if err != nil {
		writeRejected(w, http.StatusBadRequest, envelope.ErrMalformedEnvelope, err.Error())
		return
	}
	env, perr := envelope.Parse(buf)
	if perr != nil {
		writeRejected(w, http.StatusBadRequest, envelope.ErrMalformedEnvelope, perr.Error())
		return
	}

	accepted, admErr := sp.Admit(env, pid)
	if admErr != nil {
		writeRejected(w, http.StatusUnprocessableEntity, admErr.Code, admErr.Detail)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "accepted",
		"id":     accepted.ID,
	})
}

// authorize resolves the bearer token against the named space. On failure
// it has already written the response.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, spaceName string) (*space.Space, auth.Identity, bool) {
	sp, ok := s.registry.Get(spaceName)
	if !ok {
		writeRejected(w, http.StatusNotFound, envelope.ErrUnknownParticipant, "unknown space "+spaceName)
		return nil, auth.Identity{}, false
	}
	token := auth.BearerFromHeader(r.Header.Get("Authorization"))
	identity, err := s.tokens.Resolve(spaceName, token)
	if err != nil {
		writeRejected(w, http.StatusUnauthorized, envelope.ErrUnknownParticipant, "invalid token")
		return nil, auth.Identity{}, false
	}
	return sp, identity, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRejected emits the wire error shape shared with system/error
// envelopes.
func writeRejected(w http.ResponseWriter, status int, code, detail string) {
	body := map[string]string{
		"status": "rejected",
		"error":  code,
	}
	if detail != "" {
		body["detail"] = detail
	}
	writeJSON(w, status, body)
}

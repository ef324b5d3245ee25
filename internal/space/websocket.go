package space

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mewspace/gateway/internal/auth"
	"github.com/mewspace/gateway/internal/envelope"
)

const (
	// Transport-level liveness: a ping every pingPeriod, closed after two
	// go unanswered. Independent of protocol presence heartbeats.
	pingPeriod = 30 * time.Second
	pongWait   = 65 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 1 << 20 // 1 MiB per frame
)

// HandleWebSocket is the primary session endpoint: upgrade, authenticate,
// bind to a participant row, then hand the connection to the pumps. All
// writes go through the session queue and the write pump; the read pump is
// the only reader. Ingress is serialized: one envelope completes the
// admission pipeline before the next frame is read.
func (r *Registry) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	spaceName := req.URL.Query().Get("space")
	if spaceName == "" {
		http.Error(w, "missing space parameter", http.StatusBadRequest)
		return
	}
	sp, ok := r.Get(spaceName)
	if !ok {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}

	token := auth.BearerFromHeader(req.Header.Get("Authorization"))
	if token == "" {
		// Browsers cannot set headers on WebSocket dials.
		token = req.URL.Query().Get("token")
	}
	identity, err := r.deps.Tokens.Resolve(spaceName, token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader().Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "space", spaceName, "error", err)
		return
	}

	sess, err := sp.Connect(identity.ParticipantID)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go writePump(conn, sess)
	go readPump(conn, sp, sess)
}

// upgrader builds the WebSocket upgrader with origin validation. In
// production only configured origins are accepted; elsewhere all origins
// are allowed.
func (r *Registry) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(r.allowedOrigins))
	for _, o := range r.allowedOrigins {
		allowed[o] = true
	}
	production := r.env == "production"
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			if !production || len(allowed) == 0 {
				return true
			}
			origin := req.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin.
				return true
			}
			return allowed[origin]
		},
	}
}

// writePump owns every write on the connection: queued frames, pings, and
// the final close frame carrying the session's close reason.
func writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if f.Binary {
				msgType = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(msgType, f.Data); err != nil {
				sess.Close("transport_error")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close("transport_error")
				return
			}

		case <-sess.Done():
			// Drain what fit the queue before saying goodbye.
			for {
				select {
				case f := <-sess.Outbound():
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					msgType := websocket.TextMessage
					if f.Binary {
						msgType = websocket.BinaryMessage
					}
					if conn.WriteMessage(msgType, f.Data) != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(closeCode(sess.CloseReason()), sess.CloseReason()))
					return
				}
			}
		}
	}
}

// readPump is the only reader. Text frames run the admission pipeline;
// binary frames go to the stream forwarder.
func readPump(conn *websocket.Conn, sp *Space, sess *Session) {
	defer sess.Close("transport_close")

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "participant", sess.ParticipantID, "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			sp.ForwardFrame(sess.ParticipantID, payload)
		case websocket.TextMessage:
			env, err := envelope.Parse(payload)
			if err != nil {
				sp.ReportMalformed(sess, err.Error())
				continue
			}
			sp.Admit(env, sess.ParticipantID)
		}
	}
}

// ReportMalformed answers undecodable input with a system/error to the
// offending session only. Nothing is recorded.
func (s *Space) ReportMalformed(sess *Session, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.EnvelopesRejected.WithLabelValues(s.name, envelope.ErrMalformedEnvelope).Inc()
	s.deliverLocked(sess, s.errorEnvelope(sess.ParticipantID, nil, envelope.ErrMalformedEnvelope, detail, ""))
}

func closeCode(reason string) int {
	switch reason {
	case envelope.ErrSlowConsumer, "displaced":
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}

package space

import (
	"sync"
	"time"
)

// sendBuffer is the per-session outbound high-water mark. Envelopes either
// fit the queue or the session is eventually evicted as a slow consumer;
// they are never silently skipped while the session stays healthy.
const sendBuffer = 256

// OutFrame is one outbound transport frame: a JSON envelope (text) or a
// stream chunk (binary).
type OutFrame struct {
	Binary bool
	Data   []byte
}

// Session is the per-connection handle. It owns the bounded outbound queue;
// the transport layer drains it from a single writer goroutine. Ingress is
// serialized by the transport: one envelope runs the full admission
// pipeline before the next is read.
type Session struct {
	ParticipantID string

	space *Space
	send  chan OutFrame
	done  chan struct{}
	once  sync.Once

	closeMu     sync.Mutex
	closeReason string

	// breachedAt marks when the queue first overflowed; zero when healthy.
	// Guarded by space.mu.
	breachedAt time.Time

	createdAt time.Time
}

func newSession(s *Space, participantID string) *Session {
	return &Session{
		ParticipantID: participantID,
		space:         s,
		send:          make(chan OutFrame, sendBuffer),
		done:          make(chan struct{}),
		createdAt:     time.Now(),
	}
}

// Outbound is the transport's read side of the queue.
func (sess *Session) Outbound() <-chan OutFrame { return sess.send }

// Done closes when the session is finished; the transport uses it to stop
// its write pump.
func (sess *Session) Done() <-chan struct{} { return sess.done }

// CloseReason reports why the session ended, once closed.
func (sess *Session) CloseReason() string {
	sess.closeMu.Lock()
	defer sess.closeMu.Unlock()
	return sess.closeReason
}

// Close detaches the session from its space exactly once. Safe to call
// from the transport, the scheduler, and displacement concurrently.
func (sess *Session) Close(reason string) {
	sess.once.Do(func() {
		sess.closeMu.Lock()
		sess.closeReason = reason
		sess.closeMu.Unlock()
		close(sess.done)
		sess.space.Disconnect(sess, reason)
	})
}

// Package history implements the per-space bounded envelope ring.
//
// The ring retains accepted envelopes in insertion order, bounded by both a
// count cap and a byte budget; whichever is hit first evicts FIFO. Nothing
// here is persisted; the ring is reconstructed empty on restart.
package history

import (
	"time"

	"github.com/mewspace/gateway/internal/envelope"
)

// DefaultLimit and DefaultMaxBytes bound a ring when the space config does
// not override them.
const (
	DefaultLimit    = 1000
	DefaultMaxBytes = 10 << 20 // 10 MiB
)

type entry struct {
	env  *envelope.Envelope
	size int
}

// Ring is a single-writer bounded ring. The owning space serializes writes
// behind its lock; Ring itself does no locking.
type Ring struct {
	entries  []entry
	maxCount int
	maxBytes int
	bytes    int
	evicted  uint64
}

// Query selects a page of history.
type Query struct {
	Limit    int
	BeforeID string
	BeforeTs time.Time
}

// NewRing builds a ring with the given caps. Non-positive caps fall back to
// the defaults.
func NewRing(maxCount, maxBytes int) *Ring {
	if maxCount <= 0 {
		maxCount = DefaultLimit
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Ring{maxCount: maxCount, maxBytes: maxBytes}
}

// Append records an accepted envelope, evicting the oldest entries until
// both caps hold again.
func (r *Ring) Append(env *envelope.Envelope) {
	e := entry{env: env, size: env.Size()}
	r.entries = append(r.entries, e)
	r.bytes += e.size
	for len(r.entries) > r.maxCount || (r.bytes > r.maxBytes && len(r.entries) > 1) {
		r.bytes -= r.entries[0].size
		r.entries[0] = entry{}
		r.entries = r.entries[1:]
		r.evicted++
	}
}

// Len reports the number of retained envelopes.
func (r *Ring) Len() int { return len(r.entries) }

// Bytes reports the retained byte total.
func (r *Ring) Bytes() int { return r.bytes }

// Evicted reports how many envelopes have aged out since creation.
func (r *Ring) Evicted() uint64 { return r.evicted }

// Snapshot returns all retained envelopes in insertion order.
func (r *Ring) Snapshot() []*envelope.Envelope {
	out := make([]*envelope.Envelope, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.env
	}
	return out
}

// Tail returns up to n of the most recent envelopes in insertion order.
func (r *Ring) Tail(n int) []*envelope.Envelope {
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]*envelope.Envelope, 0, n)
	for _, e := range r.entries[len(r.entries)-n:] {
		out = append(out, e.env)
	}
	return out
}

// Select answers a paginated query. With BeforeID set, the result is the
// Limit envelopes immediately preceding that id in insertion order; when
// both BeforeID and BeforeTs are supplied, BeforeID wins. An unknown
// BeforeID yields an empty page.
func (r *Ring) Select(q Query) []*envelope.Envelope {
	limit := q.Limit
	if limit <= 0 {
		limit = len(r.entries)
	}

	end := len(r.entries)
	switch {
	case q.BeforeID != "":
		end = 0
		for i, e := range r.entries {
			if e.env.ID == q.BeforeID {
				end = i
				break
			}
		}
	case !q.BeforeTs.IsZero():
		for end > 0 && !r.entries[end-1].env.Ts.Before(q.BeforeTs) {
			end--
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*envelope.Envelope, 0, end-start)
	for _, e := range r.entries[start:end] {
		out = append(out, e.env)
	}
	return out
}

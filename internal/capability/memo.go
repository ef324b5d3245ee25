package capability

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Decision memoization for the admission hot path. The matcher itself is
// pure, so a decision stays valid until the participant's rule set changes;
// callers fold a rules-version counter into the key and the TTL bounds
// staleness in the worst case.
type Cache struct {
	lru *expirable.LRU[string, bool]
}

// NewCache builds a TTL-bounded LRU decision cache. A zero ttl disables
// expiry-based invalidation and relies on the version counter alone.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, bool](size, nil, ttl)}
}

// Key derives the cache key for one (participant, envelope) decision.
func Key(participantID string, rulesVersion uint64, envelopeHash [32]byte) string {
	return fmt.Sprintf("%s:%d:%s", participantID, rulesVersion, hex.EncodeToString(envelopeHash[:8]))
}

func (c *Cache) Get(key string) (allowed, ok bool) {
	return c.lru.Get(key)
}

func (c *Cache) Put(key string, allowed bool) {
	c.lru.Add(key, allowed)
}

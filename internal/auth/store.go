// Package auth resolves bearer tokens to participant identities.
//
// Tokens are opaque. Minted tokens (invites, dev minting) are indexed by
// their SHA-256 digest for O(1) lookup. Tokens committed to configuration
// files may instead be stored as bcrypt hashes; those are verified by
// comparison against the candidate participants of the requested space,
// which only happens at connect time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Identity is what a token resolves to.
type Identity struct {
	Space         string
	ParticipantID string
}

var ErrUnknownToken = errors.New("auth: unknown token")

// Store is the in-memory token table. Rebuilt from configuration on
// startup; invite-minted tokens live only as long as the process.
type Store struct {
	mu sync.RWMutex
	// sha256 hex digest -> identity
	byDigest map[string]Identity
	// bcrypt hashes, scanned per space at connect time
	bcryptRows []bcryptRow
}

type bcryptRow struct {
	hash string
	id   Identity
}

func NewStore() *Store {
	return &Store{byDigest: make(map[string]Identity)}
}

// Register indexes a plaintext token for an identity. Configured plaintext
// tokens and freshly minted ones both land here.
func (s *Store) Register(token string, id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDigest[digest(token)] = id
}

// RegisterBcrypt records a bcrypt token hash for an identity, as produced
// by `bcrypt.GenerateFromPassword` and pasted into a space config.
func (s *Store) RegisterBcrypt(hash string, id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bcryptRows = append(s.bcryptRows, bcryptRow{hash: hash, id: id})
}

// Mint generates a fresh opaque token for an identity and indexes it.
// 24 random bytes, base64url, well above the entropy bar for bearer use.
func (s *Store) Mint(id Identity) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	s.Register(token, id)
	return token, nil
}

// Revoke forgets every token bound to the identity. Used for rotation: the
// admin re-invites, which mints a replacement.
func (s *Store) Revoke(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d, v := range s.byDigest {
		if v == id {
			delete(s.byDigest, d)
		}
	}
	kept := s.bcryptRows[:0]
	for _, row := range s.bcryptRows {
		if row.id != id {
			kept = append(kept, row)
		}
	}
	s.bcryptRows = kept
}

// Resolve authenticates a bearer token for the requested space. The digest
// index is tried first; bcrypt rows are compared only for the requested
// space so the cost stays bounded by its roster size.
func (s *Store) Resolve(space, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnknownToken
	}
	s.mu.RLock()
	id, ok := s.byDigest[digest(token)]
	rows := s.bcryptRows
	s.mu.RUnlock()

	if ok && id.Space == space {
		return id, nil
	}
	for _, row := range rows {
		if row.id.Space != space {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(row.hash), []byte(token)) == nil {
			return row.id, nil
		}
	}
	return Identity{}, ErrUnknownToken
}

// IsBcryptHash reports whether a configured token value is a bcrypt hash
// rather than a plaintext token.
func IsBcryptHash(v string) bool {
	return strings.HasPrefix(v, "$2a$") || strings.HasPrefix(v, "$2b$") || strings.HasPrefix(v, "$2y$")
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DevTokenTTL bounds dev-minted tokens. Enforcement is cooperative (the
// store is wiped on restart anyway) but the expiry is reported to callers.
const DevTokenTTL = 24 * time.Hour

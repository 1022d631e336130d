// Package nonce issues and consumes the per-request nonces carried by
// integrity token requests.
//
// Every integrity request gets a fresh, cryptographically random nonce bound
// to a request identifier. The verifier later consumes the nonce to prove the
// token was produced for that request and not replayed.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Store manages nonces with automatic expiration.
type Store interface {
	// Issue creates a new nonce for the given request identifier,
	// replacing any nonce previously issued for it.
	Issue(ctx context.Context, requestID string) (string, error)

	// Consume checks that nonce was issued for requestID and has not
	// expired, and deletes it. Returns true only on a match.
	Consume(ctx context.Context, requestID, nonce string) bool

	// Close stops background cleanup routines.
	Close()
}

// Config holds configuration for the nonce stores.
type Config struct {
	// TTL is how long nonces remain valid (default: 5 minutes).
	TTL time.Duration

	// CleanupInterval is how often expired nonces are removed
	// (default: 1 minute). Memory store only.
	CleanupInterval time.Duration

	// NonceBytes is the number of random bytes per nonce (default: 32).
	// Values below 12 are raised to 12 so the encoded nonce meets the
	// 16-character Play Integrity minimum.
	NonceBytes int
}

const minNonceBytes = 12

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.NonceBytes == 0 {
		c.NonceBytes = 32
	}
	if c.NonceBytes < minNonceBytes {
		c.NonceBytes = minNonceBytes
	}
	return c
}

// Generate returns n random bytes encoded as unpadded URL-safe base64.
func Generate(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type entry struct {
	nonce     string
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for single-instance deployments. For several bridge hosts
// sharing verification, use RedisStore.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]entry
	ttl        time.Duration
	nonceBytes int
	closeCh    chan struct{}
	closed     bool
}

// NewMemoryStore creates a new in-memory nonce store.
func NewMemoryStore(cfg Config) *MemoryStore {
	cfg = cfg.withDefaults()

	s := &MemoryStore{
		entries:    make(map[string]entry),
		ttl:        cfg.TTL,
		nonceBytes: cfg.NonceBytes,
		closeCh:    make(chan struct{}),
	}

	go s.cleanupLoop(cfg.CleanupInterval)

	return s
}

// Issue implements Store.
func (s *MemoryStore) Issue(_ context.Context, requestID string) (string, error) {
	nonce, err := Generate(s.nonceBytes)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[requestID] = entry{
		nonce:     nonce,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return nonce, nil
}

// Consume implements Store. A mismatched nonce leaves the stored one in
// place.
func (s *MemoryStore) Consume(_ context.Context, requestID, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok {
		return false
	}

	if time.Now().After(e.expiresAt) {
		delete(s.entries, requestID)
		return false
	}

	if e.nonce != nonce {
		return false
	}

	delete(s.entries, requestID)
	return true
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

// Len returns the number of outstanding nonces.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

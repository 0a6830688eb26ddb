package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/x402-foundation/facilitator/pkg/types"
)

// DefaultSettlementTTL is how long a successful settlement response is
// replayed for retried requests.
const DefaultSettlementTTL = 5 * time.Minute

// SettlementCache makes settle idempotent: retried requests for the same
// (payload, requirements) pair replay the completed response instead of
// broadcasting a second transaction, and concurrent duplicates coalesce
// onto one in-flight attempt.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*types.SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache creates a cache. A non-positive TTL takes the default.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	if ttl <= 0 {
		ttl = DefaultSettlementTTL
	}
	return &SettlementCache{
		results:  make(map[string]*types.SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// GenerateSettlementKey derives the idempotency key for a settle request.
// Both halves are hashed so the same signed payment aimed at different
// requirements never coalesces. The payload includes the authorization
// signature and nonce, which makes the key unique per payment attempt.
func GenerateSettlementKey(payload *types.PaymentPayload, requirements *types.PaymentRequirements) string {
	h := sha256.New()
	if raw, err := json.Marshal(payload); err == nil {
		h.Write(raw)
	}
	h.Write([]byte{0})
	if raw, err := json.Marshal(requirements); err == nil {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SettlementStatus is the result of checking the cache.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight attempt; the
	// caller now owns the in-flight slot.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a completed result was found.
	StatusCached
	// StatusInFlight means another request is settling this payment.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and claims the in-flight slot
// when the key is unknown. It returns:
//   - StatusCached and the result when a completed settlement exists
//   - StatusInFlight and a wait channel when another request is processing
//   - StatusNotFound and a done channel when the caller should proceed
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *types.SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return StatusCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight attempt completes or ctx ends.
// A nil result with nil error means the attempt finished without caching;
// the caller may retry.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*types.SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached response for a key, or nil when absent or expired.
func (c *SettlementCache) Get(key string) (*types.SettleResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil, nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil, nil
	}
	return c.results[key], nil
}

// Complete caches the response, releases the in-flight slot and wakes
// waiters.
func (c *SettlementCache) Complete(key string, response *types.SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases the in-flight slot without caching, so the settlement can
// be retried. Waiters wake with no result.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

func (c *SettlementCache) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}

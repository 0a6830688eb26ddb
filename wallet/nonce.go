package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NonceSource reports where a Next value came from.
type NonceSource string

const (
	NonceSourceCache NonceSource = "cache"
	NonceSourceChain NonceSource = "chain"
)

// NonceRegistry allocates monotonic transaction nonces per wallet address.
// Calls for one address are serialized; distinct addresses do not contend.
type NonceRegistry struct {
	chain Chain

	mu       sync.Mutex
	counters map[string]*nonceCounter
}

type nonceCounter struct {
	mu    sync.Mutex
	known bool
	// fresh marks a value that came straight from the chain (first fetch
	// or reset) and has not been handed out yet
	fresh bool
	next  uint64
}

// NewNonceRegistry creates a registry backed by the given chain.
func NewNonceRegistry(chain Chain) *NonceRegistry {
	return &NonceRegistry{
		chain:    chain,
		counters: make(map[string]*nonceCounter),
	}
}

func (r *NonceRegistry) counter(address string) *nonceCounter {
	key := strings.ToLower(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[key]
	if !ok {
		c = &nonceCounter{}
		r.counters[key] = c
	}
	return c
}

// Next returns the next nonce for the address. On first use, and after a
// Reset, the value is the chain's pending-tag count; every later call
// increments the cached counter.
func (r *NonceRegistry) Next(ctx context.Context, address string) (uint64, NonceSource, error) {
	c := r.counter(address)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.known {
		n, err := r.chain.GetTransactionCount(ctx, address)
		if err != nil {
			return 0, "", fmt.Errorf("failed to fetch nonce for %s: %w", address, err)
		}
		c.known = true
		c.fresh = false
		c.next = n + 1
		return n, NonceSourceChain, nil
	}

	n := c.next
	c.next++
	if c.fresh {
		c.fresh = false
		return n, NonceSourceChain, nil
	}
	return n, NonceSourceCache, nil
}

// SetIfHigher raises the counter to n; lower or equal values are ignored.
func (r *NonceRegistry) SetIfHigher(address string, n uint64) {
	c := r.counter(address)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known || n > c.next {
		c.known = true
		c.fresh = false
		c.next = n
	}
}

// Decrement returns a reserved nonce that was never broadcast. Floors at 0.
func (r *NonceRegistry) Decrement(address string) {
	c := r.counter(address)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known && c.next > 0 {
		c.next--
		c.fresh = false
	}
}

// Reset re-reads the pending-tag count from chain and overwrites the counter.
func (r *NonceRegistry) Reset(ctx context.Context, address string) error {
	c := r.counter(address)
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := r.chain.GetTransactionCount(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to reset nonce for %s: %w", address, err)
	}
	c.known = true
	c.fresh = true
	c.next = n
	return nil
}

// nonceErrorFragments are vendor RPC error strings that indicate a stale or
// contended transaction nonce. OldNonce and NonceTooLow are zkStack error
// codes.
var nonceErrorFragments = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"already known",
	"oldnonce",
	"noncetoolow",
}

// IsNonceError reports whether err looks like a nonce conflict that a
// registry reset and retry can recover from.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range nonceErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

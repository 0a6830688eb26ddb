// Package wallet manages the facilitator's EVM signing identities: a pool
// with bounded per-wallet concurrency, gas-balance health tracking, and
// per-address monotonic nonce allocation for settlement transactions.
package wallet

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Chain is the narrow node surface the pool needs. The EVM clients in
// signers/evm satisfy it.
type Chain interface {
	// GetBalance returns the native balance of an address in wei
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// GetTransactionCount returns the pending-tag nonce for an address
	GetTransactionCount(ctx context.Context, address string) (uint64, error)
}

// Strategy selects how the pool picks a wallet among the available ones.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round-robin"
	StrategyLeastPending Strategy = "least-pending"
	StrategyHybrid       Strategy = "hybrid"
)

// DefaultMinNativeBalance is 0.01 ETH in wei.
var DefaultMinNativeBalance = big.NewInt(1e16)

const (
	DefaultMaxPendingPerWallet = 3
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultPendingTxTimeout    = 300 * time.Second
	DefaultMaxRetryAttempts    = 3
	DefaultRetryDelay          = time.Second
)

// Config tunes the pool. Zero values fall back to the defaults above.
type Config struct {
	MaxPendingPerWallet int
	MinNativeBalance    *big.Int
	HealthCheckInterval time.Duration
	PendingTxTimeout    time.Duration
	SelectionStrategy   Strategy
	MaxRetryAttempts    int
	RetryDelay          time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPendingPerWallet <= 0 {
		c.MaxPendingPerWallet = DefaultMaxPendingPerWallet
	}
	if c.MinNativeBalance == nil {
		c.MinNativeBalance = DefaultMinNativeBalance
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.PendingTxTimeout <= 0 {
		c.PendingTxTimeout = DefaultPendingTxTimeout
	}
	if c.SelectionStrategy == "" {
		c.SelectionStrategy = StrategyHybrid
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Acquire failure modes.
var (
	ErrNoWalletsConfigured = errors.New("no wallets configured")
	ErrAllWalletsUnhealthy = errors.New("all wallets unhealthy")
	ErrAllWalletsBusy      = errors.New("all wallets busy")
)

// WalletStatus is a point-in-time view of one pool member, used by the
// health endpoint and the balance gauges.
type WalletStatus struct {
	Address        string    `json:"address"`
	Healthy        bool      `json:"healthy"`
	NativeBalance  *big.Int  `json:"nativeBalance"`
	PendingTxCount int       `json:"pendingTxCount"`
	LastUsedAt     time.Time `json:"lastUsedAt"`
}

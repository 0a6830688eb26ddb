// Package scheduler runs the facilitator's background jobs: the periodic
// gas-balance refresher and the wallet-pool health check.
package scheduler

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/x402-foundation/facilitator/internal/metrics"
	"github.com/x402-foundation/facilitator/wallet"
)

const (
	// DefaultGasRefreshInterval is how often wallet gas balances are swept.
	DefaultGasRefreshInterval = 5 * time.Minute

	// DefaultHealthCheckInterval is how often pool health checks run.
	DefaultHealthCheckInterval = time.Minute
)

// GasTarget is one (network, wallet) pair swept by the gas refresher. Read
// closes over the network's chain client; SVM balances come back as lamports
// widened to big.Int.
type GasTarget struct {
	Network string
	Address string
	Read    func(ctx context.Context) (*big.Int, error)
}

// Config tunes a Loop. Zero values take the defaults.
type Config struct {
	GasRefreshInterval  time.Duration
	HealthCheckInterval time.Duration
}

// Loop drives both background jobs until its context is cancelled.
type Loop struct {
	pools       []*wallet.Pool
	targets     []GasTarget
	metrics     *metrics.Metrics
	gasEvery    time.Duration
	healthEvery time.Duration
}

// NewLoop builds a Loop over the configured pools and gas targets.
func NewLoop(pools []*wallet.Pool, targets []GasTarget, m *metrics.Metrics, config Config) *Loop {
	if config.GasRefreshInterval <= 0 {
		config.GasRefreshInterval = DefaultGasRefreshInterval
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = DefaultHealthCheckInterval
	}
	return &Loop{
		pools:       pools,
		targets:     targets,
		metrics:     m,
		gasEvery:    config.GasRefreshInterval,
		healthEvery: config.HealthCheckInterval,
	}
}

// Run blocks until ctx is cancelled. The two jobs tick independently so a
// slow gas sweep cannot delay a health check.
func (l *Loop) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.runGasRefresher(ctx)
	}()
	go func() {
		defer wg.Done()
		l.runHealthChecks(ctx)
	}()
	wg.Wait()
}

func (l *Loop) runGasRefresher(ctx context.Context) {
	l.RefreshGas(ctx)

	ticker := time.NewTicker(l.gasEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RefreshGas(ctx)
		}
	}
}

func (l *Loop) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(l.healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CheckHealth(ctx)
		}
	}
}

// RefreshGas sweeps every gas target once, fanning out so one slow RPC does
// not stall the rest. Per-wallet failures are logged and skipped.
func (l *Loop) RefreshGas(ctx context.Context) {
	var wg sync.WaitGroup
	for _, target := range l.targets {
		wg.Add(1)
		go func(target GasTarget) {
			defer wg.Done()
			balance, err := target.Read(ctx)
			if err != nil {
				log.Printf("scheduler: gas refresh failed network=%s wallet=%s err=%v", target.Network, target.Address, err)
				return
			}
			l.metrics.SetWalletBalance(target.Network, target.Address, balance)
		}(target)
	}
	wg.Wait()
}

// CheckHealth runs one health check across every pool and republishes the
// pool gauges.
func (l *Loop) CheckHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pool := range l.pools {
		wg.Add(1)
		go func(pool *wallet.Pool) {
			defer wg.Done()
			pool.HealthCheck(ctx)
			l.publish(pool)
		}(pool)
	}
	wg.Wait()
}

func (l *Loop) publish(pool *wallet.Pool) {
	healthy := 0
	for _, status := range pool.Snapshot() {
		if status.Healthy {
			healthy++
		}
		l.metrics.SetWalletPending(pool.Network(), status.Address, status.PendingTxCount)
		l.metrics.SetWalletBalance(pool.Network(), status.Address, status.NativeBalance)
	}
	l.metrics.SetHealthyWallets(pool.Network(), healthy)
}

package wallet

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Pool hands out signing identities for one EVM network. Every wallet can
// carry at most MaxPendingPerWallet in-flight settlements; wallets whose gas
// balance dropped below MinNativeBalance are skipped until the next health
// check sees them recover.
type Pool struct {
	network string
	chain   Chain
	config  Config
	nonces  *NonceRegistry

	mu      sync.Mutex
	wallets []*walletState
	byAddr  map[string]*walletState
	// cursor is pool-global so round-robin survives changes in the
	// candidate set between acquisitions
	cursor int

	now func() time.Time
}

type walletState struct {
	address        string
	healthy        bool
	nativeBalance  *big.Int
	pendingTxCount int
	lastUsedAt     time.Time
	pendingTxs     map[string]pendingTx
}

type pendingTx struct {
	nonce     uint64
	trackedAt time.Time
}

// Lease is a borrowed wallet. Callers must Release it exactly once when the
// settlement attempt finishes; extra calls are ignored.
type Lease struct {
	Address string

	pool     *Pool
	wallet   *walletState
	released bool
}

// NewPool creates a pool over the given wallet addresses, in order. All
// wallets start healthy; call Init before the first Acquire.
func NewPool(network string, addresses []string, chain Chain, nonces *NonceRegistry, config Config) *Pool {
	p := &Pool{
		network: network,
		chain:   chain,
		config:  config.withDefaults(),
		nonces:  nonces,
		byAddr:  make(map[string]*walletState),
		now:     time.Now,
	}
	for _, addr := range addresses {
		w := &walletState{
			address:       addr,
			healthy:       true,
			nativeBalance: new(big.Int),
			pendingTxs:    make(map[string]pendingTx),
		}
		p.wallets = append(p.wallets, w)
		p.byAddr[strings.ToLower(addr)] = w
	}
	return p
}

// Network returns the network this pool serves.
func (p *Pool) Network() string {
	return p.network
}

// Addresses returns the pool's wallet addresses in insertion order.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.wallets))
	for i, w := range p.wallets {
		out[i] = w.address
	}
	return out
}

// Config returns the pool's effective configuration.
func (p *Pool) Config() Config {
	return p.config
}

// Init warms the nonce registry for every wallet and runs the first health
// check, so acquisitions never race the chain for a starting nonce.
func (p *Pool) Init(ctx context.Context) error {
	for _, addr := range p.Addresses() {
		if err := p.nonces.Reset(ctx, addr); err != nil {
			return fmt.Errorf("failed to prefetch nonce for %s: %w", addr, err)
		}
	}
	p.HealthCheck(ctx)
	return nil
}

// Acquire picks a wallet per the configured strategy. It does not block: if
// nothing is available it reports why via ErrNoWalletsConfigured,
// ErrAllWalletsUnhealthy or ErrAllWalletsBusy.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.wallets) == 0 {
		return nil, ErrNoWalletsConfigured
	}

	healthy := 0
	var candidates []*walletState
	for _, w := range p.wallets {
		if !w.healthy {
			continue
		}
		healthy++
		if w.pendingTxCount < p.config.MaxPendingPerWallet {
			candidates = append(candidates, w)
		}
	}
	if healthy == 0 {
		return nil, ErrAllWalletsUnhealthy
	}
	if len(candidates) == 0 {
		return nil, ErrAllWalletsBusy
	}

	var w *walletState
	switch p.config.SelectionStrategy {
	case StrategyRoundRobin:
		w = p.selectRoundRobin(candidates)
	case StrategyLeastPending:
		w = p.selectLeastPending(candidates)
	default:
		w = p.selectHybrid(candidates)
	}

	w.pendingTxCount++
	w.lastUsedAt = p.now()
	return &Lease{Address: w.address, pool: p, wallet: w}, nil
}

func (p *Pool) selectRoundRobin(candidates []*walletState) *walletState {
	w := candidates[p.cursor%len(candidates)]
	p.cursor++
	return w
}

func (p *Pool) selectLeastPending(candidates []*walletState) *walletState {
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.pendingTxCount < best.pendingTxCount ||
			(w.pendingTxCount == best.pendingTxCount && w.lastUsedAt.Before(best.lastUsedAt)) {
			best = w
		}
	}
	return best
}

// selectHybrid advances the round-robin cursor up to three steps, skipping
// wallets that are one slot away from their pending cap, then falls back to
// least-pending.
func (p *Pool) selectHybrid(candidates []*walletState) *walletState {
	for i := 0; i < 3; i++ {
		w := candidates[p.cursor%len(candidates)]
		p.cursor++
		if w.pendingTxCount >= p.config.MaxPendingPerWallet-1 {
			continue
		}
		return w
	}
	return p.selectLeastPending(candidates)
}

// Track records a broadcast transaction against the leased wallet so the
// health check can reap it if it never confirms.
func (l *Lease) Track(txID string, nonce uint64) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.wallet.pendingTxs[txID] = pendingTx{nonce: nonce, trackedAt: l.pool.now()}
}

// Release returns the wallet to the pool. txID may be empty when nothing was
// broadcast. Safe to call more than once; only the first call counts.
func (l *Lease) Release(txID string, success bool) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if l.wallet.pendingTxCount > 0 {
		l.wallet.pendingTxCount--
	}
	if txID != "" {
		delete(l.wallet.pendingTxs, txID)
	}
}

// HealthCheck refreshes every wallet's gas balance and health flag, reaps
// pending transactions older than PendingTxTimeout, and re-syncs the nonce
// counter of idle wallets from chain. Wallets whose RPC reads fail keep
// their previous state.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	wallets := make([]*walletState, len(p.wallets))
	copy(wallets, p.wallets)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range wallets {
		wg.Add(1)
		go func(w *walletState) {
			defer wg.Done()
			p.checkWallet(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (p *Pool) checkWallet(ctx context.Context, w *walletState) {
	balance, err := p.chain.GetBalance(ctx, w.address)
	if err != nil {
		log.Printf("wallet: health check skipped network=%s address=%s err=%v", p.network, w.address, err)
		return
	}

	p.mu.Lock()
	w.nativeBalance = balance
	w.healthy = balance.Cmp(p.config.MinNativeBalance) >= 0
	p.reapStaleLocked(w)
	idle := w.pendingTxCount == 0
	p.mu.Unlock()

	if idle {
		if err := p.nonces.Reset(ctx, w.address); err != nil {
			log.Printf("wallet: nonce re-sync failed network=%s address=%s err=%v", p.network, w.address, err)
		}
	}
}

func (p *Pool) reapStaleLocked(w *walletState) {
	now := p.now()
	for txID, pt := range w.pendingTxs {
		if now.Sub(pt.trackedAt) <= p.config.PendingTxTimeout {
			continue
		}
		delete(w.pendingTxs, txID)
		if w.pendingTxCount > 0 {
			w.pendingTxCount--
		}
		log.Printf("wallet: reaped stale pending tx network=%s address=%s tx=%s nonce=%d age=%s",
			p.network, w.address, txID, pt.nonce, now.Sub(pt.trackedAt))
	}
}

// Snapshot reports the current state of every wallet.
func (p *Pool) Snapshot() []WalletStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WalletStatus, len(p.wallets))
	for i, w := range p.wallets {
		out[i] = WalletStatus{
			Address:        w.address,
			Healthy:        w.healthy,
			NativeBalance:  new(big.Int).Set(w.nativeBalance),
			PendingTxCount: w.pendingTxCount,
			LastUsedAt:     w.lastUsedAt,
		}
	}
	return out
}

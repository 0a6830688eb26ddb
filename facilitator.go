// Package facilitator routes x402 payment verification and settlement to
// the mechanism registered for each (scheme, network) pair and carries the
// cross-cutting concerns around them: lifecycle hooks, settlement
// idempotency, metrics and the discovery bridge.
package facilitator

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/x402-foundation/facilitator/discovery"
	"github.com/x402-foundation/facilitator/internal/metrics"
	"github.com/x402-foundation/facilitator/pkg/types"
)

// Verifier checks one payment scheme on one network. Both mechanism
// verifiers satisfy it.
type Verifier interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
}

// Settler executes a verified payment on chain.
type Settler interface {
	Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

// mechanism is one registered (scheme, network) pair.
type mechanism struct {
	verifier Verifier
	settler  Settler
	extra    map[string]any
}

// Facilitator is the service facade. Zero value is not usable; construct
// with New.
type Facilitator struct {
	mu         sync.RWMutex
	mechanisms map[string]map[string]*mechanism

	cache   *SettlementCache
	metrics *metrics.Metrics

	beforeVerifyHooks    []BeforeVerifyHook
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []VerifyFailureHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []SettleFailureHook
}

// New creates an empty facilitator. The metrics sink may be nil.
func New(m *metrics.Metrics) *Facilitator {
	return &Facilitator{
		mechanisms: make(map[string]map[string]*mechanism),
		cache:      NewSettlementCache(DefaultSettlementTTL),
		metrics:    m,
	}
}

// Register binds a verifier/settler pair for one (scheme, network). The
// optional extra map is echoed in the supported kinds response, which is
// how SVM networks advertise their fee payer.
func (f *Facilitator) Register(network, scheme string, verifier Verifier, settler Settler, extra ...map[string]any) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mechanisms[network] == nil {
		f.mechanisms[network] = make(map[string]*mechanism)
	}
	m := &mechanism{verifier: verifier, settler: settler}
	if len(extra) > 0 {
		m.extra = extra[0]
	}
	f.mechanisms[network][scheme] = m
	return f
}

// OnBeforeVerify appends a before-verify hook.
func (f *Facilitator) OnBeforeVerify(hook BeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

// OnAfterVerify appends an after-verify hook.
func (f *Facilitator) OnAfterVerify(hook AfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

// OnVerifyFailure appends a verify failure hook.
func (f *Facilitator) OnVerifyFailure(hook VerifyFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

// OnBeforeSettle appends a before-settle hook.
func (f *Facilitator) OnBeforeSettle(hook BeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

// OnAfterSettle appends an after-settle hook.
func (f *Facilitator) OnAfterSettle(hook AfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

// OnSettleFailure appends a settle failure hook.
func (f *Facilitator) OnSettleFailure(hook SettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// WithDiscovery installs an after-settle hook that catalogs the settled
// resource. Registration runs detached from the request so a slow or
// failing store never delays the settlement response.
func (f *Facilitator) WithDiscovery(registry *discovery.Registry) *Facilitator {
	return f.OnAfterSettle(func(result SettleResultContext) error {
		if result.Result == nil || !result.Result.Success || result.Requirements == nil {
			return nil
		}
		requirements := *result.Requirements
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := registry.Register(ctx, requirements); err != nil {
				log.Printf("facilitator: discovery registration skipped resource=%s err=%v", requirements.Resource, err)
			}
		}()
		return nil
	})
}

func (f *Facilitator) lookup(network, scheme string) *mechanism {
	f.mu.RLock()
	defer f.mu.RUnlock()
	schemes := f.mechanisms[network]
	if schemes == nil {
		return nil
	}
	return schemes[scheme]
}

// Verify routes a payment to the registered verifier. Unknown
// (scheme, network) pairs produce a structured invalid response, never an
// error; a non-nil error means verification could not complete for
// infrastructure reasons and the response carries the classified reason.
func (f *Facilitator) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	start := time.Now()
	if payload == nil || requirements == nil {
		return f.invalidVerify(requirements, types.ErrReasonInvalidPayload, nil, start), nil
	}

	hookCtx := VerifyContext{Ctx: ctx, Payload: payload, Requirements: requirements, Timestamp: start}
	for _, hook := range f.beforeVerifyHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return f.invalidVerify(requirements, types.ErrReasonUnexpectedVerifyError, nil, start), err
		}
		if result != nil && result.Abort {
			return f.invalidVerify(requirements, result.Reason, nil, start), nil
		}
	}

	mech := f.lookup(requirements.Network, requirements.Scheme)
	if mech == nil || mech.verifier == nil {
		return f.invalidVerify(requirements, types.ErrReasonInvalidScheme, unknownPayer(payload), start), nil
	}

	resp, err := mech.verifier.Verify(ctx, payload, requirements)
	duration := time.Since(start)

	if err != nil {
		reason := verifyReason(err)
		log.Printf("facilitator: verify failed network=%s scheme=%s category=%s err=%v",
			requirements.Network, requirements.Scheme, Classify(err), err)
		failureCtx := VerifyFailureContext{VerifyContext: hookCtx, Err: err, Duration: duration}
		for _, hook := range f.onVerifyFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		f.observeVerify(requirements, false, reason, duration)
		return &types.VerifyResponse{IsValid: false, InvalidReason: types.StringPtr(reason)}, err
	}

	resultCtx := VerifyResultContext{VerifyContext: hookCtx, Result: resp, Duration: duration}
	for _, hook := range f.afterVerifyHooks {
		if hookErr := hook(resultCtx); hookErr != nil {
			log.Printf("facilitator: after-verify hook failed: %v", hookErr)
		}
	}
	f.observeVerify(requirements, resp.IsValid, reasonOfVerify(resp), duration)
	return resp, nil
}

// Settle routes a payment to the registered settler with idempotency:
// a replayed request returns the completed response without broadcasting
// again, and concurrent duplicates wait for the first attempt.
func (f *Facilitator) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	start := time.Now()
	if payload == nil || requirements == nil {
		return f.failedSettle(requirements, types.ErrReasonInvalidPayload, nil, start), nil
	}

	hookCtx := SettleContext{Ctx: ctx, Payload: payload, Requirements: requirements, Timestamp: start}
	for _, hook := range f.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return f.failedSettle(requirements, types.ErrReasonUnexpectedSettleError, nil, start), err
		}
		if result != nil && result.Abort {
			return f.failedSettle(requirements, result.Reason, nil, start), nil
		}
	}

	key := GenerateSettlementKey(payload, requirements)
	status, cached, done := f.cache.CheckAndMark(key)
	switch status {
	case StatusCached:
		return cached, nil
	case StatusInFlight:
		result, err := f.cache.WaitForResult(ctx, key, done)
		if err != nil {
			return f.failedSettle(requirements, types.ErrReasonUnexpectedSettleError, nil, start), err
		}
		if result != nil {
			return result, nil
		}
		// The in-flight attempt finished without caching; take a fresh
		// attempt of our own.
		return f.Settle(ctx, payload, requirements)
	}

	resp, err := f.dispatchSettle(ctx, hookCtx, payload, requirements, start)
	if err == nil && resp != nil && resp.Success {
		f.cache.Complete(key, resp, done)
	} else {
		f.cache.Fail(key, done)
	}
	return resp, err
}

// dispatchSettle runs one settlement attempt. It always returns a non-nil
// response.
func (f *Facilitator) dispatchSettle(ctx context.Context, hookCtx SettleContext, payload *types.PaymentPayload, requirements *types.PaymentRequirements, start time.Time) (*types.SettleResponse, error) {
	mech := f.lookup(requirements.Network, requirements.Scheme)
	if mech == nil || mech.settler == nil {
		return f.failedSettle(requirements, types.ErrReasonInvalidScheme, unknownPayer(payload), start), nil
	}

	resp, err := mech.settler.Settle(ctx, payload, requirements)
	duration := time.Since(start)

	if err != nil {
		reason := settleReason(err)
		log.Printf("facilitator: settle failed network=%s scheme=%s category=%s err=%v",
			requirements.Network, requirements.Scheme, Classify(err), err)
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Err: err, Duration: duration}
		for _, hook := range f.onSettleFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		f.observeSettle(requirements, false, reason, duration)
		return &types.SettleResponse{
			Success:     false,
			ErrorReason: types.StringPtr(reason),
			Network:     requirements.Network,
		}, err
	}

	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: resp, Duration: duration}
	for _, hook := range f.afterSettleHooks {
		if hookErr := hook(resultCtx); hookErr != nil {
			log.Printf("facilitator: after-settle hook failed: %v", hookErr)
		}
	}
	f.observeSettle(requirements, resp.Success, reasonOfSettle(resp), duration)
	return resp, nil
}

// GetSupported enumerates the registered (scheme, network) pairs in stable
// order, with any registration extra attached.
func (f *Facilitator) GetSupported() types.SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	networks := make([]string, 0, len(f.mechanisms))
	for network := range f.mechanisms {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	var kinds []types.SupportedKind
	for _, network := range networks {
		schemes := make([]string, 0, len(f.mechanisms[network]))
		for scheme := range f.mechanisms[network] {
			schemes = append(schemes, scheme)
		}
		sort.Strings(schemes)
		for _, scheme := range schemes {
			kinds = append(kinds, types.SupportedKind{
				X402Version: types.X402Version,
				Scheme:      scheme,
				Network:     network,
				Extra:       f.mechanisms[network][scheme].extra,
			})
		}
	}
	return types.SupportedResponse{Kinds: kinds}
}

func (f *Facilitator) invalidVerify(requirements *types.PaymentRequirements, reason string, payer *string, start time.Time) *types.VerifyResponse {
	f.observeVerify(requirements, false, reason, time.Since(start))
	return &types.VerifyResponse{IsValid: false, InvalidReason: types.StringPtr(reason), Payer: payer}
}

func (f *Facilitator) failedSettle(requirements *types.PaymentRequirements, reason string, payer *string, start time.Time) *types.SettleResponse {
	network := ""
	if requirements != nil {
		network = requirements.Network
	}
	f.observeSettle(requirements, false, reason, time.Since(start))
	return &types.SettleResponse{
		Success:     false,
		ErrorReason: types.StringPtr(reason),
		Network:     network,
		Payer:       payer,
	}
}

func (f *Facilitator) observeVerify(requirements *types.PaymentRequirements, valid bool, reason string, duration time.Duration) {
	network, scheme := "", ""
	if requirements != nil {
		network, scheme = requirements.Network, requirements.Scheme
	}
	f.metrics.ObserveVerify(network, scheme, valid, reason, duration.Seconds())
}

func (f *Facilitator) observeSettle(requirements *types.PaymentRequirements, success bool, reason string, duration time.Duration) {
	network, scheme := "", ""
	if requirements != nil {
		network, scheme = requirements.Network, requirements.Scheme
	}
	f.metrics.ObserveSettle(network, scheme, success, reason, duration.Seconds())
}

// unknownPayer extracts the payer for responses produced before routing
// found a mechanism. Only the EVM payload shape names the payer directly.
func unknownPayer(payload *types.PaymentPayload) *string {
	if payload == nil {
		return nil
	}
	evm, err := payload.ExactEvmPayload()
	if err != nil || evm.Authorization == nil || evm.Authorization.From == "" {
		return nil
	}
	return types.StringPtr(evm.Authorization.From)
}

func reasonOfVerify(resp *types.VerifyResponse) string {
	if resp == nil || resp.InvalidReason == nil {
		return ""
	}
	return *resp.InvalidReason
}

func reasonOfSettle(resp *types.SettleResponse) string {
	if resp == nil || resp.ErrorReason == nil {
		return ""
	}
	return *resp.ErrorReason
}

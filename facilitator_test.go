package facilitator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/x402-foundation/facilitator/discovery"
	"github.com/x402-foundation/facilitator/internal/metrics"
	"github.com/x402-foundation/facilitator/pkg/types"
)

const (
	testNetwork = "base-sepolia"
	testPayer   = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

type stubMechanism struct {
	mu          sync.Mutex
	verifyCalls int
	settleCalls int
	verify      func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
	settle      func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

func (s *stubMechanism) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	s.mu.Lock()
	s.verifyCalls++
	s.mu.Unlock()
	if s.verify != nil {
		return s.verify(ctx, payload, requirements)
	}
	return &types.VerifyResponse{IsValid: true, Payer: types.StringPtr(testPayer)}, nil
}

func (s *stubMechanism) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	s.mu.Lock()
	s.settleCalls++
	s.mu.Unlock()
	if s.settle != nil {
		return s.settle(ctx, payload, requirements)
	}
	return &types.SettleResponse{
		Success:     true,
		Transaction: "0xmocktx",
		Network:     requirements.Network,
		Payer:       types.StringPtr(testPayer),
	}, nil
}

func (s *stubMechanism) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls, s.settleCalls
}

func testRequirements() *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: "10000",
		Resource:          "https://api.example.com/weather",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func testPayload() *types.PaymentPayload {
	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     testNetwork,
		Payload: map[string]interface{}{
			"signature": "0x" + strings.Repeat("ab", 65),
			"authorization": map[string]interface{}{
				"from":        testPayer,
				"to":          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				"value":       "10000",
				"validAfter":  "1740672089",
				"validBefore": "1740672154",
				"nonce":       "0x" + strings.Repeat("f0", 32),
			},
		},
	}
}

func TestNewFacilitator(t *testing.T) {
	f := New(nil)
	if f == nil {
		t.Fatal("expected facilitator")
	}
	if f.mechanisms == nil {
		t.Fatal("expected mechanisms map to be initialized")
	}
	if f.cache == nil {
		t.Fatal("expected settlement cache to be initialized")
	}
}

func TestFacilitatorVerifyRoutes(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)

	resp, err := f.Verify(ctx, testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Fatal("expected valid verification")
	}
	if resp.Payer == nil || *resp.Payer != testPayer {
		t.Fatalf("expected payer %s, got %v", testPayer, resp.Payer)
	}
	if verifies, _ := mech.calls(); verifies != 1 {
		t.Fatalf("expected 1 verify call, got %d", verifies)
	}
}

func TestFacilitatorVerifyUnknownScheme(t *testing.T) {
	ctx := context.Background()
	f := New(nil)

	resp, err := f.Verify(ctx, testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected invalid verification")
	}
	if resp.InvalidReason == nil || *resp.InvalidReason != types.ErrReasonInvalidScheme {
		t.Fatalf("expected %s, got %v", types.ErrReasonInvalidScheme, resp.InvalidReason)
	}
	if resp.Payer == nil || *resp.Payer != testPayer {
		t.Fatal("expected payer recovered from the EVM authorization")
	}
}

func TestFacilitatorVerifyUnknownSchemeNonEvmPayload(t *testing.T) {
	ctx := context.Background()
	f := New(nil)

	payload := &types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     "solana-devnet",
		Payload:     map[string]interface{}{"transaction": "AQAB"},
	}
	requirements := testRequirements()
	requirements.Network = "solana-devnet"

	resp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected invalid verification")
	}
	if resp.Payer != nil {
		t.Fatalf("expected no payer for non-EVM payload, got %v", *resp.Payer)
	}
}

func TestFacilitatorVerifyNilPayload(t *testing.T) {
	f := New(nil)

	resp, err := f.Verify(context.Background(), nil, testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected invalid verification")
	}
	if resp.InvalidReason == nil || *resp.InvalidReason != types.ErrReasonInvalidPayload {
		t.Fatalf("expected %s, got %v", types.ErrReasonInvalidPayload, resp.InvalidReason)
	}
}

func TestFacilitatorVerifyInfrastructureError(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{
		verify: func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
			return nil, errors.New("dial tcp 127.0.0.1:8545: connection refused")
		},
	}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)

	resp, err := f.Verify(ctx, testPayload(), testRequirements())
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if resp.IsValid {
		t.Fatal("expected invalid response alongside the error")
	}
	if resp.InvalidReason == nil || *resp.InvalidReason != ErrReasonRPCConnectionFailed {
		t.Fatalf("expected %s, got %v", ErrReasonRPCConnectionFailed, resp.InvalidReason)
	}
}

func TestFacilitatorVerifyBeforeHookAbort(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)
	f.OnBeforeVerify(func(VerifyContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "payer_blocked"}, nil
	})

	resp, err := f.Verify(ctx, testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected aborted verification")
	}
	if resp.InvalidReason == nil || *resp.InvalidReason != "payer_blocked" {
		t.Fatalf("expected hook reason, got %v", resp.InvalidReason)
	}
	if verifies, _ := mech.calls(); verifies != 0 {
		t.Fatal("expected verifier to be skipped after abort")
	}
}

func TestFacilitatorVerifyFailureHookRecovers(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{
		verify: func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
			return nil, errors.New("i/o timeout")
		},
	}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)
	recovered := &types.VerifyResponse{IsValid: true, Payer: types.StringPtr(testPayer)}
	f.OnVerifyFailure(func(VerifyFailureContext) (*VerifyFailureHookResult, error) {
		return &VerifyFailureHookResult{Recovered: true, Result: recovered}, nil
	})

	resp, err := f.Verify(ctx, testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("expected recovery to swallow the error, got %v", err)
	}
	if resp != recovered {
		t.Fatal("expected the hook's substitute response")
	}
}

func TestFacilitatorVerifyAfterHookSeesResult(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)

	var observed *types.VerifyResponse
	f.OnAfterVerify(func(result VerifyResultContext) error {
		observed = result.Result
		return nil
	})

	resp, err := f.Verify(ctx, testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed != resp {
		t.Fatal("expected after-verify hook to observe the response")
	}
}

func TestFacilitatorVerifyMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	mech := &stubMechanism{}
	f := New(m).Register(testNetwork, types.SchemeExact, mech, mech)

	if _, err := f.Verify(ctx, testPayload(), testRequirements()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := testutil.ToFloat64(m.VerifyTotal.WithLabelValues(testNetwork, types.SchemeExact, "valid", ""))
	if got != 1 {
		t.Fatalf("expected 1 valid verification recorded, got %v", got)
	}
}

func TestFacilitatorSettleSuccessCached(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)

	payload := testPayload()
	requirements := testRequirements()

	first, err := f.Settle(ctx, payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Success {
		t.Fatal("expected successful settlement")
	}

	second, err := f.Settle(ctx, payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Fatal("expected the cached response on replay")
	}
	if _, settles := mech.calls(); settles != 1 {
		t.Fatalf("expected a single on-chain settlement, got %d", settles)
	}
}

func TestFacilitatorSettleFailureNotCached(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{
		settle: func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
			return &types.SettleResponse{
				Success:     false,
				ErrorReason: types.StringPtr("all_wallets_busy"),
				Network:     requirements.Network,
			}, nil
		},
	}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)

	payload := testPayload()
	requirements := testRequirements()

	if _, err := f.Settle(ctx, payload, requirements); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.Settle(ctx, payload, requirements); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, settles := mech.calls(); settles != 2 {
		t.Fatalf("expected failed settlements to retry, got %d calls", settles)
	}
}

func TestFacilitatorSettleConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	mech := &stubMechanism{
		settle: func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
			close(entered)
			<-release
			return &types.SettleResponse{
				Success:     true,
				Transaction: "0xcoalesced",
				Network:     requirements.Network,
				Payer:       types.StringPtr(testPayer),
			}, nil
		},
	}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)

	payload := testPayload()
	requirements := testRequirements()

	type outcome struct {
		resp *types.SettleResponse
		err  error
	}
	results := make(chan outcome, 2)
	go func() {
		resp, err := f.Settle(ctx, payload, requirements)
		results <- outcome{resp, err}
	}()
	<-entered
	go func() {
		resp, err := f.Settle(ctx, payload, requirements)
		results <- outcome{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		got := <-results
		if got.err != nil {
			t.Fatalf("unexpected error: %v", got.err)
		}
		if !got.resp.Success || got.resp.Transaction != "0xcoalesced" {
			t.Fatalf("unexpected response: %+v", got.resp)
		}
	}
	if _, settles := mech.calls(); settles != 1 {
		t.Fatalf("expected duplicates to coalesce into one settlement, got %d", settles)
	}
}

func TestFacilitatorSettleUnknownScheme(t *testing.T) {
	ctx := context.Background()
	f := New(nil)

	resp, err := f.Settle(ctx, testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failed settlement")
	}
	if resp.ErrorReason == nil || *resp.ErrorReason != types.ErrReasonInvalidScheme {
		t.Fatalf("expected %s, got %v", types.ErrReasonInvalidScheme, resp.ErrorReason)
	}
	if resp.Network != testNetwork {
		t.Fatalf("expected network %s, got %s", testNetwork, resp.Network)
	}
}

func TestFacilitatorSettleBeforeHookAbort(t *testing.T) {
	ctx := context.Background()
	mech := &stubMechanism{}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)
	f.OnBeforeSettle(func(SettleContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "daily_limit_reached"}, nil
	})

	resp, err := f.Settle(ctx, testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected aborted settlement")
	}
	if resp.ErrorReason == nil || *resp.ErrorReason != "daily_limit_reached" {
		t.Fatalf("expected hook reason, got %v", resp.ErrorReason)
	}
	if _, settles := mech.calls(); settles != 0 {
		t.Fatal("expected settler to be skipped after abort")
	}
}

func TestFacilitatorSettleInfrastructureErrorRetries(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	mech := &stubMechanism{
		settle: func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("dial tcp: connection refused")
			}
			return &types.SettleResponse{
				Success:     true,
				Transaction: "0xretrytx",
				Network:     requirements.Network,
			}, nil
		},
	}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech)

	payload := testPayload()
	requirements := testRequirements()

	resp, err := f.Settle(ctx, payload, requirements)
	if err == nil {
		t.Fatal("expected infrastructure error to propagate")
	}
	if resp.ErrorReason == nil || *resp.ErrorReason != ErrReasonRPCConnectionFailed {
		t.Fatalf("expected %s, got %v", ErrReasonRPCConnectionFailed, resp.ErrorReason)
	}

	resp, err = f.Settle(ctx, payload, requirements)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xretrytx" {
		t.Fatalf("unexpected retry response: %+v", resp)
	}
}

func TestFacilitatorSettleMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	mech := &stubMechanism{}
	f := New(m).Register(testNetwork, types.SchemeExact, mech, mech)

	if _, err := f.Settle(ctx, testPayload(), testRequirements()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := testutil.ToFloat64(m.SettleTotal.WithLabelValues(testNetwork, types.SchemeExact, "success", ""))
	if got != 1 {
		t.Fatalf("expected 1 successful settlement recorded, got %v", got)
	}
}

func TestFacilitatorGetSupported(t *testing.T) {
	mech := &stubMechanism{}
	f := New(nil).
		Register("base", types.SchemeExact, mech, mech).
		Register("base-sepolia", types.SchemeExact, mech, mech).
		Register("solana-devnet", types.SchemeExact, mech, mech, map[string]any{
			"feePayer": "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		})

	supported := f.GetSupported()
	if len(supported.Kinds) != 3 {
		t.Fatalf("expected 3 kinds, got %d", len(supported.Kinds))
	}

	wantNetworks := []string{"base", "base-sepolia", "solana-devnet"}
	for i, kind := range supported.Kinds {
		if kind.Network != wantNetworks[i] {
			t.Fatalf("expected network %s at index %d, got %s", wantNetworks[i], i, kind.Network)
		}
		if kind.X402Version != types.X402Version || kind.Scheme != types.SchemeExact {
			t.Fatalf("unexpected kind: %+v", kind)
		}
	}
	if supported.Kinds[2].Extra["feePayer"] != "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin" {
		t.Fatal("expected fee payer advertised for the SVM network")
	}
}

func TestFacilitatorWithDiscovery(t *testing.T) {
	ctx := context.Background()
	store := discovery.NewMemoryStore()
	registry := discovery.NewRegistry(store, discovery.Config{})
	mech := &stubMechanism{}
	f := New(nil).Register(testNetwork, types.SchemeExact, mech, mech).WithDiscovery(registry)

	requirements := testRequirements()
	resp, err := f.Settle(ctx, testPayload(), requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected successful settlement")
	}

	deadline := time.After(2 * time.Second)
	for {
		rec, err := store.Get(ctx, requirements.Resource)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec != nil {
			if len(rec.Accepts) != 1 || rec.Accepts[0].PayTo != requirements.PayTo {
				t.Fatalf("unexpected record: %+v", rec)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected the settled resource to be cataloged")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUnknownPayer(t *testing.T) {
	if got := unknownPayer(nil); got != nil {
		t.Fatalf("expected nil payer for nil payload, got %v", *got)
	}
	if got := unknownPayer(testPayload()); got == nil || *got != testPayer {
		t.Fatalf("expected %s, got %v", testPayer, got)
	}
	svm := &types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     "solana",
		Payload:     map[string]interface{}{"transaction": "AQAB"},
	}
	if got := unknownPayer(svm); got != nil {
		t.Fatalf("expected nil payer for SVM payload, got %v", *got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{errors.New("dial tcp 127.0.0.1:8545: connection refused"), CategoryRPC},
		{errors.New("context deadline exceeded"), CategoryRPC},
		{errors.New("invalid signature length"), CategorySignature},
		{errors.New("execution reverted: transfer amount exceeds balance"), CategoryBlockchain},
		{errors.New("nonce too low"), CategoryBlockchain},
		{errors.New("failed to unmarshal payload"), CategoryValidation},
		{errors.New("something odd happened"), CategoryUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if Classify(nil) != CategoryUnknown {
		t.Fatal("expected unknown category for nil error")
	}
}

func TestClassifyWrappedError(t *testing.T) {
	err := fmt.Errorf("settling payment: %w", errors.New("insufficient funds for gas"))
	if got := Classify(err); got != CategoryBlockchain {
		t.Fatalf("expected blockchain category, got %s", got)
	}
}

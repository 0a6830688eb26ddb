package evm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402types "github.com/x402-foundation/facilitator/pkg/types"
	"github.com/x402-foundation/facilitator/wallet"
)

const (
	// DefaultReceiptTimeout applies when requirements carry no timeout.
	DefaultReceiptTimeout = 60 * time.Second
	// MaxReceiptTimeout caps the facilitator's per-settlement wait budget
	// regardless of what requirements ask for.
	MaxReceiptTimeout = 120 * time.Second
)

// SettlerOptions tunes a Settler. Zero values use the wallet pool defaults.
type SettlerOptions struct {
	// AllowedNetworks restricts settlement; empty allows every network the
	// settler was built for.
	AllowedNetworks []string
	// MinNativeBalance gates broadcasting on the acquired wallet's gas
	// balance.
	MinNativeBalance *big.Int
	MaxRetryAttempts int
	RetryDelay       time.Duration
}

// Settler executes verified exact-scheme payments on one EVM network by
// calling transferWithAuthorization from a pooled facilitator wallet.
type Settler struct {
	verifier *Verifier
	network  string
	config   x402types.NetworkConfig
	pool     *wallet.Pool
	nonces   *wallet.NonceRegistry
	// chains holds one signing client per pool wallet, keyed by lowercase
	// address
	chains map[string]Chain

	allowed          map[string]struct{}
	minNativeBalance *big.Int
	maxRetryAttempts int
	retryDelay       time.Duration
}

// NewSettler wires a settler from its verifier, wallet pool, nonce registry
// and per-wallet signing clients.
func NewSettler(
	verifier *Verifier,
	pool *wallet.Pool,
	nonces *wallet.NonceRegistry,
	chains map[string]Chain,
	opts SettlerOptions,
) (*Settler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("wallet pool is required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce registry is required")
	}

	byAddr := make(map[string]Chain, len(chains))
	for addr, chain := range chains {
		byAddr[NormalizeAddress(addr)] = chain
	}
	for _, addr := range pool.Addresses() {
		if _, ok := byAddr[NormalizeAddress(addr)]; !ok {
			return nil, fmt.Errorf("no signing client for pool wallet %s", addr)
		}
	}

	s := &Settler{
		verifier:         verifier,
		network:          verifier.network,
		config:           verifier.config,
		pool:             pool,
		nonces:           nonces,
		chains:           byAddr,
		minNativeBalance: opts.MinNativeBalance,
		maxRetryAttempts: opts.MaxRetryAttempts,
		retryDelay:       opts.RetryDelay,
	}
	if s.minNativeBalance == nil {
		s.minNativeBalance = wallet.DefaultMinNativeBalance
	}
	if s.maxRetryAttempts <= 0 {
		s.maxRetryAttempts = wallet.DefaultMaxRetryAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = wallet.DefaultRetryDelay
	}
	if len(opts.AllowedNetworks) > 0 {
		s.allowed = make(map[string]struct{}, len(opts.AllowedNetworks))
		for _, n := range opts.AllowedNetworks {
			s.allowed[n] = struct{}{}
		}
	}
	return s, nil
}

// Settle verifies the payment once, acquires a wallet, and submits
// transferWithAuthorization. Nonce conflicts are retried after a registry
// reset; every other failure releases the wallet and reports a classified
// reason.
func (s *Settler) Settle(
	ctx context.Context,
	payload *x402types.PaymentPayload,
	requirements *x402types.PaymentRequirements,
) (*x402types.SettleResponse, error) {
	network := payload.Network

	// 1. Allow-list.
	if !s.networkAllowed(payload.Network) || !s.networkAllowed(requirements.Network) {
		return failSettle(ErrNetworkNotAllowed, network, ""), nil
	}

	// 2. Verify exactly once, before touching the pool.
	verifyResp, err := s.verifier.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	payer := ""
	if verifyResp.Payer != nil {
		payer = *verifyResp.Payer
	}
	if !verifyResp.IsValid {
		reason := ErrInvalidPayment
		if verifyResp.InvalidReason != nil {
			reason = *verifyResp.InvalidReason
		}
		return failSettle(reason, network, payer), nil
	}

	evmPayload, err := payload.ExactEvmPayload()
	if err != nil {
		return failSettle(ErrInvalidPayload, network, payer), nil
	}
	auth := evmPayload.Authorization

	// Fail fast on authorizations the token already consumed, instead of
	// paying gas for a guaranteed revert. Best-effort: read errors fall
	// through to the broadcast path.
	if used, stateErr := s.authorizationUsed(ctx, requirements.Asset, auth.From, auth.Nonce); stateErr == nil && used {
		return failSettle(ErrInvalidTransactionState, network, payer), nil
	}

	// 3. Wallet acquisition.
	lease, err := s.pool.Acquire()
	if err != nil {
		return failSettle(acquireReason(err), network, payer), nil
	}

	chain, ok := s.chains[NormalizeAddress(lease.Address)]
	if !ok {
		lease.Release("", false)
		return nil, fmt.Errorf("no signing client for wallet %s", lease.Address)
	}

	// 4. Gas-balance gate.
	gasBalance, err := chain.GetBalance(ctx, lease.Address)
	if err != nil {
		lease.Release("", false)
		return nil, fmt.Errorf("failed to read wallet gas balance: %w", err)
	}
	if gasBalance.Cmp(s.minNativeBalance) < 0 {
		lease.Release("", false)
		return failSettle(ErrInsufficientGasBalance, network, payer), nil
	}

	// 5-7. Nonce allocation, build, broadcast, nonce-error retry.
	txHash, nonce, err := s.broadcast(ctx, chain, lease.Address, evmPayload, requirements)
	if err != nil {
		lease.Release("", false)
		log.Printf("evm.Settle: broadcast failed network=%s wallet=%s err=%v", s.network, lease.Address, err)
		return failSettle(ErrTransactionFailed, network, payer), nil
	}

	// 8. Track and wait for the receipt within the request's budget.
	lease.Track(txHash, nonce)
	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout(requirements))
	receipt, err := chain.WaitForTransactionReceipt(receiptCtx, txHash)
	cancel()
	if err != nil {
		lease.Release(txHash, false)
		resp := failSettle(ErrTransactionFailed, network, payer)
		resp.Transaction = txHash
		return resp, nil
	}
	if receipt.Status != TxStatusSuccess {
		lease.Release(txHash, false)
		resp := failSettle(ErrTransactionFailed, network, payer)
		resp.Transaction = txHash
		return resp, nil
	}

	// 9. Done.
	lease.Release(txHash, true)
	return &x402types.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       x402types.StringPtr(auth.From),
	}, nil
}

// broadcast reserves a nonce and submits the transfer, retrying after
// registry resets when the node reports a nonce conflict.
func (s *Settler) broadcast(
	ctx context.Context,
	chain Chain,
	walletAddr string,
	evmPayload *x402types.ExactEvmPayload,
	requirements *x402types.PaymentRequirements,
) (string, uint64, error) {
	args, err := s.transferArgs(evmPayload)
	if err != nil {
		return "", 0, err
	}

	gasPrice, err := chain.SuggestGasPrice(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	transferABI := TransferWithAuthorizationVRSABI
	if s.useBytesSignature(evmPayload) {
		transferABI = TransferWithAuthorizationBytesABI
	}

	for attempt := 0; ; attempt++ {
		nonce, _, err := s.nonces.Next(ctx, walletAddr)
		if err != nil {
			return "", 0, err
		}

		txHash, err := chain.WriteContract(ctx, ContractWrite{
			Address:  requirements.Asset,
			ABI:      transferABI,
			Method:   FunctionTransferWithAuthorization,
			Args:     args,
			Nonce:    &nonce,
			GasLimit: DefaultGasLimit,
			GasPrice: gasPrice,
		})
		if err == nil {
			return txHash, nonce, nil
		}

		if wallet.IsNonceError(err) && attempt < s.maxRetryAttempts {
			log.Printf("evm.Settle: nonce conflict, resetting network=%s wallet=%s attempt=%d err=%v",
				s.network, walletAddr, attempt+1, err)
			if resetErr := s.nonces.Reset(ctx, walletAddr); resetErr != nil {
				return "", 0, resetErr
			}
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return "", 0, ctx.Err()
			}
			continue
		}

		if !wallet.IsNonceError(err) {
			// the reserved nonce never reached the mempool
			s.nonces.Decrement(walletAddr)
		}
		return "", 0, err
	}
}

// transferArgs builds the ABI argument list for transferWithAuthorization.
// EOA signatures use the v,r,s variant; anything else (smart wallets,
// zkStack accounts) uses the bytes variant.
func (s *Settler) transferArgs(evmPayload *x402types.ExactEvmPayload) ([]interface{}, error) {
	auth := evmPayload.Authorization

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid authorization nonce: %s", auth.Nonce)
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	sigBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	args := []interface{}{
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce32,
	}

	if s.useBytesSignature(evmPayload) {
		return append(args, sigBytes), nil
	}

	var r, sv [32]byte
	copy(r[:], sigBytes[0:32])
	copy(sv[:], sigBytes[32:64])
	v := sigBytes[64]
	if v < 27 {
		v += 27
	}
	return append(args, v, r, sv), nil
}

func (s *Settler) useBytesSignature(evmPayload *x402types.ExactEvmPayload) bool {
	if s.config.IsZkStack {
		return true
	}
	sigBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return false
	}
	return len(sigBytes) != 65
}

// authorizationUsed reads EIP-3009 authorizationState for the payer's nonce.
func (s *Settler) authorizationUsed(ctx context.Context, asset string, from string, nonce string) (bool, error) {
	nonceBytes, err := HexToBytes(nonce)
	if err != nil || len(nonceBytes) != 32 {
		return false, fmt.Errorf("invalid nonce: %s", nonce)
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	chain := s.anyChain()
	if chain == nil {
		return false, fmt.Errorf("no chain client available")
	}
	result, err := chain.ReadContract(ctx, ContractCall{
		Address: asset,
		ABI:     AuthorizationStateABI,
		Method:  FunctionAuthorizationState,
		Args:    []interface{}{common.HexToAddress(from), nonce32},
	})
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type %T", result)
	}
	return used, nil
}

func (s *Settler) anyChain() Chain {
	for _, chain := range s.chains {
		return chain
	}
	return nil
}

func (s *Settler) networkAllowed(network string) bool {
	if network != s.network {
		return false
	}
	if s.allowed == nil {
		return true
	}
	_, ok := s.allowed[network]
	return ok
}

// receiptTimeout derives the confirmation wait budget from requirements,
// clamped to MaxReceiptTimeout.
func receiptTimeout(requirements *x402types.PaymentRequirements) time.Duration {
	seconds := requirements.MaxTimeoutSeconds
	if seconds <= 0 {
		return DefaultReceiptTimeout
	}
	timeout := time.Duration(seconds) * time.Second
	if timeout > MaxReceiptTimeout {
		return MaxReceiptTimeout
	}
	return timeout
}

func acquireReason(err error) string {
	switch {
	case errors.Is(err, wallet.ErrNoWalletsConfigured):
		return ErrNoWalletsConfigured
	case errors.Is(err, wallet.ErrAllWalletsUnhealthy):
		return ErrInsufficientGasBalance
	case errors.Is(err, wallet.ErrAllWalletsBusy):
		return ErrAllWalletsBusy
	default:
		return x402types.ErrReasonUnexpectedSettleError
	}
}

func failSettle(reason string, network string, payer string) *x402types.SettleResponse {
	resp := &x402types.SettleResponse{
		Success:     false,
		ErrorReason: x402types.StringPtr(reason),
		Network:     network,
	}
	if payer != "" {
		resp.Payer = x402types.StringPtr(payer)
	}
	return resp
}

package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402types "github.com/x402-foundation/facilitator/pkg/types"
)

// Verifier validates exact-scheme EVM payments against payment requirements.
// It holds a read-only chain port for the one network it serves; all state it
// consults lives on chain or in the request.
type Verifier struct {
	chain   Chain
	network string
	config  x402types.NetworkConfig

	// now is replaced in tests
	now func() time.Time
}

// NewVerifier creates a verifier for the given EVM network.
func NewVerifier(chain Chain, network string) (*Verifier, error) {
	config, ok := x402types.GetNetworkConfig(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	if config.Type != x402types.NetworkTypeEVM {
		return nil, fmt.Errorf("network %s is not an EVM network", network)
	}

	return &Verifier{
		chain:   chain,
		network: network,
		config:  config,
		now:     time.Now,
	}, nil
}

// Verify checks a payment payload against payment requirements.
//
// The checks run in a fixed order and the first failure wins: requirements
// shape, EIP-712 domain resolution, signature, validity window, amount,
// recipient, payer balance.
// Chain-level failures (RPC errors, malformed contract responses) are returned
// as errors for the caller to classify; everything else produces an invalid
// VerifyResponse with a specific reason.
func (v *Verifier) Verify(
	ctx context.Context,
	payload *x402types.PaymentPayload,
	requirements *x402types.PaymentRequirements,
) (*x402types.VerifyResponse, error) {
	if payload.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalidVerify(ErrInvalidScheme, ""), nil
	}
	if payload.Network != v.network || requirements.Network != v.network {
		return invalidVerify(ErrInvalidNetwork, ""), nil
	}

	evmPayload, err := payload.ExactEvmPayload()
	if err != nil {
		return invalidVerify(ErrInvalidPayload, ""), nil
	}
	auth := evmPayload.Authorization
	payer := auth.From

	// 1. Requirements shape. Asset and payTo must be addresses before
	// anything dials the chain.
	if !IsValidAddress(requirements.Asset) || !IsValidAddress(requirements.PayTo) {
		return invalidVerify(ErrInvalidRequirements, payer), nil
	}

	// 2. Resolve the EIP-712 domain. requirements.extra wins; missing
	// fields fall back to reading name()/version() off the token contract.
	name, version, ok := v.resolveDomain(ctx, requirements)
	if !ok {
		return invalidVerify(ErrInvalidRequirements, payer), nil
	}

	// 3. Signature. Hashing fails only on malformed authorization fields,
	// which make the signature unverifiable.
	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil || len(signatureBytes) == 0 {
		return invalidVerify(ErrInvalidSignature, payer), nil
	}
	digest, err := HashEIP3009Authorization(*auth, v.config.ChainID, requirements.Asset, name, version)
	if err != nil {
		return invalidVerify(ErrInvalidSignature, payer), nil
	}
	valid, err := VerifySignature(ctx, v.chain, auth.From, digest, signatureBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	if !valid {
		return invalidVerify(ErrInvalidSignature, payer), nil
	}

	// 4. Validity window.
	now := v.now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil || validAfter > now-ValidAfterSkewSeconds {
		return invalidVerify(ErrInvalidValidAfter, payer), nil
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil || validBefore <= now+v.estimatedBlockTime() {
		return invalidVerify(ErrInvalidValidBefore, payer), nil
	}

	// 5. Amount.
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalidVerify(ErrInvalidValue, payer), nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return invalidVerify(ErrInvalidRequirements, payer), nil
	}
	if value.Cmp(required) < 0 {
		return invalidVerify(ErrInvalidValue, payer), nil
	}

	// 6. Recipient.
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return invalidVerify(ErrRecipientMismatch, payer), nil
	}

	// 7. Payer balance.
	balance, err := v.tokenBalance(ctx, requirements.Asset, auth.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read payer balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return invalidVerify(ErrInsufficientFunds, payer), nil
	}

	return &x402types.VerifyResponse{
		IsValid: true,
		Payer:   x402types.StringPtr(auth.From),
	}, nil
}

// resolveDomain determines the EIP-712 domain name and version for the asset.
// Returns ok=false when neither requirements.extra nor the chain can supply a
// field.
func (v *Verifier) resolveDomain(ctx context.Context, requirements *x402types.PaymentRequirements) (string, string, bool) {
	var name, version string
	if requirements.Extra != nil {
		name = requirements.Extra.Name
		version = requirements.Extra.Version
	}

	if name == "" {
		result, err := v.chain.ReadContract(ctx, ContractCall{
			Address: requirements.Asset,
			ABI:     ERC20NameABI,
			Method:  "name",
		})
		if err == nil {
			name, _ = result.(string)
		}
	}
	if version == "" {
		result, err := v.chain.ReadContract(ctx, ContractCall{
			Address: requirements.Asset,
			ABI:     ERC20VersionABI,
			Method:  "version",
		})
		if err == nil {
			version, _ = result.(string)
		}
	}

	if name == "" || version == "" {
		return "", "", false
	}
	return name, version, true
}

func (v *Verifier) tokenBalance(ctx context.Context, asset string, owner string) (*big.Int, error) {
	result, err := v.chain.ReadContract(ctx, ContractCall{
		Address: asset,
		ABI:     ERC20BalanceOfABI,
		Method:  "balanceOf",
		Args:    []interface{}{common.HexToAddress(owner)},
	})
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", result)
	}
	return balance, nil
}

func (v *Verifier) estimatedBlockTime() int64 {
	if v.config.BlockTime > 0 {
		return v.config.BlockTime
	}
	return DefaultBlockTimeSeconds
}

func invalidVerify(reason string, payer string) *x402types.VerifyResponse {
	resp := &x402types.VerifyResponse{
		IsValid:       false,
		InvalidReason: x402types.StringPtr(reason),
	}
	if payer != "" {
		resp.Payer = x402types.StringPtr(payer)
	}
	return resp
}

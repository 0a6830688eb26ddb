package svm

import (
	"context"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"

	x402types "github.com/x402-foundation/facilitator/pkg/types"
)

// Verifier validates exact-scheme SVM payments. It holds the fee-payer
// signer because the final check simulates the fully signed transaction.
type Verifier struct {
	chain   Chain
	signer  Signer
	network string
}

// NewVerifier builds a verifier for one SVM network.
func NewVerifier(chain Chain, signer Signer, network string) (*Verifier, error) {
	config, ok := x402types.GetNetworkConfig(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	if config.Type != x402types.NetworkTypeSVM {
		return nil, fmt.Errorf("network %s is not an SVM network", network)
	}
	if chain == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("fee payer signer is required")
	}
	return &Verifier{chain: chain, signer: signer, network: network}, nil
}

// Network returns the network this verifier serves.
func (v *Verifier) Network() string {
	return v.network
}

// FeePayer returns the base58 address clients must set as the transaction
// fee payer.
func (v *Verifier) FeePayer() string {
	return v.signer.PublicKey().String()
}

// Verify checks a payment payload against its requirements. Rule failures
// come back as an invalid VerifyResponse; errors are reserved for RPC and
// internal faults.
func (v *Verifier) Verify(ctx context.Context, payload *x402types.PaymentPayload, requirements *x402types.PaymentRequirements) (*x402types.VerifyResponse, error) {
	if payload.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalidVerify(ErrInvalidScheme, ""), nil
	}
	if payload.Network != v.network || requirements.Network != v.network {
		return invalidVerify(ErrInvalidNetwork, ""), nil
	}

	svmPayload, err := payload.ExactSvmPayload()
	if err != nil {
		return invalidVerify(ErrInvalidTransaction, ""), nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return invalidVerify(ErrInvalidTransaction, ""), nil
	}

	layout, err := validateShape(&tx.Message)
	if err != nil {
		return invalidVerify(ErrInvalidInstructions, ""), nil
	}
	transfer, err := parseTransferChecked(&tx.Message, tx.Message.Instructions[layout.transferIndex])
	if err != nil {
		return invalidVerify(ErrInvalidInstructions, ""), nil
	}
	payer := transfer.owner.String()

	// The fee payer funding its own transfer would drain facilitator funds.
	if transfer.owner.Equals(v.signer.PublicKey()) {
		return invalidVerify(ErrInvalidTransaction, payer), nil
	}

	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return invalidVerify(x402types.ErrReasonInvalidRequirements, payer), nil
	}
	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return invalidVerify(x402types.ErrReasonInvalidRequirements, payer), nil
	}
	if !transfer.mint.Equals(mint) {
		return invalidVerify(ErrInvalidTransaction, payer), nil
	}

	destination, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive recipient token account: %w", err)
	}
	if !transfer.destination.Equals(destination) {
		return invalidVerify(ErrInvalidTransaction, payer), nil
	}
	if layout.createATAIndex >= 0 {
		ata, owner, createMint, createErr := createdAccount(&tx.Message, tx.Message.Instructions[layout.createATAIndex])
		if createErr != nil {
			return invalidVerify(ErrInvalidInstructions, payer), nil
		}
		if !ata.Equals(destination) || !owner.Equals(payTo) || !createMint.Equals(mint) {
			return invalidVerify(ErrInvalidTransaction, payer), nil
		}
	}

	decimals, err := v.chain.GetMintDecimals(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to read mint decimals: %w", err)
	}
	if transfer.decimals != decimals {
		return invalidVerify(ErrInvalidTransaction, payer), nil
	}

	required, err := strconv.ParseUint(requirements.MaxAmountRequired, 10, 64)
	if err != nil {
		return invalidVerify(x402types.ErrReasonInvalidRequirements, payer), nil
	}
	if transfer.amount < required {
		return invalidVerify(ErrAmountMismatch, payer), nil
	}

	// Clients learn the fee payer address from the supported kinds
	// endpoint. A transaction keyed to anyone else cannot be co-signed.
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(v.signer.PublicKey()) {
		return invalidVerify(ErrInvalidTransaction, payer), nil
	}
	if err := v.signer.SignTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to sign as fee payer: %w", err)
	}

	simulation, err := v.chain.Simulate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if simulation.Err != nil {
		return invalidVerify(ErrSimulationFailed, payer), nil
	}

	return &x402types.VerifyResponse{
		IsValid: true,
		Payer:   x402types.StringPtr(payer),
	}, nil
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

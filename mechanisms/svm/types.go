// Package svm implements the exact payment scheme for SVM networks. A
// payment is a base64-serialized SPL TransferChecked transaction signed by
// the payer; the facilitator validates it by introspection and simulation,
// co-signs it as fee payer, and submits it to the cluster.
package svm

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
)

// Chain is the node surface the verifier and settler need. The RPC client
// in signers/svm satisfies it.
type Chain interface {
	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// GetMintDecimals reads the decimals field of an SPL mint account.
	GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)

	// Simulate dry-runs the transaction against current cluster state with
	// signature checks disabled and the blockhash replaced.
	Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error)

	// Send broadcasts the fully signed transaction.
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// GetSignatureStatus polls the cluster for a signature. A nil status
	// with a nil error means the cluster has not seen the signature yet.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)

	// IsBlockhashValid reports whether a blockhash is still within its
	// validity window.
	IsBlockhashValid(ctx context.Context, blockhash solana.Hash) (bool, error)
}

// SimulationResult is the outcome of a transaction simulation. Err is nil
// when the transaction would execute successfully.
type SimulationResult struct {
	Err  interface{}
	Logs []string
}

// SignatureStatus is one confirmation poll result.
type SignatureStatus struct {
	// Confirmed is true once the cluster reports the transaction at
	// confirmed or finalized commitment.
	Confirmed bool
	// Err carries the on-chain execution error when the transaction landed
	// and failed.
	Err interface{}
}

// Signer is the facilitator's fee-payer identity for one SVM network.
type Signer interface {
	PublicKey() solana.PublicKey

	// SignTransaction fills the signer's signature slot on the transaction,
	// leaving other signatures untouched.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

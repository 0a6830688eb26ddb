// Package svm provides the RPC-backed implementation of the exact scheme's
// SVM Chain port and the fee-payer signer.
package svm

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402svm "github.com/x402-foundation/facilitator/mechanisms/svm"
)

// Client is a connection to an SVM node.
type Client struct {
	rpc *rpc.Client
}

// NewClient dials the RPC endpoint.
func NewClient(rpcURL string) *Client {
	return &Client{rpc: rpc.New(rpcURL)}
}

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return out.Value, nil
}

// GetMintDecimals reads the decimals field of an SPL mint account.
func (c *Client) GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, mint, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account: %w", err)
	}
	if out.Value == nil {
		return 0, fmt.Errorf("mint account %s does not exist", mint)
	}

	var mintAccount token.Mint
	if err := bin.NewBinDecoder(out.Value.Data.GetBinary()).Decode(&mintAccount); err != nil {
		return 0, fmt.Errorf("failed to decode mint account: %w", err)
	}
	return mintAccount.Decimals, nil
}

// Simulate dry-runs the transaction with signature checks disabled and the
// blockhash replaced, so a stale client blockhash does not mask an
// otherwise-valid payment.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) (*x402svm.SimulationResult, error) {
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if out.Value == nil {
		return nil, fmt.Errorf("simulation returned no result")
	}
	return &x402svm.SimulationResult{
		Err:  out.Value.Err,
		Logs: out.Value.Logs,
	}, nil
}

// Send broadcasts the fully signed transaction.
func (c *Client) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// GetSignatureStatus polls the cluster for a signature. A nil status with a
// nil error means the cluster has not seen the signature yet. The status
// cache only covers recent slots, so an unseen signature is double-checked
// against the ledger before being reported missing.
func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*x402svm.SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return c.lookupTransaction(ctx, sig)
	}
	status := out.Value[0]
	confirmed := status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized
	return &x402svm.SignatureStatus{
		Confirmed: confirmed,
		Err:       status.Err,
	}, nil
}

func (c *Client) lookupTransaction(ctx context.Context, sig solana.Signature) (*x402svm.SignatureStatus, error) {
	tx, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil || tx == nil {
		return nil, nil
	}
	status := &x402svm.SignatureStatus{Confirmed: true}
	if tx.Meta != nil {
		status.Err = tx.Meta.Err
	}
	return status, nil
}

// IsBlockhashValid reports whether a blockhash is still within its validity
// window.
func (c *Client) IsBlockhashValid(ctx context.Context, blockhash solana.Hash) (bool, error) {
	out, err := c.rpc.IsBlockhashValid(ctx, blockhash, rpc.CommitmentConfirmed)
	if err != nil {
		return false, fmt.Errorf("failed to check blockhash: %w", err)
	}
	return out.Value, nil
}

// Signer is the facilitator's fee-payer keypair.
type Signer struct {
	key solana.PrivateKey
}

// NewSignerFromBase58 parses a base58-encoded private key.
func NewSignerFromBase58(privateKeyBase58 string) (*Signer, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{key: key}, nil
}

// PublicKey returns the fee payer address.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// SignTransaction fills the signer's signature slot, leaving the payer's
// signature untouched.
func (s *Signer) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	signature, err := s.key.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(s.key.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}
	if int(accountIndex) >= int(tx.Message.Header.NumRequiredSignatures) {
		return fmt.Errorf("%s is not a required signer", s.key.PublicKey())
	}

	if len(tx.Signatures) < int(tx.Message.Header.NumRequiredSignatures) {
		signatures := make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	tx.Signatures[accountIndex] = signature
	return nil
}

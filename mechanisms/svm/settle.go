package svm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"

	x402types "github.com/x402-foundation/facilitator/pkg/types"
)

// SettlerOptions tunes a Settler.
type SettlerOptions struct {
	// AllowedNetworks restricts settlement to the listed networks. Empty
	// means the verifier's network is allowed.
	AllowedNetworks []string

	// PollInterval overrides the signature status poll cadence.
	PollInterval time.Duration
}

// Settler submits verified SVM payments with the facilitator as fee payer
// and polls the cluster until the transfer confirms, fails, or outlives its
// blockhash.
type Settler struct {
	verifier     *Verifier
	chain        Chain
	network      string
	allowed      map[string]struct{}
	pollInterval time.Duration
}

// NewSettler builds a settler on top of a verifier. The verifier supplies
// the chain client and fee-payer signer.
func NewSettler(verifier *Verifier, opts SettlerOptions) (*Settler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	s := &Settler{
		verifier:     verifier,
		chain:        verifier.chain,
		network:      verifier.network,
		pollInterval: opts.PollInterval,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultConfirmPollInterval
	}
	if len(opts.AllowedNetworks) > 0 {
		s.allowed = make(map[string]struct{}, len(opts.AllowedNetworks))
		for _, network := range opts.AllowedNetworks {
			s.allowed[network] = struct{}{}
		}
	}
	return s, nil
}

// Settle re-verifies the payment, broadcasts the co-signed transaction, and
// waits for confirmation within the requirements' timeout.
func (s *Settler) Settle(ctx context.Context, payload *x402types.PaymentPayload, requirements *x402types.PaymentRequirements) (*x402types.SettleResponse, error) {
	network := payload.Network

	if !s.networkAllowed(payload.Network) || !s.networkAllowed(requirements.Network) {
		return failSettle(ErrNetworkNotAllowed, network, ""), nil
	}

	verifyResp, err := s.verifier.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	payer := ""
	if verifyResp.Payer != nil {
		payer = *verifyResp.Payer
	}
	if !verifyResp.IsValid {
		reason := ErrInvalidTransaction
		if verifyResp.InvalidReason != nil {
			reason = *verifyResp.InvalidReason
		}
		return failSettle(reason, network, payer), nil
	}

	svmPayload, err := payload.ExactSvmPayload()
	if err != nil {
		return failSettle(ErrInvalidTransaction, network, payer), nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return failSettle(ErrInvalidTransaction, network, payer), nil
	}
	if err := s.verifier.signer.SignTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to sign as fee payer: %w", err)
	}

	signature, err := s.chain.Send(ctx, tx)
	if err != nil {
		log.Printf("svm.Settle: send failed network=%s err=%v", s.network, err)
		if isBlockhashExpiredError(err) {
			return failSettle(ErrBlockHeightExceeded, network, payer), nil
		}
		return failSettle(ErrTransactionFailed, network, payer), nil
	}

	if reason := s.confirm(ctx, tx, signature, requirements); reason != "" {
		resp := failSettle(reason, network, payer)
		resp.Transaction = signature.String()
		return resp, nil
	}

	return &x402types.SettleResponse{
		Success:     true,
		Transaction: signature.String(),
		Network:     network,
		Payer:       x402types.StringPtr(payer),
	}, nil
}

// confirm polls the signature until the cluster reports it confirmed. It
// returns an empty string on success and a failure reason otherwise. Poll
// errors are transient and logged; the loop keeps going until the deadline.
func (s *Settler) confirm(ctx context.Context, tx *solana.Transaction, signature solana.Signature, requirements *x402types.PaymentRequirements) string {
	deadline := time.NewTimer(confirmTimeout(requirements))
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		status, err := s.chain.GetSignatureStatus(ctx, signature)
		switch {
		case err != nil:
			log.Printf("svm.Settle: status poll failed network=%s signature=%s err=%v", s.network, signature, err)
		case status == nil:
			// Unseen signature. Once the blockhash expires it can never
			// land, so give up early.
			valid, blockhashErr := s.chain.IsBlockhashValid(ctx, tx.Message.RecentBlockhash)
			if blockhashErr == nil && !valid {
				return ErrBlockHeightExceeded
			}
		case status.Err != nil:
			return ErrTransactionFailed
		case status.Confirmed:
			return ""
		}

		select {
		case <-deadline.C:
			return ErrConfirmationTimedOut
		case <-ctx.Done():
			return ErrConfirmationTimedOut
		case <-ticker.C:
		}
	}
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

// confirmTimeout derives the confirmation wait from the requirements'
// timeout, clamped to keep one settlement from monopolizing the worker.
func confirmTimeout(requirements *x402types.PaymentRequirements) time.Duration {
	timeout := DefaultConfirmTimeout
	if requirements.MaxTimeoutSeconds > 0 {
		timeout = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	if timeout > MaxConfirmTimeout {
		timeout = MaxConfirmTimeout
	}
	return timeout
}

func isBlockhashExpiredError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "blockhash not found")
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

package facilitator

import (
	"strings"

	"github.com/x402-foundation/facilitator/pkg/types"
)

// ErrReasonRPCConnectionFailed is surfaced when a chain RPC endpoint is
// unreachable or times out.
const ErrReasonRPCConnectionFailed = "rpc_connection_failed"

// ErrorCategory buckets unexpected errors raised below the verifier or
// settler so they can be mapped to a response reason.
type ErrorCategory string

const (
	CategoryRPC        ErrorCategory = "rpc"
	CategorySignature  ErrorCategory = "signature"
	CategoryBlockchain ErrorCategory = "blockchain"
	CategoryValidation ErrorCategory = "validation"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Classify buckets an error by message substrings. Mechanisms return typed
// reasons for everything they anticipate; this only sees what slipped past
// them, so a coarse classification is enough to pick a response reason and
// a log field.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())

	rpc := []string{
		"connection refused", "connection reset", "no such host",
		"dial tcp", "i/o timeout", "deadline exceeded",
		"context canceled", "bad gateway", "service unavailable", "eof",
	}
	for _, s := range rpc {
		if strings.Contains(msg, s) {
			return CategoryRPC
		}
	}

	signature := []string{"signature", "recovery id", "recover"}
	for _, s := range signature {
		if strings.Contains(msg, s) {
			return CategorySignature
		}
	}

	blockchain := []string{
		"execution reverted", "revert", "nonce", "underpriced",
		"insufficient funds", "gas", "receipt",
	}
	for _, s := range blockchain {
		if strings.Contains(msg, s) {
			return CategoryBlockchain
		}
	}

	validation := []string{"invalid", "malformed", "parse", "unmarshal", "decode"}
	for _, s := range validation {
		if strings.Contains(msg, s) {
			return CategoryValidation
		}
	}

	return CategoryUnknown
}

// verifyReason maps an unexpected verification error to a response reason.
func verifyReason(err error) string {
	switch Classify(err) {
	case CategoryRPC:
		return ErrReasonRPCConnectionFailed
	case CategorySignature:
		return "invalid_exact_evm_payload_signature"
	case CategoryValidation:
		return types.ErrReasonInvalidPayload
	default:
		return types.ErrReasonUnexpectedVerifyError
	}
}

// settleReason maps an unexpected settlement error to a response reason.
func settleReason(err error) string {
	switch Classify(err) {
	case CategoryRPC:
		return ErrReasonRPCConnectionFailed
	case CategoryBlockchain:
		return "blockchain_transaction_failed"
	case CategoryValidation:
		return types.ErrReasonInvalidPayload
	default:
		return types.ErrReasonUnexpectedSettleError
	}
}

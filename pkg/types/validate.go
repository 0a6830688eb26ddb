package types

import (
	"fmt"
	"math/big"
	"strings"
)

// Validation reason codes surfaced in verify/settle responses when the
// request itself is malformed.
const (
	ErrReasonInvalidX402Version    = "invalid_x402_version"
	ErrReasonInvalidScheme         = "invalid_scheme"
	ErrReasonInvalidNetwork        = "invalid_network"
	ErrReasonInvalidPayload        = "invalid_payload"
	ErrReasonInvalidRequirements   = "invalid_payment_requirements"
	ErrReasonNetworkNotAllowed     = "network_not_allowed"
	ErrReasonUnexpectedVerifyError = "unexpected_verify_error"
	ErrReasonUnexpectedSettleError = "unexpected_settle_error"
)

// ValidationError describes a schema-invalid request. Reason is one of the
// validation reason codes above and is echoed in the response body.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func newValidationError(reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the structural shape of a payment payload. Scheme/network
// routing decisions are left to the facilitator.
func (p *PaymentPayload) Validate() error {
	if p == nil {
		return newValidationError(ErrReasonInvalidPayload, "paymentPayload is required")
	}
	if p.X402Version != X402Version {
		return newValidationError(ErrReasonInvalidX402Version, "x402Version must be %d", X402Version)
	}
	if p.Scheme == "" {
		return newValidationError(ErrReasonInvalidScheme, "scheme is required")
	}
	if p.Network == "" {
		return newValidationError(ErrReasonInvalidNetwork, "network is required")
	}
	if len(p.Payload) == 0 {
		return newValidationError(ErrReasonInvalidPayload, "payload is required")
	}
	return nil
}

// Validate checks the structural shape of payment requirements.
func (r *PaymentRequirements) Validate() error {
	if r == nil {
		return newValidationError(ErrReasonInvalidRequirements, "paymentRequirements is required")
	}
	if r.Scheme == "" {
		return newValidationError(ErrReasonInvalidScheme, "scheme is required")
	}
	if r.Network == "" {
		return newValidationError(ErrReasonInvalidNetwork, "network is required")
	}
	if r.PayTo == "" {
		return newValidationError(ErrReasonInvalidRequirements, "payTo is required")
	}
	if r.Asset == "" {
		return newValidationError(ErrReasonInvalidRequirements, "asset is required")
	}
	if r.MaxAmountRequired == "" {
		return newValidationError(ErrReasonInvalidRequirements, "maxAmountRequired is required")
	}
	if _, err := ParseAtomicAmount(r.MaxAmountRequired); err != nil {
		return newValidationError(ErrReasonInvalidRequirements, "maxAmountRequired: %v", err)
	}
	if r.MaxTimeoutSeconds < 0 {
		return newValidationError(ErrReasonInvalidRequirements, "maxTimeoutSeconds must be non-negative")
	}
	return nil
}

// Validate checks a full verify request body.
func (r *VerifyRequest) Validate() error {
	if r.X402Version != 0 && r.X402Version != X402Version {
		return newValidationError(ErrReasonInvalidX402Version, "x402Version must be %d", X402Version)
	}
	if err := r.PaymentPayload.Validate(); err != nil {
		return err
	}
	return r.PaymentRequirements.Validate()
}

// Validate checks a full settle request body.
func (r *SettleRequest) Validate() error {
	if r.X402Version != 0 && r.X402Version != X402Version {
		return newValidationError(ErrReasonInvalidX402Version, "x402Version must be %d", X402Version)
	}
	if err := r.PaymentPayload.Validate(); err != nil {
		return err
	}
	return r.PaymentRequirements.Validate()
}

// ParseAtomicAmount parses a non-negative integer amount in atomic units,
// serialized as a decimal string.
func ParseAtomicAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}

	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal integer", s)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	return value, nil
}

package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// X402Version is the protocol version this facilitator speaks.
const X402Version = 1

// SchemeExact is the only payment scheme the facilitator implements.
const SchemeExact = "exact"

// PaymentRequirements represents the payment requirements for a resource
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`

	// Extra contains token EIP-712 domain info for signature verification
	Extra *PaymentExtra `json:"extra,omitempty"`

	// OutputSchema contains discovery extension fields describing the
	// resource's request/response shape.
	OutputSchema *OutputSchema `json:"outputSchema,omitempty"`
}

// OutputSchema contains the request/response structure for discovery.
type OutputSchema struct {
	Input    *OutputSchemaInput `json:"input,omitempty"`
	Output   any                `json:"output,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// OutputSchemaInput contains input schema and discovery flag.
type OutputSchemaInput struct {
	Type         string         `json:"type,omitempty"`   // e.g., "http"
	Method       string         `json:"method,omitempty"` // e.g., "POST"
	Discoverable bool           `json:"discoverable,omitempty"`
	Schema       map[string]any `json:"schema,omitempty"`
}

// PaymentExtra contains additional token metadata required for EIP-712
// signature verification (ERC-3009 domain), or the facilitator fee payer
// identity on SVM networks.
type PaymentExtra struct {
	// Name is the ERC20 token name (used in EIP-712 domain)
	Name string `json:"name,omitempty"`
	// Version is the ERC20 token version (used in EIP-712 domain)
	Version string `json:"version,omitempty"`
	// FeePayer is the facilitator's SVM fee payer address (SVM networks only)
	FeePayer string `json:"feePayer,omitempty"`
}

// PaymentPayload represents the decoded payment payload for a client's payment.
// The Payload field is generic; use ExactEvmPayload()/ExactSvmPayload to access
// the scheme-specific shape.
type PaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Payload     map[string]any `json:"payload"`
}

// ExactEvmPayload represents the payload for an exact EVM payment
type ExactEvmPayload struct {
	Signature     string                        `json:"signature"`
	Authorization *ExactEvmPayloadAuthorization `json:"authorization"`
}

// ExactEvmPayloadAuthorization represents the ERC-3009 transferWithAuthorization
// EIP-712 typed data message (used by USDC)
type ExactEvmPayloadAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactSvmPayload represents the payload for an exact SVM payment: a base64
// serialized, partially-signed transaction with the payer signature present
// and the fee payer slot left for the facilitator.
type ExactSvmPayload struct {
	Transaction string `json:"transaction"`
}

// ExactEvmPayload decodes the generic payload map into the exact EVM shape.
func (p *PaymentPayload) ExactEvmPayload() (*ExactEvmPayload, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("payment payload is empty")
	}

	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode payment payload: %w", err)
	}

	var evm ExactEvmPayload
	if err := json.Unmarshal(raw, &evm); err != nil {
		return nil, fmt.Errorf("failed to parse exact EVM payload: %w", err)
	}
	if evm.Authorization == nil {
		return nil, fmt.Errorf("exact EVM payload missing authorization")
	}
	return &evm, nil
}

// ExactSvmPayload decodes the generic payload map into the exact SVM shape.
func (p *PaymentPayload) ExactSvmPayload() (*ExactSvmPayload, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("payment payload is empty")
	}

	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode payment payload: %w", err)
	}

	var svm ExactSvmPayload
	if err := json.Unmarshal(raw, &svm); err != nil {
		return nil, fmt.Errorf("failed to parse exact SVM payload: %w", err)
	}
	if svm.Transaction == "" {
		return nil, fmt.Errorf("exact SVM payload missing transaction")
	}
	return &svm, nil
}

// VerifyResponse represents the response from the verify endpoint
type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	InvalidReason *string `json:"invalidReason,omitempty"`
	Payer         *string `json:"payer,omitempty"`
}

// SettleResponse represents the response from the settle endpoint
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason *string `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     string  `json:"network"`
	Payer       *string `json:"payer,omitempty"`
}

// EncodeToBase64String encodes the settle response for the X-PAYMENT-RESPONSE header.
func (s *SettleResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to base64 encode the settle response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentPayloadFromBase64 decodes a base64 encoded string into a PaymentPayload
func DecodePaymentPayloadFromBase64(encoded string) (*PaymentPayload, error) {
	decodedBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 string: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decodedBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}

	payload.X402Version = X402Version

	return &payload, nil
}

// SetUSDCInfo sets the USDC token information in the Extra field of PaymentRequirements
func (p *PaymentRequirements) SetUSDCInfo(isTestnet bool) {
	name := "USD Coin"
	if isTestnet {
		name = "USDC"
	}

	p.Extra = &PaymentExtra{
		Name:    name,
		Version: "2",
	}
}

// =============================================================================
// Verify/Settle Request Types
// =============================================================================

// VerifyRequest represents the request body for the facilitator /verify endpoint.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest represents the request body for the facilitator /settle endpoint.
type SettleRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// =============================================================================
// Facilitator Supported Types
// =============================================================================

// SupportedKind represents a supported scheme-network pair from the /supported endpoint.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse represents the response from the facilitator /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// StringPtr returns a pointer to the given string. Response types use pointer
// fields so empty reasons are omitted from JSON.
func StringPtr(s string) *string {
	return &s
}

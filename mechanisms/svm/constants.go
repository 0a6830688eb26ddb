package svm

import "time"

// SchemeExact is the payment scheme this package implements.
const SchemeExact = "exact"

// Verification failure reasons.
const (
	ErrInvalidScheme       = "invalid_scheme"
	ErrInvalidNetwork      = "invalid_network"
	ErrInvalidTransaction  = "invalid_exact_svm_payload_transaction"
	ErrInvalidInstructions = "invalid_exact_svm_payload_transaction_instructions"
	ErrAmountMismatch      = "invalid_exact_svm_payload_transaction_amount_mismatch"
	ErrSimulationFailed    = "invalid_exact_svm_payload_transaction_simulation_failed"
)

// Settlement failure reasons.
const (
	ErrNetworkNotAllowed    = "network_not_allowed"
	ErrTransactionFailed    = "blockchain_transaction_failed"
	ErrBlockHeightExceeded  = "settle_exact_svm_block_height_exceeded"
	ErrConfirmationTimedOut = "settle_exact_svm_transaction_confirmation_timed_out"
)

// Compute budget program instruction discriminators.
const (
	computeUnitLimitDiscriminator = 2
	computeUnitPriceDiscriminator = 3
)

// transferCheckedDiscriminator is the SPL token program tag for
// TransferChecked.
const transferCheckedDiscriminator = 12

// MaxComputeUnitPriceMicroLamports caps the priority fee a payload may ask
// the fee payer to fund, 5 lamports per compute unit.
const MaxComputeUnitPriceMicroLamports = 5_000_000

const (
	// DefaultConfirmTimeout applies when requirements carry no timeout.
	DefaultConfirmTimeout = 60 * time.Second

	// MaxConfirmTimeout caps the confirmation wait regardless of what the
	// requirements ask for.
	MaxConfirmTimeout = 120 * time.Second

	// DefaultConfirmPollInterval is the signature status poll cadence.
	DefaultConfirmPollInterval = time.Second
)

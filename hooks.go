package facilitator

import (
	"context"
	"time"

	"github.com/x402-foundation/facilitator/pkg/types"
)

// VerifyContext is passed to every verify hook.
type VerifyContext struct {
	Ctx          context.Context
	Payload      *types.PaymentPayload
	Requirements *types.PaymentRequirements
	Timestamp    time.Time
}

// VerifyResultContext carries a completed verification and its outcome.
type VerifyResultContext struct {
	VerifyContext
	Result   *types.VerifyResponse
	Duration time.Duration
}

// VerifyFailureContext carries a verification that failed below the
// verifier, before a response could be produced.
type VerifyFailureContext struct {
	VerifyContext
	Err      error
	Duration time.Duration
}

// SettleContext is passed to every settle hook.
type SettleContext struct {
	Ctx          context.Context
	Payload      *types.PaymentPayload
	Requirements *types.PaymentRequirements
	Timestamp    time.Time
}

// SettleResultContext carries a completed settlement and its outcome.
type SettleResultContext struct {
	SettleContext
	Result   *types.SettleResponse
	Duration time.Duration
}

// SettleFailureContext carries a settlement that failed below the settler.
type SettleFailureContext struct {
	SettleContext
	Err      error
	Duration time.Duration
}

// BeforeHookResult aborts the operation with the given reason when Abort is
// set.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureHookResult substitutes a response for a failed verification
// when Recovered is set.
type VerifyFailureHookResult struct {
	Recovered bool
	Result    *types.VerifyResponse
}

// SettleFailureHookResult substitutes a response for a failed settlement
// when Recovered is set.
type SettleFailureHookResult struct {
	Recovered bool
	Result    *types.SettleResponse
}

// BeforeVerifyHook runs before verification. Returning a result with
// Abort=true skips the verifier and returns an invalid response with the
// provided reason.
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook runs after verification produced a response. Errors are
// logged and do not affect the result.
type AfterVerifyHook func(VerifyResultContext) error

// VerifyFailureHook runs when verification fails with an error. Returning a
// result with Recovered=true substitutes the provided response.
type VerifyFailureHook func(VerifyFailureContext) (*VerifyFailureHookResult, error)

// BeforeSettleHook runs before settlement. Returning a result with
// Abort=true skips the settler and returns a failed response with the
// provided reason.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after settlement produced a response. Errors are
// logged and do not affect the result.
type AfterSettleHook func(SettleResultContext) error

// SettleFailureHook runs when settlement fails with an error. Returning a
// result with Recovered=true substitutes the provided response.
type SettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)

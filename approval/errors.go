// Package approval owns the proposal store, the lifecycle state machine,
// and the approval-token table.
package approval

import "errors"

var (
	// ErrUnknownProposal is returned when a proposal id has no matching entry.
	ErrUnknownProposal = errors.New("approval: unknown proposal")

	// ErrIllegalTransition is returned when a requested transition is not in
	// the fixed transition table.
	ErrIllegalTransition = errors.New("approval: illegal state transition")

	// ErrApprovalReasonRequired is returned when a deny call omits a reason.
	ErrApprovalReasonRequired = errors.New("approval: denial reason required")

	// ErrInvalidToken is returned for an unknown token id.
	ErrInvalidToken = errors.New("approval: invalid token")

	// ErrTokenAlreadyConsumed is returned when a token has already been spent.
	ErrTokenAlreadyConsumed = errors.New("approval: token already consumed")

	// ErrTokenExpired is returned once now() has passed the token's expiry.
	ErrTokenExpired = errors.New("approval: token expired")

	// ErrIntentHashMismatch is returned when the recomputed intent hash does
	// not match the hash bound into the token.
	ErrIntentHashMismatch = errors.New("approval: intent hash mismatch")

	// ErrAccountMismatch is returned when the submitting account does not
	// match the token's bound account.
	ErrAccountMismatch = errors.New("approval: account mismatch")
)

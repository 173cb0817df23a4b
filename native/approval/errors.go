package approval

import "errors"

var (
	// Validation
	ErrInvalidThreshold   = errors.New("approval: threshold percent out of range")
	ErrEmptyValidatorSet  = errors.New("approval: validator set must not be empty")
	ErrInvalidVotingWindow = errors.New("approval: voting window must be positive")
	ErrInvalidChoice      = errors.New("approval: invalid vote choice")

	// NotFound
	ErrVersionNotFound = errors.New("approval: version not found")
	ErrRequestNotFound = errors.New("approval: approval request not found")
	ErrAuditNotFound   = errors.New("approval: audit trail not found")

	// Conflict
	ErrDuplicateVote           = errors.New("approval: validator already voted")
	ErrDuplicateRequestForVersion = errors.New("approval: version already has an approval request")
	ErrStaleStatus             = errors.New("approval: version status changed concurrently")

	// Lifecycle
	ErrVotingClosed       = errors.New("approval: voting window closed")
	ErrInvalidTransition  = errors.New("approval: transition not allowed")
	ErrVersionNotPending  = errors.New("approval: version is not awaiting approval")

	// Integrity
	ErrInvalidSignature = errors.New("approval: vote signature failed verification")

	// Transient / Fatal
	ErrQueueFull  = errors.New("approval: webhook delivery queue is full")
	ErrStoreFatal = errors.New("approval: persistence layer failure")
)

package approval

import (
	"context"
	"time"

	"aurigraph/approval-core/core/events"
)

// ExecutionService subscribes to ApprovalDecidedEvent and carries out the
// resulting TokenVersion transition: activation plus cascade retirement on
// approval, or rejection/expiry otherwise.
type ExecutionService struct {
	versions   VersionStore
	transition *TransitionManager
	cascade    *CascadeRetirement
	emitter    events.Emitter
	nowFn      func() time.Time
}

// NewExecutionService constructs an ExecutionService.
func NewExecutionService(versions VersionStore, transition *TransitionManager, cascade *CascadeRetirement) *ExecutionService {
	return &ExecutionService{
		versions:   versions,
		transition: transition,
		cascade:    cascade,
		emitter:    events.NoopEmitter{},
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetEmitter configures the event sink. Passing nil resets to a no-op.
func (e *ExecutionService) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock, for deterministic tests.
func (e *ExecutionService) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// HandleApprovalDecided is the EventBus subscriber entrypoint for
// ApprovalDecidedEvent. It is also exported for direct/synchronous use by
// the manual "execute-now" HTTP endpoint.
func (e *ExecutionService) HandleApprovalDecided(evt events.Event) {
	decided, ok := evt.(ApprovalDecidedEvent)
	if !ok {
		return
	}
	e.Execute(context.Background(), decided)
}

// Execute applies the disposition carried by an ApprovalDecidedEvent.
func (e *ExecutionService) Execute(ctx context.Context, decided ApprovalDecidedEvent) {
	started := e.nowFn()

	switch decided.Status {
	case RequestApproved:
		e.executeApproval(ctx, decided, started)
	case RequestRejected:
		e.executeTerminal(ctx, decided, VersionRejected, decided.Reason)
	case RequestExpired:
		e.executeTerminal(ctx, decided, VersionExpired, "voting_window_expired")
	}
}

func (e *ExecutionService) executeApproval(ctx context.Context, decided ApprovalDecidedEvent, started time.Time) {
	version, err := e.versions.GetVersion(ctx, decided.VersionID)
	if err != nil {
		e.fail(decided, err)
		return
	}

	updated, err := e.transition.Execute(ctx, TransitionInput{
		VersionID:         decided.VersionID,
		ExpectedFrom:      VersionPendingVVB,
		To:                VersionActive,
		ApprovalRequestID: decided.RequestID,
		ExecutedBy:        "execution-service",
		Metadata:          map[string]string{"approval_request_id": decided.RequestID},
	})
	if err != nil {
		e.fail(decided, err)
		return
	}

	now := e.nowFn()
	updated.ApprovalRequestID = decided.RequestID
	updated.ApprovalTimestamp = now
	updated.ActivatedAt = now
	updated.ApprovedByCount = len(decided.ApproverIDs)
	updated.ApproverIDs = decided.ApproverIDs
	if err := e.versions.PutVersion(ctx, updated); err != nil {
		e.fail(decided, err)
		return
	}

	if version.PreviousVersionID != "" {
		// Cascade failure is non-fatal: the new version is already ACTIVE.
		if _, cascadeErr := e.cascade.Retire(ctx, version.PreviousVersionID, updated.ID); cascadeErr != nil {
			e.emitter.Emit(ApprovalExecutionFailedEvent{
				RequestID: decided.RequestID,
				VersionID: version.PreviousVersionID,
				Error:     "cascade_retirement: " + cascadeErr.Error(),
			})
		}
	}

	e.emitter.Emit(ApprovalExecutionCompletedEvent{
		VersionID:  decided.VersionID,
		RequestID:  decided.RequestID,
		DurationMS: e.nowFn().Sub(started).Milliseconds(),
	})
}

func (e *ExecutionService) executeTerminal(ctx context.Context, decided ApprovalDecidedEvent, to VersionStatus, reason string) {
	updated, err := e.transition.Execute(ctx, TransitionInput{
		VersionID:         decided.VersionID,
		ExpectedFrom:      VersionPendingVVB,
		To:                to,
		ApprovalRequestID: decided.RequestID,
		ExecutedBy:        "execution-service",
		Metadata:          map[string]string{"reason": reason},
	})
	if err != nil {
		e.fail(decided, err)
		return
	}

	if to == VersionRejected {
		updated.RejectionReason = reason
		if err := e.versions.PutVersion(ctx, updated); err != nil {
			e.fail(decided, err)
			return
		}
		e.emitter.Emit(VersionRejectedEvent{VersionID: decided.VersionID, RequestID: decided.RequestID, Reason: reason})
		return
	}
	e.emitter.Emit(VersionExpiredEvent{VersionID: decided.VersionID, RequestID: decided.RequestID})
}

func (e *ExecutionService) fail(decided ApprovalDecidedEvent, err error) {
	e.emitter.Emit(ApprovalExecutionFailedEvent{
		RequestID: decided.RequestID,
		VersionID: decided.VersionID,
		Error:     err.Error(),
	})
}

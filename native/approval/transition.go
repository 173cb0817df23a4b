package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransitionManager executes a single TokenVersion status change with a
// 5-phase append-only audit trail, inside one VersionStore transaction.
type TransitionManager struct {
	versions VersionStore
	sm       *StateMachine
	nowFn    func() time.Time
	newID    func() string
}

// NewTransitionManager constructs a TransitionManager.
func NewTransitionManager(versions VersionStore, sm *StateMachine) *TransitionManager {
	return &TransitionManager{
		versions: versions,
		sm:       sm,
		nowFn:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (t *TransitionManager) SetNowFunc(now func() time.Time) {
	if now != nil {
		t.nowFn = now
	}
}

// TransitionInput describes a requested version transition.
type TransitionInput struct {
	VersionID         string
	ExpectedFrom      VersionStatus
	To                VersionStatus
	ApprovalRequestID string
	ExecutedBy        string
	Metadata          map[string]string
}

// Execute performs the transition described by in, writing INITIATED,
// VALIDATED, TRANSITIONED, and COMPLETED audit entries on success, or a
// FAILED entry (with the triggering reason) on any precondition failure.
func (t *TransitionManager) Execute(ctx context.Context, in TransitionInput) (*TokenVersion, error) {
	var result *TokenVersion

	err := t.versions.Transact(ctx, func(ctx context.Context, versions VersionStore, audit AuditStore) error {
		version, err := versions.GetVersion(ctx, in.VersionID)
		if err != nil {
			t.fail(ctx, audit, in, "", "not_found")
			return ErrVersionNotFound
		}
		if version.Status != in.ExpectedFrom {
			t.fail(ctx, audit, in, version.Status, "status_mismatch")
			return fmt.Errorf("%w: expected %s, got %s", ErrStaleStatus, in.ExpectedFrom, version.Status)
		}
		if !t.sm.Allowed(in.ExpectedFrom, in.To) {
			t.fail(ctx, audit, in, version.Status, "disallowed")
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.ExpectedFrom, in.To)
		}

		now := t.nowFn()
		t.append(ctx, audit, in, PhaseInitiated, version.Status, version.Status, "")
		t.append(ctx, audit, in, PhaseValidated, version.Status, version.Status, "")

		previous := version.Status
		version.Status = in.To
		version.UpdatedAt = now
		if in.To == VersionActive {
			version.ActivatedAt = now
			if version.MerkleHash == "" {
				version.MerkleHash = version.ComputeMerkleHash()
			}
		}
		if in.To == VersionArchived {
			version.ArchivedAt = now
		}

		if err := versions.PutVersion(ctx, version); err != nil {
			t.fail(ctx, audit, in, previous, "persist_failed")
			return fmt.Errorf("%w: %v", ErrStoreFatal, err)
		}

		t.append(ctx, audit, in, PhaseTransitioned, previous, version.Status, "")
		t.append(ctx, audit, in, PhaseCompleted, previous, version.Status, "")

		result = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Rollback records a ROLLED_BACK audit entry for a version. It is purely
// informational: Execute's transaction already rolled back any partial
// persistence change on failure, so there is nothing further to undo.
func (t *TransitionManager) Rollback(ctx context.Context, versionID, reason string) error {
	return t.versions.Transact(ctx, func(ctx context.Context, versions VersionStore, audit AuditStore) error {
		return audit.AppendAudit(ctx, &ExecutionAudit{
			ID:                 t.newID(),
			VersionID:          versionID,
			Phase:              PhaseRolledBack,
			ExecutionTimestamp: t.nowFn(),
			ErrorMessage:       reason,
		})
	})
}

func (t *TransitionManager) append(ctx context.Context, audit AuditStore, in TransitionInput, phase AuditPhase, from, to VersionStatus, errMsg string) {
	_ = audit.AppendAudit(ctx, &ExecutionAudit{
		ID:                 t.newID(),
		VersionID:          in.VersionID,
		ApprovalRequestID:  in.ApprovalRequestID,
		Phase:              phase,
		PreviousStatus:     from,
		NewStatus:          to,
		ExecutedBy:         in.ExecutedBy,
		ExecutionTimestamp: t.nowFn(),
		ErrorMessage:       errMsg,
		Metadata:           in.Metadata,
	})
}

func (t *TransitionManager) fail(ctx context.Context, audit AuditStore, in TransitionInput, from VersionStatus, reason string) {
	t.append(ctx, audit, in, PhaseFailed, from, in.To, reason)
}

package approval

import (
	"context"
	"testing"
	"time"
)

// harness wires a full in-memory approval core the way cmd/approvald does,
// with a deterministic clock so scenario tests can assert exact outcomes.
type harness struct {
	t          *testing.T
	store      *MemStore
	registry   *ApprovalRegistry
	sm         *StateMachine
	calc       *ConsensusCalculator
	service    *ApprovalService
	transition *TransitionManager
	cascade    *CascadeRetirement
	execution  *ExecutionService
	bus        *EventBus
	clock      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemStore()
	registry := NewApprovalRegistry(store)
	sm := NewStateMachine()
	calc := NewConsensusCalculator()
	transition := NewTransitionManager(store, sm)
	cascade := NewCascadeRetirement(store, transition)
	service := NewApprovalService(store, registry)
	execution := NewExecutionService(store, transition, cascade)
	bus := NewEventBus()

	h := &harness{
		t: t, store: store, registry: registry, sm: sm, calc: calc,
		service: service, transition: transition, cascade: cascade,
		execution: execution, bus: bus,
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return h.clock }
	service.SetNowFunc(nowFn)
	transition.SetNowFunc(nowFn)
	cascade.SetNowFunc(nowFn)
	execution.SetNowFunc(nowFn)

	service.SetEmitter(bus)
	bus.Subscribe(EventTypeApprovalDecided, execution.HandleApprovalDecided)
	return h
}

func (h *harness) createVersion(ctx context.Context, id, parent string, status VersionStatus, previous string) *TokenVersion {
	h.t.Helper()
	v := &TokenVersion{
		ID:                id,
		ParentTokenID:     parent,
		VersionNumber:     1,
		Content:           []byte("content-" + id),
		Status:            status,
		PreviousVersionID: previous,
		CreatedAt:         h.clock,
		UpdatedAt:         h.clock,
	}
	if status == VersionActive {
		v.MerkleHash = v.ComputeMerkleHash()
		v.ActivatedAt = h.clock
	}
	if err := h.store.PutVersion(ctx, v); err != nil {
		h.t.Fatalf("PutVersion: %v", err)
	}
	return v
}

func TestScenarioS1HappyApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createVersion(ctx, "v1", "token-1", VersionPendingVVB, "")

	req, err := h.service.CreateRequest(ctx, CreateRequestInput{
		VersionID:           "v1",
		Validators:          []string{"A", "B", "C"},
		VotingWindowSeconds: 3600,
		ThresholdPercent:    DefaultApprovalThresholdPercent,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "A", Choice: VoteYes}); err != nil {
		t.Fatalf("vote A: %v", err)
	}
	after, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "B", Choice: VoteYes})
	if err != nil {
		t.Fatalf("vote B: %v", err)
	}
	if after.Status != RequestApproved {
		t.Fatalf("request status = %s, want APPROVED", after.Status)
	}

	version, err := h.store.GetVersion(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version.Status != VersionActive {
		t.Fatalf("version status = %s, want ACTIVE", version.Status)
	}
	if version.MerkleHash == "" {
		t.Fatalf("expected merkle hash to be populated on activation")
	}

	trail, err := h.store.AuditTrail(ctx, "v1")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	wantPhases := []AuditPhase{PhaseInitiated, PhaseValidated, PhaseTransitioned, PhaseCompleted}
	if len(trail) != len(wantPhases) {
		t.Fatalf("audit trail length = %d, want %d (%v)", len(trail), len(wantPhases), trail)
	}
	for i, phase := range wantPhases {
		if trail[i].Phase != phase {
			t.Errorf("audit[%d].Phase = %s, want %s", i, trail[i].Phase, phase)
		}
	}
}

func TestScenarioS2RejectionByMajority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createVersion(ctx, "v1", "token-1", VersionPendingVVB, "")

	req, err := h.service.CreateRequest(ctx, CreateRequestInput{
		VersionID: "v1", Validators: []string{"A", "B", "C"}, VotingWindowSeconds: 3600,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "A", Choice: VoteNo}); err != nil {
		t.Fatalf("vote A: %v", err)
	}
	after, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "B", Choice: VoteNo})
	if err != nil {
		t.Fatalf("vote B: %v", err)
	}
	if after.Status != RequestRejected {
		t.Fatalf("request status = %s, want REJECTED", after.Status)
	}

	version, err := h.store.GetVersion(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version.Status != VersionRejected {
		t.Fatalf("version status = %s, want REJECTED", version.Status)
	}
	if version.RejectionReason == "" {
		t.Fatalf("expected rejection reason to be set")
	}
}

func TestScenarioS3EarlyImpossibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createVersion(ctx, "v1", "token-1", VersionPendingVVB, "")

	req, err := h.service.CreateRequest(ctx, CreateRequestInput{
		VersionID: "v1", Validators: []string{"A", "B", "C", "D", "E"}, VotingWindowSeconds: 3600,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	for _, vote := range []struct {
		id     string
		choice VoteChoice
	}{{"A", VoteYes}, {"B", VoteNo}, {"C", VoteNo}} {
		if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: vote.id, Choice: vote.choice}); err != nil {
			t.Fatalf("vote %s: %v", vote.id, err)
		}
	}
	after, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "D", Choice: VoteNo})
	if err != nil {
		t.Fatalf("vote D: %v", err)
	}
	if after.Status != RequestRejected {
		t.Fatalf("request status = %s, want REJECTED (impossible)", after.Status)
	}
}

func TestScenarioS4DuplicateVoteRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createVersion(ctx, "v1", "token-1", VersionPendingVVB, "")

	req, err := h.service.CreateRequest(ctx, CreateRequestInput{
		VersionID: "v1", Validators: []string{"A", "B", "C"}, VotingWindowSeconds: 3600,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "A", Choice: VoteYes}); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "A", Choice: VoteNo}); err != ErrDuplicateVote {
		t.Fatalf("second vote error = %v, want ErrDuplicateVote", err)
	}
}

func TestScenarioS5ExpiryWithoutConsensus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createVersion(ctx, "v1", "token-1", VersionPendingVVB, "")

	req, err := h.service.CreateRequest(ctx, CreateRequestInput{
		VersionID: "v1", Validators: []string{"A", "B", "C"}, VotingWindowSeconds: 60,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "A", Choice: VoteYes}); err != nil {
		t.Fatalf("vote A: %v", err)
	}

	h.clock = h.clock.Add(61 * time.Second)
	expired, err := h.service.Expire(ctx, req.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if expired.Status != RequestExpired {
		t.Fatalf("request status = %s, want EXPIRED", expired.Status)
	}

	version, err := h.store.GetVersion(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version.Status != VersionExpired {
		t.Fatalf("version status = %s, want EXPIRED", version.Status)
	}

	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "B", Choice: VoteYes}); err != ErrVotingClosed {
		t.Fatalf("vote after expiry error = %v, want ErrVotingClosed", err)
	}
}

func TestScenarioS6CascadeRetirement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createVersion(ctx, "v1", "token-1", VersionActive, "")
	h.createVersion(ctx, "v2", "token-1", VersionPendingVVB, "v1")

	req, err := h.service.CreateRequest(ctx, CreateRequestInput{
		VersionID: "v2", Validators: []string{"A", "B", "C"}, VotingWindowSeconds: 3600,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "A", Choice: VoteYes}); err != nil {
		t.Fatalf("vote A: %v", err)
	}
	if _, err := h.service.SubmitVote(ctx, SubmitVoteInput{RequestID: req.ID, ValidatorID: "B", Choice: VoteYes}); err != nil {
		t.Fatalf("vote B: %v", err)
	}

	v1, err := h.store.GetVersion(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVersion v1: %v", err)
	}
	if v1.Status != VersionReplaced {
		t.Fatalf("v1 status = %s, want REPLACED", v1.Status)
	}
	if v1.ReplacedByVersionID != "v2" {
		t.Fatalf("v1.ReplacedByVersionID = %s, want v2", v1.ReplacedByVersionID)
	}

	v2, err := h.store.GetVersion(ctx, "v2")
	if err != nil {
		t.Fatalf("GetVersion v2: %v", err)
	}
	if v2.Status != VersionActive {
		t.Fatalf("v2 status = %s, want ACTIVE", v2.Status)
	}
}

func TestScenarioS7AmbiguousCascadeLeftAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createVersion(ctx, "v1", "token-1", VersionActive, "")
	// Two children of v1 are simultaneously ACTIVE: an operator error the
	// cascade must not try to resolve on its own.
	h.createVersion(ctx, "v2", "token-1", VersionActive, "v1")
	h.createVersion(ctx, "v3", "token-1", VersionActive, "v1")

	updated, err := h.cascade.Retire(ctx, "v1", "v3")
	if err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if updated != nil {
		t.Fatalf("expected no-op when lineage is ambiguous, got %+v", updated)
	}

	v1, err := h.store.GetVersion(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v1.Status != VersionActive {
		t.Fatalf("v1 status = %s, want unchanged ACTIVE", v1.Status)
	}
}

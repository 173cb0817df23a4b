package sql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"aurigraph/approval-core/native/approval"
)

func setupStoreDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestStorePutAndGetVersion(t *testing.T) {
	ctx := context.Background()
	store := New(setupStoreDB(t))

	v := &approval.TokenVersion{
		ID:            "ver-1",
		ParentTokenID: "token-1",
		VersionNumber: 1,
		Content:       []byte("payload"),
		Status:        approval.VersionPendingVVB,
		ApproverIDs:   []string{"validator-1", "validator-2"},
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	if err := store.PutVersion(ctx, v); err != nil {
		t.Fatalf("put version: %v", err)
	}

	got, err := store.GetVersion(ctx, "ver-1")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if got.ParentTokenID != v.ParentTokenID || got.Status != v.Status {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if len(got.ApproverIDs) != 2 || got.ApproverIDs[1] != "validator-2" {
		t.Fatalf("approver ids not preserved: %v", got.ApproverIDs)
	}
}

func TestStoreGetVersionNotFound(t *testing.T) {
	store := New(setupStoreDB(t))
	if _, err := store.GetVersion(context.Background(), "missing"); !errors.Is(err, approval.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestStoreActiveVersionForToken(t *testing.T) {
	ctx := context.Background()
	store := New(setupStoreDB(t))

	archived := &approval.TokenVersion{ID: "v1", ParentTokenID: "tok", Status: approval.VersionArchived, CreatedAt: time.Now().UTC()}
	active := &approval.TokenVersion{ID: "v2", ParentTokenID: "tok", Status: approval.VersionActive, CreatedAt: time.Now().UTC()}
	if err := store.PutVersion(ctx, archived); err != nil {
		t.Fatalf("put archived: %v", err)
	}
	if err := store.PutVersion(ctx, active); err != nil {
		t.Fatalf("put active: %v", err)
	}

	got, err := store.ActiveVersionForToken(ctx, "tok")
	if err != nil {
		t.Fatalf("active version: %v", err)
	}
	if got.ID != "v2" {
		t.Fatalf("expected v2 active, got %s", got.ID)
	}
}

func TestStoreChildrenOf(t *testing.T) {
	ctx := context.Background()
	store := New(setupStoreDB(t))

	parent := &approval.TokenVersion{ID: "p1", ParentTokenID: "tok", Status: approval.VersionActive, CreatedAt: time.Now().UTC()}
	child := &approval.TokenVersion{ID: "c1", ParentTokenID: "tok", PreviousVersionID: "p1", Status: approval.VersionPendingVVB, CreatedAt: time.Now().UTC()}
	if err := store.PutVersion(ctx, parent); err != nil {
		t.Fatalf("put parent: %v", err)
	}
	if err := store.PutVersion(ctx, child); err != nil {
		t.Fatalf("put child: %v", err)
	}

	children, err := store.ChildrenOf(ctx, "p1")
	if err != nil {
		t.Fatalf("children of: %v", err)
	}
	if len(children) != 1 || children[0].ID != "c1" {
		t.Fatalf("unexpected children: %+v", children)
	}
}

func TestStoreTransactRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := New(setupStoreDB(t))

	wantErr := errors.New("boom")
	err := store.Transact(ctx, func(ctx context.Context, versions approval.VersionStore, audit approval.AuditStore) error {
		if putErr := versions.PutVersion(ctx, &approval.TokenVersion{ID: "tx-1", ParentTokenID: "tok", CreatedAt: time.Now().UTC()}); putErr != nil {
			return putErr
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if _, getErr := store.GetVersion(ctx, "tx-1"); !errors.Is(getErr, approval.ErrVersionNotFound) {
		t.Fatalf("expected rollback to discard version, got %v", getErr)
	}
}

func TestStoreRequestAndVoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New(setupStoreDB(t))

	req := &approval.ApprovalRequest{
		ID:                       "req-1",
		VersionID:                "ver-1",
		Validators:               []string{"validator-1", "validator-2"},
		TotalValidators:          2,
		ApprovalThresholdPercent: 200.0 / 3.0,
		Status:                   approval.RequestPending,
		CreatedAt:                time.Now().UTC(),
		VotingWindowEnd:          time.Now().UTC().Add(24 * time.Hour),
	}
	if err := store.PutRequest(ctx, req); err != nil {
		t.Fatalf("put request: %v", err)
	}

	pending, err := store.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("pending requests: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "req-1" {
		t.Fatalf("unexpected pending requests: %+v", pending)
	}

	vote := &approval.ValidatorVote{
		ID:                "vote-1",
		ApprovalRequestID: "req-1",
		ValidatorID:       "validator-1",
		Choice:            approval.VoteYes,
		VotedAt:           time.Now().UTC(),
	}
	if err := store.PutVote(ctx, vote); err != nil {
		t.Fatalf("put vote: %v", err)
	}
	got, err := store.GetVote(ctx, "req-1", "validator-1")
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if got == nil || got.Choice != approval.VoteYes {
		t.Fatalf("unexpected vote: %+v", got)
	}

	none, err := store.GetVote(ctx, "req-1", "validator-2")
	if err != nil {
		t.Fatalf("get missing vote: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil vote for validator with no ballot, got %+v", none)
	}
}

func TestStoreAuditTrailOrdered(t *testing.T) {
	ctx := context.Background()
	store := New(setupStoreDB(t))

	base := time.Now().UTC()
	older := &approval.ExecutionAudit{ID: "a1", VersionID: "ver-1", Phase: approval.PhaseTransitioned, ExecutionTimestamp: base}
	newer := &approval.ExecutionAudit{ID: "a2", VersionID: "ver-1", Phase: approval.PhaseCompleted, ExecutionTimestamp: base.Add(time.Minute)}
	if err := store.AppendAudit(ctx, newer); err != nil {
		t.Fatalf("append newer: %v", err)
	}
	if err := store.AppendAudit(ctx, older); err != nil {
		t.Fatalf("append older: %v", err)
	}

	trail, err := store.AuditTrail(ctx, "ver-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 2 || trail[0].ID != "a1" || trail[1].ID != "a2" {
		t.Fatalf("expected chronological order, got %+v", trail)
	}
}

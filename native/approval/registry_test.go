package approval

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestApprovalRegistryRegisterVoteDuplicateUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	registry := NewApprovalRegistry(store)

	req := &ApprovalRequest{
		ID: "r1", VersionID: "v1", Validators: []string{"A"}, TotalValidators: 1,
		ApprovalThresholdPercent: DefaultApprovalThresholdPercent,
		Status:                   RequestPending,
		VotingWindowEnd:          time.Now().Add(time.Hour),
	}
	if err := registry.RegisterRequest(ctx, req); err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}

	const attempts = 25
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := registry.RegisterVote(ctx, &ValidatorVote{
				ID: "vote" + string(rune('a'+i)), ApprovalRequestID: "r1", ValidatorID: "A", Choice: VoteYes,
			})
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful RegisterVote, got %d", count)
	}

	request, err := registry.LookupRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("LookupRequest: %v", err)
	}
	if request.ApprovalCount != 1 {
		t.Fatalf("ApprovalCount = %d, want 1", request.ApprovalCount)
	}
}

func TestApprovalRegistryExpiredRequests(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	registry := NewApprovalRegistry(store)

	now := time.Now()
	expired := &ApprovalRequest{ID: "r1", VersionID: "v1", Status: RequestPending, VotingWindowEnd: now.Add(-time.Minute), TotalValidators: 1}
	fresh := &ApprovalRequest{ID: "r2", VersionID: "v2", Status: RequestPending, VotingWindowEnd: now.Add(time.Hour), TotalValidators: 1}
	if err := registry.RegisterRequest(ctx, expired); err != nil {
		t.Fatalf("RegisterRequest expired: %v", err)
	}
	if err := registry.RegisterRequest(ctx, fresh); err != nil {
		t.Fatalf("RegisterRequest fresh: %v", err)
	}

	got, err := registry.ExpiredRequests(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredRequests: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("ExpiredRequests = %v, want only r1", got)
	}
}

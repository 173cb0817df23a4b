package approval

import (
	"context"
	"sync"
	"time"
)

// ApprovalRegistry is the concurrent coordination layer in front of a
// RequestStore. It guarantees that vote registration is linearizable with
// respect to duplicate detection and tally updates: two concurrent votes
// from the same validator on the same request yield exactly one success and
// one ErrDuplicateVote, never two successes.
//
// The registry itself holds no durable state; it serializes access to the
// RequestStore per request so callers never need their own locking.
type ApprovalRegistry struct {
	store RequestStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewApprovalRegistry constructs a registry backed by store.
func NewApprovalRegistry(store RequestStore) *ApprovalRegistry {
	return &ApprovalRegistry{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (g *ApprovalRegistry) lockFor(requestID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[requestID] = l
	}
	return l
}

// RegisterRequest persists a new ApprovalRequest. Fails with
// ErrDuplicateRequestForVersion if the version already has one.
func (g *ApprovalRegistry) RegisterRequest(ctx context.Context, r *ApprovalRequest) error {
	return g.store.PutRequest(ctx, r)
}

// LookupRequest returns a request by id.
func (g *ApprovalRegistry) LookupRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	return g.store.GetRequest(ctx, id)
}

// LookupByVersion returns the (at most one) request for a version.
func (g *ApprovalRegistry) LookupByVersion(ctx context.Context, versionID string) (*ApprovalRequest, error) {
	return g.store.GetRequestByVersion(ctx, versionID)
}

// HasVoted reports whether validatorID has already voted on requestID.
func (g *ApprovalRegistry) HasVoted(ctx context.Context, requestID, validatorID string) (bool, error) {
	v, err := g.store.GetVote(ctx, requestID, validatorID)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Votes returns every vote cast on requestID, in submission order.
func (g *ApprovalRegistry) Votes(ctx context.Context, requestID string) ([]*ValidatorVote, error) {
	return g.store.VotesForRequest(ctx, requestID)
}

// RegisterVote atomically appends a vote and updates the owning request's
// tallies, returning the request as it stands immediately after the vote.
// Callers must not mutate the tallies themselves; this is the single
// writer path for request tallies.
func (g *ApprovalRegistry) RegisterVote(ctx context.Context, vote *ValidatorVote) (*ApprovalRequest, error) {
	lock := g.lockFor(vote.ApprovalRequestID)
	lock.Lock()
	defer lock.Unlock()

	request, err := g.store.GetRequest(ctx, vote.ApprovalRequestID)
	if err != nil {
		return nil, err
	}

	if existing, err := g.store.GetVote(ctx, vote.ApprovalRequestID, vote.ValidatorID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrDuplicateVote
	}

	if err := g.store.PutVote(ctx, vote); err != nil {
		return nil, err
	}

	switch vote.Choice {
	case VoteYes:
		request.ApprovalCount++
	case VoteNo:
		request.RejectionCount++
	case VoteAbstain:
		request.AbstainCount++
	}
	if err := g.store.PutRequest(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

// UpdateStatus persists a new status for the request.
func (g *ApprovalRegistry) UpdateStatus(ctx context.Context, requestID string, status RequestStatus) (*ApprovalRequest, error) {
	lock := g.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	request, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	request.Status = status
	if err := g.store.PutRequest(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

// PendingRequests returns every request still awaiting a decision.
func (g *ApprovalRegistry) PendingRequests(ctx context.Context) ([]*ApprovalRequest, error) {
	return g.store.PendingRequests(ctx)
}

// ExpiredRequests returns every PENDING request whose voting window has
// closed as of now.
func (g *ApprovalRegistry) ExpiredRequests(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	pending, err := g.store.PendingRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, r := range pending {
		if r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

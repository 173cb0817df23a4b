package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aurigraph/approval-core/core/events"
)

// ApprovalService owns the voting workflow for a TokenVersion: opening a
// request, accepting votes, and finalizing the outcome once consensus is
// reached, impossible, or the voting window closes.
type ApprovalService struct {
	versions VersionStore
	registry *ApprovalRegistry
	calc     *ConsensusCalculator
	verifier SignatureVerifier
	emitter  events.Emitter
	nowFn    func() time.Time
	newID    func() string
}

// NewApprovalService constructs an ApprovalService with default no-op
// dependencies. Callers wire in a real VersionStore, registry, and emitter
// via the SetX methods before use.
func NewApprovalService(versions VersionStore, registry *ApprovalRegistry) *ApprovalService {
	return &ApprovalService{
		versions: versions,
		registry: registry,
		calc:     NewConsensusCalculator(),
		verifier: AllowAllVerifier{},
		emitter:  events.NoopEmitter{},
		nowFn:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// SetEmitter configures the event sink. Passing nil resets to a no-op.
func (s *ApprovalService) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetVerifier configures the signature verifier used when a vote carries a
// signature. Passing nil resets to AllowAllVerifier.
func (s *ApprovalService) SetVerifier(v SignatureVerifier) {
	if v == nil {
		v = AllowAllVerifier{}
	}
	s.verifier = v
}

// SetNowFunc overrides the clock, for deterministic tests.
func (s *ApprovalService) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

func (s *ApprovalService) now() time.Time { return s.nowFn() }

func (s *ApprovalService) emit(e events.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(e)
}

// CreateRequestInput is the input to CreateRequest.
type CreateRequestInput struct {
	VersionID           string
	Validators          []string
	VotingWindowSeconds int64
	ThresholdPercent    float64
}

// CreateRequest opens a new ApprovalRequest for a version currently in
// PENDING_VVB. Fails with ErrDuplicateRequestForVersion if one already
// exists.
func (s *ApprovalService) CreateRequest(ctx context.Context, in CreateRequestInput) (*ApprovalRequest, error) {
	if len(in.Validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if in.VotingWindowSeconds <= 0 {
		return nil, ErrInvalidVotingWindow
	}
	threshold := in.ThresholdPercent
	if threshold == 0 {
		threshold = DefaultApprovalThresholdPercent
	}
	if threshold <= 0 || threshold > 100 {
		return nil, ErrInvalidThreshold
	}

	version, err := s.versions.GetVersion(ctx, in.VersionID)
	if err != nil {
		return nil, err
	}
	if version.Status != VersionPendingVVB {
		return nil, ErrVersionNotPending
	}
	if _, err := s.registry.LookupByVersion(ctx, in.VersionID); err == nil {
		return nil, ErrDuplicateRequestForVersion
	}

	now := s.now()
	request := &ApprovalRequest{
		ID:                       s.newID(),
		VersionID:                in.VersionID,
		Validators:               append([]string(nil), in.Validators...),
		TotalValidators:          len(in.Validators),
		ApprovalThresholdPercent: threshold,
		VotingWindowSeconds:      in.VotingWindowSeconds,
		CreatedAt:                now,
		VotingWindowEnd:          now.Add(time.Duration(in.VotingWindowSeconds) * time.Second),
		Status:                   RequestPending,
	}
	if err := s.registry.RegisterRequest(ctx, request); err != nil {
		return nil, err
	}

	s.emit(ApprovalRequestCreatedEvent{
		RequestID:       request.ID,
		VersionID:       request.VersionID,
		Validators:      request.Validators,
		VotingWindowEnd: request.VotingWindowEnd,
	})
	return request, nil
}

// SubmitVoteInput is the input to SubmitVote.
type SubmitVoteInput struct {
	RequestID   string
	ValidatorID string
	Choice      VoteChoice
	Signature   []byte
	Reason      string
}

// SubmitVote records a single validator's vote, and — if the new tally is
// decisive — finalizes the request and publishes ApprovalDecided.
func (s *ApprovalService) SubmitVote(ctx context.Context, in SubmitVoteInput) (*ApprovalRequest, error) {
	if !in.Choice.Valid() {
		return nil, ErrInvalidChoice
	}

	request, err := s.registry.LookupRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if request.Status != RequestPending || request.Expired(s.now()) {
		return nil, ErrVotingClosed
	}
	if voted, err := s.registry.HasVoted(ctx, in.RequestID, in.ValidatorID); err != nil {
		return nil, err
	} else if voted {
		return nil, ErrDuplicateVote
	}
	if len(in.Signature) > 0 {
		payload := VotePayload(in.RequestID, in.ValidatorID, in.Choice)
		if !s.verifier.Verify(in.ValidatorID, payload, in.Signature) {
			return nil, ErrInvalidSignature
		}
	}

	now := s.now()
	vote := &ValidatorVote{
		ID:                s.newID(),
		ApprovalRequestID: in.RequestID,
		ValidatorID:       in.ValidatorID,
		Choice:            in.Choice,
		Signature:         in.Signature,
		Reason:            in.Reason,
		VotedAt:           now,
	}

	request, err = s.registry.RegisterVote(ctx, vote)
	if err != nil {
		return nil, err
	}

	s.emit(VoteSubmittedEvent{
		RequestID:   in.RequestID,
		ValidatorID: in.ValidatorID,
		Choice:      in.Choice,
		VotedAt:     now,
	})

	result := s.calc.Tally(request.ApprovalCount, request.RejectionCount, request.AbstainCount, request.TotalValidators, request.ApprovalThresholdPercent)
	if !result.Decisive() {
		return request, nil
	}

	return s.finalize(ctx, request, result)
}

// Expire transitions a PENDING request whose voting window has closed into
// EXPIRED and publishes ApprovalDecided.
func (s *ApprovalService) Expire(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	request, err := s.registry.LookupRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != RequestPending {
		return request, nil
	}
	if !request.Expired(s.now()) {
		return request, nil
	}
	request, err = s.registry.UpdateStatus(ctx, requestID, RequestExpired)
	if err != nil {
		return nil, err
	}
	s.emit(ApprovalDecidedEvent{
		RequestID: request.ID,
		VersionID: request.VersionID,
		Status:    RequestExpired,
	})
	return request, nil
}

func (s *ApprovalService) finalize(ctx context.Context, request *ApprovalRequest, result ConsensusResult) (*ApprovalRequest, error) {
	s.emit(ConsensusReachedEvent{RequestID: request.ID, VersionID: request.VersionID, Result: result})

	status := RequestRejected
	reason := "rejected_by_majority"
	switch {
	case result.Approved:
		status = RequestApproved
		reason = ""
	case result.Impossible && !result.Rejected:
		reason = "consensus_impossible"
	}

	request, err := s.registry.UpdateStatus(ctx, request.ID, status)
	if err != nil {
		return nil, fmt.Errorf("approval: finalize request %s: %w", request.ID, err)
	}

	var approverIDs []string
	if status == RequestApproved {
		votes, err := s.registry.Votes(ctx, request.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range votes {
			if v.Choice == VoteYes {
				approverIDs = append(approverIDs, v.ValidatorID)
			}
		}
	}

	s.emit(ApprovalDecidedEvent{
		RequestID:   request.ID,
		VersionID:   request.VersionID,
		Status:      status,
		ApproverIDs: approverIDs,
		Reason:      reason,
	})
	return request, nil
}

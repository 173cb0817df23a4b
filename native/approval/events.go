package approval

import (
	"sync"
	"time"

	"aurigraph/approval-core/core/events"
)

// Wire event type names, shared with the HTTP and webhook layers.
const (
	EventTypeApprovalRequestCreated = "APPROVAL_REQUEST_CREATED"
	EventTypeVoteSubmitted          = "VOTE_SUBMITTED"
	EventTypeConsensusReached       = "CONSENSUS_REACHED"
	EventTypeApprovalDecided        = "APPROVAL_DECIDED"
	EventTypeApprovalExecuted       = "APPROVAL_EXECUTED"
	EventTypeApprovalExecutionFailed = "APPROVAL_EXECUTION_FAILED"
	EventTypeVersionRejected        = "VERSION_REJECTED"
	EventTypeVersionExpired         = "VOTING_WINDOW_EXPIRED"
)

// ApprovalRequestCreatedEvent is emitted once a new ApprovalRequest is opened.
type ApprovalRequestCreatedEvent struct {
	RequestID       string
	VersionID       string
	Validators      []string
	VotingWindowEnd time.Time
}

func (ApprovalRequestCreatedEvent) EventType() string { return EventTypeApprovalRequestCreated }

// VoteSubmittedEvent is emitted after a vote is durably recorded.
type VoteSubmittedEvent struct {
	RequestID   string
	ValidatorID string
	Choice      VoteChoice
	VotedAt     time.Time
}

func (VoteSubmittedEvent) EventType() string { return EventTypeVoteSubmitted }

// ConsensusReachedEvent is emitted at most once per request, the moment its
// tally becomes decisive (approved, rejected, or impossible).
type ConsensusReachedEvent struct {
	RequestID string
	VersionID string
	Result    ConsensusResult
}

func (ConsensusReachedEvent) EventType() string { return EventTypeConsensusReached }

// ApprovalDecidedEvent carries the final disposition of an ApprovalRequest.
// ExecutionService is the primary subscriber.
type ApprovalDecidedEvent struct {
	RequestID   string
	VersionID   string
	Status      RequestStatus
	ApproverIDs []string
	Reason      string
}

func (ApprovalDecidedEvent) EventType() string { return EventTypeApprovalDecided }

// ApprovalExecutionCompletedEvent is emitted once a version has been
// transitioned to ACTIVE following an approval decision.
type ApprovalExecutionCompletedEvent struct {
	VersionID  string
	RequestID  string
	DurationMS int64
}

func (ApprovalExecutionCompletedEvent) EventType() string { return EventTypeApprovalExecuted }

// ApprovalExecutionFailedEvent is emitted when ExecutionService could not
// apply the outcome of a decided request.
type ApprovalExecutionFailedEvent struct {
	RequestID string
	VersionID string
	Error     string
}

func (ApprovalExecutionFailedEvent) EventType() string { return EventTypeApprovalExecutionFailed }

// VersionRejectedEvent is emitted when a version is transitioned to REJECTED.
type VersionRejectedEvent struct {
	VersionID string
	RequestID string
	Reason    string
}

func (VersionRejectedEvent) EventType() string { return EventTypeVersionRejected }

// VersionExpiredEvent is emitted when a version is transitioned to EXPIRED.
type VersionExpiredEvent struct {
	VersionID string
	RequestID string
}

func (VersionExpiredEvent) EventType() string { return EventTypeVersionExpired }

// Subscriber receives events of a single registered type.
type Subscriber func(events.Event)

// EventBus is an in-process, synchronous, type-routed fan-out of domain
// events. Subscribers registered for a type, plus wildcard subscribers,
// receive every event published after they register, in publication order.
// A subscriber panic is recovered and logged; it never affects other
// subscribers or the publisher.
type subscription struct {
	id uint64
	fn Subscriber
}

type EventBus struct {
	mu        sync.RWMutex
	byType    map[string][]subscription
	wildcard  []subscription
	onPanic   func(eventType string, recovered interface{})
	nextSubID uint64
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		byType: make(map[string][]subscription),
	}
}

// OnPanic installs a hook invoked whenever a subscriber panics. Intended for
// wiring into structured logging; if unset, panics are silently recovered.
func (b *EventBus) OnPanic(fn func(eventType string, recovered interface{})) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// Subscribe registers fn to receive every event whose EventType matches
// eventType. Passing "*" subscribes to every event type. The returned func
// removes fn; callers that only live for the duration of a request (for
// example a WebSocket stream handler) must call it on teardown.
func (b *EventBus) Subscribe(eventType string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	entry := subscription{id: id, fn: fn}
	if eventType == "*" {
		b.wildcard = append(b.wildcard, entry)
	} else {
		b.byType[eventType] = append(b.byType[eventType], entry)
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if eventType == "*" {
			b.wildcard = removeSub(b.wildcard, id)
		} else {
			b.byType[eventType] = removeSub(b.byType[eventType], id)
		}
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit implements events.Emitter so an EventBus can be plugged into any
// engine's SetEmitter the same way a NoopEmitter would be.
func (b *EventBus) Emit(e events.Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.byType[e.EventType()]...)
	subs = append(subs, b.wildcard...)
	onPanic := b.onPanic
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub.fn, e, onPanic)
	}
}

func (b *EventBus) dispatch(sub Subscriber, e events.Event, onPanic func(string, interface{})) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(e.EventType(), r)
		}
	}()
	sub(e)
}

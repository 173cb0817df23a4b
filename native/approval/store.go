package approval

import "context"

// VersionStore persists TokenVersion records. Implementations MUST provide
// the transactional guarantee documented on Transact: everything done inside
// the callback commits or rolls back atomically.
type VersionStore interface {
	GetVersion(ctx context.Context, id string) (*TokenVersion, error)
	PutVersion(ctx context.Context, v *TokenVersion) error
	ActiveVersionForToken(ctx context.Context, parentTokenID string) (*TokenVersion, error)
	ChildrenOf(ctx context.Context, versionID string) ([]*TokenVersion, error)

	// Transact runs fn within a single atomic unit of work. A non-nil
	// returned error rolls back every write fn performed through the
	// VersionStore and AuditStore passed to it.
	Transact(ctx context.Context, fn func(ctx context.Context, versions VersionStore, audit AuditStore) error) error
}

// RequestStore persists ApprovalRequest and ValidatorVote records.
type RequestStore interface {
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	GetRequestByVersion(ctx context.Context, versionID string) (*ApprovalRequest, error)
	PutRequest(ctx context.Context, r *ApprovalRequest) error
	PendingRequests(ctx context.Context) ([]*ApprovalRequest, error)

	GetVote(ctx context.Context, requestID, validatorID string) (*ValidatorVote, error)
	PutVote(ctx context.Context, v *ValidatorVote) error
	VotesForRequest(ctx context.Context, requestID string) ([]*ValidatorVote, error)
}

// AuditStore persists the append-only ExecutionAudit trail. Entries are
// never updated or deleted through this interface.
type AuditStore interface {
	AppendAudit(ctx context.Context, a *ExecutionAudit) error
	AuditTrail(ctx context.Context, versionID string) ([]*ExecutionAudit, error)
}

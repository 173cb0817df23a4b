package approval

import (
	"context"
	"sync"
)

// MemStore is an in-memory VersionStore, RequestStore, and AuditStore
// implementation. It is the default store used by tests and by the
// standalone approvald binary when no external database is configured; a
// durable GORM-backed adapter lives outside the core in store/sql and
// satisfies the same interfaces.
type MemStore struct {
	mu sync.Mutex

	versions       map[string]*TokenVersion
	activeByParent map[string]string

	requests          map[string]*ApprovalRequest
	requestsByVersion map[string]string

	votes          map[string]*ValidatorVote // key: requestID+"/"+validatorID
	votesByRequest map[string][]string       // requestID -> vote keys, insertion order

	audit map[string][]*ExecutionAudit // versionID -> entries, insertion order
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		versions:          make(map[string]*TokenVersion),
		activeByParent:    make(map[string]string),
		requests:          make(map[string]*ApprovalRequest),
		requestsByVersion: make(map[string]string),
		votes:             make(map[string]*ValidatorVote),
		votesByRequest:    make(map[string][]string),
		audit:             make(map[string][]*ExecutionAudit),
	}
}

func voteKey(requestID, validatorID string) string { return requestID + "/" + validatorID }

// GetVersion implements VersionStore.
func (s *MemStore) GetVersion(ctx context.Context, id string) (*TokenVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return v.Clone(), nil
}

// PutVersion implements VersionStore.
func (s *MemStore) PutVersion(ctx context.Context, v *TokenVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putVersionLocked(v)
}

func (s *MemStore) putVersionLocked(v *TokenVersion) error {
	stored := v.Clone()
	s.versions[stored.ID] = stored
	if stored.Status == VersionActive {
		s.activeByParent[stored.ParentTokenID] = stored.ID
	} else if existing, ok := s.activeByParent[stored.ParentTokenID]; ok && existing == stored.ID {
		delete(s.activeByParent, stored.ParentTokenID)
	}
	return nil
}

// ActiveVersionForToken implements VersionStore.
func (s *MemStore) ActiveVersionForToken(ctx context.Context, parentTokenID string) (*TokenVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeByParent[parentTokenID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return s.versions[id].Clone(), nil
}

// ChildrenOf implements VersionStore.
func (s *MemStore) ChildrenOf(ctx context.Context, versionID string) ([]*TokenVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TokenVersion
	for _, v := range s.versions {
		if v.PreviousVersionID == versionID {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}

// Transact implements VersionStore. MemStore performs all of its mutations
// under a single process-wide mutex, so the callback's writes take effect
// immediately and "rollback" is implemented by snapshotting beforehand and
// restoring on error.
func (s *MemStore) Transact(ctx context.Context, fn func(ctx context.Context, versions VersionStore, audit AuditStore) error) error {
	s.mu.Lock()
	snapshotVersions := cloneVersionMap(s.versions)
	snapshotActive := cloneStringMap(s.activeByParent)
	snapshotAudit := cloneAuditMap(s.audit)
	s.mu.Unlock()

	if err := fn(ctx, s, s); err != nil {
		s.mu.Lock()
		s.versions = snapshotVersions
		s.activeByParent = snapshotActive
		s.audit = snapshotAudit
		s.mu.Unlock()
		return err
	}
	return nil
}

// AppendAudit implements AuditStore.
func (s *MemStore) AppendAudit(ctx context.Context, a *ExecutionAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[a.VersionID] = append(s.audit[a.VersionID], a.Clone())
	return nil
}

// AuditTrail implements AuditStore.
func (s *MemStore) AuditTrail(ctx context.Context, versionID string) ([]*ExecutionAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.audit[versionID]
	if !ok {
		return nil, nil
	}
	out := make([]*ExecutionAudit, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out, nil
}

// GetRequest implements RequestStore.
func (s *MemStore) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return r.Clone(), nil
}

// GetRequestByVersion implements RequestStore.
func (s *MemStore) GetRequestByVersion(ctx context.Context, versionID string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.requestsByVersion[versionID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return s.requests[id].Clone(), nil
}

// PutRequest implements RequestStore.
func (s *MemStore) PutRequest(ctx context.Context, r *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.requestsByVersion[r.VersionID]; ok && existingID != r.ID {
		return ErrDuplicateRequestForVersion
	}
	stored := r.Clone()
	s.requests[stored.ID] = stored
	s.requestsByVersion[stored.VersionID] = stored.ID
	return nil
}

// PendingRequests implements RequestStore.
func (s *MemStore) PendingRequests(ctx context.Context) ([]*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ApprovalRequest
	for _, r := range s.requests {
		if r.Status == RequestPending {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// GetVote implements RequestStore.
func (s *MemStore) GetVote(ctx context.Context, requestID, validatorID string) (*ValidatorVote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[voteKey(requestID, validatorID)]
	if !ok {
		return nil, nil
	}
	return v.Clone(), nil
}

// PutVote implements RequestStore.
func (s *MemStore) PutVote(ctx context.Context, v *ValidatorVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voteKey(v.ApprovalRequestID, v.ValidatorID)
	if _, exists := s.votes[key]; exists {
		return ErrDuplicateVote
	}
	s.votes[key] = v.Clone()
	s.votesByRequest[v.ApprovalRequestID] = append(s.votesByRequest[v.ApprovalRequestID], key)
	return nil
}

// VotesForRequest implements RequestStore.
func (s *MemStore) VotesForRequest(ctx context.Context, requestID string) ([]*ValidatorVote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.votesByRequest[requestID]
	out := make([]*ValidatorVote, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.votes[k].Clone())
	}
	return out, nil
}

func cloneVersionMap(m map[string]*TokenVersion) map[string]*TokenVersion {
	out := make(map[string]*TokenVersion, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAuditMap(m map[string][]*ExecutionAudit) map[string][]*ExecutionAudit {
	out := make(map[string][]*ExecutionAudit, len(m))
	for k, entries := range m {
		cp := make([]*ExecutionAudit, len(entries))
		for i, e := range entries {
			cp[i] = e.Clone()
		}
		out[k] = cp
	}
	return out
}

package sql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aurigraph/approval-core/native/approval"
)

// Store is a gorm-backed implementation of approval.VersionStore,
// approval.RequestStore, and approval.AuditStore sharing one *gorm.DB. The
// zero-value db is never valid; construct with New.
type Store struct {
	db *gorm.DB
}

// New wraps db (already migrated via AutoMigrate) as a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetVersion(ctx context.Context, id string) (*approval.TokenVersion, error) {
	var row versionRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrVersionNotFound
		}
		return nil, err
	}
	return fromVersionRow(row), nil
}

func (s *Store) PutVersion(ctx context.Context, v *approval.TokenVersion) error {
	row := toVersionRow(v)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) ActiveVersionForToken(ctx context.Context, parentTokenID string) (*approval.TokenVersion, error) {
	var row versionRow
	err := s.db.WithContext(ctx).
		Where("parent_token_id = ? AND status = ?", parentTokenID, string(approval.VersionActive)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrVersionNotFound
		}
		return nil, err
	}
	return fromVersionRow(row), nil
}

func (s *Store) ChildrenOf(ctx context.Context, versionID string) ([]*approval.TokenVersion, error) {
	var rows []versionRow
	if err := s.db.WithContext(ctx).Where("previous_version_id = ?", versionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*approval.TokenVersion, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromVersionRow(row))
	}
	return out, nil
}

// Transact runs fn inside a single database transaction, giving it a Store
// bound to the transactional *gorm.DB so every write it performs through
// either VersionStore or AuditStore commits or rolls back atomically.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, versions approval.VersionStore, audit approval.AuditStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := New(tx)
		return fn(ctx, txStore, txStore)
	})
}

func (s *Store) GetRequest(ctx context.Context, id string) (*approval.ApprovalRequest, error) {
	var row requestRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestRow(row), nil
}

func (s *Store) GetRequestByVersion(ctx context.Context, versionID string) (*approval.ApprovalRequest, error) {
	var row requestRow
	if err := s.db.WithContext(ctx).First(&row, "version_id = ?", versionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestRow(row), nil
}

func (s *Store) PutRequest(ctx context.Context, r *approval.ApprovalRequest) error {
	row := toRequestRow(r)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) PendingRequests(ctx context.Context) ([]*approval.ApprovalRequest, error) {
	var rows []requestRow
	if err := s.db.WithContext(ctx).Where("status = ?", string(approval.RequestPending)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*approval.ApprovalRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRequestRow(row))
	}
	return out, nil
}

func (s *Store) GetVote(ctx context.Context, requestID, validatorID string) (*approval.ValidatorVote, error) {
	var row voteRow
	err := s.db.WithContext(ctx).
		Where("approval_request_id = ? AND validator_id = ?", requestID, validatorID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fromVoteRow(row), nil
}

func (s *Store) PutVote(ctx context.Context, v *approval.ValidatorVote) error {
	row := toVoteRow(v)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) VotesForRequest(ctx context.Context, requestID string) ([]*approval.ValidatorVote, error) {
	var rows []voteRow
	if err := s.db.WithContext(ctx).Where("approval_request_id = ?", requestID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*approval.ValidatorVote, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromVoteRow(row))
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, a *approval.ExecutionAudit) error {
	row := toAuditRow(a)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) AuditTrail(ctx context.Context, versionID string) ([]*approval.ExecutionAudit, error) {
	var rows []auditRow
	if err := s.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("execution_timestamp ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*approval.ExecutionAudit, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromAuditRow(row))
	}
	return out, nil
}

var (
	_ approval.VersionStore = (*Store)(nil)
	_ approval.RequestStore = (*Store)(nil)
	_ approval.AuditStore   = (*Store)(nil)
)

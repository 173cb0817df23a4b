// Package sql provides a gorm-backed implementation of the approval core's
// VersionStore, RequestStore, and AuditStore interfaces, for deployments
// that need durable storage instead of the in-memory MemStore.
package sql

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"aurigraph/approval-core/native/approval"
)

// versionRow is the gorm-mapped persistence shape of a TokenVersion.
type versionRow struct {
	ID                       string `gorm:"primaryKey;size:64"`
	ParentTokenID            string `gorm:"index;size:64"`
	VersionNumber            uint64
	Content                  []byte `gorm:"type:bytea"`
	MerkleHash               string `gorm:"size:64"`
	PreviousVersionID        string `gorm:"size:64;index"`
	ReplacedByVersionID      string `gorm:"size:64"`
	Status                   string `gorm:"size:32;index"`
	ApprovalRequestID        string `gorm:"size:64"`
	ApprovalThresholdPercent float64
	ApprovedByCount          int
	ApprovalTimestamp        *time.Time
	ApproverIDs              string `gorm:"type:text"`
	ActivatedAt              *time.Time
	ArchivedAt               *time.Time
	ReplacedAt               *time.Time
	RejectionReason          string `gorm:"size:256"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

func (versionRow) TableName() string { return "approval_token_versions" }

func toVersionRow(v *approval.TokenVersion) versionRow {
	approvers, _ := json.Marshal(v.ApproverIDs)
	row := versionRow{
		ID:                       v.ID,
		ParentTokenID:            v.ParentTokenID,
		VersionNumber:            v.VersionNumber,
		Content:                  v.Content,
		MerkleHash:               v.MerkleHash,
		PreviousVersionID:        v.PreviousVersionID,
		ReplacedByVersionID:      v.ReplacedByVersionID,
		Status:                   string(v.Status),
		ApprovalRequestID:        v.ApprovalRequestID,
		ApprovalThresholdPercent: v.ApprovalThresholdPercent,
		ApprovedByCount:          v.ApprovedByCount,
		ApproverIDs:              string(approvers),
		RejectionReason:          v.RejectionReason,
		CreatedAt:                v.CreatedAt,
		UpdatedAt:                time.Now().UTC(),
	}
	if !v.ApprovalTimestamp.IsZero() {
		t := v.ApprovalTimestamp
		row.ApprovalTimestamp = &t
	}
	if !v.ActivatedAt.IsZero() {
		t := v.ActivatedAt
		row.ActivatedAt = &t
	}
	if !v.ArchivedAt.IsZero() {
		t := v.ArchivedAt
		row.ArchivedAt = &t
	}
	if !v.ReplacedAt.IsZero() {
		t := v.ReplacedAt
		row.ReplacedAt = &t
	}
	return row
}

func fromVersionRow(row versionRow) *approval.TokenVersion {
	var approvers []string
	_ = json.Unmarshal([]byte(row.ApproverIDs), &approvers)
	v := &approval.TokenVersion{
		ID:                       row.ID,
		ParentTokenID:            row.ParentTokenID,
		VersionNumber:            row.VersionNumber,
		Content:                  row.Content,
		MerkleHash:               row.MerkleHash,
		PreviousVersionID:        row.PreviousVersionID,
		ReplacedByVersionID:      row.ReplacedByVersionID,
		Status:                   approval.VersionStatus(row.Status),
		ApprovalRequestID:        row.ApprovalRequestID,
		ApprovalThresholdPercent: row.ApprovalThresholdPercent,
		ApprovedByCount:          row.ApprovedByCount,
		ApproverIDs:              approvers,
		RejectionReason:          row.RejectionReason,
		CreatedAt:                row.CreatedAt,
	}
	if row.ApprovalTimestamp != nil {
		v.ApprovalTimestamp = *row.ApprovalTimestamp
	}
	if row.ActivatedAt != nil {
		v.ActivatedAt = *row.ActivatedAt
	}
	if row.ArchivedAt != nil {
		v.ArchivedAt = *row.ArchivedAt
	}
	if row.ReplacedAt != nil {
		v.ReplacedAt = *row.ReplacedAt
	}
	return v
}

// requestRow is the gorm-mapped persistence shape of an ApprovalRequest.
type requestRow struct {
	ID                       string `gorm:"primaryKey;size:64"`
	VersionID                string `gorm:"uniqueIndex;size:64"`
	Validators               string `gorm:"type:text"`
	TotalValidators          int
	ApprovalThresholdPercent float64
	VotingWindowSeconds      int64
	CreatedAt                time.Time
	VotingWindowEnd          time.Time
	Status                   string `gorm:"size:32;index"`
	ApprovalCount            int
	RejectionCount           int
	AbstainCount             int
}

func (requestRow) TableName() string { return "approval_requests" }

func toRequestRow(r *approval.ApprovalRequest) requestRow {
	validators, _ := json.Marshal(r.Validators)
	return requestRow{
		ID:                       r.ID,
		VersionID:                r.VersionID,
		Validators:               string(validators),
		TotalValidators:          r.TotalValidators,
		ApprovalThresholdPercent: r.ApprovalThresholdPercent,
		VotingWindowSeconds:      r.VotingWindowSeconds,
		CreatedAt:                r.CreatedAt,
		VotingWindowEnd:          r.VotingWindowEnd,
		Status:                   string(r.Status),
		ApprovalCount:            r.ApprovalCount,
		RejectionCount:           r.RejectionCount,
		AbstainCount:             r.AbstainCount,
	}
}

func fromRequestRow(row requestRow) *approval.ApprovalRequest {
	var validators []string
	_ = json.Unmarshal([]byte(row.Validators), &validators)
	return &approval.ApprovalRequest{
		ID:                       row.ID,
		VersionID:                row.VersionID,
		Validators:               validators,
		TotalValidators:          row.TotalValidators,
		ApprovalThresholdPercent: row.ApprovalThresholdPercent,
		VotingWindowSeconds:      row.VotingWindowSeconds,
		CreatedAt:                row.CreatedAt,
		VotingWindowEnd:          row.VotingWindowEnd,
		Status:                   approval.RequestStatus(row.Status),
		ApprovalCount:            row.ApprovalCount,
		RejectionCount:           row.RejectionCount,
		AbstainCount:             row.AbstainCount,
	}
}

// voteRow is the gorm-mapped persistence shape of a ValidatorVote.
type voteRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	ApprovalRequestID string `gorm:"uniqueIndex:idx_vote_request_validator;size:64"`
	ValidatorID       string `gorm:"uniqueIndex:idx_vote_request_validator;size:64"`
	Choice            string `gorm:"size:16"`
	Signature         []byte `gorm:"type:bytea"`
	Reason            string `gorm:"size:512"`
	VotedAt           time.Time
}

func (voteRow) TableName() string { return "approval_votes" }

func toVoteRow(v *approval.ValidatorVote) voteRow {
	return voteRow{
		ID:                v.ID,
		ApprovalRequestID: v.ApprovalRequestID,
		ValidatorID:       v.ValidatorID,
		Choice:            string(v.Choice),
		Signature:         v.Signature,
		Reason:            v.Reason,
		VotedAt:           v.VotedAt,
	}
}

func fromVoteRow(row voteRow) *approval.ValidatorVote {
	return &approval.ValidatorVote{
		ID:                row.ID,
		ApprovalRequestID: row.ApprovalRequestID,
		ValidatorID:       row.ValidatorID,
		Choice:            approval.VoteChoice(row.Choice),
		Signature:         row.Signature,
		Reason:            row.Reason,
		VotedAt:           row.VotedAt,
	}
}

// auditRow is the gorm-mapped persistence shape of an ExecutionAudit entry.
type auditRow struct {
	ID                 string `gorm:"primaryKey;size:64"`
	VersionID          string `gorm:"index;size:64"`
	ApprovalRequestID  string `gorm:"size:64"`
	Phase              string `gorm:"size:32"`
	PreviousStatus     string `gorm:"size:32"`
	NewStatus          string `gorm:"size:32"`
	ExecutedBy         string `gorm:"size:64"`
	ExecutionTimestamp time.Time
	ErrorMessage       string `gorm:"size:512"`
	Metadata           string `gorm:"type:text"`
}

func (auditRow) TableName() string { return "approval_audit_trail" }

func toAuditRow(a *approval.ExecutionAudit) auditRow {
	metadata, _ := json.Marshal(a.Metadata)
	return auditRow{
		ID:                 a.ID,
		VersionID:          a.VersionID,
		ApprovalRequestID:  a.ApprovalRequestID,
		Phase:              string(a.Phase),
		PreviousStatus:     string(a.PreviousStatus),
		NewStatus:          string(a.NewStatus),
		ExecutedBy:         a.ExecutedBy,
		ExecutionTimestamp: a.ExecutionTimestamp,
		ErrorMessage:       a.ErrorMessage,
		Metadata:           string(metadata),
	}
}

func fromAuditRow(row auditRow) *approval.ExecutionAudit {
	var metadata map[string]string
	_ = json.Unmarshal([]byte(row.Metadata), &metadata)
	return &approval.ExecutionAudit{
		ID:                 row.ID,
		VersionID:          row.VersionID,
		ApprovalRequestID:  row.ApprovalRequestID,
		Phase:              approval.AuditPhase(row.Phase),
		PreviousStatus:     approval.VersionStatus(row.PreviousStatus),
		NewStatus:          approval.VersionStatus(row.NewStatus),
		ExecutedBy:         row.ExecutedBy,
		ExecutionTimestamp: row.ExecutionTimestamp,
		ErrorMessage:       row.ErrorMessage,
		Metadata:           metadata,
	}
}

// AutoMigrate creates or updates every table this package needs.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&versionRow{}, &requestRow{}, &voteRow{}, &auditRow{})
}

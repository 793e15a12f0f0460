package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// ApprovalStatus is the live approval state for a project/stage pair.
type ApprovalStatus struct {
	Pending  bool
	Resolved bool
	Approved bool
}

// ApprovalService is the approval-assignment collaborator. The approvals
// prerequisite category always consults it live; its state is never
// cached across validation calls.
type ApprovalService interface {
	GetApprovalStatus(ctx context.Context, projectID string, stageID domain.StageRef) (ApprovalStatus, error)
	RequestApprovals(ctx context.Context, projectID string, stageID domain.StageRef, orgID, actorID string) error
}

// DocumentService answers read-only presence checks for the documents
// and stage_specific prerequisite categories.
type DocumentService interface {
	HasDocument(ctx context.Context, projectID, docType string) (bool, error)
}

// PermissionService answers permission checks, notably workflow.bypass.
type PermissionService interface {
	HasPermission(ctx context.Context, orgID, actorID, permission string) (bool, error)
}

// dbApprovals backs ApprovalService with the approvals table.
type dbApprovals struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (a dbApprovals) GetApprovalStatus(ctx context.Context, projectID string, stageID domain.StageRef) (ApprovalStatus, error) {
	latest, err := a.Repo.LatestApproval(ctx, projectID, stageID)
	if err == repo.ErrNotFound {
		return ApprovalStatus{}, nil
	}
	if err != nil {
		return ApprovalStatus{}, err
	}
	switch latest.Status {
	case domain.ApprovalPending:
		return ApprovalStatus{Pending: true}, nil
	case domain.ApprovalApproved:
		return ApprovalStatus{Resolved: true, Approved: true}, nil
	default:
		return ApprovalStatus{Resolved: true}, nil
	}
}

// RequestApprovals is idempotent: a pending or approved request for the
// pair short-circuits without creating a duplicate. Concurrent requests
// for the same pair are serialized by the unique index on pending rows,
// so exactly one insert lands and the rest become no-ops.
func (a dbApprovals) RequestApprovals(ctx context.Context, projectID string, stageID domain.StageRef, orgID, actorID string) error {
	status, err := a.GetApprovalStatus(ctx, projectID, stageID)
	if err != nil {
		return err
	}
	if status.Pending || status.Approved {
		return nil
	}
	now := a.Now().UTC().Format(time.RFC3339)
	req := domain.ApprovalRequest{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		StageID:     stageID,
		Status:      domain.ApprovalPending,
		RequestedBy: actorID,
		RequestedAt: now,
	}
	tx, err := a.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inserted, err := a.Repo.InsertApproval(ctx, tx, req)
	if err != nil {
		return err
	}
	if !inserted {
		// Another request won the race; nothing new to announce.
		return nil
	}
	if err := a.Events.Append(ctx, tx, "approval.requested", orgID, projectID, "approval", req.ID, actorID, events.EventPayload{
		"stage_id": stageID.String(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// dbDocuments backs DocumentService with the documents table.
type dbDocuments struct {
	Repo repo.Repo
}

func (d dbDocuments) HasDocument(ctx context.Context, projectID, docType string) (bool, error) {
	return d.Repo.HasDocument(ctx, projectID, docType)
}

package engine

import (
	"context"
	"time"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
)

// EnsureApprovalRequested triggers approver assignment for entry into the
// target stage. Idempotent: an existing pending or approved request is
// left alone. The caller invokes this explicitly after validation; the
// validator never requests approvals on its own.
func (e Engine) EnsureApprovalRequested(ctx context.Context, projectID string, target domain.StageRef, actorID string) error {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	stage, err := e.Repo.GetStage(ctx, project.OrgID, target)
	if err != nil {
		return err
	}
	if !stage.RequiresApproval {
		return InvalidArgumentError{Msg: "stage does not require approval"}
	}
	if err := e.Approvals.RequestApprovals(ctx, project.ID, stage.ID, project.OrgID, actorID); err != nil {
		return UpstreamError{Op: "approvals", Err: err}
	}
	return nil
}

// DecideApproval records an approver's decision on the pending request
// for the project/stage pair. Only actors holding one of the stage's
// approval roles may decide.
func (e Engine) DecideApproval(ctx context.Context, projectID string, target domain.StageRef, approve bool, note, actorID string) (domain.ApprovalRequest, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	stage, err := e.Repo.GetStage(ctx, project.OrgID, target)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	eligible, err := e.Auth.ActorHasAnyRole(ctx, project.OrgID, actorID, stage.ApprovalRoles)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !eligible {
		return domain.ApprovalRequest{}, auth.ForbiddenError{Permission: "approval.decide"}
	}
	latest, err := e.Repo.LatestApproval(ctx, project.ID, stage.ID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if latest.Status != domain.ApprovalPending {
		return latest, InvalidArgumentError{Msg: "no pending approval request"}
	}
	status := domain.ApprovalRejected
	if approve {
		status = domain.ApprovalApproved
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return latest, err
	}
	defer tx.Rollback()
	if err := e.Repo.DecideApproval(ctx, tx, latest.ID, status, actorID, now, note); err != nil {
		return latest, err
	}
	if err := e.Events.Append(ctx, tx, "approval.decided", project.OrgID, project.ID, "approval", latest.ID, actorID, events.EventPayload{
		"stage_id": stage.ID.String(), "status": status,
	}); err != nil {
		return latest, err
	}
	if err := tx.Commit(); err != nil {
		return latest, err
	}
	latest.Status = status
	latest.DecidedBy = &actorID
	latest.DecidedAt = &now
	if note != "" {
		latest.Note = note
	}
	return latest, nil
}

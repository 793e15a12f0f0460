package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// ExecuteOptions are parameters for one transition attempt.
type ExecuteOptions struct {
	ProjectID     string
	Target        domain.StageRef
	ActorID       string
	Bypass        bool
	Reason        string
	Justification string
}

// TransitionResult is the outcome of a committed transition. AuditWarning
// is set when the transition succeeded but the audit record could not be
// persisted even after a retry.
type TransitionResult struct {
	Project      domain.Project          `json:"project"`
	Record       domain.TransitionRecord `json:"record"`
	Validation   domain.ValidationResult `json:"validation"`
	AuditWarning string                  `json:"audit_warning,omitempty"`
}

// ExecuteTransition validates against fresh state, then moves the
// project's stage pointer with a compare-and-swap. Exactly one of two
// concurrent attempts against the same prior state commits; the loser
// sees ErrConflict and must re-validate before retrying. A rejected
// attempt is recorded in the audit trail with outcome rejected.
func (e Engine) ExecuteTransition(ctx context.Context, opts ExecuteOptions) (TransitionResult, error) {
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return TransitionResult{}, err
	}
	targetStage, err := e.Repo.GetStage(ctx, project.OrgID, opts.Target)
	if err != nil {
		return TransitionResult{}, err
	}

	result, err := e.ValidateTransition(ctx, project.ID, targetStage.ID, opts.ActorID)
	if err != nil {
		return TransitionResult{}, err
	}

	outcome := domain.OutcomeCompleted
	justification := ""
	if !result.IsValid {
		if !opts.Bypass {
			e.recordRejection(ctx, project, targetStage.ID, opts, result)
			return TransitionResult{Validation: result}, ValidationFailedError{Result: result}
		}
		decision, err := e.AuthorizeBypass(ctx, opts.ActorID, project.ID, targetStage.ID, opts.Justification)
		if err != nil {
			return TransitionResult{Validation: result}, err
		}
		if !decision.Authorized {
			return TransitionResult{Validation: result}, ValidationFailedError{Result: result}
		}
		if !result.RequiresBypass {
			// The validator never offers a bypass when it failed closed on
			// a collaborator outage; an override cannot stand in for checks
			// that were never evaluated.
			cause := errors.New("validation could not be completed")
			if len(result.Errors) > 0 {
				cause = errors.New(result.Errors[0])
			}
			return TransitionResult{Validation: result}, UpstreamError{Op: "validation", Err: cause}
		}
		outcome = domain.OutcomeBypassed
		justification = opts.Justification
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{Validation: result}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CompareAndSwapStage(ctx, tx, project.ID, project.Version, targetStage.ID, now); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return TransitionResult{Validation: result}, ErrConflict
		}
		return TransitionResult{Validation: result}, err
	}
	eventType := "project.stage.changed"
	if outcome == domain.OutcomeBypassed {
		eventType = "project.stage.bypassed"
	}
	payload := events.EventPayload{
		"to_stage": targetStage.ID.String(),
	}
	if project.CurrentStageID != nil {
		payload["from_stage"] = project.CurrentStageID.String()
	}
	if err := e.Events.Append(ctx, tx, eventType, project.OrgID, project.ID, "project", project.ID, opts.ActorID, payload); err != nil {
		return TransitionResult{Validation: result}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{Validation: result}, err
	}

	rec := domain.TransitionRecord{
		ID:            uuid.New().String(),
		ProjectID:     project.ID,
		FromStageID:   project.CurrentStageID,
		ToStageID:     targetStage.ID,
		ActorID:       opts.ActorID,
		TS:            now,
		Outcome:       outcome,
		Reason:        opts.Reason,
		Justification: justification,
	}
	res := TransitionResult{Record: rec, Validation: result}
	if err := e.recorder().Record(ctx, rec); err != nil {
		// The stage change is already committed; surface the audit gap
		// without failing the transition.
		res.AuditWarning = err.Error()
	}
	updated, err := e.Repo.GetProject(ctx, project.ID)
	if err != nil {
		return res, err
	}
	res.Project = updated
	return res, nil
}

// recordRejection logs a denied attempt. Best-effort: a recorder failure
// here never masks the validation outcome.
func (e Engine) recordRejection(ctx context.Context, project domain.Project, target domain.StageRef, opts ExecuteOptions, result domain.ValidationResult) {
	reason := opts.Reason
	if reason == "" && len(result.Errors) > 0 {
		reason = result.Errors[0]
	}
	rec := domain.TransitionRecord{
		ID:          uuid.New().String(),
		ProjectID:   project.ID,
		FromStageID: project.CurrentStageID,
		ToStageID:   target,
		ActorID:     opts.ActorID,
		TS:          e.now().UTC().Format(time.RFC3339),
		Outcome:     domain.OutcomeRejected,
		Reason:      reason,
	}
	_ = e.recorder().Record(ctx, rec)
}

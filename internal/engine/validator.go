package engine

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

// ValidateTransition decides whether the project may move to the target
// stage. Stage configuration is re-read on every call; nothing is cached
// between validation passes. On a transient collaborator failure the
// result fails closed: IsValid and CanProceed false with a single
// synthetic error, never a silent pass.
func (e Engine) ValidateTransition(ctx context.Context, projectID string, target domain.StageRef, actorID string) (domain.ValidationResult, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	targetStage, err := e.Repo.GetStage(ctx, project.OrgID, target)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationResult{}, err
		}
		return failClosed("stage catalog", err), nil
	}
	var current *domain.WorkflowStage
	if project.CurrentStageID != nil {
		stage, err := e.Repo.GetStage(ctx, project.OrgID, *project.CurrentStageID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// A set stage pointer must always resolve within the org.
				return domain.ValidationResult{}, fmt.Errorf("current stage %s: %w", project.CurrentStageID.String(), err)
			}
			return failClosed("stage catalog", err), nil
		}
		current = &stage
	}

	// No-op transition: nothing to evaluate, nothing required.
	if current != nil && current.ID == targetStage.ID {
		return domain.ValidationResult{IsValid: true, CanProceed: true}, nil
	}

	report, err := e.CheckPrerequisites(ctx, project, current, targetStage)
	if err != nil {
		var upstream UpstreamError
		if errors.As(err, &upstream) {
			return failClosed(upstream.Op, upstream.Err), nil
		}
		return domain.ValidationResult{}, err
	}

	result := domain.ValidationResult{
		Checks:   report.Checks,
		Errors:   report.Errors,
		Warnings: report.Warnings,
		IsValid:  report.RequiredPassed,
	}

	// Both directions are structurally legal; skipping forward more than
	// one active stage is surfaced as a warning, never a hard error.
	if current != nil {
		skipped, err := skippedStages(ctx, e, project.OrgID, current.Order, targetStage.Order)
		if err != nil {
			return failClosed("stage catalog", err), nil
		}
		if skipped > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("skipping %d stage(s) between %s and %s", skipped, current.Name, targetStage.Name))
		}
	}

	result.RequiresApproval = targetStage.RequiresApproval && hasUnpassedApproval(report.Checks)

	hasBypass, err := e.Perms.HasPermission(ctx, project.OrgID, actorID, auth.BypassPermission)
	if err != nil {
		return failClosed("permissions", err), nil
	}
	result.RequiresBypass = !result.IsValid && hasBypass
	result.CanProceed = result.IsValid || hasBypass
	return result, nil
}

// failClosed is the fail-closed validation outcome for an unreachable
// collaborator.
func failClosed(op string, err error) domain.ValidationResult {
	return domain.ValidationResult{
		IsValid:    false,
		CanProceed: false,
		Errors:     []string{UpstreamError{Op: op, Err: err}.Error()},
	}
}

func hasUnpassedApproval(checks []domain.PrerequisiteCheck) bool {
	for _, c := range checks {
		if c.Category == domain.CategoryApprovals && c.Required && c.Status != domain.CheckPassed {
			return true
		}
	}
	return false
}

// skippedStages counts active stages strictly between the two orders on
// a forward move. Backward moves never skip.
func skippedStages(ctx context.Context, e Engine, orgID string, fromOrder, toOrder int) (int, error) {
	if toOrder <= fromOrder {
		return 0, nil
	}
	stages, err := e.Repo.ListStages(ctx, orgID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stages {
		if s.IsActive && s.Order > fromOrder && s.Order < toOrder {
			n++
		}
	}
	return n, nil
}

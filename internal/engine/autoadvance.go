package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

// EvaluateAutoAdvance reports whether the project already satisfies the
// next stage's prerequisites without user action. The evaluation is
// read-only; advancing still goes through ExecuteTransition with bypass
// off, so auto-advance never sidesteps validation.
func (e Engine) EvaluateAutoAdvance(ctx context.Context, projectID string) (domain.AutoAdvance, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.AutoAdvance{}, err
	}
	if project.CurrentStageID == nil {
		return domain.AutoAdvance{Reason: "project has not entered the pipeline"}, nil
	}
	current, err := e.Repo.GetStage(ctx, project.OrgID, *project.CurrentStageID)
	if err != nil {
		return domain.AutoAdvance{}, err
	}
	stages, err := e.Repo.ListStages(ctx, project.OrgID)
	if err != nil {
		return domain.AutoAdvance{}, err
	}
	var next *domain.WorkflowStage
	for i := range stages {
		if stages[i].IsActive && stages[i].Order > current.Order {
			next = &stages[i]
			break
		}
	}
	if next == nil {
		return domain.AutoAdvance{Reason: fmt.Sprintf("%s is the final stage", current.Name)}, nil
	}
	if next.RequiresApproval {
		return domain.AutoAdvance{
			NextStage: next,
			Reason:    fmt.Sprintf("%s requires approval before entry", next.Name),
		}, nil
	}
	report, err := e.CheckPrerequisites(ctx, project, &current, *next)
	if err != nil {
		var upstream UpstreamError
		if errors.As(err, &upstream) {
			return domain.AutoAdvance{NextStage: next, Reason: upstream.Error()}, nil
		}
		return domain.AutoAdvance{}, err
	}
	if !report.RequiredPassed {
		return domain.AutoAdvance{NextStage: next, Reason: firstOf(report.Errors)}, nil
	}
	return domain.AutoAdvance{
		Available: true,
		NextStage: next,
		Reason:    clearedSummary(next.Name, report.Checks),
	}, nil
}

func firstOf(msgs []string) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0]
}

// clearedSummary names the checks that cleared for the human-readable
// auto-advance offer.
func clearedSummary(stageName string, checks []domain.PrerequisiteCheck) string {
	var names []string
	for _, c := range checks {
		if c.Required && c.Status == domain.CheckPassed {
			names = append(names, c.Name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("no outstanding prerequisites for %s", stageName)
	}
	return fmt.Sprintf("ready for %s: %s", stageName, strings.Join(names, ", "))
}

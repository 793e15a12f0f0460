package engine

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

// CheckReport aggregates one prerequisite evaluation pass. It is derived
// on demand and never persisted.
type CheckReport struct {
	Checks         []domain.PrerequisiteCheck
	RequiredPassed bool
	Errors         []string
	Warnings       []string
}

// CheckPrerequisites evaluates the deterministic check set for the
// (current, target) stage pair. The evaluation is read-only and
// idempotent: repeated calls with unchanged underlying data return
// identical results. Approval state is always fetched live.
func (e Engine) CheckPrerequisites(ctx context.Context, project domain.Project, current *domain.WorkflowStage, target domain.WorkflowStage) (CheckReport, error) {
	if e.Config == nil {
		return CheckReport{}, errors.New("config not loaded")
	}
	if current != nil && current.ID == target.ID {
		return CheckReport{RequiredPassed: true}, nil
	}

	var checks []domain.PrerequisiteCheck

	// system: pipeline integrity invariants.
	checks = append(checks, check("system.stage-active", "target stage is active",
		domain.CategorySystem, boolStatus(target.IsActive), true,
		fmt.Sprintf("stage %s is deactivated", target.Name), target.IsActive))
	checks = append(checks, check("system.stage-org", "target stage belongs to the project's organization",
		domain.CategorySystem, boolStatus(target.OrgID == project.OrgID), true,
		"stage belongs to a different organization", target.OrgID == project.OrgID))

	// project_data: required business fields.
	for _, field := range e.Config.Rules.ProjectData[target.Name] {
		ok := projectFieldSet(project, field)
		checks = append(checks, check(
			"project_data."+field,
			fmt.Sprintf("project %s is set", field),
			domain.CategoryProjectData, boolStatus(ok), true,
			fmt.Sprintf("project field %s is empty", field), ok))
	}

	// documents: required attachments, answered by the document collaborator.
	for _, docType := range e.Config.Rules.Documents[target.Name] {
		ok, err := e.Documents.HasDocument(ctx, project.ID, docType)
		if err != nil {
			return CheckReport{}, UpstreamError{Op: "documents", Err: err}
		}
		checks = append(checks, check(
			"documents."+docType,
			fmt.Sprintf("document %s attached", docType),
			domain.CategoryDocuments, boolStatus(ok), true,
			fmt.Sprintf("required document %s is not attached", docType), ok))
	}

	// approvals: live state from the approval collaborator, never cached.
	if target.RequiresApproval {
		status, err := e.Approvals.GetApprovalStatus(ctx, project.ID, target.ID)
		if err != nil {
			return CheckReport{}, UpstreamError{Op: "approvals", Err: err}
		}
		c := domain.PrerequisiteCheck{
			ID:       "approvals.stage-entry",
			Name:     fmt.Sprintf("entry into %s approved", target.Name),
			Category: domain.CategoryApprovals,
			Required: true,
		}
		switch {
		case status.Approved:
			c.Status = domain.CheckPassed
		case status.Pending:
			c.Status = domain.CheckPending
			c.Details = "approval request is pending"
		case status.Resolved:
			c.Status = domain.CheckFailed
			c.Details = "approval request was rejected"
		default:
			c.Status = domain.CheckFailed
			c.Details = "approval has not been requested"
		}
		checks = append(checks, c)
	}

	// stage_specific: configured named checks for the target stage.
	for _, rule := range e.Config.Rules.StageSpecific[target.Name] {
		var ok bool
		switch rule.Kind {
		case "document":
			var err error
			ok, err = e.Documents.HasDocument(ctx, project.ID, rule.Value)
			if err != nil {
				return CheckReport{}, UpstreamError{Op: "documents", Err: err}
			}
		case "field":
			ok = projectFieldSet(project, rule.Value)
		default:
			return CheckReport{}, InvalidArgumentError{Msg: fmt.Sprintf("unknown stage rule kind %s", rule.Kind)}
		}
		c := domain.PrerequisiteCheck{
			ID:       "stage_specific." + rule.Name,
			Name:     rule.Name,
			Category: domain.CategoryStageSpecific,
			Required: rule.Required,
			Status:   domain.CheckPassed,
		}
		if !ok {
			if rule.Required {
				c.Status = domain.CheckFailed
			} else {
				c.Status = domain.CheckWarning
			}
			c.Details = fmt.Sprintf("%s not satisfied", rule.Name)
		}
		checks = append(checks, c)
	}

	return summarize(checks), nil
}

// summarize derives RequiredPassed, Errors and Warnings from the check
// list. Warning-status checks never block RequiredPassed.
func summarize(checks []domain.PrerequisiteCheck) CheckReport {
	report := CheckReport{Checks: checks, RequiredPassed: true}
	for _, c := range checks {
		switch {
		case c.Required && (c.Status == domain.CheckFailed || c.Status == domain.CheckPending):
			report.RequiredPassed = false
			report.Errors = append(report.Errors, checkMessage(c))
		case c.Status == domain.CheckFailed || c.Status == domain.CheckWarning:
			report.Warnings = append(report.Warnings, checkMessage(c))
		}
	}
	return report
}

func checkMessage(c domain.PrerequisiteCheck) string {
	if c.Details != "" {
		return c.Details
	}
	return c.Name
}

func check(id, name, category, status string, required bool, details string, ok bool) domain.PrerequisiteCheck {
	c := domain.PrerequisiteCheck{
		ID:       id,
		Name:     name,
		Category: category,
		Status:   status,
		Required: required,
	}
	if !ok {
		c.Details = details
	}
	return c
}

func boolStatus(ok bool) string {
	if ok {
		return domain.CheckPassed
	}
	return domain.CheckFailed
}

func projectFieldSet(p domain.Project, field string) bool {
	switch field {
	case "owner":
		return p.OwnerID != nil && *p.OwnerID != ""
	case "priority":
		return p.Priority != nil && *p.Priority != ""
	case "description":
		return p.Description != ""
	case "name":
		return p.Name != ""
	default:
		return false
	}
}

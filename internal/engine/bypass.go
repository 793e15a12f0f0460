package engine

import (
	"context"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
)

// BypassDecision reports whether a manager override is licensed.
type BypassDecision struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
}

// AuthorizeBypass checks that the actor may override a failed validation
// for the target stage. It requires the workflow bypass permission and a
// non-empty justification; authorization alone moves nothing.
func (e Engine) AuthorizeBypass(ctx context.Context, actorID, projectID string, target domain.StageRef, justification string) (BypassDecision, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return BypassDecision{}, err
	}
	if _, err := e.Repo.GetStage(ctx, project.OrgID, target); err != nil {
		return BypassDecision{}, err
	}
	if strings.TrimSpace(justification) == "" {
		return BypassDecision{Reason: "bypass justification is required"},
			InvalidArgumentError{Msg: "bypass justification is required"}
	}
	ok, err := e.Perms.HasPermission(ctx, project.OrgID, actorID, auth.BypassPermission)
	if err != nil {
		return BypassDecision{}, UpstreamError{Op: "permissions", Err: err}
	}
	if !ok {
		return BypassDecision{Reason: "actor lacks the workflow bypass permission"},
			auth.ForbiddenError{Permission: auth.BypassPermission}
	}
	return BypassDecision{Authorized: true}, nil
}

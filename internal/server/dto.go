package server

import (
	"stageline/internal/domain"
)

// Request payloads

type InitOrgRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

type CreateStageRequest struct {
	Name                  string   `json:"name"`
	Order                 int      `json:"order"`
	RequiresApproval      bool     `json:"requires_approval,omitempty"`
	ApprovalRoles         []string `json:"approval_roles,omitempty"`
	ResponsibleRoles      []string `json:"responsible_roles,omitempty"`
	EstimatedDurationDays *int     `json:"estimated_duration_days,omitempty"`
	ExitCriteria          *string  `json:"exit_criteria,omitempty"`
}

type UpdateStageRequest struct {
	Name                  *string  `json:"name,omitempty"`
	RequiresApproval      *bool    `json:"requires_approval,omitempty"`
	ApprovalRoles         []string `json:"approval_roles,omitempty"`
	ResponsibleRoles      []string `json:"responsible_roles,omitempty"`
	EstimatedDurationDays *int     `json:"estimated_duration_days,omitempty"`
	ExitCriteria          *string  `json:"exit_criteria,omitempty"`
}

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	OwnerID     *string `json:"owner_id,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	OwnerID     *string `json:"owner_id,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Description *string `json:"description,omitempty"`
}

type AttachDocumentRequest struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type ValidateTransitionRequest struct {
	TargetStageID string `json:"target_stage_id"`
}

type ExecuteTransitionRequest struct {
	TargetStageID string `json:"target_stage_id"`
	Bypass        bool   `json:"bypass,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Justification string `json:"justification,omitempty"`
}

type RequestApprovalRequest struct {
	StageID string `json:"stage_id"`
}

type DecideApprovalRequest struct {
	StageID string `json:"stage_id"`
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Response payloads

type OrgResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StageResponse struct {
	ID                    string   `json:"id"`
	OrgID                 string   `json:"org_id"`
	Name                  string   `json:"name"`
	Order                 int      `json:"order"`
	IsActive              bool     `json:"is_active"`
	RequiresApproval      bool     `json:"requires_approval"`
	ApprovalRoles         []string `json:"approval_roles,omitempty"`
	ResponsibleRoles      []string `json:"responsible_roles,omitempty"`
	EstimatedDurationDays *int     `json:"estimated_duration_days,omitempty"`
	ExitCriteria          string   `json:"exit_criteria,omitempty"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

type ProjectResponse struct {
	ID             string  `json:"id"`
	OrgID          string  `json:"org_id"`
	Name           string  `json:"name"`
	OwnerID        *string `json:"owner_id,omitempty"`
	Priority       *string `json:"priority,omitempty"`
	Description    string  `json:"description,omitempty"`
	CurrentStageID *string `json:"current_stage_id,omitempty"`
	StageEnteredAt *string `json:"stage_entered_at,omitempty" format:"date-time"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type DocumentResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	AttachedBy string `json:"attached_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type CheckResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category" enum:"project_data,documents,approvals,stage_specific,system"`
	Status   string `json:"status" enum:"passed,failed,warning,pending"`
	Required bool   `json:"required"`
	Details  string `json:"details,omitempty"`
}

type ValidationResponse struct {
	IsValid          bool            `json:"is_valid"`
	CanProceed       bool            `json:"can_proceed"`
	RequiresApproval bool            `json:"requires_approval"`
	RequiresBypass   bool            `json:"requires_bypass"`
	Checks           []CheckResponse `json:"checks"`
	Errors           []string        `json:"errors"`
	Warnings         []string        `json:"warnings"`
}

type TransitionRecordResponse struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	FromStageID   *string `json:"from_stage_id,omitempty"`
	ToStageID     string  `json:"to_stage_id"`
	ActorID       string  `json:"actor_id"`
	TS            string  `json:"ts" format:"date-time"`
	Outcome       string  `json:"outcome" enum:"completed,bypassed,rejected"`
	Reason        string  `json:"reason,omitempty"`
	Justification string  `json:"justification,omitempty"`
}

type TransitionResultResponse struct {
	Project      ProjectResponse          `json:"project"`
	Record       TransitionRecordResponse `json:"record"`
	Validation   ValidationResponse       `json:"validation"`
	AuditWarning string                   `json:"audit_warning,omitempty"`
}

type ApprovalResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	StageID     string  `json:"stage_id"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	RequestedBy string  `json:"requested_by"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	DecidedBy   *string `json:"decided_by,omitempty"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
	Note        string  `json:"note,omitempty"`
}

type AutoAdvanceResponse struct {
	Available bool           `json:"available"`
	NextStage *StageResponse `json:"next_stage,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type OrgConfigResponse struct {
	OrgID string `json:"org_id"`
	YAML  string `json:"yaml"`
}

type UpdateOrgConfigRequest struct {
	YAML string `json:"yaml"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func orgResponse(o domain.Organization) OrgResponse {
	return OrgResponse{ID: o.ID, Name: o.Name, CreatedAt: o.CreatedAt}
}

func stageResponse(s domain.WorkflowStage) StageResponse {
	return StageResponse{
		ID:                    s.ID.String(),
		OrgID:                 s.OrgID,
		Name:                  s.Name,
		Order:                 s.Order,
		IsActive:              s.IsActive,
		RequiresApproval:      s.RequiresApproval,
		ApprovalRoles:         s.ApprovalRoles,
		ResponsibleRoles:      s.ResponsibleRoles,
		EstimatedDurationDays: s.EstimatedDurationDays,
		ExitCriteria:          s.ExitCriteria,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

func projectResponse(p domain.Project) ProjectResponse {
	var stageID *string
	if p.CurrentStageID != nil {
		s := p.CurrentStageID.String()
		stageID = &s
	}
	return ProjectResponse{
		ID:             p.ID,
		OrgID:          p.OrgID,
		Name:           p.Name,
		OwnerID:        p.OwnerID,
		Priority:       p.Priority,
		Description:    p.Description,
		CurrentStageID: stageID,
		StageEnteredAt: p.StageEnteredAt,
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		Type:       d.Type,
		Name:       d.Name,
		AttachedBy: d.AttachedBy,
		CreatedAt:  d.CreatedAt,
	}
}

func validationResponse(v domain.ValidationResult) ValidationResponse {
	checks := make([]CheckResponse, 0, len(v.Checks))
	for _, c := range v.Checks {
		checks = append(checks, CheckResponse{
			ID:       c.ID,
			Name:     c.Name,
			Category: c.Category,
			Status:   c.Status,
			Required: c.Required,
			Details:  c.Details,
		})
	}
	return ValidationResponse{
		IsValid:          v.IsValid,
		CanProceed:       v.CanProceed,
		RequiresApproval: v.RequiresApproval,
		RequiresBypass:   v.RequiresBypass,
		Checks:           checks,
		Errors:           nonNilSlice(v.Errors),
		Warnings:         nonNilSlice(v.Warnings),
	}
}

func transitionRecordResponse(r domain.TransitionRecord) TransitionRecordResponse {
	var from *string
	if r.FromStageID != nil {
		s := r.FromStageID.String()
		from = &s
	}
	return TransitionRecordResponse{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		FromStageID:   from,
		ToStageID:     r.ToStageID.String(),
		ActorID:       r.ActorID,
		TS:            r.TS,
		Outcome:       r.Outcome,
		Reason:        r.Reason,
		Justification: r.Justification,
	}
}

func approvalResponse(a domain.ApprovalRequest) ApprovalResponse {
	return ApprovalResponse{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		StageID:     a.StageID.String(),
		Status:      a.Status,
		RequestedBy: a.RequestedBy,
		RequestedAt: a.RequestedAt,
		DecidedBy:   a.DecidedBy,
		DecidedAt:   a.DecidedAt,
		Note:        a.Note,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

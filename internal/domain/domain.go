package domain

import (
	"fmt"
	"strings"
)

// StageRef is a validated stage identifier. All engine code trades in
// StageRef; raw strings are parsed exactly once at the boundary.
type StageRef string

// ParseStageRef validates a raw stage identifier.
func ParseStageRef(raw string) (StageRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("stage id is required")
	}
	return StageRef(trimmed), nil
}

func (r StageRef) String() string { return string(r) }

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkflowStage is one ordered step in an organization's pipeline.
// Order is unique per organization and defines the total pipeline order.
type WorkflowStage struct {
	ID                    StageRef `json:"id"`
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

// Project is the entity moving through the pipeline. CurrentStageID and
// StageEnteredAt are only ever written by the transition executor; Version
// backs its compare-and-swap.
type Project struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	Name           string    `json:"name"`
	OwnerID        *string   `json:"owner_id,omitempty"`
	Priority       *string   `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Description    string    `json:"description,omitempty"`
	CurrentStageID *StageRef `json:"current_stage_id,omitempty"`
	StageEnteredAt *string   `json:"stage_entered_at,omitempty" format:"date-time"`
	Version        int64     `json:"version"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
}

// Prerequisite check categories.
const (
	CategoryProjectData   = "project_data"
	CategoryDocuments     = "documents"
	CategoryApprovals     = "approvals"
	CategoryStageSpecific = "stage_specific"
	CategorySystem        = "system"
)

// Prerequisite check statuses.
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckWarning = "warning"
	CheckPending = "pending"
)

// PrerequisiteCheck is a single evaluated rule instance. Checks are
// computed fresh on every validation pass and never persisted.
type PrerequisiteCheck struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category" enum:"project_data,documents,approvals,stage_specific,system"`
	Status   string `json:"status" enum:"passed,failed,warning,pending"`
	Required bool   `json:"required"`
	Details  string `json:"details,omitempty"`
}

// ValidationResult is the decision snapshot for one candidate transition.
type ValidationResult struct {
	IsValid          bool                `json:"is_valid"`
	CanProceed       bool                `json:"can_proceed"`
	RequiresApproval bool                `json:"requires_approval"`
	RequiresBypass   bool                `json:"requires_bypass"`
	Checks           []PrerequisiteCheck `json:"checks"`
	Errors           []string            `json:"errors,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
}

// Transition outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeBypassed  = "bypassed"
	OutcomeRejected  = "rejected"
)

// TransitionRecord is an append-only audit row. Once written it is never
// mutated or deleted. FromStageID is nil for project intake.
type TransitionRecord struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	FromStageID   *StageRef `json:"from_stage_id,omitempty"`
	ToStageID     StageRef  `json:"to_stage_id"`
	ActorID       string    `json:"actor_id"`
	TS            string    `json:"ts" format:"date-time"`
	Outcome       string    `json:"outcome" enum:"completed,bypassed,rejected"`
	Reason        string    `json:"reason,omitempty"`
	Justification string    `json:"justification,omitempty"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// ApprovalRequest tracks approver sign-off for entering a stage.
type ApprovalRequest struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	StageID     StageRef `json:"stage_id"`
	Status      string   `json:"status" enum:"pending,approved,rejected"`
	RequestedBy string   `json:"requested_by"`
	RequestedAt string   `json:"requested_at" format:"date-time"`
	DecidedBy   *string  `json:"decided_by,omitempty"`
	DecidedAt   *string  `json:"decided_at,omitempty" format:"date-time"`
	Note        string   `json:"note,omitempty"`
}

// Document is a reference to an attached artifact, consumed by the
// documents prerequisite category.
type Document struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	AttachedBy string `json:"attached_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only engine event log.
type Event struct {
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

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AutoAdvance is the read-only auto-advance evaluation result.
type AutoAdvance struct {
	Available bool           `json:"available"`
	NextStage *WorkflowStage `json:"next_stage,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time

	Approvals ApprovalService
	Documents DocumentService
	Perms     PermissionService
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Approvals = dbApprovals{Repo: e.Repo, Events: e.Events, Now: e.now}
	e.Documents = dbDocuments{Repo: e.Repo}
	e.Perms = dbPermissions{Auth: e.Auth}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type dbPermissions struct {
	Auth auth.Service
}

func (p dbPermissions) HasPermission(ctx context.Context, orgID, actorID, permission string) (bool, error) {
	return p.Auth.ActorHasPermission(ctx, orgID, actorID, permission)
}

// InitOrg creates the organization, seeds its config and RBAC tables,
// and grants the owner role to the acting user.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) (domain.Organization, error) {
	if e.Config == nil {
		return domain.Organization{}, errors.New("config not loaded")
	}
	if orgID == "" {
		return domain.Organization{}, InvalidArgumentError{Msg: "org id is required"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	org := domain.Organization{ID: orgID, Name: name, CreatedAt: now}
	if org.Name == "" {
		org.Name = orgID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return org, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, org.ID, org.Name, now); err != nil {
		return org, fmt.Errorf("insert org: %w", err)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, org.ID, e.Config, now); err != nil {
		return org, fmt.Errorf("insert org config: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, org.ID, actorID); err != nil {
		return org, err
	}
	if err := e.Events.Append(ctx, tx, "org.init", org.ID, "", "org", org.ID, actorID, events.EventPayload{"name": org.Name}); err != nil {
		return org, err
	}
	if err := tx.Commit(); err != nil {
		return org, err
	}
	return org, nil
}

// seedRBAC materializes config roles/permissions and assigns owner to the
// initializing actor.
func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, orgID, actorID string) error {
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	if actorID == "" {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	return e.Repo.AssignRole(ctx, tx, orgID, actorID, "owner")
}

// GrantRole assigns a configured role to an actor within the org.
func (e Engine) GrantRole(ctx context.Context, orgID, actorID, roleID, grantedBy string) error {
	if e.Config != nil && len(e.Config.RBAC.Roles) > 0 {
		if _, ok := e.Config.RBAC.Roles[roleID]; !ok {
			return InvalidArgumentError{Msg: fmt.Sprintf("role %s not defined", roleID)}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, orgID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.granted", orgID, "", "actor", actorID, grantedBy, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role assignment within the org.
func (e Engine) RevokeRole(ctx context.Context, orgID, actorID, roleID, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, orgID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.revoked", orgID, "", "actor", actorID, revokedBy, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// StageCreateOptions are parameters for defining a pipeline stage.
type StageCreateOptions struct {
	OrgID                 string
	Name                  string
	Order                 int
	RequiresApproval      bool
	ApprovalRoles         []string
	ResponsibleRoles      []string
	EstimatedDurationDays *int
	ExitCriteria          string
	ActorID               string
}

func (e Engine) CreateStage(ctx context.Context, opts StageCreateOptions) (domain.WorkflowStage, error) {
	if opts.Name == "" {
		return domain.WorkflowStage{}, InvalidArgumentError{Msg: "stage name is required"}
	}
	if opts.Order <= 0 {
		return domain.WorkflowStage{}, InvalidArgumentError{Msg: "stage order must be positive"}
	}
	if opts.RequiresApproval && len(opts.ApprovalRoles) == 0 {
		return domain.WorkflowStage{}, InvalidArgumentError{Msg: "approval roles required when stage requires approval"}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.WorkflowStage{}, err
	}
	existing, err := e.Repo.ListStages(ctx, opts.OrgID)
	if err != nil {
		return domain.WorkflowStage{}, err
	}
	for _, s := range existing {
		if s.Order == opts.Order {
			return domain.WorkflowStage{}, InvalidArgumentError{Msg: fmt.Sprintf("order %d already used by stage %s", opts.Order, s.Name)}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	stage := domain.WorkflowStage{
		ID:                    domain.StageRef(uuid.New().String()),
		OrgID:                 opts.OrgID,
		Name:                  opts.Name,
		Order:                 opts.Order,
		IsActive:              true,
		RequiresApproval:      opts.RequiresApproval,
		ApprovalRoles:         opts.ApprovalRoles,
		ResponsibleRoles:      opts.ResponsibleRoles,
		EstimatedDurationDays: opts.EstimatedDurationDays,
		ExitCriteria:          opts.ExitCriteria,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stage, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStage(ctx, tx, stage); err != nil {
		return stage, err
	}
	if err := e.Events.Append(ctx, tx, "stage.created", stage.OrgID, "", "stage", stage.ID.String(), opts.ActorID, events.EventPayload{
		"name": stage.Name, "order": stage.Order,
	}); err != nil {
		return stage, err
	}
	if err := tx.Commit(); err != nil {
		return stage, err
	}
	return stage, nil
}

// StageUpdateOptions edits a stage's configuration. Order and identity
// are stable once set; only name, flags and metadata change.
type StageUpdateOptions struct {
	OrgID                 string
	StageID               domain.StageRef
	Name                  *string
	RequiresApproval      *bool
	ApprovalRoles         []string
	ResponsibleRoles      []string
	EstimatedDurationDays *int
	ExitCriteria          *string
	ActorID               string
}

func (e Engine) UpdateStage(ctx context.Context, opts StageUpdateOptions) (domain.WorkflowStage, error) {
	stage, err := e.Repo.GetStage(ctx, opts.OrgID, opts.StageID)
	if err != nil {
		return stage, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return stage, InvalidArgumentError{Msg: "stage name cannot be empty"}
		}
		stage.Name = *opts.Name
	}
	if opts.RequiresApproval != nil {
		stage.RequiresApproval = *opts.RequiresApproval
	}
	if opts.ApprovalRoles != nil {
		stage.ApprovalRoles = opts.ApprovalRoles
	}
	if opts.ResponsibleRoles != nil {
		stage.ResponsibleRoles = opts.ResponsibleRoles
	}
	if opts.EstimatedDurationDays != nil {
		stage.EstimatedDurationDays = opts.EstimatedDurationDays
	}
	if opts.ExitCriteria != nil {
		stage.ExitCriteria = *opts.ExitCriteria
	}
	if stage.RequiresApproval && len(stage.ApprovalRoles) == 0 {
		return stage, InvalidArgumentError{Msg: "approval roles required when stage requires approval"}
	}
	stage.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stage, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStage(ctx, tx, stage); err != nil {
		return stage, err
	}
	if err := e.Events.Append(ctx, tx, "stage.updated", stage.OrgID, "", "stage", stage.ID.String(), opts.ActorID, events.EventPayload{
		"name": stage.Name,
	}); err != nil {
		return stage, err
	}
	if err := tx.Commit(); err != nil {
		return stage, err
	}
	return stage, nil
}

// DeactivateStage retires a stage from navigation. Referenced stages
// are never deleted; history keeps pointing at them.
func (e Engine) DeactivateStage(ctx context.Context, orgID string, stageID domain.StageRef, actorID string) (domain.WorkflowStage, error) {
	stage, err := e.Repo.GetStage(ctx, orgID, stageID)
	if err != nil {
		return stage, err
	}
	if !stage.IsActive {
		return stage, nil
	}
	stage.IsActive = false
	stage.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stage, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStage(ctx, tx, stage); err != nil {
		return stage, err
	}
	if err := e.Events.Append(ctx, tx, "stage.deactivated", stage.OrgID, "", "stage", stage.ID.String(), actorID, events.EventPayload{}); err != nil {
		return stage, err
	}
	if err := tx.Commit(); err != nil {
		return stage, err
	}
	return stage, nil
}

// RemoveStage deletes a stage that nothing references yet. Once a
// project or a transition record points at the stage it can only be
// deactivated.
func (e Engine) RemoveStage(ctx context.Context, orgID string, stageID domain.StageRef, actorID string) error {
	stage, err := e.Repo.GetStage(ctx, orgID, stageID)
	if err != nil {
		return err
	}
	referenced, err := e.Repo.StageReferenced(ctx, stageID)
	if err != nil {
		return err
	}
	if referenced {
		return InvalidArgumentError{Msg: "stage is referenced by projects or history; deactivate it instead"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteStage(ctx, tx, orgID, stageID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "stage.removed", stage.OrgID, "", "stage", stage.ID.String(), actorID, events.EventPayload{
		"name": stage.Name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectCreateOptions are parameters for project intake.
type ProjectCreateOptions struct {
	ID          string
	OrgID       string
	Name        string
	OwnerID     string
	Priority    string
	Description string
	ActorID     string
}

// CreateProject performs intake: the project enters the first active
// stage and the intake transition is recorded with a nil from-stage.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, InvalidArgumentError{Msg: "project name is required"}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Project{}, err
	}
	stages, err := e.Repo.ListStages(ctx, opts.OrgID)
	if err != nil {
		return domain.Project{}, err
	}
	var intake *domain.WorkflowStage
	for i := range stages {
		if stages[i].IsActive {
			intake = &stages[i]
			break
		}
	}
	if intake == nil {
		return domain.Project{}, InvalidArgumentError{Msg: "organization has no active stages"}
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.OrgID+"|"+opts.Name+"|"+now)).String()
	}
	stageID := intake.ID
	p := domain.Project{
		ID:             id,
		OrgID:          opts.OrgID,
		Name:           opts.Name,
		OwnerID:        optionalString(opts.OwnerID),
		Priority:       optionalString(opts.Priority),
		Description:    opts.Description,
		CurrentStageID: &stageID,
		StageEnteredAt: &now,
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.OrgID, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"name": p.Name, "stage": intake.Name,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	rec := domain.TransitionRecord{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		ToStageID: stageID,
		ActorID:   opts.ActorID,
		TS:        now,
		Outcome:   domain.OutcomeCompleted,
		Reason:    "project intake",
	}
	if err := e.recorder().Record(ctx, rec); err != nil {
		// Intake committed; audit durability is best-effort relative to it.
		return p, nil
	}
	return p, nil
}

// SetProjectFields updates business fields the prerequisite rules read.
// The stage pointer is owned by the transition executor and untouched.
func (e Engine) SetProjectFields(ctx context.Context, projectID string, owner, priority, description *string, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if priority != nil {
		switch *priority {
		case "low", "normal", "high", "urgent":
		default:
			return p, InvalidArgumentError{Msg: fmt.Sprintf("unknown priority %q", *priority)}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProjectFields(ctx, projectID, owner, priority, description, now); err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project.updated", p.OrgID, p.ID, "project", p.ID, actorID, events.EventPayload{}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetProject(ctx, projectID)
}

// AttachDocument records a document reference for the project.
func (e Engine) AttachDocument(ctx context.Context, projectID, docType, name, actorID string) (domain.Document, error) {
	if strings.TrimSpace(docType) == "" {
		return domain.Document{}, InvalidArgumentError{Msg: "document type is required"}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Document{}, err
	}
	if name == "" {
		name = docType
	}
	d := domain.Document{
		ID:         uuid.New().String(),
		ProjectID:  p.ID,
		Type:       docType,
		Name:       name,
		AttachedBy: actorID,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "document.attached", p.OrgID, p.ID, "document", d.ID, actorID, events.EventPayload{
		"type": d.Type, "name": d.Name,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

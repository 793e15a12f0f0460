package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stageline/internal/config"
	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned by CompareAndSwapStage when another
// transition committed first.
var ErrStaleVersion = errors.New("project version is stale")

// --- organizations ---

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var org domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return org, ErrNotFound
	}
	return org, err
}

// --- stages ---

const stageColumns = `id,org_id,name,ord,is_active,requires_approval,
COALESCE(approval_roles_json,''),COALESCE(responsible_roles_json,''),
estimated_duration_days,COALESCE(exit_criteria,''),created_at,updated_at`

func scanStage(scan func(dest ...any) error) (domain.WorkflowStage, error) {
	var s domain.WorkflowStage
	var id string
	var approvalRoles, responsibleRoles string
	var duration sql.NullInt64
	err := scan(&id, &s.OrgID, &s.Name, &s.Order, &s.IsActive, &s.RequiresApproval,
		&approvalRoles, &responsibleRoles, &duration, &s.ExitCriteria, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ID = domain.StageRef(id)
	if approvalRoles != "" {
		if err := json.Unmarshal([]byte(approvalRoles), &s.ApprovalRoles); err != nil {
			return s, fmt.Errorf("stage %s approval roles: %w", id, err)
		}
	}
	if responsibleRoles != "" {
		if err := json.Unmarshal([]byte(responsibleRoles), &s.ResponsibleRoles); err != nil {
			return s, fmt.Errorf("stage %s responsible roles: %w", id, err)
		}
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.EstimatedDurationDays = &d
	}
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.WorkflowStage) error {
	approvalRoles, err := marshalStringSlice(s.ApprovalRoles)
	if err != nil {
		return err
	}
	responsibleRoles, err := marshalStringSlice(s.ResponsibleRoles)
	if err != nil {
		return err
	}
	var duration any
	if s.EstimatedDurationDays != nil {
		duration = *s.EstimatedDurationDays
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stages(id,org_id,name,ord,is_active,requires_approval,
approval_roles_json,responsible_roles_json,estimated_duration_days,exit_criteria,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID.String(), s.OrgID, s.Name, s.Order, s.IsActive, s.RequiresApproval,
		approvalRoles, responsibleRoles, duration, nullable(s.ExitCriteria), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateStage(ctx context.Context, tx *sql.Tx, s domain.WorkflowStage) error {
	approvalRoles, err := marshalStringSlice(s.ApprovalRoles)
	if err != nil {
		return err
	}
	responsibleRoles, err := marshalStringSlice(s.ResponsibleRoles)
	if err != nil {
		return err
	}
	var duration any
	if s.EstimatedDurationDays != nil {
		duration = *s.EstimatedDurationDays
	}
	res, err := tx.ExecContext(ctx, `UPDATE stages SET name=?,is_active=?,requires_approval=?,
approval_roles_json=?,responsible_roles_json=?,estimated_duration_days=?,exit_criteria=?,updated_at=?
WHERE id=? AND org_id=?`,
		s.Name, s.IsActive, s.RequiresApproval, approvalRoles, responsibleRoles,
		duration, nullable(s.ExitCriteria), s.UpdatedAt, s.ID.String(), s.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStage resolves a stage within the caller's organization scope.
// Cross-organization lookups fail closed with ErrNotFound.
func (r Repo) GetStage(ctx context.Context, orgID string, id domain.StageRef) (domain.WorkflowStage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=? AND org_id=?`, id.String(), orgID)
	return scanStage(row.Scan)
}

// ListStages returns the organization's stages ordered by ord ascending.
func (r Repo) ListStages(ctx context.Context, orgID string) ([]domain.WorkflowStage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE org_id=? ORDER BY ord ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StageReferenced reports whether any project or transition record
// references the stage. Referenced stages may only be deactivated.
func (r Repo) StageReferenced(ctx context.Context, id domain.StageRef) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE current_stage_id=? LIMIT 1`, id.String()).Scan(&n)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}
	err = r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM stage_transitions WHERE from_stage_id=? OR to_stage_id=? LIMIT 1`,
		id.String(), id.String()).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) DeleteStage(ctx context.Context, tx *sql.Tx, orgID string, id domain.StageRef) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE org_id=? AND id=?`, orgID, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- projects ---

const projectColumns = `id,org_id,name,owner_id,priority,COALESCE(description,''),
current_stage_id,stage_entered_at,version,created_at,updated_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var owner, priority, stageID, enteredAt sql.NullString
	err := scan(&p.ID, &p.OrgID, &p.Name, &owner, &priority, &p.Description,
		&stageID, &enteredAt, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if owner.Valid {
		p.OwnerID = &owner.String
	}
	if priority.Valid {
		p.Priority = &priority.String
	}
	if stageID.Valid {
		ref := domain.StageRef(stageID.String)
		p.CurrentStageID = &ref
	}
	if enteredAt.Valid {
		p.StageEnteredAt = &enteredAt.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	var stageID, enteredAt any
	if p.CurrentStageID != nil {
		stageID = p.CurrentStageID.String()
	}
	if p.StageEnteredAt != nil {
		enteredAt = *p.StageEnteredAt
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,owner_id,priority,description,
current_stage_id,stage_entered_at,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullablePtr(p.OwnerID), nullablePtr(p.Priority), nullable(p.Description),
		stageID, enteredAt, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE org_id=? ORDER BY created_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectFields updates mutable business fields. The stage pointer
// is deliberately out of reach here; only CompareAndSwapStage moves it.
func (r Repo) UpdateProjectFields(ctx context.Context, id string, owner, priority, description *string, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET
owner_id=COALESCE(?,owner_id), priority=COALESCE(?,priority), description=COALESCE(?,description), updated_at=?
WHERE id=?`, nullablePtr(owner), nullablePtr(priority), nullablePtr(description), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapStage atomically moves the project's stage pointer. The
// write succeeds only if the stored version still equals expectedVersion;
// otherwise ErrStaleVersion is returned and nothing changes.
func (r Repo) CompareAndSwapStage(ctx context.Context, tx *sql.Tx, projectID string, expectedVersion int64, newStageID domain.StageRef, enteredAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET
current_stage_id=?, stage_entered_at=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		newStageID.String(), enteredAt, enteredAt, projectID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing project from a lost race.
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=?`, projectID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleVersion
	}
	return nil
}

// --- org config ---

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config, now string) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg, now)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config, now string) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg, now)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config, now string) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

// InsertTransition appends one audit row. There is no update or delete
// counterpart; stage_transitions is append-only.
func (r Repo) InsertTransition(ctx context.Context, rec domain.TransitionRecord) error {
	var fromStage any
	if rec.FromStageID != nil {
		fromStage = rec.FromStageID.String()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stage_transitions(id,project_id,from_stage_id,to_stage_id,actor_id,ts,outcome,reason,justification)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, fromStage, rec.ToStageID.String(), rec.ActorID, rec.TS,
		rec.Outcome, nullable(rec.Reason), nullable(rec.Justification))
	return err
}

func scanTransition(scan func(dest ...any) error) (domain.TransitionRecord, error) {
	var rec domain.TransitionRecord
	var fromStage sql.NullString
	var toStage string
	err := scan(&rec.ID, &rec.ProjectID, &fromStage, &toStage, &rec.ActorID, &rec.TS,
		&rec.Outcome, &rec.Reason, &rec.Justification)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if fromStage.Valid {
		ref := domain.StageRef(fromStage.String)
		rec.FromStageID = &ref
	}
	rec.ToStageID = domain.StageRef(toStage)
	return rec, nil
}

// ListTransitions returns a project's transition records, newest first.
func (r Repo) ListTransitions(ctx context.Context, projectID string, limit int) ([]domain.TransitionRecord, error) {
	query := `SELECT id,project_id,from_stage_id,to_stage_id,actor_id,ts,outcome,COALESCE(reason,''),COALESCE(justification,'')
FROM stage_transitions WHERE project_id=? ORDER BY ts DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		rec, err := scanTransition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountTransitions is used by audit monotonicity checks and status views.
func (r Repo) CountTransitions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_transitions WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const approvalColumns = `id,project_id,stage_id,status,requested_by,requested_at,decided_by,decided_at,COALESCE(note,'')`

func scanApproval(scan func(dest ...any) error) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var stageID string
	var decidedBy, decidedAt sql.NullString
	err := scan(&a.ID, &a.ProjectID, &stageID, &a.Status, &a.RequestedBy, &a.RequestedAt, &decidedBy, &decidedAt, &a.Note)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.StageID = domain.StageRef(stageID)
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

// InsertApproval records a new request. The partial unique index on
// pending rows makes the insert a no-op when a pending request for the
// pair already exists; the inserted return reports which happened.
func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO approvals(id,project_id,stage_id,status,requested_by,requested_at,note)
VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.StageID.String(), a.Status, a.RequestedBy, a.RequestedAt, nullable(a.Note))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestApproval returns the most recent approval request for the
// project/stage pair, or ErrNotFound when none was ever requested.
func (r Repo) LatestApproval(ctx context.Context, projectID string, stageID domain.StageRef) (domain.ApprovalRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE project_id=? AND stage_id=? ORDER BY requested_at DESC, id DESC LIMIT 1`,
		projectID, stageID.String())
	return scanApproval(row.Scan)
}

func (r Repo) ListApprovals(ctx context.Context, projectID string) ([]domain.ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE project_id=? ORDER BY requested_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DecideApproval finalizes a pending request. Decided requests are
// immutable; a second decision affects zero rows and reports ErrNotFound.
func (r Repo) DecideApproval(ctx context.Context, tx *sql.Tx, id, status, decidedBy, decidedAt, note string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, decided_by=?, decided_at=?, note=COALESCE(?,note)
WHERE id=? AND status=?`, status, decidedBy, decidedAt, nullable(note), id, domain.ApprovalPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

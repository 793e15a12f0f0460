package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,project_id,type,name,attached_by,created_at)
VALUES (?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Type, d.Name, d.AttachedBy, d.CreatedAt)
	return err
}

// HasDocument reports whether any document of the given type is attached.
func (r Repo) HasDocument(ctx context.Context, projectID, docType string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE project_id=? AND type=? LIMIT 1`,
		projectID, docType).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListDocuments(ctx context.Context, projectID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,type,name,attached_by,created_at
FROM documents WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Type, &d.Name, &d.AttachedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.ReviewTicket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,project_id,stage_id,status,feedback,created_at) VALUES (?,?,?,?,?,?)`,
		rv.ID, rv.ProjectID, int(rv.StageID), string(rv.Status), nullableStringPtr(rv.Feedback), rv.CreatedAt)
	return err
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.ReviewTicket, error) {
	return getReview(ctx, r.DB, id)
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewTicket, error) {
	return getReview(ctx, tx, id)
}

func getReview(ctx context.Context, q queryer, id string) (domain.ReviewTicket, error) {
	var rv domain.ReviewTicket
	var stage int
	var status string
	var feedback, decidedAt sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,project_id,stage_id,status,feedback,created_at,decided_at FROM reviews WHERE id=?`, id).
		Scan(&rv.ID, &rv.ProjectID, &stage, &status, &feedback, &rv.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	parsed, err := domain.ParseStageStatus(status)
	if err != nil {
		return rv, err
	}
	rv.StageID = domain.StageID(stage)
	rv.Status = parsed
	rv.Feedback = stringPtr(feedback)
	rv.DecidedAt = stringPtr(decidedAt)
	return rv, nil
}

// DecideReviewTx moves a Pending review to its decision. It reports false when the
// review was no longer Pending, leaving the row untouched.
func (r Repo) DecideReviewTx(ctx context.Context, tx *sql.Tx, id string, status domain.StageStatus, feedback *string, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET status=?, feedback=?, decided_at=? WHERE id=? AND status=?`,
		string(status), nullableStringPtr(feedback), ts, id, string(domain.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPendingReviews returns Pending reviews of a project, oldest first.
func (r Repo) ListPendingReviews(ctx context.Context, projectID string) ([]domain.ReviewTicket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM reviews WHERE project_id=? AND status=? ORDER BY created_at, stage_id`, projectID, string(domain.StatusPending))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.ReviewTicket, 0, len(ids))
	for _, id := range ids {
		rv, err := r.GetReview(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, nil
}

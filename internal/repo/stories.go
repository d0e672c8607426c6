package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

const storyColumns = "id,project_id,artifact_id,position,title,body,status,feedback,created_at,updated_at"

func scanStory(row interface{ Scan(...any) error }) (domain.Story, error) {
	var s domain.Story
	var body, feedback sql.NullString
	var status string
	err := row.Scan(&s.ID, &s.ProjectID, &s.ArtifactID, &s.Position, &s.Title, &body, &status, &feedback, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	parsed, err := domain.ParseStageStatus(status)
	if err != nil {
		return s, err
	}
	s.Status = parsed
	s.Body = body.String
	s.Feedback = stringPtr(feedback)
	return s, nil
}

func (r Repo) InsertStoryTx(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO user_stories(`+storyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.ArtifactID, s.Position, s.Title, nullable(s.Body), string(s.Status), nullableStringPtr(s.Feedback), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	return scanStory(r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM user_stories WHERE id=?`, id))
}

func (r Repo) GetStoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Story, error) {
	return scanStory(tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM user_stories WHERE id=?`, id))
}

// ListStories returns the stories decomposed from one Stories artifact, in generation order.
func (r Repo) ListStories(ctx context.Context, artifactID string) ([]domain.Story, error) {
	return listStories(ctx, r.DB, artifactID, "")
}

// ListApprovedStories is ListStories restricted to Approved items.
func (r Repo) ListApprovedStories(ctx context.Context, artifactID string) ([]domain.Story, error) {
	return listStories(ctx, r.DB, artifactID, domain.StatusApproved)
}

func listStories(ctx context.Context, q queryer, artifactID string, status domain.StageStatus) ([]domain.Story, error) {
	query := `SELECT ` + storyColumns + ` FROM user_stories WHERE artifact_id=?`
	args := []any{artifactID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStoryDecisionTx(ctx context.Context, tx *sql.Tx, id string, status domain.StageStatus, feedback *string, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE user_stories SET status=?, feedback=?, updated_at=? WHERE id=?`,
		string(status), nullableStringPtr(feedback), ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"forgeline/internal/domain"
)

// stageTable describes where one stage keeps its generations and how it encodes status.
type stageTable struct {
	name string
	// coded tables store the integer status code instead of the name.
	coded bool
}

var stageTables = map[domain.StageID]stageTable{
	domain.StageRequirements: {name: "requirements_analyses", coded: true},
	domain.StagePlanning:     {name: "project_plannings", coded: true},
	domain.StageStories:      {name: "story_generations"},
	domain.StagePrompts:      {name: "prompt_generations"},
	domain.StageReview:       {name: "final_reviews"},
}

func tableFor(stage domain.StageID) (stageTable, error) {
	t, ok := stageTables[stage]
	if !ok {
		return stageTable{}, domain.ValidationError{Field: "stage_id", Reason: fmt.Sprintf("unknown stage %d", int(stage))}
	}
	return t, nil
}

func (t stageTable) encode(st domain.StageStatus) any {
	if t.coded {
		return st.Code()
	}
	return string(st)
}

func (t stageTable) columns() string {
	return "id,project_id,review_id,status,content,inputs_json,created_at,superseded_at"
}

func scanArtifact(row interface{ Scan(...any) error }, stage domain.StageID) (domain.StageArtifact, error) {
	var a domain.StageArtifact
	var rawStatus any
	var reviewID, inputs, superseded sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &reviewID, &rawStatus, &a.Content, &inputs, &a.CreatedAt, &superseded)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	status, err := domain.ParseStageStatus(rawStatus)
	if err != nil {
		return a, fmt.Errorf("%s row %s: %w", stage.Name(), a.ID, err)
	}
	a.StageID = stage
	a.Status = status
	a.ReviewID = reviewID.String
	a.InputsJSON = inputs.String
	a.SupersededAt = stringPtr(superseded)
	return a, nil
}

// LatestStage returns the current (newest non-superseded) row of a stage, or ErrNotFound
// when the stage has never been generated.
func (r Repo) LatestStage(ctx context.Context, projectID string, stage domain.StageID) (domain.StageArtifact, error) {
	return latestStage(ctx, r.DB, projectID, stage)
}

func (r Repo) LatestStageTx(ctx context.Context, tx *sql.Tx, projectID string, stage domain.StageID) (domain.StageArtifact, error) {
	return latestStage(ctx, tx, projectID, stage)
}

func latestStage(ctx context.Context, q queryer, projectID string, stage domain.StageID) (domain.StageArtifact, error) {
	t, err := tableFor(stage)
	if err != nil {
		return domain.StageArtifact{}, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE project_id=? AND superseded_at IS NULL ORDER BY created_at DESC, rowid DESC LIMIT 1`, t.columns(), t.name)
	return scanArtifact(q.QueryRowContext(ctx, query, projectID), stage)
}

// StageHistory lists every generation of a stage, newest first, superseded rows included.
func (r Repo) StageHistory(ctx context.Context, projectID string, stage domain.StageID) ([]domain.StageArtifact, error) {
	t, err := tableFor(stage)
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE project_id=? ORDER BY created_at DESC, rowid DESC`, t.columns(), t.name), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageArtifact
	for rows.Next() {
		a, err := scanArtifact(rows, stage)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetArtifact finds an artifact by id in any stage table.
func (r Repo) GetArtifact(ctx context.Context, id string) (domain.StageArtifact, error) {
	for _, stage := range domain.AllStages {
		t := stageTables[stage]
		a, err := scanArtifact(r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=?`, t.columns(), t.name), id), stage)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return a, err
	}
	return domain.StageArtifact{}, ErrNotFound
}

func (r Repo) InsertStageArtifactTx(ctx context.Context, tx *sql.Tx, a domain.StageArtifact) error {
	t, err := tableFor(a.StageID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(id,project_id,review_id,status,content,inputs_json,created_at) VALUES (?,?,?,?,?,?,?)`, t.name),
		a.ID, a.ProjectID, nullable(a.ReviewID), t.encode(a.Status), a.Content, nullable(a.InputsJSON), a.CreatedAt)
	return err
}

// SupersedeStageTx marks the current row of a stage as superseded. It returns the number of rows touched.
func (r Repo) SupersedeStageTx(ctx context.Context, tx *sql.Tx, projectID string, stage domain.StageID, ts string) (int64, error) {
	t, err := tableFor(stage)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET superseded_at=? WHERE project_id=? AND superseded_at IS NULL`, t.name), ts, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetStageStatusByReviewTx applies a review decision to the stage row the review gates.
func (r Repo) SetStageStatusByReviewTx(ctx context.Context, tx *sql.Tx, stage domain.StageID, reviewID string, status domain.StageStatus) error {
	t, err := tableFor(stage)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status=? WHERE review_id=? AND superseded_at IS NULL`, t.name), t.encode(status), reviewID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

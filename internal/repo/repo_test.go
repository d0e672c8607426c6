package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.Repo{DB: conn}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertProjectTx(context.Background(), tx, domain.Project{ID: "p1", Name: "Shop", CreatedAt: "2024-01-01T00:00:00Z"})
	})
	return r
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func insertGeneration(t *testing.T, r repo.Repo, stage domain.StageID, id, reviewID string, status domain.StageStatus, ts string) {
	t.Helper()
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertReviewTx(ctx, tx, domain.ReviewTicket{ID: reviewID, ProjectID: "p1", StageID: stage, Status: domain.StatusPending, CreatedAt: ts}); err != nil {
			return err
		}
		return r.InsertStageArtifactTx(ctx, tx, domain.StageArtifact{ID: id, ProjectID: "p1", StageID: stage, ReviewID: reviewID, Status: status, Content: "content " + id, CreatedAt: ts})
	})
}

func TestStatusEncodingPerTable(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertGeneration(t, r, domain.StageRequirements, "a1", "r1", domain.StatusApproved, "2024-01-01T00:00:01Z")
	insertGeneration(t, r, domain.StageStories, "a3", "r3", domain.StatusPending, "2024-01-01T00:00:02Z")

	var code int
	require.NoError(t, r.DB.QueryRowContext(ctx, `SELECT status FROM requirements_analyses WHERE id='a1'`).Scan(&code))
	assert.Equal(t, 2, code)
	var name string
	require.NoError(t, r.DB.QueryRowContext(ctx, `SELECT status FROM story_generations WHERE id='a3'`).Scan(&name))
	assert.Equal(t, "Pending", name)

	req, err := r.LatestStage(ctx, "p1", domain.StageRequirements)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, req.Status)
	stories, err := r.LatestStage(ctx, "p1", domain.StageStories)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stories.Status)
}

func TestLegacyStatusValuesNormalize(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_plannings(id,project_id,status,created_at) VALUES ('a2','p1',1,'2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO prompt_generations(id,project_id,status,created_at) VALUES ('a4','p1','pending_review','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)

	plan, err := r.LatestStage(ctx, "p1", domain.StagePlanning)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, plan.Status)
	prompts, err := r.LatestStage(ctx, "p1", domain.StagePrompts)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, prompts.Status)

	_, err = r.DB.ExecContext(ctx, `INSERT INTO final_reviews(id,project_id,status,created_at) VALUES ('a5','p1','exploded','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = r.LatestStage(ctx, "p1", domain.StageReview)
	assert.Error(t, err)
}

func TestSupersedeAndHistory(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.LatestStage(ctx, "p1", domain.StagePlanning)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	insertGeneration(t, r, domain.StagePlanning, "old", "r-old", domain.StatusRejected, "2024-01-01T00:00:01Z")
	inTx(t, r, func(tx *sql.Tx) error {
		n, err := r.SupersedeStageTx(ctx, tx, "p1", domain.StagePlanning, "2024-01-01T00:00:02Z")
		assert.EqualValues(t, 1, n)
		return err
	})
	_, err = r.LatestStage(ctx, "p1", domain.StagePlanning)
	assert.ErrorIs(t, err, repo.ErrNotFound, "a superseded row is not current")

	insertGeneration(t, r, domain.StagePlanning, "new", "r-new", domain.StatusPending, "2024-01-01T00:00:03Z")
	cur, err := r.LatestStage(ctx, "p1", domain.StagePlanning)
	require.NoError(t, err)
	assert.Equal(t, "new", cur.ID)
	assert.Nil(t, cur.SupersededAt)

	hist, err := r.StageHistory(ctx, "p1", domain.StagePlanning)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "new", hist[0].ID)
	require.NotNil(t, hist[1].SupersededAt)

	old, err := r.GetArtifact(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.StagePlanning, old.StageID)
	_, err = r.GetArtifact(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDecideReviewOnlyOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertGeneration(t, r, domain.StageRequirements, "a1", "r1", domain.StatusPending, "2024-01-01T00:00:01Z")

	feedback := "ship it"
	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.DecideReviewTx(ctx, tx, "r1", domain.StatusApproved, &feedback, "2024-01-01T00:00:02Z")
		assert.True(t, ok)
		if err != nil {
			return err
		}
		return r.SetStageStatusByReviewTx(ctx, tx, domain.StageRequirements, "r1", domain.StatusApproved)
	})
	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.DecideReviewTx(ctx, tx, "r1", domain.StatusRejected, nil, "2024-01-01T00:00:03Z")
		assert.False(t, ok)
		return err
	})

	rv, err := r.GetReview(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, rv.Status)
	require.NotNil(t, rv.Feedback)
	assert.Equal(t, "ship it", *rv.Feedback)

	pending, err := r.ListPendingReviews(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	inTx(t, r, func(tx *sql.Tx) error {
		err := r.SetStageStatusByReviewTx(ctx, tx, domain.StageRequirements, "unknown", domain.StatusApproved)
		assert.ErrorIs(t, err, repo.ErrNotFound)
		return nil
	})
}

func TestEventPaging(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{}
	for _, typ := range []string{events.ProjectCreated, events.StageGenerated, events.ReviewApproved, events.StageGenerated} {
		inTx(t, r, func(tx *sql.Tx) error {
			return w.Append(ctx, tx, events.Record{Type: typ, ProjectID: "p1", EntityKind: events.KindProject, EntityID: "p1"})
		})
	}

	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, latest)

	page, err := r.LatestEvents(ctx, 2, 0, "p1", "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.EqualValues(t, 4, page[0].ID)
	assert.Equal(t, "system", page[0].ActorID)

	next, err := r.LatestEvents(ctx, 2, page[1].ID, "p1", "")
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.EqualValues(t, 2, next[0].ID)

	gens, err := r.LatestEvents(ctx, 10, 0, "p1", events.StageGenerated)
	require.NoError(t, err)
	assert.Len(t, gens, 2)

	after, err := r.EventsAfter(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.EqualValues(t, 3, after[0].ID)
}

package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

type fakeProjects map[string]domain.Project

func (f fakeProjects) GetProject(_ context.Context, id string) (domain.Project, error) {
	p, ok := f[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

type fakeStages struct {
	mu    sync.Mutex
	rows  map[domain.StageID]domain.StageArtifact
	fail  map[domain.StageID]error
	reads map[domain.StageID]int
}

func (f *fakeStages) LatestStage(_ context.Context, projectID string, stage domain.StageID) (domain.StageArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reads == nil {
		f.reads = map[domain.StageID]int{}
	}
	f.reads[stage]++
	if err := f.fail[stage]; err != nil {
		return domain.StageArtifact{}, err
	}
	row, ok := f.rows[stage]
	if !ok || row.ProjectID != projectID {
		return domain.StageArtifact{}, domain.ErrNotFound
	}
	return row, nil
}

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func newAggregator(stages *fakeStages) Aggregator {
	return Aggregator{
		Projects: fakeProjects{"p1": {ID: "p1", Name: "Shop"}},
		Stages:   stages,
		Now:      fixedNow,
	}
}

func TestSnapshotAllNotStarted(t *testing.T) {
	stages := &fakeStages{}
	snap, err := newAggregator(stages).GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, "Shop", snap.ProjectName)
	require.Len(t, snap.Stages, domain.StageCount)
	for i, rec := range snap.Stages {
		assert.Equal(t, domain.StageID(i+1), rec.StageID)
		assert.Equal(t, domain.StatusNotStarted, rec.Status)
		assert.Nil(t, rec.ArtifactID)
		assert.Nil(t, rec.ReviewID)
	}
	for _, id := range domain.AllStages {
		assert.Equal(t, 1, stages.reads[id], "one read per stage")
	}
	assert.Equal(t, fixedNow(), snap.FetchedAt)
}

func TestSnapshotMapsRows(t *testing.T) {
	stages := &fakeStages{rows: map[domain.StageID]domain.StageArtifact{
		domain.StageRequirements: {ID: "a1", ProjectID: "p1", ReviewID: "r1", Status: domain.StatusApproved},
		domain.StagePlanning:     {ID: "a2", ProjectID: "p1", ReviewID: "r2", Status: domain.StatusPending},
		// a later stage may exist without the previous one being complete
		domain.StagePrompts: {ID: "a4", ProjectID: "p1", Status: domain.StatusRejected},
	}}
	snap, err := newAggregator(stages).GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)

	req := snap.Stage(domain.StageRequirements)
	require.NotNil(t, req.ArtifactID)
	assert.Equal(t, "a1", *req.ArtifactID)
	assert.Equal(t, "r1", *req.ReviewID)
	assert.Equal(t, domain.StatusApproved, req.Status)
	assert.Equal(t, domain.StatusPending, snap.Stage(domain.StagePlanning).Status)
	assert.Equal(t, domain.StatusNotStarted, snap.Stage(domain.StageStories).Status)
	assert.Equal(t, domain.StatusRejected, snap.Stage(domain.StagePrompts).Status)
	assert.Nil(t, snap.Stage(domain.StagePrompts).ReviewID)
}

func TestSnapshotIdempotent(t *testing.T) {
	stages := &fakeStages{rows: map[domain.StageID]domain.StageArtifact{
		domain.StageRequirements: {ID: "a1", ProjectID: "p1", ReviewID: "r1", Status: domain.StatusPending},
	}}
	agg := newAggregator(stages)
	first, err := agg.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	second, err := agg.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, stages.reads[domain.StageRequirements], "no caching across calls")
}

func TestSnapshotUnknownProject(t *testing.T) {
	_, err := newAggregator(&fakeStages{}).GetSnapshot(context.Background(), "missing")
	var nf domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "project", nf.Kind)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = newAggregator(&fakeStages{}).GetSnapshot(context.Background(), "")
	var verr domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSnapshotPropagatesReadErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	stages := &fakeStages{fail: map[domain.StageID]error{domain.StageStories: boom}}
	_, err := newAggregator(stages).GetSnapshot(context.Background(), "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stories")
}

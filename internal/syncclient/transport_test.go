package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
	forgelinesdk "forgeline/sdk/go"
)

func newTransport(t *testing.T, handler http.HandlerFunc) HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPTransport(forgelinesdk.New(srv.URL))
}

func TestFetchSnapshotNormalizes(t *testing.T) {
	tr := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/workflow/p1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"project_id": "p1",
			"project_name": "Shop",
			"fetched_at": "2024-01-01T00:00:00Z",
			"stages": [
				{"stage_id": 2, "status": "pending", "review_id": "r2", "external_artifact_id": "a2"},
				{"stage_id": 1, "status": "APPROVED"},
				{"stage_id": 9, "status": "Approved"},
				{"stage_id": 4, "status": "2"}
			]
		}`))
	})

	snap, err := tr.FetchSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, snap.Stages, domain.StageCount)
	assert.Equal(t, "Shop", snap.ProjectName)
	assert.Equal(t, [domain.StageCount]domain.StageStatus{
		domain.StatusApproved, domain.StatusPending, domain.StatusNotStarted, domain.StatusApproved, domain.StatusNotStarted,
	}, snap.Statuses())
	planning := snap.Stage(domain.StagePlanning)
	require.NotNil(t, planning.ReviewID)
	assert.Equal(t, "r2", *planning.ReviewID)
	require.NotNil(t, planning.ArtifactID)
	assert.Equal(t, "a2", *planning.ArtifactID)
}

func TestFetchSnapshotRejectsUnknownStatus(t *testing.T) {
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"project_id":"p1","stages":[{"stage_id":1,"status":"Exploded"}]}`))
	})
	_, err := tr.FetchSnapshot(context.Background(), "p1")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestClassifyErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	tr := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":"unavailable","message":"try later"}}`))
	})

	_, err := tr.FetchSnapshot(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	var apiErr *forgelinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unavailable", apiErr.Code)

	assert.False(t, IsNotFound(err))

	status = http.StatusNotFound
	_, err = tr.FetchSnapshot(context.Background(), "p1")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(domain.NotFoundError{Kind: "project", ID: "p1"}))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = NewHTTPTransport(forgelinesdk.New(closed.URL)).FetchSnapshot(context.Background(), "p1")
	assert.True(t, IsTransient(err), "unreachable server: %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.FetchSnapshot(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransient(err))
}

func TestTransportActions(t *testing.T) {
	var generated map[string]any
	tr := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/stages/3/generate":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&generated))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"review_id":"r3","artifact_id":"a3","project_id":"p1","stage_id":3}`))
		case "/v0/reviews/r3/reject":
			_, _ = w.Write([]byte(`{"redirect_target":"workflow","project_id":"p1","stage_id":3,"review_id":"r3","status":"Rejected"}`))
		case "/v0/reviews/r2/approve":
			_, _ = w.Write([]byte(`{"redirect_target":"stories-overview","project_id":"p1","stage_id":3,"review_id":"r2","status":"Approved","already_decided":true}`))
		default:
			http.NotFound(w, r)
		}
	})

	reviewID, err := tr.GenerateStage(context.Background(), "p1", domain.StageStories)
	require.NoError(t, err)
	assert.Equal(t, "r3", reviewID)
	assert.Equal(t, "p1", generated["project_id"])

	feedback := "too vague"
	res, err := tr.DecideReview(context.Background(), "r3", false, &feedback)
	require.NoError(t, err)
	assert.Equal(t, Decision{RedirectTarget: "workflow", ProjectID: "p1"}, res)

	res, err = tr.DecideReview(context.Background(), "r2", true, nil)
	require.NoError(t, err)
	assert.True(t, res.AlreadyDecided)
	assert.Equal(t, "stories-overview", res.RedirectTarget)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/logging"
	"forgeline/internal/repo"
)

// StoriesOverview is the curation view of the current Stories artifact.
type StoriesOverview struct {
	ProjectID   string             `json:"project_id"`
	ArtifactID  string             `json:"artifact_id,omitempty"`
	StageStatus domain.StageStatus `json:"stage_status"`
	Stories     []domain.Story     `json:"stories"`
	Approved    int                `json:"approved"`
}

// ListStories returns the stories of the current Stories artifact. A project that has not
// reached the stage yields an empty overview.
func (e Engine) ListStories(ctx context.Context, projectID string) (StoriesOverview, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return StoriesOverview{}, err
	}
	out := StoriesOverview{ProjectID: projectID, StageStatus: domain.StatusNotStarted, Stories: []domain.Story{}}
	row, err := e.Repo.LatestStage(ctx, projectID, domain.StageStories)
	if errors.Is(err, repo.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	stories, err := e.Repo.ListStories(ctx, row.ID)
	if err != nil {
		return out, err
	}
	out.ArtifactID = row.ID
	out.StageStatus = row.Status
	if stories != nil {
		out.Stories = stories
	}
	for _, s := range out.Stories {
		if s.Status.IsApproved() {
			out.Approved++
		}
	}
	return out, nil
}

type StoryDecision struct {
	StoryID  string
	Status   domain.StageStatus
	Feedback *string
	ActorID  string
}

// DecideStory approves or rejects one story of the current Stories artifact. Decisions may
// be changed until the Prompts stage consumes them.
func (e Engine) DecideStory(ctx context.Context, dec StoryDecision) (domain.Story, error) {
	if strings.TrimSpace(dec.StoryID) == "" {
		return domain.Story{}, domain.ValidationError{Field: "story_id", Reason: "required"}
	}
	if !dec.Status.IsDecided() {
		return domain.Story{}, domain.ValidationError{Field: "decision", Reason: fmt.Sprintf("must be Approved or Rejected, got %q", dec.Status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	story, err := e.Repo.GetStoryTx(ctx, tx, dec.StoryID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Story{}, domain.NotFoundError{Kind: "story", ID: dec.StoryID}
	}
	if err != nil {
		return domain.Story{}, err
	}
	current, err := e.Repo.LatestStageTx(ctx, tx, story.ProjectID, domain.StageStories)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Story{}, err
	}
	if err != nil || current.ID != story.ArtifactID {
		return domain.Story{}, domain.TransitionError{StageID: domain.StageStories, From: current.Status, Reason: "story belongs to a superseded generation"}
	}
	if !current.Status.IsApproved() {
		return domain.Story{}, domain.TransitionError{StageID: domain.StageStories, From: current.Status, Reason: "stories can be curated once the stage is approved"}
	}

	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStoryDecisionTx(ctx, tx, story.ID, dec.Status, dec.Feedback, ts); err != nil {
		return domain.Story{}, fmt.Errorf("update story %s: %w", story.ID, err)
	}
	payload := events.Payload{"artifact_id": story.ArtifactID, "title": story.Title}
	if dec.Feedback != nil {
		payload["feedback"] = *dec.Feedback
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type: events.StoryDecided(dec.Status.IsApproved()), ProjectID: story.ProjectID,
		EntityKind: events.KindStory, EntityID: story.ID, ActorID: dec.ActorID, Payload: payload,
	}); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	e.logger().Info("story decided", logging.FieldProjectID, story.ProjectID, "story_id", story.ID, "status", string(dec.Status))

	story.Status = dec.Status
	story.Feedback = dec.Feedback
	story.UpdatedAt = ts
	return story, nil
}

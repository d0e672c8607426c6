package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by workflow mutations.
const (
	ProjectCreated   = "project.created"
	StageGenerated   = "stage.generated"
	StageInvalidated = "stage.invalidated"
	ReviewApproved   = "review.approved"
	ReviewRejected   = "review.rejected"
	StoryApproved    = "story.approved"
	StoryRejected    = "story.rejected"
)

// Entity kinds.
const (
	KindProject  = "project"
	KindArtifact = "artifact"
	KindReview   = "review"
	KindStory    = "story"
)

type Payload map[string]any

// Record is one event to append.
type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

type Writer struct {
	Now func() time.Time
}

// Append writes the event inside the caller's transaction so it commits with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := rec.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.ProjectID), rec.EntityKind, nullable(rec.EntityID), actor, string(data))
	return err
}

// ReviewDecided maps a decision status name to its event type.
func ReviewDecided(approved bool) string {
	if approved {
		return ReviewApproved
	}
	return ReviewRejected
}

// StoryDecided maps a story decision to its event type.
func StoryDecided(approved bool) string {
	if approved {
		return StoryApproved
	}
	return StoryRejected
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

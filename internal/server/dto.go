package server

import (
	"encoding/json"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/gate"
	"forgeline/internal/provider"
	"forgeline/internal/review"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name" minLength:"1"`
	Description *string `json:"description,omitempty"`
}

// GenerateStageRequest carries the project and free-form stage inputs.
type GenerateStageRequest struct {
	ProjectID   string            `json:"project_id" minLength:"1"`
	Description *string           `json:"description,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
}

type DecisionRequest struct {
	Feedback *string `json:"feedback,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type StageResponse struct {
	StageID            int     `json:"stage_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status" enum:"NotStarted,Pending,Approved,Rejected"`
	ExternalArtifactID *string `json:"external_artifact_id"`
	ReviewID           *string `json:"review_id"`
	Accessible         bool    `json:"accessible"`
	Current            bool    `json:"current"`
	CanAdvance         bool    `json:"can_advance"`
}

// WorkflowResponse is the snapshot plus the gate values derived from it.
type WorkflowResponse struct {
	ProjectID    string          `json:"project_id"`
	ProjectName  string          `json:"project_name"`
	FetchedAt    time.Time       `json:"fetched_at" format:"date-time"`
	CurrentStage int             `json:"current_stage"`
	Accessible   []int           `json:"accessible_stages"`
	Complete     bool            `json:"complete"`
	Stages       []StageResponse `json:"stages"`
}

type GenerateResponse struct {
	ReviewID    string `json:"review_id"`
	ArtifactID  string `json:"artifact_id"`
	ProjectID   string `json:"project_id"`
	StageID     int    `json:"stage_id"`
	Invalidated []int  `json:"invalidated_stages,omitempty"`
}

type DecisionResponse struct {
	RedirectTarget string  `json:"redirect_target" enum:"workflow,stories-overview"`
	ProjectID      string  `json:"project_id"`
	StageID        int     `json:"stage_id"`
	ReviewID       string  `json:"review_id"`
	Status         string  `json:"status"`
	Feedback       *string `json:"feedback,omitempty"`
	AlreadyDecided bool    `json:"already_decided,omitempty"`
}

type StoryResponse struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	ArtifactID string  `json:"artifact_id"`
	Position   int     `json:"position"`
	Title      string  `json:"title"`
	Body       string  `json:"body,omitempty"`
	Status     string  `json:"status" enum:"Pending,Approved,Rejected"`
	Feedback   *string `json:"feedback,omitempty"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type StoriesResponse struct {
	ProjectID   string          `json:"project_id"`
	ArtifactID  string          `json:"artifact_id,omitempty"`
	StageStatus string          `json:"stage_status"`
	Approved    int             `json:"approved"`
	Items       []StoryResponse `json:"items"`
}

type ArtifactResponse struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	StageID      int               `json:"stage_id"`
	ReviewID     string            `json:"review_id,omitempty"`
	Status       string            `json:"status"`
	Content      string            `json:"content"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	SupersededAt *string           `json:"superseded_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Name: p.Name, Description: p.Description, CreatedAt: p.CreatedAt}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func workflowResponse(snap domain.WorkflowSnapshot) WorkflowResponse {
	eval := gate.Evaluate(snap)
	norm := snap.Normalized()
	resp := WorkflowResponse{
		ProjectID:    snap.ProjectID,
		ProjectName:  snap.ProjectName,
		FetchedAt:    snap.FetchedAt,
		CurrentStage: int(eval.Current),
		Accessible:   eval.Accessible.Ints(),
		Complete:     eval.Complete,
		Stages:       make([]StageResponse, 0, domain.StageCount),
	}
	for i, rec := range norm.Stages {
		view := eval.Stages[i]
		resp.Stages = append(resp.Stages, StageResponse{
			StageID:            int(rec.StageID),
			Name:               rec.Name,
			Status:             string(rec.Status),
			ExternalArtifactID: rec.ArtifactID,
			ReviewID:           rec.ReviewID,
			Accessible:         view.Accessible,
			Current:            view.Current,
			CanAdvance:         view.CanAdvance,
		})
	}
	return resp
}

func generateResponse(res engine.GenerateResult) GenerateResponse {
	out := GenerateResponse{
		ReviewID:   res.ReviewID,
		ArtifactID: res.ArtifactID,
		ProjectID:  res.ProjectID,
		StageID:    int(res.StageID),
	}
	for _, s := range res.Invalidated {
		out.Invalidated = append(out.Invalidated, int(s))
	}
	return out
}

func decisionResponse(res review.Result) DecisionResponse {
	return DecisionResponse{
		RedirectTarget: string(res.Target),
		ProjectID:      res.ProjectID,
		StageID:        int(res.StageID),
		ReviewID:       res.ReviewID,
		Status:         string(res.Status),
		Feedback:       res.Feedback,
	}
}

// alreadyDecidedResponse reports an idempotent repeat of a decision. The redirect
// follows the status the ticket already holds.
func alreadyDecidedResponse(err domain.AlreadyDecidedError) DecisionResponse {
	return DecisionResponse{
		RedirectTarget: string(review.Redirect(err.StageID, err.Status)),
		ProjectID:      err.ProjectID,
		StageID:        int(err.StageID),
		ReviewID:       err.ReviewID,
		Status:         string(err.Status),
		AlreadyDecided: true,
	}
}

func storyResponse(s domain.Story) StoryResponse {
	return StoryResponse{
		ID:         s.ID,
		ProjectID:  s.ProjectID,
		ArtifactID: s.ArtifactID,
		Position:   s.Position,
		Title:      s.Title,
		Body:       s.Body,
		Status:     string(s.Status),
		Feedback:   s.Feedback,
		UpdatedAt:  s.UpdatedAt,
	}
}

func storiesResponse(o engine.StoriesOverview) StoriesResponse {
	resp := StoriesResponse{
		ProjectID:   o.ProjectID,
		ArtifactID:  o.ArtifactID,
		StageStatus: string(o.StageStatus),
		Approved:    o.Approved,
		Items:       make([]StoryResponse, 0, len(o.Stories)),
	}
	for _, s := range o.Stories {
		resp.Items = append(resp.Items, storyResponse(s))
	}
	return resp
}

func artifactResponse(a domain.StageArtifact) ArtifactResponse {
	resp := ArtifactResponse{
		ID:           a.ID,
		ProjectID:    a.ProjectID,
		StageID:      int(a.StageID),
		ReviewID:     a.ReviewID,
		Status:       string(a.Status),
		Content:      a.Content,
		CreatedAt:    a.CreatedAt,
		SupersededAt: a.SupersededAt,
	}
	if a.InputsJSON != "" {
		_ = json.Unmarshal([]byte(a.InputsJSON), &resp.Inputs)
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func providerStatus(gen provider.Generator, err error, latency time.Duration) provider.Status {
	st := provider.Status{Name: gen.Name(), Healthy: err == nil, LatencyMS: latency.Milliseconds()}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/gate"
	"forgeline/internal/logging"
	"forgeline/internal/provider"
	"forgeline/internal/repo"
	"forgeline/internal/review"
	"forgeline/internal/workflow"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Generator provider.Generator
	Workflow  workflow.Aggregator
	Reviews   review.Dispatcher
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gen provider.Generator, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	agg := workflow.New(r)
	reviews := review.NewDispatcher(db, logger)
	reviews.Snapshot = agg
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{},
		Config:    cfg,
		Generator: gen,
		Workflow:  agg,
		Reviews:   reviews,
		Logger:    logging.Component(logger, "engine"),
		Now:       time.Now,
	}
}

// WithClock returns a copy of the engine whose components all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Workflow.Now = now
	e.Reviews.Now = now
	e.Reviews.Events.Now = now
	e.Reviews.Snapshot = e.Workflow
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger { return logging.OrNop(e.Logger) }

func (e Engine) policy() config.RegenerationPolicy {
	if e.Config == nil || !e.Config.Workflow.RegenerationPolicy.Valid() {
		return config.RegenerateBlock
	}
	return e.Config.Workflow.RegenerationPolicy
}

type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
}

// CreateProject stores a project. Stages are not pre-created: a stage without a row reads as NotStarted.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(opts.Description),
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, id); err == nil {
		return domain.Project{}, domain.ValidationError{Field: "id", Reason: fmt.Sprintf("project %s already exists", id)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type: events.ProjectCreated, ProjectID: p.ID, EntityKind: events.KindProject, EntityID: p.ID,
		ActorID: opts.ActorID, Payload: events.Payload{"name": p.Name},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.logger().Info("project created", logging.FieldProjectID, p.ID)
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, domain.NotFoundError{Kind: "project", ID: id}
	}
	return p, err
}

// Snapshot aggregates the workflow of a project.
func (e Engine) Snapshot(ctx context.Context, projectID string) (domain.WorkflowSnapshot, error) {
	return e.Workflow.GetSnapshot(ctx, projectID)
}

// DecideReview forwards a reviewer decision to the review dispatcher.
func (e Engine) DecideReview(ctx context.Context, dec review.Decision) (review.Result, error) {
	return e.Reviews.OnReviewDecision(ctx, dec)
}

func (e Engine) GetArtifact(ctx context.Context, id string) (domain.StageArtifact, error) {
	a, err := e.Repo.GetArtifact(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, domain.NotFoundError{Kind: "artifact", ID: id}
	}
	return a, err
}

// GenerateOptions are the inputs of one stage generation.
type GenerateOptions struct {
	ProjectID string
	StageID   domain.StageID
	Inputs    map[string]string
	ActorID   string
}

type GenerateResult struct {
	ProjectID   string
	StageID     domain.StageID
	ReviewID    string
	ArtifactID  string
	Invalidated []domain.StageID
}

// GenerateStage runs the provider for a stage and stores the artifact with a Pending review.
func (e Engine) GenerateStage(ctx context.Context, opts GenerateOptions) (GenerateResult, error) {
	if strings.TrimSpace(opts.ProjectID) == "" {
		return GenerateResult{}, domain.ValidationError{Field: "project_id", Reason: "required"}
	}
	if !opts.StageID.Valid() {
		return GenerateResult{}, domain.ValidationError{Field: "stage_id", Reason: fmt.Sprintf("stage %d out of range 1..%d", int(opts.StageID), domain.StageCount)}
	}
	if e.Generator == nil {
		return GenerateResult{}, errors.New("no provider configured")
	}
	project, err := e.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return GenerateResult{}, err
	}
	inputs := cleanInputs(opts.Inputs)
	if opts.StageID == domain.StageRequirements {
		if inputs["description"] == "" && project.Description != "" {
			inputs["description"] = project.Description
		}
		if inputs["description"] == "" {
			return GenerateResult{}, domain.ValidationError{Field: "description", Reason: "the requirements stage needs a project description"}
		}
	}

	snap, err := e.Workflow.GetSnapshot(ctx, opts.ProjectID)
	if err != nil {
		return GenerateResult{}, err
	}
	invalidate, err := e.checkGenerate(snap, opts.StageID)
	if err != nil {
		return GenerateResult{}, err
	}
	expected := snap.Stage(opts.StageID).ArtifactID

	up, err := e.upstream(ctx, project.ID, opts.StageID)
	if err != nil {
		return GenerateResult{}, err
	}
	if opts.StageID == domain.StagePrompts && len(up.stories) == 0 {
		return GenerateResult{}, domain.TransitionError{StageID: opts.StageID, From: snap.Stage(opts.StageID).Status, Reason: "at least one approved story is required"}
	}

	logger := e.logger().With(logging.FieldProjectID, project.ID, logging.FieldStage, opts.StageID.Slug())
	logger.Info("generating stage", "provider", e.Generator.Name())
	out, err := e.Generator.Generate(ctx, provider.Request{
		Stage:       opts.StageID,
		ProjectName: project.Name,
		System:      systemPrompt(opts.StageID),
		Prompt:      buildPrompt(project, opts.StageID, inputs, up),
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("generate %s: %w", opts.StageID.Slug(), err)
	}

	res, err := e.storeGeneration(ctx, project, opts, inputs, out, expected, invalidate)
	if err != nil {
		return GenerateResult{}, err
	}
	logger.Info("stage generated", logging.FieldReviewID, res.ReviewID, "invalidated", len(res.Invalidated))
	return res, nil
}

// checkGenerate applies the gate and the regeneration policy. It returns the later
// stages a cascade must invalidate.
func (e Engine) checkGenerate(snap domain.WorkflowSnapshot, stage domain.StageID) ([]domain.StageID, error) {
	current := snap.Stage(stage).Status
	if !gate.Accessible(snap, stage) {
		return nil, domain.TransitionError{StageID: stage, From: current, Reason: "earlier stages must be approved first"}
	}
	if current.IsPending() {
		return nil, domain.TransitionError{StageID: stage, From: current, Reason: "a generation is awaiting review"}
	}
	if !current.IsApproved() {
		return nil, nil
	}
	var startedLater []domain.StageID
	for _, later := range domain.AllStages[int(stage):] {
		if snap.Stage(later).Status.IsStarted() {
			startedLater = append(startedLater, later)
		}
	}
	switch e.policy() {
	case config.RegenerateCascade:
		return startedLater, nil
	case config.RegenerateAllow:
		return nil, nil
	default:
		// a later artifact that is approved or awaiting review was built on this one
		for _, later := range startedLater {
			if st := snap.Stage(later).Status; st.IsApproved() || st.IsPending() {
				return nil, domain.TransitionError{StageID: stage, From: current,
					Reason: fmt.Sprintf("%s is %s; regenerating would invalidate it", later.Name(), strings.ToLower(string(st)))}
			}
		}
		return nil, nil
	}
}

func (e Engine) storeGeneration(ctx context.Context, project domain.Project, opts GenerateOptions, inputs map[string]string, out provider.Result, expected *string, invalidate []domain.StageID) (GenerateResult, error) {
	ts := e.now().UTC().Format(time.RFC3339)
	res := GenerateResult{
		ProjectID:  project.ID,
		StageID:    opts.StageID,
		ReviewID:   uuid.NewString(),
		ArtifactID: uuid.NewString(),
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return GenerateResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GenerateResult{}, err
	}
	defer tx.Rollback()

	// the provider call is slow; refuse if the stage moved on meanwhile
	current, err := e.Repo.LatestStageTx(ctx, tx, project.ID, opts.StageID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if expected != nil {
			return GenerateResult{}, domain.TransitionError{StageID: opts.StageID, From: domain.StatusNotStarted, Reason: "stage changed during generation"}
		}
	case err != nil:
		return GenerateResult{}, err
	default:
		if expected == nil || *expected != current.ID || current.Status.IsPending() {
			return GenerateResult{}, domain.TransitionError{StageID: opts.StageID, From: current.Status, Reason: "stage changed during generation"}
		}
	}

	if _, err := e.Repo.SupersedeStageTx(ctx, tx, project.ID, opts.StageID, ts); err != nil {
		return GenerateResult{}, fmt.Errorf("supersede %s: %w", opts.StageID.Slug(), err)
	}
	if err := e.Repo.InsertReviewTx(ctx, tx, domain.ReviewTicket{
		ID: res.ReviewID, ProjectID: project.ID, StageID: opts.StageID, Status: domain.StatusPending, CreatedAt: ts,
	}); err != nil {
		return GenerateResult{}, fmt.Errorf("insert review: %w", err)
	}
	if err := e.Repo.InsertStageArtifactTx(ctx, tx, domain.StageArtifact{
		ID: res.ArtifactID, ProjectID: project.ID, StageID: opts.StageID, ReviewID: res.ReviewID,
		Status: domain.StatusPending, Content: out.Content, InputsJSON: string(inputsJSON), CreatedAt: ts,
	}); err != nil {
		return GenerateResult{}, fmt.Errorf("insert %s artifact: %w", opts.StageID.Slug(), err)
	}
	storyCount := 0
	if opts.StageID == domain.StageStories {
		if storyCount, err = e.insertStories(ctx, tx, project.ID, res.ArtifactID, out.Content, ts); err != nil {
			return GenerateResult{}, err
		}
	}
	for _, later := range invalidate {
		if err := e.invalidateStage(ctx, tx, project.ID, later, opts, ts); err != nil {
			return GenerateResult{}, err
		}
		res.Invalidated = append(res.Invalidated, later)
	}
	payload := events.Payload{"stage_id": int(opts.StageID), "stage": opts.StageID.Slug(), "review_id": res.ReviewID, "model": out.Model}
	if opts.StageID == domain.StageStories {
		payload["stories"] = storyCount
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type: events.StageGenerated, ProjectID: project.ID, EntityKind: events.KindArtifact, EntityID: res.ArtifactID,
		ActorID: opts.ActorID, Payload: payload,
	}); err != nil {
		return GenerateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return GenerateResult{}, err
	}
	return res, nil
}

func (e Engine) insertStories(ctx context.Context, tx *sql.Tx, projectID, artifactID, content, ts string) (int, error) {
	drafts := provider.ParseStories(content)
	if len(drafts) == 0 {
		drafts = []provider.StoryDraft{{Title: "Generated stories", Body: content}}
	}
	for i, d := range drafts {
		if err := e.Repo.InsertStoryTx(ctx, tx, domain.Story{
			ID: uuid.NewString(), ProjectID: projectID, ArtifactID: artifactID, Position: i + 1,
			Title: d.Title, Body: d.Body, Status: domain.StatusPending, CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			return 0, fmt.Errorf("insert story: %w", err)
		}
	}
	return len(drafts), nil
}

// invalidateStage supersedes a later stage so it reads as NotStarted. A review still
// waiting on it is closed as Rejected.
func (e Engine) invalidateStage(ctx context.Context, tx *sql.Tx, projectID string, stage domain.StageID, cause GenerateOptions, ts string) error {
	row, err := e.Repo.LatestStageTx(ctx, tx, projectID, stage)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if row.ReviewID != "" && row.Status.IsPending() {
		feedback := fmt.Sprintf("invalidated by regeneration of %s", cause.StageID.Name())
		if _, err := e.Repo.DecideReviewTx(ctx, tx, row.ReviewID, domain.StatusRejected, &feedback, ts); err != nil {
			return err
		}
	}
	if _, err := e.Repo.SupersedeStageTx(ctx, tx, projectID, stage, ts); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Record{
		Type: events.StageInvalidated, ProjectID: projectID, EntityKind: events.KindArtifact, EntityID: row.ID,
		ActorID: cause.ActorID,
		Payload: events.Payload{"stage_id": int(stage), "stage": stage.Slug(), "cause_stage_id": int(cause.StageID), "previous_status": string(row.Status)},
	})
}

func cleanInputs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

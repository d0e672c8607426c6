// Package workflow assembles the per-stage rows of a project into one WorkflowSnapshot.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"forgeline/internal/domain"
	"forgeline/internal/repo"
)

// ProjectReader resolves the project a snapshot is built for.
type ProjectReader interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
}

// StageReader returns the current row of one stage, or an error matching
// domain.ErrNotFound when the stage has not started.
type StageReader interface {
	LatestStage(ctx context.Context, projectID string, stage domain.StageID) (domain.StageArtifact, error)
}

// Aggregator builds snapshots. It keeps no state between calls so every snapshot
// reflects what the store holds at read time.
type Aggregator struct {
	Projects ProjectReader
	Stages   StageReader
	Now      func() time.Time
}

func New(r repo.Repo) Aggregator {
	return Aggregator{Projects: r, Stages: r, Now: time.Now}
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// GetSnapshot reads every stage of the project once, by project id, and maps each
// row to a StageRecord. A missing row is NotStarted, never an error.
func (a Aggregator) GetSnapshot(ctx context.Context, projectID string) (domain.WorkflowSnapshot, error) {
	if projectID == "" {
		return domain.WorkflowSnapshot{}, domain.ValidationError{Field: "project_id", Reason: "required"}
	}
	project, err := a.Projects.GetProject(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.WorkflowSnapshot{}, domain.NotFoundError{Kind: "project", ID: projectID}
	}
	if err != nil {
		return domain.WorkflowSnapshot{}, fmt.Errorf("load project %s: %w", projectID, err)
	}

	records := make([]domain.StageRecord, domain.StageCount)
	g, gctx := errgroup.WithContext(ctx)
	for i, stage := range domain.AllStages {
		i, stage := i, stage
		g.Go(func() error {
			rec, err := a.readStage(gctx, projectID, stage)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.WorkflowSnapshot{}, err
	}
	return domain.WorkflowSnapshot{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Stages:      records,
		FetchedAt:   a.now().UTC(),
	}, nil
}

func (a Aggregator) readStage(ctx context.Context, projectID string, stage domain.StageID) (domain.StageRecord, error) {
	row, err := a.Stages.LatestStage(ctx, projectID, stage)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NotStartedRecord(stage), nil
	}
	if err != nil {
		return domain.StageRecord{}, fmt.Errorf("read %s stage: %w", stage.Slug(), err)
	}
	return recordFromArtifact(stage, row), nil
}

func recordFromArtifact(stage domain.StageID, row domain.StageArtifact) domain.StageRecord {
	rec := domain.StageRecord{StageID: stage, Name: stage.Name(), Status: row.Status}
	if !rec.Status.Valid() {
		rec.Status = domain.StatusNotStarted
	}
	if row.ID != "" {
		id := row.ID
		rec.ArtifactID = &id
	}
	if row.ReviewID != "" {
		rid := row.ReviewID
		rec.ReviewID = &rid
	}
	return rec
}

// Package review applies reviewer decisions to stage records and decides where the
// client goes next.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/gate"
	"forgeline/internal/logging"
	"forgeline/internal/repo"
	"forgeline/internal/workflow"
)

// RedirectTarget names the view a client should open after a decision.
type RedirectTarget string

const (
	TargetWorkflow        RedirectTarget = "workflow"
	TargetStoriesOverview RedirectTarget = "stories-overview"
)

// Redirect routes an approved Stories stage to per-story curation and everything else
// to the workflow view.
func Redirect(stage domain.StageID, decision domain.StageStatus) RedirectTarget {
	if stage == domain.StageStories && decision.IsApproved() {
		return TargetStoriesOverview
	}
	return TargetWorkflow
}

// Snapshotter re-aggregates the workflow after a decision commits.
type Snapshotter interface {
	GetSnapshot(ctx context.Context, projectID string) (domain.WorkflowSnapshot, error)
}

type Dispatcher struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Snapshot Snapshotter
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewDispatcher(db *sql.DB, logger *slog.Logger) Dispatcher {
	r := repo.Repo{DB: db}
	return Dispatcher{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Snapshot: workflow.New(r),
		Logger:   logging.Component(logger, "review"),
		Now:      time.Now,
	}
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

type Decision struct {
	ReviewID string
	Status   domain.StageStatus // Approved or Rejected
	Feedback *string
	ActorID  string
}

type Result struct {
	Target    RedirectTarget
	ProjectID string
	StageID   domain.StageID
	ReviewID  string
	Status    domain.StageStatus
	Feedback  *string
	Snapshot  domain.WorkflowSnapshot
}

// OnReviewDecision resolves the ticket to its stage, applies the decision to the ticket
// and the stage row in one transaction, then re-aggregates the snapshot.
// A ticket that is not Pending fails with AlreadyDecidedError and nothing is written.
// A ticket whose stage is locked behind an unapproved earlier stage fails with TransitionError.
func (d Dispatcher) OnReviewDecision(ctx context.Context, dec Decision) (Result, error) {
	if !dec.Status.IsDecided() {
		return Result{}, domain.ValidationError{Field: "decision", Reason: fmt.Sprintf("must be Approved or Rejected, got %q", dec.Status)}
	}
	if dec.ReviewID == "" {
		return Result{}, domain.ValidationError{Field: "review_id", Reason: "required"}
	}
	logger := logging.OrNop(d.Logger).With(logging.FieldReviewID, dec.ReviewID)

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	ticket, err := d.Repo.GetReviewTx(ctx, tx, dec.ReviewID)
	if errors.Is(err, repo.ErrNotFound) {
		return Result{}, domain.UnknownReviewError{ReviewID: dec.ReviewID}
	}
	if err != nil {
		return Result{}, fmt.Errorf("load review %s: %w", dec.ReviewID, err)
	}
	if !ticket.StageID.Valid() {
		return Result{}, domain.UnknownReviewError{ReviewID: dec.ReviewID, Reason: fmt.Sprintf("stage %d does not exist", int(ticket.StageID))}
	}
	if !ticket.Status.IsPending() {
		return Result{}, alreadyDecided(ticket)
	}
	if err := d.checkAccessible(ctx, tx, ticket); err != nil {
		return Result{}, err
	}

	ts := d.now().UTC().Format(time.RFC3339)
	ok, err := d.Repo.DecideReviewTx(ctx, tx, ticket.ID, dec.Status, dec.Feedback, ts)
	if err != nil {
		return Result{}, fmt.Errorf("decide review %s: %w", ticket.ID, err)
	}
	if !ok {
		// another request decided the ticket between our read and write
		current, err := d.Repo.GetReviewTx(ctx, tx, ticket.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{}, alreadyDecided(current)
	}
	if err := d.Repo.SetStageStatusByReviewTx(ctx, tx, ticket.StageID, ticket.ID, dec.Status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, domain.UnknownReviewError{ReviewID: ticket.ID, Reason: "no current artifact for this review"}
		}
		return Result{}, fmt.Errorf("update %s stage: %w", ticket.StageID.Slug(), err)
	}
	payload := events.Payload{"stage_id": int(ticket.StageID), "stage": ticket.StageID.Slug()}
	if dec.Feedback != nil {
		payload["feedback"] = *dec.Feedback
	}
	if err := d.Events.Append(ctx, tx, events.Record{
		Type:       events.ReviewDecided(dec.Status.IsApproved()),
		ProjectID:  ticket.ProjectID,
		EntityKind: events.KindReview,
		EntityID:   ticket.ID,
		ActorID:    dec.ActorID,
		Payload:    payload,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	logger.Info("review decided",
		logging.FieldProjectID, ticket.ProjectID,
		logging.FieldStage, ticket.StageID.Slug(),
		"status", string(dec.Status),
	)

	res := Result{
		Target:    Redirect(ticket.StageID, dec.Status),
		ProjectID: ticket.ProjectID,
		StageID:   ticket.StageID,
		ReviewID:  ticket.ID,
		Status:    dec.Status,
		Feedback:  dec.Feedback,
	}
	if d.Snapshot != nil {
		snap, err := d.Snapshot.GetSnapshot(ctx, ticket.ProjectID)
		if err != nil {
			return res, fmt.Errorf("re-aggregate after decision: %w", err)
		}
		res.Snapshot = snap
	}
	return res, nil
}

// checkAccessible reads the earlier stages inside tx and applies the gate to them.
func (d Dispatcher) checkAccessible(ctx context.Context, tx *sql.Tx, t domain.ReviewTicket) error {
	snap := domain.WorkflowSnapshot{ProjectID: t.ProjectID}
	for _, prev := range domain.AllStages[:int(t.StageID)-1] {
		rec := domain.NotStartedRecord(prev)
		row, err := d.Repo.LatestStageTx(ctx, tx, t.ProjectID, prev)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load %s stage: %w", prev.Slug(), err)
		default:
			rec.Status = row.Status
		}
		snap.Stages = append(snap.Stages, rec)
	}
	if gate.Accessible(snap, t.StageID) {
		return nil
	}
	for _, rec := range snap.Stages {
		if !rec.Status.IsApproved() {
			return domain.TransitionError{StageID: t.StageID, From: domain.StatusPending,
				Reason: fmt.Sprintf("%s is %s; earlier stages must be approved first", rec.StageID.Name(), rec.Status)}
		}
	}
	return domain.TransitionError{StageID: t.StageID, From: domain.StatusPending, Reason: "stage is locked"}
}

func alreadyDecided(t domain.ReviewTicket) domain.AlreadyDecidedError {
	return domain.AlreadyDecidedError{ReviewID: t.ID, ProjectID: t.ProjectID, StageID: t.StageID, Status: t.Status}
}

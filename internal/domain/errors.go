package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every not-found style error via errors.Is.
var ErrNotFound = errors.New("not found")

// NotFoundError reports an unknown project, artifact or story.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UnknownReviewError reports a review ticket that cannot be resolved to a stage.
type UnknownReviewError struct {
	ReviewID string
	Reason   string
}

func (e UnknownReviewError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("review %s not found", e.ReviewID)
	}
	return fmt.Sprintf("review %s: %s", e.ReviewID, e.Reason)
}

func (e UnknownReviewError) Is(target error) bool { return target == ErrNotFound }

// AlreadyDecidedError is returned when a review ticket is no longer Pending.
type AlreadyDecidedError struct {
	ReviewID  string
	ProjectID string
	StageID   StageID
	Status    StageStatus
}

func (e AlreadyDecidedError) Error() string {
	return fmt.Sprintf("review %s already %s", e.ReviewID, e.Status)
}

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionError reports a stage action that the current workflow state forbids.
type TransitionError struct {
	StageID StageID
	From    StageStatus
	Reason  string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("stage %s (%s): %s", e.StageID.Name(), e.From, e.Reason)
}

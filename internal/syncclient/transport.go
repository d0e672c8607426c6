package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"forgeline/internal/domain"
	forgelinesdk "forgeline/sdk/go"
)

// Transport is the client's view of the server.
type Transport interface {
	FetchSnapshot(ctx context.Context, projectID string) (domain.WorkflowSnapshot, error)
	GenerateStage(ctx context.Context, projectID string, stage domain.StageID) (string, error)
	DecideReview(ctx context.Context, reviewID string, approve bool, feedback *string) (Decision, error)
}

// Decision is the server answer to a review decision.
type Decision struct {
	RedirectTarget string
	ProjectID      string
	AlreadyDecided bool
}

// TransientNetworkError marks a failure worth retrying: the server was unreachable,
// timed out, or answered with a 5xx, 408 or 429.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsNotFound reports an unknown project: a 404 from the server or a domain not-found error.
func IsNotFound(err error) bool {
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	var apiErr *forgelinesdk.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// HTTPTransport talks to the Forgeline API through the Go SDK.
type HTTPTransport struct {
	Client *forgelinesdk.Client
}

func NewHTTPTransport(client *forgelinesdk.Client) HTTPTransport {
	return HTTPTransport{Client: client}
}

func (t HTTPTransport) FetchSnapshot(ctx context.Context, projectID string) (domain.WorkflowSnapshot, error) {
	wf, err := t.Client.Workflow(ctx, projectID)
	if err != nil {
		return domain.WorkflowSnapshot{}, classify("fetch workflow", err)
	}
	return SnapshotFromWire(wf)
}

func (t HTTPTransport) GenerateStage(ctx context.Context, projectID string, stage domain.StageID) (string, error) {
	res, err := t.Client.GenerateStage(ctx, strconv.Itoa(int(stage)), forgelinesdk.GenerateRequest{ProjectID: projectID})
	if err != nil {
		return "", classify("generate stage", err)
	}
	return res.ReviewID, nil
}

func (t HTTPTransport) DecideReview(ctx context.Context, reviewID string, approve bool, feedback *string) (Decision, error) {
	decide := t.Client.RejectReview
	if approve {
		decide = t.Client.ApproveReview
	}
	res, err := decide(ctx, reviewID, feedback)
	if err != nil {
		return Decision{}, classify("decide review", err)
	}
	return Decision{RedirectTarget: res.RedirectTarget, ProjectID: res.ProjectID, AlreadyDecided: res.AlreadyDecided}, nil
}

// SnapshotFromWire normalizes a workflow response. Entries with an unknown stage id are
// dropped; an unparsable status is an error.
func SnapshotFromWire(wf forgelinesdk.Workflow) (domain.WorkflowSnapshot, error) {
	snap := domain.WorkflowSnapshot{
		ProjectID:   wf.ProjectID,
		ProjectName: wf.ProjectName,
		FetchedAt:   wf.FetchedAt,
	}
	for _, st := range wf.Stages {
		id := domain.StageID(st.StageID)
		if !id.Valid() {
			continue
		}
		status, err := domain.ParseStageStatus(st.Status)
		if err != nil {
			return domain.WorkflowSnapshot{}, fmt.Errorf("stage %d: %w", st.StageID, err)
		}
		snap.Stages = append(snap.Stages, domain.StageRecord{
			StageID:    id,
			Name:       id.Name(),
			ArtifactID: st.ExternalArtifactID,
			Status:     status,
			ReviewID:   st.ReviewID,
		})
	}
	return snap.Normalized(), nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *forgelinesdk.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode >= http.StatusInternalServerError,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout:
			return &TransientNetworkError{Op: op, Err: err}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientNetworkError{Op: op, Err: err}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &TransientNetworkError{Op: op, Err: err}
	}
	return err
}

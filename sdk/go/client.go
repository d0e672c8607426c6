package forgelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Forgeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Stage is one stage of a workflow response. Status is the raw wire value.
type Stage struct {
	StageID            int     `json:"stage_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	ExternalArtifactID *string `json:"external_artifact_id"`
	ReviewID           *string `json:"review_id"`
	Accessible         bool    `json:"accessible"`
	Current            bool    `json:"current"`
	CanAdvance         bool    `json:"can_advance"`
}

type Workflow struct {
	ProjectID    string    `json:"project_id"`
	ProjectName  string    `json:"project_name"`
	FetchedAt    time.Time `json:"fetched_at"`
	CurrentStage int       `json:"current_stage"`
	Accessible   []int     `json:"accessible_stages"`
	Complete     bool      `json:"complete"`
	Stages       []Stage   `json:"stages"`
}

type GenerateRequest struct {
	ProjectID   string            `json:"project_id"`
	Description *string           `json:"description,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
}

type Generation struct {
	ReviewID    string `json:"review_id"`
	ArtifactID  string `json:"artifact_id"`
	ProjectID   string `json:"project_id"`
	StageID     int    `json:"stage_id"`
	Invalidated []int  `json:"invalidated_stages,omitempty"`
}

type Decision struct {
	RedirectTarget string  `json:"redirect_target"`
	ProjectID      string  `json:"project_id"`
	StageID        int     `json:"stage_id"`
	ReviewID       string  `json:"review_id"`
	Status         string  `json:"status"`
	Feedback       *string `json:"feedback,omitempty"`
	AlreadyDecided bool    `json:"already_decided,omitempty"`
}

type Story struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	ArtifactID string  `json:"artifact_id"`
	Position   int     `json:"position"`
	Title      string  `json:"title"`
	Body       string  `json:"body,omitempty"`
	Status     string  `json:"status"`
	Feedback   *string `json:"feedback,omitempty"`
	UpdatedAt  string  `json:"updated_at"`
}

type Stories struct {
	ProjectID   string  `json:"project_id"`
	ArtifactID  string  `json:"artifact_id,omitempty"`
	StageStatus string  `json:"stage_status"`
	Approved    int     `json:"approved"`
	Items       []Story `json:"items"`
}

type Artifact struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	StageID      int               `json:"stage_id"`
	ReviewID     string            `json:"review_id,omitempty"`
	Status       string            `json:"status"`
	Content      string            `json:"content"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	CreatedAt    string            `json:"created_at"`
	SupersededAt *string           `json:"superseded_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// CreateProject creates a project. An empty id lets the server assign one.
func (c *Client) CreateProject(ctx context.Context, id, name, description string) (Project, error) {
	body := map[string]any{"name": name}
	if id != "" {
		body["id"] = id
	}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Workflow fetches the snapshot and gate state of a project.
func (c *Client) Workflow(ctx context.Context, projectID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflow/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// GenerateStage runs generation for a stage given by number or slug.
func (c *Client) GenerateStage(ctx context.Context, stage string, req GenerateRequest) (Generation, error) {
	var resp Generation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stages/%s/generate", url.PathEscape(stage)), req, &resp)
	return resp, err
}

func (c *Client) ApproveReview(ctx context.Context, reviewID string, feedback *string) (Decision, error) {
	return c.decideReview(ctx, reviewID, "approve", feedback)
}

func (c *Client) RejectReview(ctx context.Context, reviewID string, feedback *string) (Decision, error) {
	return c.decideReview(ctx, reviewID, "reject", feedback)
}

func (c *Client) decideReview(ctx context.Context, reviewID, verb string, feedback *string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reviews/%s/%s", url.PathEscape(reviewID), verb), decisionBody(feedback), &resp)
	return resp, err
}

func (c *Client) Stories(ctx context.Context, projectID string) (Stories, error) {
	var resp Stories
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%s/stories", url.PathEscape(projectID)), nil, &resp)
	return resp, err
}

func (c *Client) ApproveStory(ctx context.Context, storyID string, feedback *string) (Story, error) {
	return c.decideStory(ctx, storyID, "approve", feedback)
}

func (c *Client) RejectStory(ctx context.Context, storyID string, feedback *string) (Story, error) {
	return c.decideStory(ctx, storyID, "reject", feedback)
}

func (c *Client) decideStory(ctx context.Context, storyID, verb string, feedback *string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stories/%s/%s", url.PathEscape(storyID), verb), decisionBody(feedback), &resp)
	return resp, err
}

func (c *Client) Artifact(ctx context.Context, id string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, "artifacts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("projects/%s/events", url.PathEscape(projectID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) ProviderStatus(ctx context.Context) (ProviderStatus, error) {
	var resp ProviderStatus
	err := c.do(ctx, http.MethodGet, "provider/status", nil, &resp)
	return resp, err
}

func decisionBody(feedback *string) map[string]any {
	body := map[string]any{}
	if feedback != nil {
		body["feedback"] = *feedback
	}
	return body
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

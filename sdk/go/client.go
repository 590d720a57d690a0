package bidlinesdk

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

// Client is a minimal Bidline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	SessionID   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model (partial).
type Case struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Stage           string   `json:"stage"`
	Status          string   `json:"status"`
	Version         int64    `json:"version"`
	ProgressPercent int      `json:"progress_percent"`
	LastError       *Failure `json:"last_error,omitempty"`
}

// Failure is the structured last-error of a blocked case.
type Failure struct {
	Stage    string `json:"stage"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	CanRetry bool   `json:"can_retry"`
}

// Snapshot is the caller-facing case view.
type Snapshot struct {
	CaseID          string   `json:"case_id"`
	Stage           string   `json:"stage"`
	Status          string   `json:"status"`
	Version         int64    `json:"version"`
	ProgressPercent int      `json:"progress_percent"`
	LastError       *Failure `json:"last_error,omitempty"`
	UpdatedAt       string   `json:"updated_at"`
}

// Run is the handle of a queued advance.
type Run struct {
	ID       string    `json:"id"`
	CaseID   string    `json:"case_id"`
	Status   string    `json:"status"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Checkpoint is one stage output revision.
type Checkpoint struct {
	ID       int64           `json:"id"`
	CaseID   string          `json:"case_id"`
	Stage    string          `json:"stage"`
	StageSeq int             `json:"stage_seq"`
	Revision int             `json:"revision"`
	Result   json.RawMessage `json:"result"`
}

// Event is one audit-log row.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	CaseID  string `json:"case_id"`
	ActorID string `json:"actor_id"`
}

// RankedCandidate is one scored historical case.
type RankedCandidate struct {
	CaseID     string  `json:"candidate_case_id"`
	FinalScore float64 `json:"final_score"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCaseInput is the intake payload for a new case.
type CreateCaseInput struct {
	Title        string         `json:"title"`
	ClientName   string         `json:"client_name,omitempty"`
	Industry     string         `json:"industry,omitempty"`
	ServiceTypes []string       `json:"service_types,omitempty"`
	Technologies []string       `json:"technologies,omitempty"`
	Intake       map[string]any `json:"intake,omitempty"`
}

// CreateCase creates a case from intake.
func (c *Client) CreateCase(ctx context.Context, in CreateCaseInput) (Case, error) {
	var resp struct {
		Case Case `json:"case"`
	}
	err := c.do(ctx, http.MethodPost, "v0/cases", in, &resp)
	return resp.Case, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp struct {
		Case Case `json:"case"`
	}
	err := c.do(ctx, http.MethodGet, c.casePath(id, ""), nil, &resp)
	return resp.Case, err
}

// Status returns the case snapshot.
func (c *Client) Status(ctx context.Context, id string) (Snapshot, error) {
	var resp struct {
		Snapshot Snapshot `json:"snapshot"`
	}
	err := c.do(ctx, http.MethodGet, c.casePath(id, "status"), nil, &resp)
	return resp.Snapshot, err
}

// Advance enqueues a pipeline advance and returns the run handle.
func (c *Client) Advance(ctx context.Context, id string) (Run, Snapshot, error) {
	var resp struct {
		Run      Run      `json:"run"`
		Snapshot Snapshot `json:"snapshot"`
	}
	err := c.do(ctx, http.MethodPost, c.casePath(id, "advance"), nil, &resp)
	return resp.Run, resp.Snapshot, err
}

// GetRun polls a run handle.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// Approve approves the gated stage output at the reviewed version.
func (c *Client) Approve(ctx context.Context, id string, expectedVersion int64) (Snapshot, error) {
	return c.reviewCall(ctx, c.casePath(id, "approve"), map[string]any{
		"expected_version": expectedVersion,
	})
}

// RejectAndRerun discards the gated output and re-executes the stage.
func (c *Client) RejectAndRerun(ctx context.Context, id string, expectedVersion int64) (Snapshot, error) {
	return c.reviewCall(ctx, c.casePath(id, "reject"), map[string]any{
		"expected_version": expectedVersion,
		"mode":             "rerun",
	})
}

// RejectWithEdits replaces the gated output with reviewer edits.
func (c *Client) RejectWithEdits(ctx context.Context, id string, expectedVersion int64, edits any) (Snapshot, error) {
	return c.reviewCall(ctx, c.casePath(id, "reject"), map[string]any{
		"expected_version": expectedVersion,
		"mode":             "edit",
		"edits":            edits,
	})
}

// Retry resumes a blocked case.
func (c *Client) Retry(ctx context.Context, id string, expectedVersion int64) (Snapshot, error) {
	return c.reviewCall(ctx, c.casePath(id, "retry"), map[string]any{
		"expected_version": expectedVersion,
	})
}

// Cancel cancels a case.
func (c *Client) Cancel(ctx context.Context, id string, expectedVersion int64) (Snapshot, error) {
	return c.reviewCall(ctx, c.casePath(id, "cancel"), map[string]any{
		"expected_version": expectedVersion,
	})
}

// Checkpoints returns the checkpoint history of a case.
func (c *Client) Checkpoints(ctx context.Context, id string) ([]Checkpoint, error) {
	var resp struct {
		Items []Checkpoint `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.casePath(id, "checkpoints"), nil, &resp)
	return resp.Items, err
}

// Events returns recent events for a case.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := c.casePath(id, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Similar returns ranked reuse candidates for a case.
func (c *Client) Similar(ctx context.Context, id string) ([]RankedCandidate, error) {
	var resp struct {
		Candidates []RankedCandidate `json:"candidates"`
	}
	err := c.do(ctx, http.MethodGet, c.casePath(id, "similar"), nil, &resp)
	return resp.Candidates, err
}

func (c *Client) reviewCall(ctx context.Context, endpoint string, body map[string]any) (Snapshot, error) {
	var resp struct {
		Snapshot Snapshot `json:"snapshot"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Snapshot, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.SessionID != "" {
		req.Header.Set("X-Session-Id", c.SessionID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) casePath(id, suffix string) string {
	p := "v0/cases/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

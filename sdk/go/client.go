package gatelinesdk

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

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// WorkItem represents the API work item model.
type WorkItem struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	ProblemStatement   string          `json:"problem_statement,omitempty"`
	Stage              string          `json:"stage"`
	Status             string          `json:"status"`
	RequiredDocs       []string        `json:"required_docs,omitempty"`
	AcceptanceCriteria map[string]bool `json:"acceptance_criteria,omitempty"`
	RetryCount         int             `json:"retry_count"`
	AbortReason        string          `json:"abort_reason,omitempty"`
	CreatedAt          string          `json:"created_at"`
	UpdatedAt          string          `json:"updated_at"`
	CompletedAt        *string         `json:"completed_at,omitempty"`
}

// Finding is one check finding inside a gate verdict.
type Finding struct {
	Check    string `json:"check,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// GateVerdict is the folded result of one gate run.
type GateVerdict struct {
	ItemID    string    `json:"item_id"`
	Stage     string    `json:"stage"`
	Passed    bool      `json:"passed"`
	Findings  []Finding `json:"findings,omitempty"`
	CheckedAt string    `json:"checked_at"`
}

// GateResult pairs the post-verdict item with the verdict itself. Error is
// set when the verdict exhausted the retry budget.
type GateResult struct {
	Item    WorkItem    `json:"item"`
	Verdict GateVerdict `json:"verdict"`
	Error   string      `json:"error,omitempty"`
}

// ArtifactRef addresses one immutable stage output.
type ArtifactRef struct {
	ItemID string `json:"item_id"`
	Stage  string `json:"stage"`
	Kind   string `json:"kind"`
	Seq    int    `json:"seq"`
}

// Artifact is an ArtifactRef plus its opaque content.
type Artifact struct {
	ArtifactRef
	Content   []byte `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Transition is one stage history entry.
type Transition struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	ItemID    string `json:"item_id"`
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	ActorID   string `json:"actor_id"`
	Verdict   string `json:"verdict_json,omitempty"`
	Note      string `json:"note,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItemOptions are parameters for CreateItem.
type CreateItemOptions struct {
	Slug               string   `json:"slug,omitempty"`
	Title              string   `json:"title"`
	ProblemStatement   string   `json:"problem_statement,omitempty"`
	RequiredDocs       []string `json:"required_docs,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// CreateItem opens a work item at the plan stage.
func (c *Client) CreateItem(ctx context.Context, opts CreateItemOptions) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items", opts, &resp)
	return resp, err
}

// ListItems returns all work items.
func (c *Client) ListItems(ctx context.Context) ([]WorkItem, error) {
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, "items", nil, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(id, ""), nil, &resp)
	return resp, err
}

// RecordOutput records the current stage's output and advances the item.
func (c *Client) RecordOutput(ctx context.Context, id, kind, summary string, payload []byte) (WorkItem, error) {
	body := map[string]any{
		"kind":    kind,
		"summary": summary,
		"payload": payload,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "output"), body, &resp)
	return resp, err
}

// RunGate evaluates the checks configured for the item's current stage.
func (c *Client) RunGate(ctx context.Context, id string) (GateResult, error) {
	var resp GateResult
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "gate"), nil, &resp)
	return resp, err
}

// ApplyVerdict submits an externally produced gate verdict.
func (c *Client) ApplyVerdict(ctx context.Context, id string, verdict GateVerdict) (GateResult, error) {
	var resp GateResult
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "verdict"), verdict, &resp)
	return resp, err
}

// SetCriterion marks an acceptance criterion satisfied or not.
func (c *Client) SetCriterion(ctx context.Context, id, name string, satisfied bool) (WorkItem, error) {
	body := map[string]any{"satisfied": satisfied}
	var resp WorkItem
	endpoint := c.itemPath(id, "criteria/"+url.PathEscape(name))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Abort moves a non-terminal item to aborted.
func (c *Client) Abort(ctx context.Context, id, reason string) (WorkItem, error) {
	body := map[string]any{"reason": reason}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "abort"), body, &resp)
	return resp, err
}

// ListArtifacts returns artifact references for an item, optionally filtered
// by stage.
func (c *Client) ListArtifacts(ctx context.Context, id, stage string) ([]ArtifactRef, error) {
	endpoint := c.itemPath(id, "artifacts")
	if stage != "" {
		endpoint = fmt.Sprintf("%s?stage=%s", endpoint, url.QueryEscape(stage))
	}
	var resp []ArtifactRef
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetArtifact fetches one artifact by its full reference.
func (c *Client) GetArtifact(ctx context.Context, ref ArtifactRef) (Artifact, error) {
	endpoint := c.itemPath(ref.ItemID, fmt.Sprintf("artifacts/%s/%s/%d",
		url.PathEscape(ref.Stage), url.PathEscape(ref.Kind), ref.Seq))
	var resp Artifact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the item's stage transitions in order.
func (c *Client) History(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, c.itemPath(id, "history"), nil, &resp)
	return resp, err
}

// TailLog returns recent transitions across all items.
func (c *Client) TailLog(ctx context.Context, limit int) ([]Transition, error) {
	endpoint := "log/tail"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Transition
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) itemPath(id, p string) string {
	endpoint := "items/" + url.PathEscape(id)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

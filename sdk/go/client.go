package stagelinesdk

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

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Stage represents the API stage model.
type Stage struct {
	ID               string   `json:"id"`
	OrgID            string   `json:"org_id"`
	Name             string   `json:"name"`
	Order            int      `json:"order"`
	IsActive         bool     `json:"is_active"`
	RequiresApproval bool     `json:"requires_approval"`
	ApprovalRoles    []string `json:"approval_roles,omitempty"`
}

// Project represents the API project model.
type Project struct {
	ID             string  `json:"id"`
	OrgID          string  `json:"org_id"`
	Name           string  `json:"name"`
	OwnerID        *string `json:"owner_id,omitempty"`
	Priority       *string `json:"priority,omitempty"`
	CurrentStageID *string `json:"current_stage_id,omitempty"`
	StageEnteredAt *string `json:"stage_entered_at,omitempty"`
	Version        int64   `json:"version"`
}

// Check is a single evaluated prerequisite.
type Check struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Required bool   `json:"required"`
	Details  string `json:"details,omitempty"`
}

// Validation is the decision snapshot for a candidate transition.
type Validation struct {
	IsValid          bool     `json:"is_valid"`
	CanProceed       bool     `json:"can_proceed"`
	RequiresApproval bool     `json:"requires_approval"`
	RequiresBypass   bool     `json:"requires_bypass"`
	Checks           []Check  `json:"checks"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
}

// TransitionRecord is one audit row.
type TransitionRecord struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	FromStageID   *string `json:"from_stage_id,omitempty"`
	ToStageID     string  `json:"to_stage_id"`
	ActorID       string  `json:"actor_id"`
	TS            string  `json:"ts"`
	Outcome       string  `json:"outcome"`
	Reason        string  `json:"reason,omitempty"`
	Justification string  `json:"justification,omitempty"`
}

// TransitionResult is a committed transition.
type TransitionResult struct {
	Project      Project          `json:"project"`
	Record       TransitionRecord `json:"record"`
	Validation   Validation       `json:"validation"`
	AuditWarning string           `json:"audit_warning,omitempty"`
}

// AutoAdvance is the auto-advance evaluation.
type AutoAdvance struct {
	Available bool   `json:"available"`
	NextStage *Stage `json:"next_stage,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Stages lists the organization's pipeline in order.
func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, c.orgPath("stages"), nil, &resp)
	return resp, err
}

// CreateProject performs intake.
func (c *Client) CreateProject(ctx context.Context, name, ownerID string) (Project, error) {
	body := map[string]any{"name": name}
	if ownerID != "" {
		body["owner_id"] = ownerID
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.orgPath("projects"), body, &resp)
	return resp, err
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// AttachDocument attaches a document reference to a project.
func (c *Client) AttachDocument(ctx context.Context, projectID, docType, name string) error {
	body := map[string]any{"type": docType, "name": name}
	return c.do(ctx, http.MethodPost, projectPath(projectID, "documents"), body, nil)
}

// ValidateTransition dry-runs a candidate transition.
func (c *Client) ValidateTransition(ctx context.Context, projectID, targetStageID string) (Validation, error) {
	body := map[string]any{"target_stage_id": targetStageID}
	var resp Validation
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "transitions/validate"), body, &resp)
	return resp, err
}

// ExecuteTransition moves the project to the target stage.
func (c *Client) ExecuteTransition(ctx context.Context, projectID, targetStageID string) (TransitionResult, error) {
	body := map[string]any{"target_stage_id": targetStageID}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "transitions"), body, &resp)
	return resp, err
}

// BypassTransition overrides a failed validation with a justification.
func (c *Client) BypassTransition(ctx context.Context, projectID, targetStageID, justification string) (TransitionResult, error) {
	body := map[string]any{
		"target_stage_id": targetStageID,
		"bypass":          true,
		"justification":   justification,
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "transitions"), body, &resp)
	return resp, err
}

// History returns transition records, newest first.
func (c *Client) History(ctx context.Context, projectID string, limit int) ([]TransitionRecord, error) {
	endpoint := projectPath(projectID, "history")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []TransitionRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EvaluateAutoAdvance reports auto-advance readiness.
func (c *Client) EvaluateAutoAdvance(ctx context.Context, projectID string) (AutoAdvance, error) {
	var resp AutoAdvance
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "auto-advance"), nil, &resp)
	return resp, err
}

// RequestApproval requests approval for entering a stage.
func (c *Client) RequestApproval(ctx context.Context, projectID, stageID string) error {
	body := map[string]any{"stage_id": stageID}
	return c.do(ctx, http.MethodPost, projectPath(projectID, "approvals/request"), body, nil)
}

// DecideApproval approves or rejects a pending approval.
func (c *Client) DecideApproval(ctx context.Context, projectID, stageID string, approve bool, note string) error {
	body := map[string]any{"stage_id": stageID, "approve": approve, "note": note}
	return c.do(ctx, http.MethodPost, projectPath(projectID, "approvals/decide"), body, nil)
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

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v0/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func projectPath(projectID, p string) string {
	base := fmt.Sprintf("v0/projects/%s", url.PathEscape(projectID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

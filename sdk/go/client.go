package escrowlinesdk

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

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	DeviceKey   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// MilestoneSpec describes a milestone at session creation.
type MilestoneSpec struct {
	ID            string   `json:"id"`
	Worker        string   `json:"worker"`
	Amount        int64    `json:"amount"`
	RevisionLimit int      `json:"revision_limit,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
}

// Milestone is the API milestone model (partial).
type Milestone struct {
	ID            string   `json:"id"`
	Worker        string   `json:"worker"`
	Amount        int64    `json:"amount"`
	Status        string   `json:"status"`
	WorkProofHash *string  `json:"work_proof_hash,omitempty"`
	RevisionCount int      `json:"revision_count"`
	RevisionLimit int      `json:"revision_limit"`
	Dependencies  []string `json:"dependencies,omitempty"`
}

// Dispute is the API dispute model (partial).
type Dispute struct {
	ID          string  `json:"id"`
	MilestoneID string  `json:"milestone_id"`
	Status      string  `json:"status"`
	Resolution  *string `json:"resolution,omitempty"`
	Reason      string  `json:"reason"`
}

// Session is the API session model.
type Session struct {
	SessionID       string  `json:"session_id"`
	ProjectID       string  `json:"project_id"`
	RemoteSessionID *string `json:"remote_session_id,omitempty"`
	StateVersion    int64   `json:"state_version"`
	Closed          bool    `json:"closed"`
	Snapshot        struct {
		Milestones []Milestone `json:"milestones"`
		Disputes   []Dispute   `json:"disputes,omitempty"`
	} `json:"snapshot"`
}

// SettlementReceipt is the structured result of a settle call.
type SettlementReceipt struct {
	ProjectID       string   `json:"project_id"`
	TransactionHash string   `json:"transaction_hash,omitempty"`
	ApprovedIDs     []string `json:"approved_ids"`
	CancelledIDs    []string `json:"cancelled_ids"`
	TotalToWorkers  int64    `json:"total_to_workers"`
	TotalToClient   int64    `json:"total_to_client"`
	PlatformFee     int64    `json:"platform_fee"`
	SettledAt       string   `json:"settled_at"`
}

// OpLogEntry is one operation-log record.
type OpLogEntry struct {
	ID               int64          `json:"id"`
	TS               string         `json:"ts"`
	Type             string         `json:"type"`
	MilestoneID      *string        `json:"milestone_id,omitempty"`
	Status           string         `json:"status"`
	ResultingVersion int64          `json:"resulting_version"`
	ProofID          string         `json:"proof_id,omitempty"`
	GasSavedEstimate int64          `json:"gas_saved_estimate"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession creates (or resumes) the project session.
func (c *Client) CreateSession(ctx context.Context, client string, milestones []MilestoneSpec) (Session, error) {
	body := map[string]any{
		"project_id": c.ProjectID,
		"client":     client,
		"milestones": milestones,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// Session fetches the current session.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.projectPath("session"), nil, &resp)
	return resp, err
}

// SubmitWork submits milestone work.
func (c *Client) SubmitWork(ctx context.Context, milestoneID, workProofHash string) (Session, error) {
	body := map[string]any{"work_proof_hash": workProofHash}
	var resp Session
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/submit", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ApproveMilestone approves submitted work.
func (c *Client) ApproveMilestone(ctx context.Context, milestoneID string) (Session, error) {
	var resp Session
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/approve", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RequestRevision sends submitted work back for revision.
func (c *Client) RequestRevision(ctx context.Context, milestoneID, feedback string) (Session, error) {
	body := map[string]any{"feedback": feedback}
	var resp Session
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/revise", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RaiseDispute raises a dispute and returns its id with the new session state.
func (c *Client) RaiseDispute(ctx context.Context, milestoneID, disputeType, reason string) (string, Session, error) {
	body := map[string]any{"type": disputeType, "reason": reason}
	var resp struct {
		DisputeID string  `json:"dispute_id"`
		Session   Session `json:"session"`
	}
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/disputes", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.DisputeID, resp.Session, err
}

// ResolveDispute resolves an open dispute (resolution: client, worker, split).
func (c *Client) ResolveDispute(ctx context.Context, milestoneID, disputeID, resolution string) (Session, error) {
	body := map[string]any{"resolution": resolution}
	var resp Session
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/disputes/%s/resolve",
		url.PathEscape(milestoneID), url.PathEscape(disputeID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CancelDispute withdraws an open dispute.
func (c *Client) CancelDispute(ctx context.Context, milestoneID, disputeID string) (Session, error) {
	var resp Session
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/disputes/%s/cancel",
		url.PathEscape(milestoneID), url.PathEscape(disputeID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Settle batch-settles matured milestones on-chain.
func (c *Client) Settle(ctx context.Context) (SettlementReceipt, error) {
	var resp SettlementReceipt
	err := c.do(ctx, http.MethodPost, c.projectPath("settle"), nil, &resp)
	return resp, err
}

// OpLog returns operation-log entries, newest first.
func (c *Client) OpLog(ctx context.Context, limit int) ([]OpLogEntry, error) {
	endpoint := c.projectPath("log")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []OpLogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	case c.DeviceKey != "":
		req.Header.Set("X-Device-Key", c.DeviceKey)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

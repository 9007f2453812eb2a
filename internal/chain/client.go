package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

// Client reads contract state and submits the batch settlement through an
// escrow gateway endpoint.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) Milestones(ctx context.Context, projectID string) ([]Milestone, error) {
	var result struct {
		Milestones []Milestone `json:"milestones"`
	}
	if err := c.call(ctx, "escrow.milestones", map[string]string{"project_id": projectID}, &result); err != nil {
		return nil, err
	}
	return result.Milestones, nil
}

func (c *Client) BatchSettle(ctx context.Context, params SettleParams) (string, error) {
	var result struct {
		TransactionHash string `json:"transaction_hash"`
	}
	if err := c.call(ctx, "escrow.batchSettle", params, &result); err != nil {
		return "", err
	}
	return result.TransactionHash, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	payload, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("escrow gateway http %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
	var decoded struct {
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	if decoded.Error != "" {
		return fmt.Errorf("escrow gateway: %s", decoded.Error)
	}
	if result != nil {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

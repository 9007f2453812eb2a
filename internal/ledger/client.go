package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const defaultTimeout = 15 * time.Second

// Client speaks JSON-RPC over HTTP to the coordination ledger.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client

	mu        sync.Mutex
	connected bool
}

func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect verifies the endpoint is reachable. Safe to call repeatedly.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.call(ctx, "ledger.ping", nil); err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Authenticate runs the challenge round trip: fetch a nonce, raw-sign its
// digest, exchange for a short-lived signing key bound to the wallet.
func (c *Client) Authenticate(ctx context.Context, signer Signer) (AuthResult, error) {
	if !c.Connected() {
		return AuthResult{}, ErrDisconnected
	}
	raw, err := c.call(ctx, "auth.challenge", map[string]string{"address": signer.Address()})
	if err != nil {
		return AuthResult{}, fmt.Errorf("auth challenge: %w", err)
	}
	var challenge struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return AuthResult{}, fmt.Errorf("decode challenge: %w", err)
	}
	digest := Digest("auth", signer.Address(), challenge.Nonce, 0, nil)
	sig, err := signer.SignHash(digest)
	if err != nil {
		return AuthResult{}, err
	}
	raw, err = c.call(ctx, "auth.verify", map[string]string{
		"address":   signer.Address(),
		"nonce":     challenge.Nonce,
		"signature": hex.EncodeToString(sig),
	})
	if err != nil {
		return AuthResult{}, fmt.Errorf("auth verify: %w", err)
	}
	var result AuthResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return AuthResult{}, fmt.Errorf("decode auth result: %w", err)
	}
	return result, nil
}

func (c *Client) SendSigned(ctx context.Context, msg SignedMessage) (Response, error) {
	if !c.Connected() {
		return Response{}, ErrDisconnected
	}
	raw, err := c.call(ctx, "session.submit", msg)
	if err != nil {
		return Response{}, err
	}
	var res Response
	if err := json.Unmarshal(raw, &res); err != nil {
		return Response{}, fmt.Errorf("decode ledger response: %w", err)
	}
	if !res.OK && res.Error != "" {
		return res, fmt.Errorf("ledger rejected %s: %s", msg.Kind, res.Error)
	}
	return res, nil
}

func (c *Client) SendRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.Connected() {
		return nil, ErrDisconnected
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger http %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}

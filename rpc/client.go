package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	chaincache "github.com/Solvium/SolviumAI-sub001"
	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

const (
	defaultRequestTimeout = 10 * time.Second

	// maxResponseBytes caps how much of an RPC response we read, to bound
	// memory against a misbehaving endpoint.
	maxResponseBytes = 10 << 20
)

// jsonrpcRequest is the JSON-RPC 2.0 request envelope NEAR nodes accept.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// jsonrpcResponse is the subset of the response envelope we consume.
type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
}

type jsonrpcError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *jsonrpcError) text() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s: %s", e.Message, e.Data)
	}
	return e.Message
}

// Client issues JSON-RPC calls against a single URL per invocation. It holds
// no endpoint state; the Engine decides which endpoint each call targets.
type Client struct {
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client, for instrumented
// transports or test servers.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a JSON-RPC client with a default request timeout.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "rpc"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call POSTs a JSON-RPC request to the endpoint and returns the raw result
// payload. Non-2xx responses and JSON-RPC error envelopes are surfaced as
// chaincache.RPCError so the retry engine can classify them.
func (c *Client) Call(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      "chaincache",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &chaincache.RPCError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  string(bytes.TrimSpace(data)),
		}
	}

	var envelope jsonrpcResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode rpc response from %s: %w", endpoint, err)
	}
	if envelope.Error != nil {
		return nil, &chaincache.RPCError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  envelope.Error.text(),
		}
	}
	return envelope.Result, nil
}

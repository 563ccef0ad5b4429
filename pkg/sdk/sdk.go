// Package sdk holds the wire types the gateway speaks and a minimal client
// for consumers that do not want to hand-roll HTTP.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CallRequest invokes one tool through the gateway.
type CallRequest struct {
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// ValidationError is one schema violation inside a deny decision.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// CallResponse is the gateway's answer to a call.
type CallResponse struct {
	ID              string            `json:"id"`
	Allowed         bool              `json:"allowed"`
	Reason          string            `json:"reason,omitempty"`
	CreditsCharged  int64             `json:"credits_charged"`
	Tool            string            `json:"tool"`
	KeyName         string            `json:"key_name,omitempty"`
	Shadow          bool              `json:"shadow,omitempty"`
	SchemaErrors    []ValidationError `json:"schema_errors,omitempty"`
	OutputSurcharge int64             `json:"output_surcharge,omitempty"`
	Response        interface{}       `json:"response,omitempty"`
	FromCache       bool              `json:"from_cache,omitempty"`
	Attempts        int               `json:"attempts,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// BatchRequest invokes several tools all-or-nothing.
type BatchRequest struct {
	Calls       []CallRequest          `json:"calls"`
	Environment string                 `json:"environment,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// BatchResponse reports the batch outcome. On a deny, FailedIndex points at
// the first call that failed and no credits were charged.
type BatchResponse struct {
	AllAllowed   bool           `json:"all_allowed"`
	FailedIndex  int            `json:"failed_index,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	TotalCredits int64          `json:"total_credits"`
	Results      []CallResponse `json:"results,omitempty"`
}

// ToolsResponse lists the tools the credential may call.
type ToolsResponse struct {
	Tools []string `json:"tools"`
}

// APIError is a structured gateway error body.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Client is a thin HTTP client for the gateway surface.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

// NewClient builds a client. The credential is an API key or scoped token.
func NewClient(baseURL, credential string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Call invokes one tool.
func (c *Client) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	var out CallResponse
	if err := c.post(ctx, "/call", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallBatch invokes several tools all-or-nothing.
func (c *Client) CallBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	var out BatchResponse
	if err := c.post(ctx, "/call/batch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTools fetches the advertised tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	var out ToolsResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.credential != "" {
		req.Header.Set("X-API-Key", c.credential)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Deny decisions come back with 4xx but a decodable decision body, so
	// try the success shape first and fall back to the error envelope.
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}
	if err := json.Unmarshal(buf.Bytes(), out); err == nil {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(buf.Bytes(), apiErr); err != nil {
		return fmt.Errorf("gateway returned HTTP %d with unreadable body", resp.StatusCode)
	}
	return apiErr
}

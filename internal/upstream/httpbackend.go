package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/paygate/gateway/internal/retry"
)

// HTTPBackend speaks JSON-RPC 2.0 to an upstream tool server over HTTP.
type HTTPBackend struct {
	url    string
	client *http.Client
	seq    atomic.Int64
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// NewHTTPBackend builds a backend client. The timeout bounds one HTTP
// round-trip; the forwarder layers its own per-tool timeout on top.
func NewHTTPBackend(url string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Call invokes tools/call upstream. JSON-RPC errors and non-2xx statuses
// surface as coded errors the retry policy can classify.
func (b *HTTPBackend) Call(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	return b.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
}

// ListTools fetches the upstream tool catalog.
func (b *HTTPBackend) ListTools(ctx context.Context) ([]string, error) {
	result, err := b.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result shape")
	}
	raw, _ := m["tools"].([]interface{})
	names := make([]string, 0, len(raw))
	for _, t := range raw {
		if tm, ok := t.(map[string]interface{}); ok {
			if name, ok := tm["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func (b *HTTPBackend) rpc(ctx context.Context, method string, params interface{}) (interface{}, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      b.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retry.CodedError{Code: resp.StatusCode, Message: fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, &retry.CodedError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	var result interface{}
	if len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return result, nil
}

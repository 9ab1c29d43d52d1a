package toolservers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// httpTransport reaches a remote tool server over plain JSON-over-HTTP:
// GET <url>/tools lists the catalog, POST <url>/call/<name> invokes one.
// The registry only needs request/response, so no JSON-RPC/SSE framing is
// carried.
type httpTransport struct {
	cfg       ServerConfig
	client    *http.Client
	connected atomic.Bool
}

func newHTTPTransport(cfg ServerConfig) *httpTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL+"/tools", nil)
	if err != nil {
		return err
	}
	t.applyHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("toolservers: probe %s: %w", t.cfg.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("toolservers: probe %s: status %d", t.cfg.URL, resp.StatusCode)
	}
	t.connected.Store(true)
	return nil
}

func (t *httpTransport) Close() error {
	t.connected.Store(false)
	return nil
}

func (t *httpTransport) Connected() bool { return t.connected.Load() }

func (t *httpTransport) ListTools(ctx context.Context) ([]RemoteTool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	t.applyHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("toolservers: list tools %s: status %d", t.cfg.URL, resp.StatusCode)
	}
	var out struct {
		Tools []RemoteTool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("toolservers: decode tool list from %s: %w", t.cfg.URL, err)
	}
	return out.Tools, nil
}

func (t *httpTransport) CallTool(ctx context.Context, name string, input json.RawMessage) (*CallResult, error) {
	body, err := json.Marshal(struct {
		Input json.RawMessage `json:"input"`
	}{Input: input})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL+"/call/"+name, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return &CallResult{Content: err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CallResult{Content: err.Error(), IsError: true}, nil
	}
	if resp.StatusCode >= 300 {
		return &CallResult{Content: string(payload), IsError: true}, nil
	}

	var out struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"is_error"`
	}
	if err := json.Unmarshal(payload, &out); err == nil && out.Content != nil {
		return &CallResult{Content: shapeScalar(out.Content), Raw: payload, IsError: out.IsError}, nil
	}
	// Not every server wraps its response in {content, is_error}; shape
	// whatever came back and keep the raw body alongside.
	return &CallResult{Content: ShapeResult(payload), Raw: payload}, nil
}

func (t *httpTransport) applyHeaders(req *http.Request) {
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
}

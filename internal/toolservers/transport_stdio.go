package toolservers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
)

// stdioTransport reaches a locally-spawned tool server process over its
// stdin/stdout pipes using line-delimited JSON requests and responses,
// one request at a time. The registry only ever issues request/response
// pairs, so no bidirectional notification channel is needed.
type stdioTransport struct {
	cfg ServerConfig
	cmd *exec.Cmd

	mu        sync.Mutex
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	connected atomic.Bool
}

func newStdioTransport(cfg ServerConfig) *stdioTransport {
	return &stdioTransport{cfg: cfg}
}

type stdioRequest struct {
	Op    string          `json:"op"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type stdioResponse struct {
	Tools   []RemoteTool    `json:"tools,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	if t.cfg.Command == "" {
		return fmt.Errorf("toolservers: command is required for local transport")
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.WorkDir
	cmd.Env = envSlice(t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("toolservers: start %q: %w", t.cfg.Command, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReader(stdout)
	t.mu.Unlock()
	t.connected.Store(true)
	return nil
}

func (t *stdioTransport) Close() error {
	t.connected.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

func (t *stdioTransport) Connected() bool { return t.connected.Load() }

func (t *stdioTransport) roundTrip(req stdioRequest) (*stdioResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin == nil || t.stdout == nil {
		return nil, fmt.Errorf("toolservers: server %q not connected", t.cfg.ID)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	if _, err := t.stdin.Write(line); err != nil {
		return nil, fmt.Errorf("toolservers: write to %q: %w", t.cfg.ID, err)
	}

	respLine, err := t.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("toolservers: read from %q: %w", t.cfg.ID, err)
	}
	var resp stdioResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("toolservers: decode response from %q: %w", t.cfg.ID, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("toolservers: %q: %s", t.cfg.ID, resp.Error)
	}
	return &resp, nil
}

func (t *stdioTransport) ListTools(ctx context.Context) ([]RemoteTool, error) {
	resp, err := t.roundTrip(stdioRequest{Op: "list_tools"})
	if err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

func (t *stdioTransport) CallTool(ctx context.Context, name string, input json.RawMessage) (*CallResult, error) {
	resp, err := t.roundTrip(stdioRequest{Op: "call_tool", Name: name, Input: input})
	if err != nil {
		return &CallResult{Content: err.Error(), IsError: true}, nil
	}
	return &CallResult{Content: ShapeResult(resp.Content), Raw: resp.Content, IsError: resp.IsError}, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

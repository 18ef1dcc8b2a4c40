// Package ops provides the built-in operations registered at startup.
// They double as smoke-test targets for a fresh deployment: a sleep task
// exercises the full dispatch and persistence path with no side effects.
package ops

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"taskd/internal/scheduler"
)

const (
	maxHTTPBody   = 4 << 10
	maxExecOutput = 16 << 10
)

// RegisterBuiltin installs the built-in operations into reg.
func RegisterBuiltin(reg *scheduler.Registry) error {
	for name, op := range map[string]scheduler.Operation{
		"sleep":    Sleep,
		"http.get": HTTPGet,
		"exec":     Exec,
	} {
		if err := reg.Register(name, op); err != nil {
			return err
		}
	}
	return nil
}

// Sleep blocks for args["duration"] (Go duration string) or until ctx
// cancels.
func Sleep(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["duration"].(string)
	if raw == "" {
		return nil, fmt.Errorf("sleep: missing \"duration\" arg")
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return nil, fmt.Errorf("sleep: invalid duration %q", raw)
	}
	select {
	case <-time.After(d):
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HTTPGet fetches args["url"] and returns the status plus a bounded body
// prefix.
func HTTPGet(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http.get: missing \"url\" arg")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http.get: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http.get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("http.get: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http.get: %s returned %s", url, resp.Status)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

// Exec runs args["command"] with optional args["args"] ([]string) and returns
// bounded combined output. The command is killed when ctx expires.
func Exec(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("exec: missing \"command\" arg")
	}
	var argv []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			argv = append(argv, fmt.Sprint(a))
		}
	}

	cmd := exec.CommandContext(ctx, command, argv...)
	out, err := cmd.CombinedOutput()
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	result := map[string]any{"output": strings.TrimSpace(string(out))}
	if err != nil {
		return nil, fmt.Errorf("exec: %s: %w (output: %s)", command, err, firstLine(string(out)))
	}
	return result, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

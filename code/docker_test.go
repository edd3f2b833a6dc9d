package code

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relayforge/refactd"
)

// TestDockerRunner_ImplementsCodeRunner is a compile-time/API-shape check;
// it does not require a reachable Docker daemon.
func TestDockerRunner_ImplementsCodeRunner(t *testing.T) {
	runner, err := NewDockerRunner("python:3.12-slim", WithTimeout(5*time.Second))
	if err != nil {
		t.Skipf("no docker client available: %v", err)
	}
	defer runner.Close()
	var _ refactd.CodeRunner = runner
}

// TestDockerRunner_SimpleCode exercises a real container run and is skipped
// unless a Docker daemon is reachable (CI environments without Docker access
// skip rather than fail).
func TestDockerRunner_SimpleCode(t *testing.T) {
	runner, err := NewDockerRunner("python:3.12-slim", WithTimeout(20*time.Second))
	if err != nil {
		t.Skipf("no docker client available: %v", err)
	}
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := runner.cli.Ping(ctx); err != nil {
		t.Skipf("docker daemon unreachable: %v", err)
	}

	dispatch := func(ctx context.Context, tc refactd.ToolCall) refactd.DispatchResult {
		return refactd.DispatchResult{}
	}

	result, err := runner.Run(context.Background(), refactd.CodeRequest{
		Code:    `set_result({"answer": 42})`,
		Runtime: "python",
	}, dispatch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(result.Output), &out); err != nil {
		t.Fatalf("parse output: %v (raw: %s)", err, result.Output)
	}
	if out["answer"] != float64(42) {
		t.Errorf("expected answer=42, got %v", out["answer"])
	}
}

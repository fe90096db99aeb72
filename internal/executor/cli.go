package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/getmu/control-plane/internal/command"
)

// maxCapturedOutput bounds the stdout/stderr stored on the command result.
const maxCapturedOutput = 16 << 10

// CLIExecutor runs /mu run commands as supervised subprocesses of the
// operator CLI. Timed-out processes are killed with SIGKILL.
type CLIExecutor struct {
	// Path is the operator CLI binary.
	Path string
	// RunTimeout bounds one invocation.
	RunTimeout time.Duration
	// DeferOnTimeout re-queues instead of failing when the run times out.
	DeferOnTimeout bool
	// DeferRetry is how far in the future a deferred run is retried.
	DeferRetry time.Duration
}

// cliResult is the structured payload stored on the command record.
type cliResult struct {
	Path       string   `json:"path"`
	Args       []string `json:"args,omitempty"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// Execute spawns the CLI with the record's arguments.
func (e *CLIExecutor) Execute(ctx context.Context, rec command.Record) Outcome {
	timeout := e.RunTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.Path, rec.Args...)
	// CommandContext sends SIGKILL on context expiry; WaitDelay guards
	// against inherited pipes keeping Wait blocked past the kill.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := cliResult{
		Path:       e.Path,
		Args:       rec.Args,
		Stdout:     truncate(stdout.String()),
		Stderr:     truncate(stderr.String()),
		DurationMs: elapsed.Milliseconds(),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
		return completed(firstLine(result.Stdout), result)

	case runCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		if e.DeferOnTimeout {
			retry := e.DeferRetry
			if retry <= 0 {
				retry = 30 * time.Second
			}
			out := completed("run timed out, deferred", result)
			out.Deferred = true
			out.RetryAtMs = time.Now().Add(retry).UnixMilli()
			return out
		}
		return failed("cli_timeout", "run exceeded its timeout and was killed")

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			out := failed("cli_nonzero", firstLine(result.Stderr))
			if data, mErr := json.Marshal(result); mErr == nil {
				out.Result = data
			}
			return out
		}
		return failed("cli_spawn_failed", err.Error())
	}
}

func truncate(s string) string {
	if len(s) > maxCapturedOutput {
		return s[:maxCapturedOutput]
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "run finished"
	}
	return s
}

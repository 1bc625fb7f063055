package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 10 * time.Minute
	maxOutputBytes      = 100 * 1024 // per stream
)

// ShellTool runs commands on the host, confined to the workspace directory.
type ShellTool struct {
	workspaceRoot string
	timeout       time.Duration
}

// NewShellTool creates a new shell tool. A non-positive timeout selects the
// default per-command budget.
func NewShellTool(workspaceRoot string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &ShellTool{
		workspaceRoot: workspaceRoot,
		timeout:       timeout,
	}
}

// Name returns the tool name.
func (t *ShellTool) Name() string {
	return ToolShell
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ShellTool) PromptDocumentation() string {
	return `- **shell** - Run a shell command in the workspace
  - Parameters:
    - cmd (string, REQUIRED): command to execute with sh -c
    - cwd (string, optional): working directory relative to workspace root
    - timeout_secs (integer, optional): per-command timeout
  - Returns stdout, stderr and the exit code
  - Output is capped at 100KB per stream`
}

// Definition returns the tool definition for the model.
func (t *ShellTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolShell,
		Description: "Execute a shell command in the workspace directory and return stdout, stderr and the exit code. Long-running commands are killed when the timeout expires.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"cmd": {
					Type:        "string",
					Description: "Shell command to execute",
				},
				"cwd": {
					Type:        "string",
					Description: "Working directory relative to the workspace root",
				},
				"timeout_secs": {
					Type:        "integer",
					Description: "Timeout in seconds for this command",
				},
			},
			Required: []string{"cmd"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	cmdStr, err := StringArg(args, "cmd")
	if err != nil {
		return nil, err
	}

	dir := t.workspaceRoot
	if cwd := StringArgOrDefault(args, "cwd", ""); cwd != "" {
		resolved, pathErr := resolveWorkspacePath(t.workspaceRoot, cwd)
		if pathErr != nil {
			return ErrorResult(pathErr.Error())
		}
		dir = resolved
	}

	timeout := t.timeout
	if secs := IntArgOrDefault(args, "timeout_secs", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", cmdStr)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		// A killed process still yields an ExitError, so check the
		// deadline before interpreting the exit status.
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return ErrorResult(fmt.Sprintf("command timed out after %s", timeout))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return ErrorResult(fmt.Sprintf("command failed to start: %v", runErr))
		}
	}

	return JSONResult(map[string]any{
		"success":     exitCode == 0,
		"cmd":         cmdStr,
		"exit_code":   exitCode,
		"stdout":      capOutput(stdout.String()),
		"stderr":      capOutput(stderr.String()),
		"duration_ms": duration.Milliseconds(),
	})
}

func capOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... [output truncated]"
}

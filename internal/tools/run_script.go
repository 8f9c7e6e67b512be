package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

const (
	scriptTimeout  = 120 * time.Second
	scriptMaxBytes = 50_000
)

// Dangerous command patterns denied regardless of approval state.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(mkfs|shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock`),
}

// RunScriptTool executes a shell command in the agent workspace.
// Execution is normally gated behind an approval rule; the deny list is a
// second layer for commands that must never run.
type RunScriptTool struct {
	workDir string
	timeout time.Duration
}

func NewRunScriptTool(workDir string) *RunScriptTool {
	return &RunScriptTool{workDir: workDir, timeout: scriptTimeout}
}

func (t *RunScriptTool) Name() string { return "run_script" }

func (t *RunScriptTool) Description() string {
	return "Execute a shell command in the workspace and return stdout and stderr. Destructive commands are denied."
}

func (t *RunScriptTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"script": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"timeoutSec": map[string]any{
				"type":        "number",
				"description": "Timeout in seconds. Default 120.",
			},
		},
		"required": []string{"script"},
	}
}

func (t *RunScriptTool) Execute(ctx context.Context, args map[string]any) *Result {
	script, _ := args["script"].(string)
	if script == "" {
		return ErrorResult("script must not be empty")
	}
	for _, pattern := range denyPatterns {
		if pattern.MatchString(script) {
			return ErrorResult(fmt.Sprintf("command denied by policy: matches %s", pattern))
		}
	}

	timeout := t.timeout
	if n, ok := args["timeoutSec"].(float64); ok && n > 0 {
		timeout = time.Duration(n) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = t.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := truncateOutput(stdout.String(), scriptMaxBytes)
	if stderr.Len() > 0 {
		out += "\nstderr:\n" + truncateOutput(stderr.String(), scriptMaxBytes)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, out))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out))
	}
	if out == "" {
		out = "(no output)"
	}
	return NewResult(out)
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[output truncated]"
}

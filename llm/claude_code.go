package llm

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// ClaudeCode implements Provider by shelling out to the claude CLI.
type ClaudeCode struct {
	cliPath string
}

// NewClaudeCode creates a new Claude Code provider.
func NewClaudeCode() *ClaudeCode {
	return &ClaudeCode{}
}

// Name returns the provider name.
func (c *ClaudeCode) Name() string {
	return "claude-code"
}

// Available checks if the claude CLI is installed and accessible.
func (c *ClaudeCode) Available() bool {
	if c.cliPath != "" {
		return true
	}
	path, err := exec.LookPath("claude")
	if err != nil {
		return false
	}
	c.cliPath = path
	return true
}

// Complete sends a prompt to claude CLI and returns the response.
// Every call runs in a fresh session so analyses never see each other.
func (c *ClaudeCode) Complete(ctx context.Context, system, prompt string) (string, error) {
	args := []string{
		"--print",
		"--session-id", uuid.New().String(),
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, c.cliPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", &CLIError{Err: err, Stderr: stderr.String()}
		}
		return "", err
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CLIError wraps CLI execution errors with stderr output.
type CLIError struct {
	Err    error
	Stderr string
}

func (e *CLIError) Error() string {
	if e.Stderr != "" {
		return e.Err.Error() + ": " + e.Stderr
	}
	return e.Err.Error()
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

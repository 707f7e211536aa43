// Package localexec runs a local command for an action type. Only action
// types with a configured command are allowed; the action parameters are
// written to the command's stdin as JSON.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fentz26/gatekeep/internal/connectors"
)

// Command is the program and fixed arguments run for one action type.
type Command struct {
	Path string   `yaml:"path" json:"path"`
	Args []string `yaml:"args" json:"args"`
}

// LocalExec implements connectors.Executor with local processes.
type LocalExec struct {
	workDir  string
	commands map[string]Command
}

// New creates a LocalExec with the given allowlist.
func New(workDir string, commands map[string]Command) *LocalExec {
	cp := make(map[string]Command, len(commands))
	for k, v := range commands {
		cp[k] = v
	}
	return &LocalExec{workDir: workDir, commands: cp}
}

func (l *LocalExec) Name() string {
	return "localexec"
}

// Supports reports whether actionType has a command.
func (l *LocalExec) Supports(actionType string) bool {
	c, ok := l.commands[actionType]
	return ok && c.Path != ""
}

// Execute runs the command for actionType. A non-zero exit is reported as
// an unsuccessful Result, not an error.
func (l *LocalExec) Execute(ctx context.Context, actionType string, params map[string]any) (*connectors.Result, error) {
	if !l.Supports(actionType) {
		return nil, fmt.Errorf("action not allowed: %s", actionType)
	}
	c := l.commands[actionType]

	input, err := json.Marshal(map[string]any{"action_type": actionType, "params": params})
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		return &connectors.Result{
			Success: false,
			Detail:  fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
		}, nil
	case err != nil:
		return nil, fmt.Errorf("exec error: %w", err)
	}

	return &connectors.Result{
		Success:    true,
		Detail:     strings.TrimSpace(stdout.String()),
		ExternalID: firstLine(stdout.String()),
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

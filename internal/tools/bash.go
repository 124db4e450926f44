package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ace-cli/ace/internal/errs"
	"github.com/ace-cli/ace/internal/shell"
)

// bash has a 30-second hard timeout and 10KB truncation on each of
// stdout/stderr, applied separately.
const (
	bashTimeout      = 30 * time.Second
	bashMaxOutputLen = 10 * 1024
)

type bashArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// BashSchema is the JSON schema exposed to the model for bash.
var BashSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "description": "Shell command to execute."},
		"description": {"type": "string", "description": "Short description of what this command does. Optional."}
	},
	"required": ["command"]
}`)

// NewBashTool builds the bash built-in on top of an in-process
// mvdan.cc/sh/v3 POSIX interpreter, with a 30s timeout and a 10KB
// per-stream output cap.
func NewBashTool(sh *shell.Shell) Tool {
	return Tool{
		Name:        "bash",
		Description: "Run a shell command. Hard 30-second timeout; stdout and stderr are each truncated at 10KB.",
		Schema:      BashSchema,
		Class:       Mutating,
		Handler:     makeBashHandler(sh),
	}
}

func makeBashHandler(sh *shell.Shell) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args bashArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{Text: "Error: invalid arguments: " + err.Error(), IsError: true}, nil
		}
		if args.Command == "" {
			return Result{Text: "Error: command is required", IsError: true}, nil
		}

		runCtx, cancel := context.WithTimeout(ctx, bashTimeout)
		defer cancel()

		stdout, stderr, err := sh.Exec(runCtx, args.Command)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

		stdout = truncateMiddle(stdout, bashMaxOutputLen)
		stderr = truncateMiddle(stderr, bashMaxOutputLen)

		exitCode := shell.ExitCode(err)
		text := formatShellOutput(stdout, stderr, exitCode, timedOut)

		res := Result{
			Text: text,
			Meta: map[string]any{
				"exit_code": exitCode,
				"timed_out": timedOut,
			},
		}
		if timedOut {
			res.Kind = errs.TimeoutBash
		}
		return res, nil
	}
}

func formatShellOutput(stdout, stderr string, exitCode int, timedOut bool) string {
	out := ""
	if stdout != "" {
		out += stdout
		if out[len(out)-1] != '\n' {
			out += "\n"
		}
	}
	if stderr != "" {
		out += stderr
		if out[len(out)-1] != '\n' {
			out += "\n"
		}
	}
	if timedOut {
		out += "[timed out after 30s]\n"
	} else if exitCode != 0 {
		out += fmt.Sprintf("[exit code: %d]\n", exitCode)
	}
	if out == "" {
		out = fmt.Sprintf("[exit code: %d]\n", exitCode)
	}
	return out
}

// truncateMiddle keeps the head and tail of s and inserts a marker in
// between when s exceeds maxChars.
func truncateMiddle(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	half := maxChars / 2
	marker := "\n... [truncated] ...\n"
	return s[:half] + marker + s[len(s)-half:]
}

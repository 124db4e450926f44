package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// maxReadLines is the auto-truncation threshold: files over 2000 lines
// auto-truncate with a tail marker unless an explicit range is requested.
const maxReadLines = 2000

type readFileArgs struct {
	Path  string `json:"path"`
	Start int    `json:"start_line"`
	End   int    `json:"end_line"`
}

// ReadFileSchema is the JSON schema exposed to the model for read_file.
var ReadFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path, relative to the working directory."},
		"start_line": {"type": "integer", "description": "1-based first line to return (inclusive). Optional."},
		"end_line": {"type": "integer", "description": "1-based last line to return (inclusive). Optional."}
	},
	"required": ["path"]
}`)

// NewReadFileTool builds the read_file built-in.
func NewReadFileTool(root string) Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a file's contents as 1-based numbered lines, optionally restricted to a line range.",
		Schema:      ReadFileSchema,
		Class:       ReadOnly,
		Handler:     makeReadFileHandler(root),
	}
}

func makeReadFileHandler(root string) Handler {
	return func(_ context.Context, raw json.RawMessage) (Result, error) {
		var args readFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{Text: "Error: invalid arguments: " + err.Error(), IsError: true}, nil
		}
		abs, err := validatePath(root, args.Path)
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}

		lines := strings.Split(string(data), "\n")
		start, end := 1, len(lines)
		if args.Start > 0 {
			start = args.Start
		}
		if args.End > 0 {
			end = args.End
		}
		if start < 1 {
			start = 1
		}
		if end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return Result{Text: fmt.Sprintf("Error: start_line %d is after end_line %d", start, end), IsError: true}, nil
		}

		truncated := false
		if args.Start == 0 && args.End == 0 && end-start+1 > maxReadLines {
			end = start + maxReadLines - 1
			truncated = true
		}

		var b strings.Builder
		for i := start; i <= end; i++ {
			b.WriteString(strconv.Itoa(i))
			b.WriteString("\t")
			b.WriteString(lines[i-1])
			b.WriteString("\n")
		}
		if truncated {
			fmt.Fprintf(&b, "... [truncated: %d more lines, use start_line/end_line to read them] ...\n", len(lines)-end)
		}
		return Result{Text: b.String()}, nil
	}
}

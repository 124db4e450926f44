package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ace-cli/ace/internal/delta"
)

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileSchema is the JSON schema exposed to the model for write_file.
var WriteFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path, relative to the working directory."},
		"content": {"type": "string", "description": "Full file content to write."}
	},
	"required": ["path", "content"]
}`)

// NewWriteFileTool builds the write_file built-in. tracker may be nil, in
// which case no pre-write snapshot is recorded.
func NewWriteFileTool(root string, tracker *delta.Tracker) Tool {
	return Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content, creating parent directories as needed.",
		Schema:      WriteFileSchema,
		Class:       Mutating,
		Handler:     makeWriteFileHandler(root, tracker),
	}
}

func makeWriteFileHandler(root string, tracker *delta.Tracker) Handler {
	return func(_ context.Context, raw json.RawMessage) (Result, error) {
		var args writeFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{Text: "Error: invalid arguments: " + err.Error(), IsError: true}, nil
		}
		abs, err := validatePath(root, args.Path)
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}

		existing, readErr := os.ReadFile(abs)
		isNew := os.IsNotExist(readErr)

		if tracker != nil {
			if isNew {
				tracker.RecordCreate(args.Path)
			} else if readErr == nil {
				tracker.RecordModify(args.Path, existing)
			}
		}

		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}

		// Write to a sibling temp file then rename, for an atomic overwrite.
		tmp := abs + ".ace-tmp"
		if err := os.WriteFile(tmp, []byte(args.Content), 0o644); err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		if err := os.Rename(tmp, abs); err != nil {
			os.Remove(tmp)
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}

		return Result{
			Text: "Wrote " + args.Path,
			Meta: map[string]any{
				"path":    args.Path,
				"content": args.Content,
				"is_new":  isNew,
			},
		}, nil
	}
}

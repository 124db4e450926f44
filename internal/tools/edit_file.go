package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/ace-cli/ace/internal/delta"
)

type editFileArgs struct {
	Path   string `json:"path"`
	OldStr string `json:"old_str"`
	NewStr string `json:"new_str"`
}

// EditFileSchema is the JSON schema exposed to the model for edit_file.
var EditFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path, relative to the working directory."},
		"old_str": {"type": "string", "description": "Exact text to replace. Must appear exactly once in the file."},
		"new_str": {"type": "string", "description": "Replacement text."}
	},
	"required": ["path", "old_str", "new_str"]
}`)

// NewEditFileTool builds the edit_file built-in, which requires an exact,
// unique occurrence of old_str before applying a replacement. tracker may
// be nil, in which case no pre-edit snapshot is recorded.
func NewEditFileTool(root string, tracker *delta.Tracker) Tool {
	return Tool{
		Name:        "edit_file",
		Description: "Replace an exact, unique occurrence of old_str with new_str in a file.",
		Schema:      EditFileSchema,
		Class:       Mutating,
		Handler:     makeEditFileHandler(root, tracker),
	}
}

func makeEditFileHandler(root string, tracker *delta.Tracker) Handler {
	return func(_ context.Context, raw json.RawMessage) (Result, error) {
		var args editFileArgs
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
		content := string(data)

		count := strings.Count(content, args.OldStr)
		if count != 1 {
			return Result{
				Text:    fmt.Sprintf("Error: old_str found %d times in %s. It must appear exactly once.", count, args.Path),
				IsError: true,
			}, nil
		}

		if tracker != nil {
			tracker.RecordModify(args.Path, data)
		}

		newContent := strings.Replace(content, args.OldStr, args.NewStr, 1)
		if err := os.WriteFile(abs, []byte(newContent), 0o644); err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}

		diff := unifiedDiff(abs, content, newContent)
		return Result{
			Text: "Edited " + args.Path,
			Meta: map[string]any{
				"path":    args.Path,
				"old_str": args.OldStr,
				"new_str": args.NewStr,
				"diff":    diff,
			},
		}, nil
	}
}

// unifiedDiff computes a unified diff for preview metadata, per §3
// "optional structured preview metadata (e.g., a diff preview for edits)".
func unifiedDiff(path, before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath(path), before, after)
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}

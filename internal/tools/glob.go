package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ace-cli/ace/internal/filesearch"
)

const maxGlobResults = 500

type globArgs struct {
	Pattern string `json:"pattern"`
	Cwd     string `json:"cwd"`
}

// GlobSchema is the JSON schema exposed to the model for glob.
var GlobSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"pattern": {"type": "string", "description": "Filename glob pattern (*, ?, **), matched against base names and relative paths."},
		"cwd": {"type": "string", "description": "Directory to search under, relative to the working directory. Optional."}
	},
	"required": ["pattern"]
}`)

// NewGlobTool builds the glob built-in, backed by filesearch.Searcher's
// filename-matching mode.
func NewGlobTool(root string) Tool {
	return Tool{
		Name:        "glob",
		Description: "Find files by name pattern, excluding dotfiles, capped at 500 results.",
		Schema:      GlobSchema,
		Class:       ReadOnly,
		Handler:     makeGlobHandler(root),
	}
}

func makeGlobHandler(root string) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args globArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{Text: "Error: invalid arguments: " + err.Error(), IsError: true}, nil
		}
		rootDir := root
		if args.Cwd != "" {
			abs, err := validatePath(root, args.Cwd)
			if err != nil {
				return Result{Text: "Error: " + err.Error(), IsError: true}, nil
			}
			rootDir = abs
		}

		searcher, err := filesearch.NewSearcher(rootDir)
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		// Translate the glob into the anchored regex filesearch matches with.
		pattern := regexp.QuoteMeta(args.Pattern)
		pattern = strings.ReplaceAll(pattern, `\*\*/`, `(.*/)?`)
		pattern = strings.ReplaceAll(pattern, `\*\*`, `.*`)
		pattern = strings.ReplaceAll(pattern, `\*`, `[^/]*`)
		pattern = strings.ReplaceAll(pattern, `\?`, `[^/]`)
		results, err := searcher.Search(ctx, filesearch.Options{
			Pattern:    "^" + pattern + "$",
			RootDir:    rootDir,
			MaxResults: maxGlobResults,
		})
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}

		var filtered []filesearch.Result
		for _, r := range results {
			if isDotfilePath(r.Path) {
				continue
			}
			filtered = append(filtered, r)
		}

		if len(filtered) == 0 {
			return Result{Text: "No matches."}, nil
		}
		var b strings.Builder
		for _, r := range filtered {
			b.WriteString(r.Path)
			b.WriteString("\n")
		}
		if len(filtered) >= maxGlobResults {
			fmt.Fprintf(&b, "(Limited to %d results.)\n", maxGlobResults)
		}
		return Result{Text: b.String()}, nil
	}
}

// isDotfilePath reports whether any path component (other than "." or "..")
// starts with a dot.
func isDotfilePath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

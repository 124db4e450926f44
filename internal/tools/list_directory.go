package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

const defaultListDepth = 3

var listSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"vendor":       true,
	".cache":       true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

type listDirectoryArgs struct {
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

// ListDirectorySchema is the JSON schema exposed to the model for
// list_directory.
var ListDirectorySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Directory to list, relative to the working directory. Defaults to the working directory root."},
		"depth": {"type": "integer", "description": "Maximum recursion depth. Defaults to 3."}
	}
}`)

// NewListDirectoryTool builds the list_directory built-in, using a
// skip-dirs list and recursive os.ReadDir calls to render an indented tree.
func NewListDirectoryTool(root string) Tool {
	return Tool{
		Name:        "list_directory",
		Description: "List a directory tree with human-readable sizes, depth-limited.",
		Schema:      ListDirectorySchema,
		Class:       ReadOnly,
		Handler:     makeListDirectoryHandler(root),
	}
}

func makeListDirectoryHandler(root string) Handler {
	return func(_ context.Context, raw json.RawMessage) (Result, error) {
		var args listDirectoryArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{Text: "Error: invalid arguments: " + err.Error(), IsError: true}, nil
		}
		depth := defaultListDepth
		if args.Depth > 0 {
			depth = args.Depth
		}
		start := root
		if args.Path != "" {
			abs, err := validatePath(root, args.Path)
			if err != nil {
				return Result{Text: "Error: " + err.Error(), IsError: true}, nil
			}
			start = abs
		}

		info, err := os.Stat(start)
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		if !info.IsDir() {
			return Result{Text: fmt.Sprintf("Error: %q is not a directory", args.Path), IsError: true}, nil
		}

		var b strings.Builder
		if err := walkTree(&b, start, "", 0, depth); err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		return Result{Text: b.String()}, nil
	}
}

func walkTree(b *strings.Builder, dir, indent string, level, maxDepth int) error {
	if level > maxDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if listSkipDirs[e.Name()] {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			fmt.Fprintf(b, "%s%s/\n", indent, name)
			if level < maxDepth {
				if err := walkTree(b, filepath.Join(dir, name), indent+"  ", level+1, maxDepth); err != nil {
					return err
				}
			}
			continue
		}
		info, err := e.Info()
		size := ""
		if err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(b, "%s%s (%s)\n", indent, name, size)
	}
	return nil
}

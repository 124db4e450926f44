package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ace-cli/ace/internal/filesearch"
)

const maxGrepMatches = 200

var grepSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

type grepArgs struct {
	Pattern      string `json:"pattern"`
	Cwd          string `json:"cwd"`
	Include      string `json:"include"`
	ContextLines int    `json:"context_lines"`
	CaseSensitive bool  `json:"case_sensitive"`
}

// GrepSchema is the JSON schema exposed to the model for grep.
var GrepSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"pattern": {"type": "string", "description": "Regex to search file contents for."},
		"cwd": {"type": "string", "description": "Directory to search under, relative to the working directory. Optional."},
		"include": {"type": "string", "description": "Only search files with this extension, e.g. \".go\". Optional."},
		"context_lines": {"type": "integer", "description": "Lines of context to include before/after each match. Optional."},
		"case_sensitive": {"type": "boolean", "description": "Case-sensitive match. Defaults to false."}
	},
	"required": ["pattern"]
}`)

// NewGrepTool builds the grep built-in: a regex content search with
// include-extension filtering and optional context lines.
func NewGrepTool(root string) Tool {
	return Tool{
		Name:        "grep",
		Description: "Search file contents by regex, excluding .git/node_modules/dotfiles, capped at 200 matches.",
		Schema:      GrepSchema,
		Class:       ReadOnly,
		Handler:     makeGrepHandler(root),
	}
}

func makeGrepHandler(root string) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args grepArgs
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

		pattern := args.Pattern
		if !args.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return Result{Text: "Error: invalid pattern: " + err.Error(), IsError: true}, nil
		}

		var results []filesearch.Result
		walkErr := filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, relErr := filepath.Rel(rootDir, path)
			if relErr != nil {
				return nil
			}
			if d.IsDir() {
				if grepSkipDirs[d.Name()] || isDotfilePath(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if isDotfilePath(rel) {
				return nil
			}
			if args.Include != "" && filepath.Ext(path) != args.Include {
				return nil
			}
			matches, matchErr := grepFile(path, rel, regex, args.ContextLines)
			if matchErr != nil {
				return nil
			}
			results = append(results, matches...)
			if len(results) >= maxGrepMatches {
				results = results[:maxGrepMatches]
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && walkErr != filepath.SkipAll {
			return Result{Text: "Error: " + walkErr.Error(), IsError: true}, nil
		}

		if len(results) == 0 {
			return Result{Text: "No matches."}, nil
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "%s:%d:%s\n", r.Path, r.Line, r.Content)
		}
		if len(results) >= maxGrepMatches {
			fmt.Fprintf(&b, "(Limited to %d matches.)\n", maxGrepMatches)
		}
		return Result{Text: b.String()}, nil
	}
}

func grepFile(absPath, relPath string, regex *regexp.Regexp, contextLines int) ([]filesearch.Result, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "\x00") {
			return nil, nil // binary heuristic
		}
		all = append(all, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var out []filesearch.Result
	for i, line := range all {
		if !regex.MatchString(line) {
			continue
		}
		content := line
		if contextLines > 0 {
			lo := i - contextLines
			if lo < 0 {
				lo = 0
			}
			hi := i + contextLines
			if hi >= len(all) {
				hi = len(all) - 1
			}
			content = strings.Join(all[lo:hi+1], "\n")
		}
		out = append(out, filesearch.Result{Path: relPath, Line: i + 1, Content: content})
	}
	return out, nil
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const webSearchTimeout = 15 * time.Second

type webSearchArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

// WebSearchSchema is the JSON schema exposed to the model for web_search.
var WebSearchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Search query."},
		"num_results": {"type": "integer", "description": "Maximum number of results. Defaults to 10."}
	},
	"required": ["query"]
}`)

// SearchResult is one ranked result from the configured search endpoint.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchEndpointResponse struct {
	Results []SearchResult `json:"results"`
}

// NewWebSearchTool builds the web_search built-in: it POSTs a query to a
// configured search endpoint and returns a ranked list of results.
func NewWebSearchTool(endpoint, apiKey string) Tool {
	return Tool{
		Name:        "web_search",
		Description: "Search the web via the configured search endpoint and return a ranked list of results.",
		Schema:      WebSearchSchema,
		Class:       ReadOnly,
		Handler:     makeWebSearchHandler(endpoint, apiKey),
	}
}

func makeWebSearchHandler(endpoint, apiKey string) Handler {
	client := &http.Client{Timeout: webSearchTimeout}
	return func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var args webSearchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{Text: "Error: invalid arguments: " + err.Error(), IsError: true}, nil
		}
		if args.Query == "" {
			return Result{Text: "Error: query is required", IsError: true}, nil
		}
		if endpoint == "" {
			return Result{Text: "Error: no search endpoint configured", IsError: true}, nil
		}
		numResults := args.NumResults
		if numResults <= 0 {
			numResults = 10
		}

		reqBody, _ := json.Marshal(map[string]any{
			"query":       args.Query,
			"num_results": numResults,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Result{Text: "Error: " + err.Error(), IsError: true}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return Result{Text: fmt.Sprintf("Error: search endpoint returned status %d", resp.StatusCode), IsError: true}, nil
		}

		var parsed searchEndpointResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Result{Text: "Error: malformed search response: " + err.Error(), IsError: true}, nil
		}

		var b strings.Builder
		for i, r := range parsed.Results {
			if i >= numResults {
				break
			}
			snippet := r.Snippet
			if looksLikeHTML(snippet) {
				snippet = extractText(snippet)
			}
			fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, snippet)
		}
		if b.Len() == 0 {
			return Result{Text: "No results."}, nil
		}
		return Result{Text: b.String()}, nil
	}
}

func looksLikeHTML(s string) bool {
	return strings.Contains(s, "</") || strings.Contains(s, "/>")
}

// extractText strips HTML tags from a snippet using golang.org/x/net/html.
func extractText(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String())
}

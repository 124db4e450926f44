// Package parser implements the Incremental Parser: a single-pass scanner
// that splits a raw model-output buffer into reasoning, user-visible
// content, and tool-calls recovered from embedded XML, safely over partial
// (streaming) prefixes of that buffer.
package parser

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ace-cli/ace/internal/provider"
)

const (
	thinkOpen    = "<think>"
	thinkClose   = "</think>"
	toolCallOpen = "<minimax:tool_call>"
	toolCallEnd  = "</minimax:tool_call>"
)

// danglingPrefixes are checked, longest first, against the tail of the
// buffer to decide whether an incomplete tag is being streamed in.
var danglingPrefixes = []string{toolCallEnd, toolCallOpen, thinkClose, thinkOpen}

// Result is IP's output for one buffer (full or partial).
type Result struct {
	Content    string
	Reasoning  string
	ToolCalls  []provider.ToolCall
	Pending    bool // a tag is open/dangling at the end of the buffer
}

// Parse runs IP over a raw content buffer plus the separately accumulated
// structured-reasoning buffer. The structured reasoning comes first and the
// <think> reasoning is joined to it with a single newline; neither is
// deduplicated against the other.
func Parse(raw, structuredReasoning string, tsForIDs int64) Result {
	var res Result
	var reasoningParts []string
	if structuredReasoning != "" {
		reasoningParts = append(reasoningParts, structuredReasoning)
	}

	content, thinkReasoning, thinkPending := extractThink(raw)
	if thinkReasoning != "" {
		reasoningParts = append(reasoningParts, thinkReasoning)
	}

	content, calls, toolPending := extractToolCalls(content, tsForIDs)
	content, strippedPending := stripDanglingPrefix(content)

	res.Content = content
	res.Reasoning = strings.Join(reasoningParts, "\n")
	res.ToolCalls = calls
	res.Pending = thinkPending || toolPending || strippedPending
	return res
}

// extractThink removes every complete <think>...</think> block from s,
// returning the remainder, the joined trimmed inner text of all completed
// blocks, and whether an unclosed <think> tag was found (in which case
// everything after it is cut from the remainder and its trimmed text is
// appended to the reasoning as partial reasoning — it is not further
// exposed as content).
func extractThink(s string) (remainder, reasoning string, pending bool) {
	var out strings.Builder
	var reasonParts []string
	rest := s
	for {
		start := strings.Index(rest, thinkOpen)
		if start == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		afterOpen := rest[start+len(thinkOpen):]
		end := strings.Index(afterOpen, thinkClose)
		if end == -1 {
			// Unclosed: everything after <think> is partial reasoning.
			if partial := strings.TrimSpace(afterOpen); partial != "" {
				reasonParts = append(reasonParts, partial)
			}
			pending = true
			break
		}
		inner := strings.TrimSpace(afterOpen[:end])
		if inner != "" {
			reasonParts = append(reasonParts, inner)
		}
		rest = afterOpen[end+len(thinkClose):]
	}
	return out.String(), strings.Join(reasonParts, "\n"), pending
}

// extractToolCalls removes every complete <minimax:tool_call>...</minimax:tool_call>
// block from s, returning the remainder, the recovered ToolCalls (in
// document order, with synthesized ids), and whether an unclosed block was
// found (remainder is truncated at its start in that case).
func extractToolCalls(s string, ts int64) (remainder string, calls []provider.ToolCall, pending bool) {
	var out strings.Builder
	rest := s
	idx := 0
	for {
		start := strings.Index(rest, toolCallOpen)
		if start == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		afterOpen := rest[start+len(toolCallOpen):]
		end := strings.Index(afterOpen, toolCallEnd)
		if end == -1 {
			pending = true
			break
		}
		block := afterOpen[:end]
		for _, c := range parseInvokes(block, ts, &idx) {
			calls = append(calls, c)
		}
		rest = afterOpen[end+len(toolCallEnd):]
	}
	return out.String(), calls, pending
}

const (
	invokeOpenPrefix = `<invoke name="`
	invokeClose      = "</invoke>"
	paramOpenPrefix  = `<parameter name="`
	paramClose       = "</parameter>"
)

// parseInvokes scans one already-closed <minimax:tool_call> block for
// <invoke name="...">...</invoke> children, each yielding one ToolCall.
func parseInvokes(block string, ts int64, idx *int) []provider.ToolCall {
	var out []provider.ToolCall
	rest := block
	for {
		start := strings.Index(rest, invokeOpenPrefix)
		if start == -1 {
			break
		}
		afterPrefix := rest[start+len(invokeOpenPrefix):]
		nameEnd := strings.Index(afterPrefix, `"`)
		if nameEnd == -1 {
			break
		}
		name := afterPrefix[:nameEnd]
		afterName := afterPrefix[nameEnd:]
		tagEnd := strings.Index(afterName, ">")
		if tagEnd == -1 {
			break
		}
		body := afterName[tagEnd+1:]
		end := strings.Index(body, invokeClose)
		if end == -1 {
			break
		}
		inner := body[:end]
		args := parseParameters(inner)
		encoded, err := json.Marshal(args)
		if err != nil {
			encoded = []byte("{}")
		}
		out = append(out, provider.ToolCall{
			ID:        "xml_tc_" + strconv.FormatInt(ts, 10) + "_" + strconv.Itoa(*idx),
			Name:      name,
			Arguments: string(encoded),
		})
		*idx++
		rest = body[end+len(invokeClose):]
	}
	return out
}

// parseParameters scans the inside of one <invoke> for <parameter name="K">V</parameter>
// children and coerces each value per the §4.2 coercion order.
func parseParameters(inner string) map[string]any {
	args := make(map[string]any)
	rest := inner
	for {
		start := strings.Index(rest, paramOpenPrefix)
		if start == -1 {
			break
		}
		afterPrefix := rest[start+len(paramOpenPrefix):]
		nameEnd := strings.Index(afterPrefix, `"`)
		if nameEnd == -1 {
			break
		}
		key := afterPrefix[:nameEnd]
		afterName := afterPrefix[nameEnd:]
		tagEnd := strings.Index(afterName, ">")
		if tagEnd == -1 {
			break
		}
		body := afterName[tagEnd+1:]
		end := strings.Index(body, paramClose)
		if end == -1 {
			break
		}
		raw := strings.TrimSpace(body[:end])
		args[key] = coerce(raw)
		rest = body[end+len(paramClose):]
	}
	return args
}

// coerce applies the §4.2 value coercion order: bool, int, float, JSON
// array/object, else string.
func coerce(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if isAllDigits(raw) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	if isDigitsDotDigits(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	if strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "{") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isDigitsDotDigits(s string) bool {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return false
	}
	return isAllDigits(parts[0]) && isAllDigits(parts[1])
}

// stripDanglingPrefix removes a trailing partial occurrence of any of the
// four structural tags from the tail of s, without touching unrelated
// HTML-like tags such as <code> or <div>.
func stripDanglingPrefix(s string) (string, bool) {
	for _, tag := range danglingPrefixes {
		for n := len(tag) - 1; n > 0; n-- {
			if strings.HasSuffix(s, tag[:n]) {
				return s[:len(s)-n], true
			}
		}
	}
	return s, false
}

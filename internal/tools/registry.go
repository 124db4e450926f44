// Package tools implements the Tool Registry and Tool Executor: the
// process-wide set of named tools (built-in and external-bridge), mode
// gating, and the argument/timeout/result pipeline that turns a ToolCall
// into a ToolResult.
package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/ace-cli/ace/internal/errs"
	"github.com/ace-cli/ace/internal/provider"
)

// Class classifies a tool for mode gating.
type Class int

const (
	ReadOnly Class = iota
	Mutating
)

// Mode is the access class currently granted to the engine.
type Mode int

const (
	ModePlan Mode = iota
	ModeBuilder
)

// Result is what a tool handler returns. Meta carries optional structured
// preview metadata (diff, created-file info, etc). Kind classifies an
// error result per the §7 taxonomy so callers above TE can log/branch
// without re-parsing Text; it is empty on success.
type Result struct {
	Text    string
	IsError bool
	Meta    map[string]any
	Kind    errs.Kind
}

// Handler implements one tool's behavior.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Class       Class
	Handler     Handler
}

// Bridge is the subset of the external-bridge client the registry needs
// to discover and route mcp__<server>__<tool> calls.
type Bridge interface {
	// Tools returns every bridge-exposed tool name along with its schema
	// and whether it is read-only (external tools are treated as
	// ReadOnly only when the bridge reports so; unknown defaults to
	// Mutating — the conservative choice for gating).
	Tools() []BridgeTool
	// Call dispatches name (already including mcp__server__ prefix) to
	// the configured server.
	Call(ctx context.Context, name string, args json.RawMessage) (Result, error)
}

// BridgeTool describes one tool surfaced by the external bridge.
type BridgeTool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	ReadOnly    bool
}

// Registry is the process-wide, immutable-after-startup tool set.
type Registry struct {
	builtins map[string]Tool
	bridge   Bridge
}

// NewRegistry builds a Registry from the given built-in tools. Bridge may
// be nil if no external servers are configured.
func NewRegistry(builtins []Tool, bridge Bridge) *Registry {
	m := make(map[string]Tool, len(builtins))
	for _, t := range builtins {
		m[t.Name] = t
	}
	return &Registry{builtins: m, bridge: bridge}
}

// Schemas returns the tool schemas visible in the given mode: in PLAN,
// only ReadOnly built-ins and ReadOnly external-bridge tools.
func (r *Registry) Schemas(mode Mode) []provider.Tool {
	var out []provider.Tool
	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := r.builtins[name]
		if mode == ModePlan && t.Class == Mutating {
			continue
		}
		out = append(out, provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	if r.bridge != nil {
		for _, bt := range r.bridge.Tools() {
			if mode == ModePlan && !bt.ReadOnly {
				continue
			}
			out = append(out, provider.Tool{Name: bt.Name, Description: bt.Description, Parameters: bt.Schema})
		}
	}
	return out
}

// lookupKind distinguishes what lookup found.
type lookupKind int

const (
	lookupNone lookupKind = iota
	lookupBuiltin
	lookupBridge
)

func (r *Registry) lookup(name string) (Tool, lookupKind) {
	if t, ok := r.builtins[name]; ok {
		return t, lookupBuiltin
	}
	if r.bridge != nil {
		for _, bt := range r.bridge.Tools() {
			if bt.Name == name {
				return Tool{Name: bt.Name, Class: classOf(bt.ReadOnly)}, lookupBridge
			}
		}
	}
	return Tool{}, lookupNone
}

func classOf(readOnly bool) Class {
	if readOnly {
		return ReadOnly
	}
	return Mutating
}

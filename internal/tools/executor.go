package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ace-cli/ace/internal/errs"
)

// deniedMessageFmt is the policy-refusal shape §4.4 step 3 requires: "not a
// raised error", returned as ordinary result text. Prefixed like every
// other error result in the tree, matching §8 scenario 5's exact wording.
const deniedMessageFmt = "Error: Tool %q is not available in PLAN mode. Switch to BUILDER mode to use mutating tools."

// Executor implements TE: decode args, mode-gate, invoke, normalize.
type Executor struct {
	registry *Registry
}

// NewExecutor builds an Executor bound to a Registry.
func NewExecutor(r *Registry) *Executor {
	return &Executor{registry: r}
}

// Execute runs one tool call to completion. It never returns a Go error for
// tool-level failures — those become Result.IsError text per §4.4/§9.
func (e *Executor) Execute(ctx context.Context, name, argsString string, mode Mode) Result {
	var raw json.RawMessage
	switch {
	case argsString == "":
		raw = json.RawMessage("{}")
	case !json.Valid([]byte(argsString)):
		log.Warn().Str("tool", name).Str("args", argsString).Msg("tool arguments not valid JSON, treating as empty")
		raw = json.RawMessage("{}")
	default:
		raw = json.RawMessage(argsString)
	}

	tool, kind := e.registry.lookup(name)
	if kind == lookupNone {
		return Result{Text: fmt.Sprintf("Error: unknown tool %q", name), IsError: true, Kind: errs.ToolNotFound}
	}

	// kind already classifies bridge tools ReadOnly/Mutating from the
	// bridge's own report, so this single check covers both built-ins
	// and external-bridge names per §4.3's gating rule.
	if mode == ModePlan && tool.Class == Mutating {
		return Result{Text: fmt.Sprintf(deniedMessageFmt, name), IsError: true, Kind: errs.ToolDenied}
	}

	var res Result
	var err error
	if kind == lookupBridge {
		res, err = e.registry.bridge.Call(ctx, name, raw)
	} else {
		res, err = e.invokeBuiltin(ctx, tool, raw)
	}
	if err != nil {
		log.Error().Err(err).Str("tool", name).Msg("tool invocation failed")
		return Result{Text: "Error: " + err.Error(), IsError: true, Kind: errs.ToolFailure}
	}
	return res
}

func (e *Executor) invokeBuiltin(ctx context.Context, tool Tool, args json.RawMessage) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panic: %v", r)
		}
	}()
	return tool.Handler(ctx, args)
}

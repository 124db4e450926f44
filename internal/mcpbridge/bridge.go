// Package mcpbridge implements the external-bridge collaborator contract
// of §6: one subprocess per configured server, communicated with
// length-prefixed JSON-RPC over its standard streams, exposing
// initialize/list-tools/call-tool. Tools are surfaced to the engine as
// mcp__<server>__<tool>.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ace-cli/ace/internal/config"
	"github.com/ace-cli/ace/internal/errs"
	"github.com/ace-cli/ace/internal/tools"
)

// Bridge implements tools.Bridge against a set of configured external
// servers, started and handshaken once at startup (§5 "TR is immutable
// after startup" extends to the bridge's tool list once loaded).
type Bridge struct {
	servers map[string]*server
}

// New spawns and initializes one subprocess per entry in servers, querying
// each for its tool list. A server that fails to start or initialize is
// logged and skipped rather than aborting the whole engine — one
// misconfigured external tool shouldn't take down the session.
func New(ctx context.Context, servers map[string]config.ServerConfig) *Bridge {
	b := &Bridge{servers: make(map[string]*server, len(servers))}
	for name, cfg := range servers {
		srv, err := startServer(name, cfg)
		if err != nil {
			log.Error().Err(err).Str("server", name).Msg("failed to start external-bridge server")
			continue
		}
		if err := srv.initialize(ctx); err != nil {
			log.Error().Err(err).Str("server", name).Msg("failed to initialize external-bridge server")
			_ = srv.close()
			continue
		}
		if _, err := srv.listTools(ctx); err != nil {
			log.Error().Err(err).Str("server", name).Msg("failed to list tools on external-bridge server")
		}
		b.servers[name] = srv
	}
	return b
}

// qualifiedName builds the mcp__<server>__<tool> name per §6.
func qualifiedName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// splitQualifiedName reverses qualifiedName, returning ok=false if name
// isn't a mcp__ prefixed tool name.
func splitQualifiedName(name string) (server, tool string, ok bool) {
	const prefix = "mcp__"
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	rest := name[len(prefix):]
	idx := strings.Index(rest, "__")
	if idx == -1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// Tools implements tools.Bridge. Every bridge tool is reported Mutating
// (ReadOnly: false) — the MCP wire protocol carries no read-only
// annotation, so the registry's conservative default applies (§4.3).
func (b *Bridge) Tools() []tools.BridgeTool {
	var out []tools.BridgeTool
	for name, srv := range b.servers {
		for _, t := range srv.tools {
			out = append(out, tools.BridgeTool{
				Name:        qualifiedName(name, t.Name),
				Description: t.Description,
				Schema:      t.InputSchema,
				ReadOnly:    false,
			})
		}
	}
	return out
}

// Call implements tools.Bridge: dispatches a mcp__server__tool name to its
// configured server, per-call timeout enforced by server.callTool.
func (b *Bridge) Call(ctx context.Context, name string, args json.RawMessage) (tools.Result, error) {
	serverName, toolName, ok := splitQualifiedName(name)
	if !ok {
		return tools.Result{Text: fmt.Sprintf("Error: malformed external tool name %q", name), IsError: true, Kind: errs.ExternalUnreachable}, nil
	}
	srv, ok := b.servers[serverName]
	if !ok {
		return tools.Result{Text: fmt.Sprintf("Error: external-bridge server %q is unreachable", serverName), IsError: true, Kind: errs.ExternalUnreachable}, nil
	}

	result, err := srv.callTool(ctx, toolName, args)
	if err != nil {
		return tools.Result{Text: fmt.Sprintf("Error: external-bridge call to %q failed: %v", name, err), IsError: true, Kind: errs.ExternalUnreachable}, nil
	}

	var text strings.Builder
	for i, block := range result.Content {
		if block.Type != "text" {
			continue
		}
		if i > 0 && text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(block.Text)
	}
	return tools.Result{Text: text.String(), IsError: result.IsError}, nil
}

// Close shuts down every configured server's subprocess.
func (b *Bridge) Close() {
	for _, srv := range b.servers {
		_ = srv.close()
	}
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}
	return b, nil
}

func unmarshalInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal rpc payload: %w", err)
	}
	return nil
}

func rawOrEmpty(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}

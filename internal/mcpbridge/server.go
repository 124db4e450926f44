package mcpbridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ace-cli/ace/internal/config"
)

// callTimeout is the per-call timeout against one external-bridge server,
// per §5 "External-bridge request: 15 seconds per call."
const callTimeout = 15 * time.Second

// server owns one external-bridge subprocess and serializes access to its
// single stdio channel, per §5 "access is serialized per server."
type server struct {
	name string
	cmd  *exec.Cmd
	in   io.WriteCloser
	out  io.ReadCloser

	mu     sync.Mutex // held for the duration of one request/response round trip
	nextID atomic.Int64

	tools []wireTool
}

func startServer(name string, cfg config.ServerConfig) (*server, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start external-bridge server %s: %w", name, err)
	}

	return &server{name: name, cmd: cmd, in: stdin, out: stdout}, nil
}

// roundTrip sends one JSON-RPC request and waits for its matching response,
// serialized against any concurrent caller on the same server.
func (s *server) roundTrip(ctx context.Context, method string, params, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID.Add(1)
	reqParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: reqParams}

	type rtResult struct {
		resp rpcResponse
		err  error
	}
	done := make(chan rtResult, 1)
	go func() {
		if err := writeFrame(s.in, req); err != nil {
			done <- rtResult{err: err}
			return
		}
		raw, err := readFrame(s.out)
		if err != nil {
			done <- rtResult{err: err}
			return
		}
		var resp rpcResponse
		if err := unmarshalInto(raw, &resp); err != nil {
			done <- rtResult{err: err}
			return
		}
		done <- rtResult{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if r.resp.Error != nil {
			return fmt.Errorf("bridge error %d: %s", r.resp.Error.Code, r.resp.Error.Message)
		}
		if result != nil {
			return unmarshalInto(r.resp.Result, result)
		}
		return nil
	}
}

func (s *server) initialize(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "ace", "version": "0.1.0"},
	}
	var ignored map[string]any
	if err := s.roundTrip(cctx, "initialize", params, &ignored); err != nil {
		return fmt.Errorf("initialize %s: %w", s.name, err)
	}
	return nil
}

func (s *server) listTools(ctx context.Context) ([]wireTool, error) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	var result listToolsResult
	if err := s.roundTrip(cctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", s.name, err)
	}
	s.tools = result.Tools
	return result.Tools, nil
}

func (s *server) callTool(ctx context.Context, toolName string, args []byte) (*toolResult, error) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	params := map[string]any{"name": toolName, "arguments": rawOrEmpty(args)}
	var result toolResult
	if err := s.roundTrip(cctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *server) close() error {
	_ = s.in.Close()
	_ = s.out.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	log.Debug().Str("server", s.name).Err(err).Msg("external-bridge server exited")
	return nil
}

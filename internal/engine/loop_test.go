package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ace-cli/ace/internal/delta"
	"github.com/ace-cli/ace/internal/eventbus"
	"github.com/ace-cli/ace/internal/history"
	"github.com/ace-cli/ace/internal/provider"
	"github.com/ace-cli/ace/internal/tools"
)

// fakeProvider replays a fixed script of responses, one per call to
// ChatStream, so tests can drive CL through specific scenarios without a
// real network round trip.
type fakeProvider struct {
	calls     int
	responses [][]provider.StreamEvent
}

func (f *fakeProvider) ChatStream(_ context.Context, _ string, _ []provider.Message, _ []provider.Tool) (<-chan provider.StreamEvent, error) {
	idx := f.calls
	f.calls++
	ch := make(chan provider.StreamEvent, 16)
	go func() {
		defer close(ch)
		if idx >= len(f.responses) {
			ch <- provider.StreamEvent{Type: provider.EventDone, FinishReason: "stop"}
			return
		}
		for _, ev := range f.responses[idx] {
			ch <- ev
		}
	}()
	return ch, nil
}

func drainBus(bus *eventbus.Bus) (<-chan []eventbus.Event, func()) {
	out := make(chan []eventbus.Event, 1)
	done := make(chan struct{})
	var collected []eventbus.Event
	go func() {
		for ev := range bus.Events() {
			collected = append(collected, ev)
		}
		out <- collected
		close(done)
	}()
	return out, func() { <-done }
}

func newTestLoop(t *testing.T, prov provider.Provider, builtins []tools.Tool, mode tools.Mode) (*Loop, *history.Store, <-chan []eventbus.Event) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "ace.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sess, err := store.CreateSession("test-model")
	if err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry(builtins, nil)
	exec := tools.NewExecutor(reg)
	bus := eventbus.New()
	out, wait := drainBus(bus)
	t.Cleanup(wait)

	tracker := delta.New(store.DB())
	loop := New(prov, reg, exec, store, bus, tracker, mode, t.TempDir(), "test-model", sess, nil)
	t.Cleanup(bus.Close)
	return loop, store, out
}

func TestProcessTurn_PlainAnswer(t *testing.T) {
	prov := &fakeProvider{responses: [][]provider.StreamEvent{
		{
			{Type: provider.EventContentDelta, Text: "Hi!"},
			{Type: provider.EventDone, FinishReason: "stop", Usage: &provider.Usage{TotalTokens: 10}},
		},
	}}
	loop, store, _ := newTestLoop(t, prov, nil, tools.ModeBuilder)

	if err := loop.ProcessTurn(context.Background(), "Hello"); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.LoadMessages(loop.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != provider.RoleUser || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Role != provider.RoleAssistant || msgs[1].Content != "Hi!" {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}
	if len(msgs[1].ToolCalls) != 0 {
		t.Fatal("expected no tool calls")
	}
}

func TestProcessTurn_StructuredToolCall(t *testing.T) {
	called := false
	echoTool := tools.Tool{
		Name:        "glob",
		Description: "test glob",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Class:       tools.ReadOnly,
		Handler: func(_ context.Context, raw json.RawMessage) (tools.Result, error) {
			called = true
			return tools.Result{Text: "a.txt\nb.txt"}, nil
		},
	}

	prov := &fakeProvider{responses: [][]provider.StreamEvent{
		{
			{Type: provider.EventToolCallDelta, ToolCall: &provider.ToolCallSnapshot{Index: 0, ID: "c1", Name: "glob", Arguments: `{"pattern":"*.txt"}`}},
			{Type: provider.EventDone, FinishReason: "tool_calls"},
		},
		{
			{Type: provider.EventContentDelta, Text: "Found two files."},
			{Type: provider.EventDone, FinishReason: "stop"},
		},
	}}
	loop, store, _ := newTestLoop(t, prov, []tools.Tool{echoTool}, tools.ModeBuilder)

	if err := loop.ProcessTurn(context.Background(), "list files"); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected glob handler to be invoked")
	}

	msgs, err := store.LoadMessages(loop.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4 (user, assistant+tc, tool result, assistant)", len(msgs))
	}
	if msgs[1].Role != provider.RoleAssistant || len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "c1" {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
	if msgs[2].Role != provider.RoleTool || msgs[2].ToolCallID != "c1" || msgs[2].Content != "a.txt\nb.txt" {
		t.Fatalf("unexpected tool result: %+v", msgs[2])
	}
	if msgs[3].Role != provider.RoleAssistant || msgs[3].Content != "Found two files." {
		t.Fatalf("unexpected final assistant message: %+v", msgs[3])
	}
}

func TestProcessTurn_XMLFallbackWhenNoStructuredCalls(t *testing.T) {
	var gotArgs string
	readTool := tools.Tool{
		Name:   "read_file",
		Schema: json.RawMessage(`{"type":"object"}`),
		Class:  tools.ReadOnly,
		Handler: func(_ context.Context, raw json.RawMessage) (tools.Result, error) {
			gotArgs = string(raw)
			return tools.Result{Text: "1: hello\n"}, nil
		},
	}

	content := `Looking...<minimax:tool_call><invoke name="read_file"><parameter name="path">a.txt</parameter></invoke></minimax:tool_call>`
	prov := &fakeProvider{responses: [][]provider.StreamEvent{
		{
			{Type: provider.EventContentDelta, Text: content},
			{Type: provider.EventDone, FinishReason: "stop"},
		},
		{
			{Type: provider.EventContentDelta, Text: "Done."},
			{Type: provider.EventDone, FinishReason: "stop"},
		},
	}}
	loop, store, _ := newTestLoop(t, prov, []tools.Tool{readTool}, tools.ModeBuilder)

	if err := loop.ProcessTurn(context.Background(), "read a.txt"); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.LoadMessages(loop.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[1].Content != "Looking..." {
		t.Fatalf("content = %q, want tool_call block stripped", msgs[1].Content)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "read_file" {
		t.Fatalf("unexpected synthesized tool calls: %+v", msgs[1].ToolCalls)
	}
	if gotArgs != `{"path":"a.txt"}` {
		t.Fatalf("args = %q", gotArgs)
	}
}

func TestProcessTurn_PlanModeDeniesMutatingTool(t *testing.T) {
	sideEffect := false
	writeTool := tools.Tool{
		Name:   "write_file",
		Schema: json.RawMessage(`{"type":"object"}`),
		Class:  tools.Mutating,
		Handler: func(_ context.Context, raw json.RawMessage) (tools.Result, error) {
			sideEffect = true
			return tools.Result{Text: "written"}, nil
		},
	}

	prov := &fakeProvider{responses: [][]provider.StreamEvent{
		{
			{Type: provider.EventToolCallDelta, ToolCall: &provider.ToolCallSnapshot{Index: 0, ID: "c1", Name: "write_file", Arguments: `{"path":"x","content":"y"}`}},
			{Type: provider.EventDone, FinishReason: "tool_calls"},
		},
		{
			{Type: provider.EventContentDelta, Text: "ok"},
			{Type: provider.EventDone, FinishReason: "stop"},
		},
	}}
	loop, store, _ := newTestLoop(t, prov, []tools.Tool{writeTool}, tools.ModePlan)

	if err := loop.ProcessTurn(context.Background(), "write a file"); err != nil {
		t.Fatal(err)
	}
	if sideEffect {
		t.Fatal("write_file handler must not run in PLAN mode")
	}

	msgs, err := store.LoadMessages(loop.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	var toolMsg *history.Message
	for i := range msgs {
		if msgs[i].Role == provider.RoleTool {
			toolMsg = &msgs[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("expected a tool-result message")
	}
	if got := toolMsg.Content; got[:31] != `Error: Tool "write_file" is not` {
		t.Fatalf("unexpected denial text: %q", got)
	}
}

func TestProcessTurn_CancellationSkipsToolExecution(t *testing.T) {
	ranTool := false
	glob := tools.Tool{
		Name:   "glob",
		Schema: json.RawMessage(`{"type":"object"}`),
		Class:  tools.ReadOnly,
		Handler: func(_ context.Context, _ json.RawMessage) (tools.Result, error) {
			ranTool = true
			return tools.Result{Text: "x"}, nil
		},
	}

	prov := &fakeProvider{responses: [][]provider.StreamEvent{
		{
			{Type: provider.EventContentDelta, Text: "Par"},
			{Type: provider.EventToolCallDelta, ToolCall: &provider.ToolCallSnapshot{Index: 0, ID: "c1", Name: "glob", Arguments: `{"patt`}},
			{Type: provider.EventDone, FinishReason: "cancelled"},
		},
	}}
	loop, store, _ := newTestLoop(t, prov, []tools.Tool{glob}, tools.ModeBuilder)

	if err := loop.ProcessTurn(context.Background(), "list files"); err != nil {
		t.Fatal(err)
	}
	if ranTool {
		t.Fatal("tool must not run for a cancelled round")
	}

	msgs, err := store.LoadMessages(loop.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (user, assistant) — a dangling unclosed tool-call must not surface a synthesized result", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != provider.RoleAssistant {
		t.Fatalf("expected the last message to be the assistant's, got %+v", last)
	}
	if len(last.ToolCalls) != 0 {
		t.Fatalf("expected the dangling unclosed tool-call to be dropped, got %+v", last.ToolCalls)
	}
	if last.Content != "Par" {
		t.Fatalf("content = %q, want %q", last.Content, "Par")
	}
}

package parser

import (
	"strings"
	"testing"
)

func TestParse_PlainText(t *testing.T) {
	res := Parse("Hello there", "", 1)
	if res.Content != "Hello there" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Pending {
		t.Fatal("plain text should not be pending")
	}
	if len(res.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %v", res.ToolCalls)
	}
}

func TestParse_ThinkBlock(t *testing.T) {
	res := Parse("<think>pondering</think>answer", "", 1)
	if res.Content != "answer" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Reasoning != "pondering" {
		t.Fatalf("reasoning = %q", res.Reasoning)
	}
}

func TestParse_UnclosedThinkIsPending(t *testing.T) {
	res := Parse("before<think>still thinking", "", 1)
	if res.Content != "before" {
		t.Fatalf("content = %q", res.Content)
	}
	if !res.Pending {
		t.Fatal("expected pending for unclosed think tag")
	}
}

func TestParse_XMLToolCall(t *testing.T) {
	raw := `Looking...<minimax:tool_call><invoke name="read_file"><parameter name="path">a.txt</parameter></invoke></minimax:tool_call>`
	res := Parse(raw, "", 1700000000)
	if res.Content != "Looking..." {
		t.Fatalf("content = %q", res.Content)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.Name != "read_file" {
		t.Fatalf("name = %q", tc.Name)
	}
	if !strings.HasPrefix(tc.ID, "xml_tc_1700000000_0") {
		t.Fatalf("id = %q", tc.ID)
	}
	if tc.Arguments != `{"path":"a.txt"}` {
		t.Fatalf("arguments = %q", tc.Arguments)
	}
}

func TestParse_ParameterCoercion(t *testing.T) {
	raw := `<minimax:tool_call><invoke name="t"><parameter name="b">true</parameter><parameter name="n">42</parameter><parameter name="f">3.5</parameter><parameter name="arr">[1,2]</parameter><parameter name="s">hello</parameter></invoke></minimax:tool_call>`
	res := Parse(raw, "", 1)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.ToolCalls))
	}
	args := res.ToolCalls[0].Arguments
	for _, want := range []string{`"b":true`, `"n":42`, `"f":3.5`, `"arr":[1,2]`, `"s":"hello"`} {
		if !strings.Contains(args, want) {
			t.Errorf("arguments %q missing %q", args, want)
		}
	}
}

func TestParse_UnclosedToolCallIsPending(t *testing.T) {
	res := Parse(`done<minimax:tool_call><invoke name="x">`, "", 1)
	if res.Content != "done" {
		t.Fatalf("content = %q", res.Content)
	}
	if !res.Pending {
		t.Fatal("expected pending")
	}
}

func TestParse_DanglingTagPrefixStripped(t *testing.T) {
	res := Parse("hello<thi", "", 1)
	if res.Content != "hello" {
		t.Fatalf("content = %q", res.Content)
	}
	if !res.Pending {
		t.Fatal("expected pending")
	}
}

func TestParse_UnrelatedHTMLTagNotStripped(t *testing.T) {
	res := Parse("hello<code>", "", 1)
	if res.Content != "hello<code>" {
		t.Fatalf("content = %q, unrelated tag should survive", res.Content)
	}
}

func TestParse_Idempotence(t *testing.T) {
	raw := `text<think>r</think>more<minimax:tool_call><invoke name="x"><parameter name="k">v</parameter></invoke></minimax:tool_call>tail`
	first := Parse(raw, "", 1)
	if strings.Contains(first.Content, "<think>") || strings.Contains(first.Content, "<minimax:tool_call>") {
		t.Fatalf("content leaked structural tags: %q", first.Content)
	}
	second := Parse(first.Content, "", 1)
	if second.Content != first.Content {
		t.Fatalf("re-parse changed content: %q -> %q", first.Content, second.Content)
	}
}

func TestParse_StreamingSafety(t *testing.T) {
	raw := `prefix<think>reason</think>body<minimax:tool_call><invoke name="x"><parameter name="k">v</parameter></invoke></minimax:tool_call>suffix`
	full := Parse(raw, "", 1)
	for i := 0; i <= len(raw); i++ {
		partial := Parse(raw[:i], "", 1)
		if !partial.Pending && partial.Content != "" {
			if !strings.HasPrefix(full.Content, partial.Content) {
				t.Fatalf("prefix %d: partial content %q not a prefix of full %q", i, partial.Content, full.Content)
			}
		}
	}
}

func TestParse_PreservesBothReasoningStreamsVerbatim(t *testing.T) {
	res := Parse("<think>tag reasoning</think>answer", "structured reasoning", 1)
	if !strings.Contains(res.Reasoning, "tag reasoning") || !strings.Contains(res.Reasoning, "structured reasoning") {
		t.Fatalf("reasoning = %q, expected both streams preserved", res.Reasoning)
	}
}

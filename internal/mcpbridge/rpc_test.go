package mcpbridge

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	req := rpcRequest{JSONRPC: "2.0", ID: 7, Method: "tools/call", Params: json.RawMessage(`{"name":"grep"}`)}

	var buf bytes.Buffer
	if err := writeFrame(&buf, req); err != nil {
		t.Fatal(err)
	}

	payload, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}

	var got rpcRequest
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != req.ID || got.Method != req.Method {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	if string(got.Params) != string(req.Params) {
		t.Fatalf("params = %s, want %s", got.Params, req.Params)
	}
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := readFrame(&buf); err == nil {
		t.Fatal("expected an error for an oversized frame length")
	}
}

func TestReadFrame_TruncatedPayloadErrors(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, rpcResponse{JSONRPC: "2.0", ID: 1}); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	if _, err := readFrame(truncated); err == nil {
		t.Fatal("expected an error reading a truncated frame")
	}
}

func TestQualifiedName_RoundTrip(t *testing.T) {
	name := qualifiedName("filesystem", "read_file")
	if name != "mcp__filesystem__read_file" {
		t.Fatalf("qualifiedName = %q", name)
	}

	server, tool, ok := splitQualifiedName(name)
	if !ok || server != "filesystem" || tool != "read_file" {
		t.Fatalf("splitQualifiedName = (%q, %q, %v)", server, tool, ok)
	}
}

func TestSplitQualifiedName_ToolNameMayContainDoubleUnderscore(t *testing.T) {
	server, tool, ok := splitQualifiedName("mcp__git__diff__stat")
	if !ok || server != "git" || tool != "diff__stat" {
		t.Fatalf("splitQualifiedName = (%q, %q, %v)", server, tool, ok)
	}
}

func TestSplitQualifiedName_RejectsNonMCPNames(t *testing.T) {
	cases := []string{"read_file", "bash", "mcp_git_diff", ""}
	for _, name := range cases {
		if _, _, ok := splitQualifiedName(name); ok {
			t.Fatalf("splitQualifiedName(%q) should not succeed", name)
		}
	}
}

func TestMarshalParams_NilYieldsNilRaw(t *testing.T) {
	raw, err := marshalParams(nil)
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Fatalf("expected nil, got %s", raw)
	}
}

func TestRawOrEmpty_EmptyInputYieldsEmptyObject(t *testing.T) {
	if got := string(rawOrEmpty(nil)); got != "{}" {
		t.Fatalf("rawOrEmpty(nil) = %q", got)
	}
	if got := string(rawOrEmpty([]byte(`{"a":1}`))); got != `{"a":1}` {
		t.Fatalf("rawOrEmpty passthrough = %q", got)
	}
}

func TestToolResult_ContentConcatenation(t *testing.T) {
	res := toolResult{
		Content: []contentBlock{
			{Type: "text", Text: "line one"},
			{Type: "text", Text: "line two"},
		},
	}
	var joined strings.Builder
	for i, block := range res.Content {
		if i > 0 {
			joined.WriteByte('\n')
		}
		joined.WriteString(block.Text)
	}
	if joined.String() != "line one\nline two" {
		t.Fatalf("joined = %q", joined.String())
	}
}

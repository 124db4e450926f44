package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistry_SchemasGatedInPlanMode(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry([]Tool{
		NewReadFileTool(root),
		NewWriteFileTool(root, nil),
	}, nil)

	planSchemas := reg.Schemas(ModePlan)
	for _, s := range planSchemas {
		if s.Name == "write_file" {
			t.Fatal("write_file must not appear in PLAN schemas")
		}
	}
	builderSchemas := reg.Schemas(ModeBuilder)
	found := false
	for _, s := range builderSchemas {
		if s.Name == "write_file" {
			found = true
		}
	}
	if !found {
		t.Fatal("write_file must appear in BUILDER schemas")
	}
}

func TestExecutor_DeniesMutatingInPlanMode(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry([]Tool{NewWriteFileTool(root, nil)}, nil)
	exec := NewExecutor(reg)

	res := exec.Execute(context.Background(), "write_file", `{"path":"x","content":"y"}`, ModePlan)
	if !res.IsError {
		t.Fatal("expected denial error")
	}
	if _, err := os.Stat(filepath.Join(root, "x")); !os.IsNotExist(err) {
		t.Fatal("file must not have been created in PLAN mode")
	}
}

func TestExecutor_UnknownTool(t *testing.T) {
	reg := NewRegistry(nil, nil)
	exec := NewExecutor(reg)
	res := exec.Execute(context.Background(), "nope", `{}`, ModeBuilder)
	if !res.IsError {
		t.Fatal("expected error for unknown tool")
	}
}

func TestExecutor_InvalidArgsTreatedAsEmptyObject(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry([]Tool{NewListDirectoryTool(root)}, nil)
	exec := NewExecutor(reg)
	res := exec.Execute(context.Background(), "list_directory", `not json`, ModeBuilder)
	if res.IsError {
		t.Fatalf("expected tool to validate its own args, got error: %s", res.Text)
	}
}

func TestEditFile_RequiresUniqueOccurrence(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "x")
	if err := os.WriteFile(path, []byte("ab\nab\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewEditFileTool(root, nil)
	raw, _ := json.Marshal(map[string]string{"path": "x", "old_str": "ab", "new_str": "cd"})
	res, err := tool.Handler(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected error for non-unique old_str")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "ab\nab\n" {
		t.Fatalf("file must be unchanged, got %q", data)
	}
}

func TestEditFile_SucceedsOnUniqueOccurrence(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "x")
	if err := os.WriteFile(path, []byte("unique\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewEditFileTool(root, nil)
	raw, _ := json.Marshal(map[string]string{"path": "x", "old_str": "unique", "new_str": "changed"})
	res, err := tool.Handler(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Text)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "changed\n" {
		t.Fatalf("file = %q", data)
	}
}

func TestReadFile_NumberedLines(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	os.WriteFile(path, []byte("a\nb\nc\n"), 0o644)

	tool := NewReadFileTool(root)
	raw, _ := json.Marshal(map[string]string{"path": "f.txt"})
	res, err := tool.Handler(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	want := "1\ta\n2\tb\n3\tc\n4\t\n"
	if res.Text != want {
		t.Fatalf("got %q want %q", res.Text, want)
	}
}

func TestValidatePath_RejectsEscape(t *testing.T) {
	root := t.TempDir()
	if _, err := validatePath(root, "../escape"); err == nil {
		t.Fatal("expected error for path escaping root")
	}
}

func TestTruncateMiddle(t *testing.T) {
	s := make([]byte, 100)
	for i := range s {
		s[i] = 'x'
	}
	out := truncateMiddle(string(s), 20)
	if len(out) >= len(s) {
		t.Fatalf("expected truncation, got len %d", len(out))
	}
}

package history

import (
	"path/filepath"
	"testing"

	"github.com/ace-cli/ace/internal/provider"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ace.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSession_DefaultName(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("big-model")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Name != defaultSessionName {
		t.Fatalf("name = %q, want default", sess.Name)
	}
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}
}

func TestAppendMessage_RetitlesOnFirstUserMessage(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}

	long := "Please help me refactor this long-running background worker pool so it drains cleanly on shutdown"
	if _, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleUser, Content: long}); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if got, want := sessions[0].Name, long[:50]; got != want {
		t.Fatalf("name = %q, want %q", got, want)
	}
}

func TestAppendMessage_RetitleOnlyHappensOnce(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleUser, Content: "first message"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleUser, Content: "second message, should not retitle"}); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if sessions[0].Name != "first message" {
		t.Fatalf("name = %q, want unchanged after second message", sessions[0].Name)
	}
}

func TestAppendMessage_CollapsesNewlines(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleUser, Content: "line one\nline two"}); err != nil {
		t.Fatal(err)
	}
	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if sessions[0].Name != "line one line two" {
		t.Fatalf("name = %q", sessions[0].Name)
	}
}

func TestLoadMessages_DenseAscendingSequence(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleUser, Content: "hi"})
		if err != nil {
			t.Fatal(err)
		}
		if id <= lastID {
			t.Fatalf("message ids not strictly increasing: %d after %d", id, lastID)
		}
		lastID = id
	}

	msgs, err := s.LoadMessages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("messages not in ascending id order at index %d", i)
		}
	}
}

func TestAppendMessage_RoundTripsToolCalls(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	calls := []provider.ToolCall{{ID: "call_1", Name: "read_file", Arguments: `{"path":"a.go"}`}}
	if _, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleAssistant, ToolCalls: calls}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.LoadMessages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("expected one message with one tool call, got %+v", msgs)
	}
	if msgs[0].ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool call name = %q", msgs[0].ToolCalls[0].Name)
	}
}

func TestToProviderMessages_PreservesRoleAndContent(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleUser, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(Message{SessionID: sess.ID, Role: provider.RoleAssistant, Content: "hi there"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.LoadMessages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	converted := ToProviderMessages(msgs)
	if len(converted) != 2 {
		t.Fatalf("expected 2 converted messages, got %d", len(converted))
	}
	if converted[0].Role != provider.RoleUser || converted[1].Role != provider.RoleAssistant {
		t.Fatalf("roles not preserved: %+v", converted)
	}
}

func TestLatestSessionID_ReturnsNewestUpdated(t *testing.T) {
	s := openTestStore(t)
	first, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(Message{SessionID: first.ID, Role: provider.RoleUser, Content: "touch first"}); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestSessionID()
	if err != nil {
		t.Fatal(err)
	}
	if latest != first.ID {
		t.Fatalf("latest = %q, want %q (second id %q untouched)", latest, first.ID, second.ID)
	}
}

func TestSessionExists(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("m")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.SessionExists(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected session to exist")
	}
	ok, err = s.SessionExists("nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected nonexistent session to not exist")
	}
}

package transcript

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"counsel/internal/gateway"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	tr, err := s.LoadCurrent("sage")
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if len(tr.Messages) != 0 {
		t.Fatalf("fresh transcript has %d messages", len(tr.Messages))
	}

	msgs := []gateway.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	if err := s.Append(tr, msgs...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := s.LoadCurrent("sage")
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if loaded.ID != tr.ID {
		t.Errorf("id changed across load: %s vs %s", loaded.ID, tr.ID)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(loaded.Messages))
	}
	if loaded.Messages[1].Content != "hi there" {
		t.Errorf("message = %+v", loaded.Messages[1])
	}
	if loaded.Messages[0].Timestamp.IsZero() {
		t.Error("timestamp not assigned on append")
	}
}

func TestAppendPreservesToolCalls(t *testing.T) {
	s := newTestStore(t)
	tr, _ := s.LoadCurrent("sage")

	err := s.Append(tr,
		gateway.Message{Role: "assistant", ToolCalls: []gateway.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Boston"}`},
		}},
		gateway.Message{Role: "tool", ToolCallID: "call_1", Content: "12C, rain"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, _ := s.LoadCurrent("sage")
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d", len(loaded.Messages))
	}
	tc := loaded.Messages[0].ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_1" || tc[0].Arguments != `{"city":"Boston"}` {
		t.Errorf("tool calls = %+v", tc)
	}
	if loaded.Messages[1].ToolCallID != "call_1" {
		t.Errorf("tool result = %+v", loaded.Messages[1])
	}
}

func TestLoadRepairsTrailingCorruption(t *testing.T) {
	s := newTestStore(t)
	tr, _ := s.LoadCurrent("sage")
	if err := s.Append(tr, gateway.Message{Role: "user", Content: "ok"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn write by appending garbage.
	path := filepath.Join(s.dir, "sage.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"message","mess`)
	f.Close()

	loaded, err := s.LoadCurrent("sage")
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "ok" {
		t.Errorf("repaired transcript = %+v", loaded.Messages)
	}

	// The file itself must be truncated back to valid records.
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "mess") {
		t.Error("corrupt tail still on disk")
	}

	// Appending after repair keeps the stream consistent.
	if err := s.Append(loaded, gateway.Message{Role: "assistant", Content: "fine"}); err != nil {
		t.Fatal(err)
	}
	again, _ := s.LoadCurrent("sage")
	if len(again.Messages) != 2 {
		t.Errorf("messages after repair+append = %d", len(again.Messages))
	}
}

func TestLoadBacksUpUnrecoverableFile(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.dir, "sage.jsonl")
	if err := os.WriteFile(path, []byte("not json at all\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadCurrent("sage")
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if len(loaded.Messages) != 0 {
		t.Errorf("fresh transcript has %d messages", len(loaded.Messages))
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("backup files = %v", matches)
	}
}

func TestArchiveLifecycle(t *testing.T) {
	s := newTestStore(t)
	tr, _ := s.LoadCurrent("sage")
	s.Append(tr, gateway.Message{Role: "user", Content: "first conversation"})

	id, err := s.Archive("sage")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if id == "" {
		t.Fatal("empty archive id")
	}

	// Current transcript is now fresh.
	fresh, _ := s.LoadCurrent("sage")
	if len(fresh.Messages) != 0 {
		t.Errorf("current transcript not reset: %d messages", len(fresh.Messages))
	}
	if fresh.ID == tr.ID {
		t.Error("fresh transcript reuses archived id")
	}

	// Archive is listed and readable.
	entries, err := s.Index().List("sage")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].Messages != 1 {
		t.Errorf("entries = %+v", entries)
	}

	archived, err := s.ReadArchive(id)
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(archived.Messages) != 1 || archived.Messages[0].Content != "first conversation" {
		t.Errorf("archived = %+v", archived.Messages)
	}

	// Delete removes file and index entry.
	if err := s.DeleteArchive(id); err != nil {
		t.Fatalf("DeleteArchive: %v", err)
	}
	if _, err := s.ReadArchive(id); !errors.Is(err, ErrArchiveNotFound) {
		t.Errorf("ReadArchive after delete = %v", err)
	}
}

func TestArchiveMissingTranscriptIsNoop(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Archive("nobody")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}
}

func TestDeleteCurrent(t *testing.T) {
	s := newTestStore(t)
	tr, _ := s.LoadCurrent("sage")
	s.Append(tr, gateway.Message{Role: "user", Content: "bye"})

	if err := s.Delete("sage"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	loaded, _ := s.LoadCurrent("sage")
	if len(loaded.Messages) != 0 {
		t.Errorf("transcript survived delete: %+v", loaded.Messages)
	}

	// Deleting again is fine.
	if err := s.Delete("sage"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

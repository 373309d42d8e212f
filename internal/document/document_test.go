package document

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadMarkdown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.md", "# Title\n\nSome *emphasized* text.\n")

	r := NewReader([]string{dir})
	text, err := r.Read("notes.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(text, "Title") || !strings.Contains(text, "emphasized") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "#") || strings.Contains(text, "*") {
		t.Errorf("markup leaked into output: %q", text)
	}
}

func TestReadPlainText(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plain.txt", "raw content")

	r := NewReader([]string{dir})
	text, err := r.Read("plain.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if text != "raw content" {
		t.Errorf("text = %q", text)
	}
}

func TestReadSearchesRootsInOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, second, "doc.txt", "from second")

	r := NewReader([]string{first, second})
	text, err := r.Read("doc.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if text != "from second" {
		t.Errorf("text = %q", text)
	}
}

func TestReadRejectsEscapingPaths(t *testing.T) {
	r := NewReader([]string{t.TempDir()})
	for _, name := range []string{"../etc/passwd", "/etc/passwd"} {
		if _, err := r.Read(name); err == nil {
			t.Errorf("Read(%q) should fail", name)
		}
	}
}

func TestReadMissing(t *testing.T) {
	r := NewReader([]string{t.TempDir()})
	if _, err := r.Read("absent.md"); err == nil {
		t.Fatal("expected error for missing document")
	}
}

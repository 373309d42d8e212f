package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)
	}
}

func TestResolveFileTag(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "style.md", "Always answer briefly.")

	r := NewResolver([]string{dir})
	got := r.Resolve("Rules:\n<$file:style.md$>\nEnd.")

	want := "Rules:\nAlways answer briefly.\nEnd."
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveNestedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "outer.md", "outer(<$file:inner.md$>)")
	writeFile(t, dir, "inner.md", "inner")

	r := NewResolver([]string{dir})
	if got := r.Resolve("<$file:outer.md$>"); got != "outer(inner)" {
		t.Errorf("Resolve() = %q, want outer(inner)", got)
	}
}

func TestResolveMissingFilePlaceholder(t *testing.T) {
	r := NewResolver([]string{t.TempDir()})
	got := r.Resolve("before <$file:me/missing.md$> after")

	if !strings.Contains(got, "me/missing.md") {
		t.Errorf("placeholder should name the missing path: %q", got)
	}
	if !strings.HasPrefix(got, "before ") || !strings.HasSuffix(got, " after") {
		t.Errorf("surrounding context must survive: %q", got)
	}
}

func TestResolveCycleTerminates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "A <$file:b.md$>")
	writeFile(t, dir, "b.md", "B <$file:a.md$>")

	r := NewResolver([]string{dir})

	done := make(chan string, 1)
	go func() { done <- r.Resolve("<$file:a.md$>") }()

	select {
	case got := <-done:
		if !strings.Contains(got, "cycle") {
			t.Errorf("expected cycle marker in %q", got)
		}
		if !strings.Contains(got, "A ") || !strings.Contains(got, "B ") {
			t.Errorf("content before the cycle should be preserved: %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Resolve() did not terminate on include cycle")
	}
}

func TestResolveSelfInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "self.md", "me: <$file:self.md$>")

	r := NewResolver([]string{dir})
	got := r.Resolve("<$file:self.md$>")
	if !strings.Contains(got, "cycle") {
		t.Errorf("self-include should produce a cycle marker: %q", got)
	}
}

func TestResolveDirTag(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "know/b.md", "bravo")
	writeFile(t, dir, "know/a.md", "alpha")
	writeFile(t, dir, "know/skip.txt", "nope")

	r := NewResolver([]string{dir})
	got := r.Resolve("<$dir:know/*.md$>")

	aIdx := strings.Index(got, "alpha")
	bIdx := strings.Index(got, "bravo")
	if aIdx < 0 || bIdx < 0 {
		t.Fatalf("both files should be embedded: %q", got)
	}
	if aIdx > bIdx {
		t.Errorf("files must be ordered lexicographically: %q", got)
	}
	if strings.Contains(got, "nope") {
		t.Errorf("non-matching file leaked in: %q", got)
	}
	if !strings.Contains(got, "--- a.md ---") || !strings.Contains(got, "--- b.md ---") {
		t.Errorf("per-file headers missing: %q", got)
	}
}

func TestResolveDirNoMatches(t *testing.T) {
	r := NewResolver([]string{t.TempDir()})
	got := r.Resolve("<$dir:nothing/*.md$>")
	if !strings.Contains(got, "nothing/*.md") {
		t.Errorf("placeholder should name the pattern: %q", got)
	}
}

func TestResolveDatetime(t *testing.T) {
	r := NewResolver(nil, WithClock(fixedClock()))

	if got := r.Resolve("<$datetime$>"); got != "2026-03-14 09:26:53" {
		t.Errorf("default format = %q", got)
	}
	if got := r.Resolve("<$datetime:%Y-%m-%d$>"); got != "2026-03-14" {
		t.Errorf("custom format = %q", got)
	}
	// Format specifiers containing colons must survive the kind:arg split.
	if got := r.Resolve("<$datetime:%H:%M$>"); got != "09:26" {
		t.Errorf("colon format = %q", got)
	}
}

func TestResolveIdempotentOnPlainText(t *testing.T) {
	r := NewResolver(nil)
	input := "No tags here. Math: 2 < 3, $100, a <b> tag."
	if got := r.Resolve(input); got != input {
		t.Errorf("tag-free text must pass through unchanged: %q", got)
	}

	// Resolving already-resolved output is a no-op.
	dir := t.TempDir()
	writeFile(t, dir, "x.md", "plain content")
	r2 := NewResolver([]string{dir})
	once := r2.Resolve("<$file:x.md$>")
	twice := r2.Resolve(once)
	if once != twice {
		t.Errorf("resolution is not idempotent: %q vs %q", once, twice)
	}
}

func TestResolveSearchRootOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, first, "dup.md", "from-first")
	writeFile(t, second, "dup.md", "from-second")

	r := NewResolver([]string{first, second})
	if got := r.Resolve("<$file:dup.md$>"); got != "from-first" {
		t.Errorf("first search root must win, got %q", got)
	}
}

func TestResolveUnknownTagPassesThrough(t *testing.T) {
	r := NewResolver(nil)
	input := "keep <$weather:boston$> as-is"
	if got := r.Resolve(input); got != input {
		t.Errorf("unknown tag was altered: %q", got)
	}
}

func TestCacheInvalidatedOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "v.md", "v1")

	r := NewResolver([]string{dir})
	if got := r.Resolve("<$file:v.md$>"); got != "v1" {
		t.Fatalf("first read = %q", got)
	}

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime; some filesystems have coarse resolution.
	newTime := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, newTime, newTime); err != nil {
		t.Fatal(err)
	}

	if got := r.Resolve("<$file:v.md$>"); got != "v2" {
		t.Errorf("stale cache served after mtime change: %q", got)
	}
}

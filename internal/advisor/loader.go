package advisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Loader reads advisor definitions from a directory of .md files and
// serves them by name. Reload replaces the whole set atomically.
type Loader struct {
	dir string

	mu       sync.RWMutex
	advisors map[string]*Advisor
}

// NewLoader creates a loader for the given directory. Call Reload
// before first use.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:      dir,
		advisors: make(map[string]*Advisor),
	}
}

// Reload re-reads every advisor file. Files that fail to parse are
// skipped and reported in the returned error list; valid advisors
// still load. The previous set is kept only if the directory itself
// is unreadable.
func (l *Loader) Reload() []error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return []error{fmt.Errorf("read advisors dir: %w", err)}
	}

	next := make(map[string]*Advisor)
	var errs []error

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".md")

		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("read advisor %s: %w", name, err))
			continue
		}

		a, err := Parse(name, string(data))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next[name] = a
	}

	l.mu.Lock()
	l.advisors = next
	l.mu.Unlock()

	return errs
}

// Get returns the advisor by name, or nil if unknown.
func (l *Loader) Get(name string) *Advisor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.advisors[name]
}

// Default returns the advisor marked `default: true`, or the first by
// name when none is marked. Returns nil when no advisors are loaded.
func (l *Loader) Default() *Advisor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.advisors))
	for name, a := range l.advisors {
		if a.Default {
			return a
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return l.advisors[names[0]]
}

// List returns all loaded advisors sorted by name.
func (l *Loader) List() []*Advisor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Advisor, 0, len(l.advisors))
	for _, a := range l.advisors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

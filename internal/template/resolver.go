// Package template resolves inclusion tags in advisor prompt text.
//
// Three tag kinds are supported:
//
//	<$file:notes/style.md$>      embed one file, resolved recursively
//	<$dir:knowledge/*.md$>       embed all matching files, sorted by name
//	<$datetime$>                 embed the current timestamp
//	<$datetime:%A %B %d$>        with an explicit strftime format
//
// Resolution is a pure transformation: a missing file or an include
// cycle produces an inline placeholder rather than an error, so partial
// context survives a broken include.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
)

// DefaultDatetimeFormat is used when a datetime tag has no format.
const DefaultDatetimeFormat = "%Y-%m-%d %H:%M:%S"

// maxDepth bounds recursion independently of cycle detection, guarding
// against pathological non-cyclic nesting.
const maxDepth = 32

var tagPattern = regexp.MustCompile(`<\$(.*?)\$>`)

// Resolver expands inclusion tags against an ordered set of search roots.
type Resolver struct {
	roots []string
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// cacheEntry caches raw file content keyed by path, valid while the
// file's mtime is unchanged.
type cacheEntry struct {
	mtime   time.Time
	content string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source for datetime tags.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver that searches roots in order;
// the first root containing a referenced file wins.
func NewResolver(roots []string, opts ...Option) *Resolver {
	r := &Resolver{
		roots: roots,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve expands all inclusion tags in text, transitively. Text with
// no tags is returned unchanged, so resolution is idempotent.
func (r *Resolver) Resolve(text string) string {
	return r.resolve(text, nil, 0)
}

func (r *Resolver) resolve(text string, chain []string, depth int) string {
	if depth > maxDepth {
		return text
	}

	return tagPattern.ReplaceAllStringFunc(text, func(match string) string {
		inner := match[2 : len(match)-2] // strip <$ and $>

		kind, arg := inner, ""
		if idx := strings.Index(inner, ":"); idx >= 0 {
			kind, arg = inner[:idx], inner[idx+1:]
		}

		switch kind {
		case "file":
			return r.resolveFile(arg, chain, depth)
		case "dir":
			return r.resolveDir(arg, chain, depth)
		case "datetime":
			return r.resolveDatetime(arg)
		default:
			// Unknown tag kinds pass through untouched so stray <$...$>
			// text in prompts is not silently eaten.
			return match
		}
	})
}

func (r *Resolver) resolveFile(path string, chain []string, depth int) string {
	abs, content, err := r.readFirst(path)
	if err != nil {
		return missingPlaceholder(path)
	}
	if onChain(chain, abs) {
		return cyclePlaceholder(path)
	}
	return r.resolve(content, append(chain, abs), depth+1)
}

func (r *Resolver) resolveDir(pattern string, chain []string, depth int) string {
	var matches []string
	for _, root := range r.roots {
		m, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			continue
		}
		if len(m) > 0 {
			matches = m
			break
		}
	}
	if len(matches) == 0 {
		return missingPlaceholder(pattern)
	}

	// Deterministic order: lexicographic by filename.
	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	var sb strings.Builder
	for _, path := range matches {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		sb.WriteString(fmt.Sprintf("--- %s ---\n", filepath.Base(path)))
		if onChain(chain, abs) {
			sb.WriteString(cyclePlaceholder(path))
			sb.WriteString("\n")
			continue
		}
		content, err := r.readCached(abs)
		if err != nil {
			sb.WriteString(missingPlaceholder(path))
			sb.WriteString("\n")
			continue
		}
		sb.WriteString(r.resolve(content, append(chain, abs), depth+1))
		if !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (r *Resolver) resolveDatetime(format string) string {
	if format == "" {
		format = DefaultDatetimeFormat
	}
	return strftime.Format(format, r.now())
}

// readFirst locates path under the search roots (first match wins) and
// returns its absolute path and content.
func (r *Resolver) readFirst(path string) (string, string, error) {
	if filepath.IsAbs(path) {
		content, err := r.readCached(path)
		return path, content, err
	}

	for _, root := range r.roots {
		candidate := filepath.Join(root, path)
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		content, err := r.readCached(abs)
		if err == nil {
			return abs, content, nil
		}
	}
	return "", "", os.ErrNotExist
}

// readCached returns file content, reusing the cached copy while the
// file's mtime is unchanged.
func (r *Resolver) readCached(abs string) (string, error) {
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", os.ErrNotExist
	}

	r.mu.Lock()
	if entry, ok := r.cache[abs]; ok && entry.mtime.Equal(info.ModTime()) {
		r.mu.Unlock()
		return entry.content, nil
	}
	r.mu.Unlock()

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[abs] = cacheEntry{mtime: info.ModTime(), content: string(data)}
	r.mu.Unlock()

	return string(data), nil
}

func onChain(chain []string, abs string) bool {
	for _, c := range chain {
		if c == abs {
			return true
		}
	}
	return false
}

func missingPlaceholder(path string) string {
	return fmt.Sprintf("[include not found: %s]", path)
}

func cyclePlaceholder(path string) string {
	return fmt.Sprintf("[include cycle detected: %s]", path)
}

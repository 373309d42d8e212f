// Package document reads local documents and renders them as plain
// text for model consumption. Markdown is converted through HTML so
// markup renders the same way fetched web pages do.
package document

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"

	"counsel/internal/fetch"
)

// MaxDocumentBytes caps how much of a document is read.
const MaxDocumentBytes = 2 * 1024 * 1024

// Reader resolves document paths against a set of root directories,
// first match wins. Paths outside the roots are rejected.
type Reader struct {
	roots []string
}

// NewReader creates a Reader over the given root directories.
func NewReader(roots []string) *Reader {
	return &Reader{roots: roots}
}

// Read locates the named document under the roots and returns its
// plain-text rendering.
func (r *Reader) Read(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("document: name is required")
	}
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("document: path %q must be relative to the document roots", name)
	}

	for _, root := range r.roots {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("document: read %s: %w", name, err)
		}
		if len(data) > MaxDocumentBytes {
			data = data[:MaxDocumentBytes]
		}
		return render(name, data)
	}

	return "", fmt.Errorf("document: %q not found", name)
}

// render converts the raw document to plain text based on extension.
func render(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		var htmlBuf bytes.Buffer
		if err := goldmark.Convert(data, &htmlBuf); err != nil {
			return "", fmt.Errorf("document: convert markdown: %w", err)
		}
		_, text := fetch.ExtractHTML(htmlBuf.String())
		return text, nil
	case ".html", ".htm":
		_, text := fetch.ExtractHTML(string(data))
		return text, nil
	default:
		return string(data), nil
	}
}

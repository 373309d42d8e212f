package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"counsel/internal/defaults"
)

// runInit initializes a counsel working directory with default files.
// It creates the directory structure and copies bundled defaults for
// config and advisors. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing counsel workspace in %s\n", dir)

	for _, sub := range []string{"advisors", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		path    string
		content []byte
	}{
		{filepath.Join(dir, "config.yaml"), defaults.ConfigYAML},
		{filepath.Join(dir, "advisors", "sage.md"), defaults.AdvisorMD},
		{filepath.Join(dir, "advisors", "researcher.md"), defaults.ResearcherMD},
	}
	for _, f := range files {
		if err := writeIfMissing(f.path, f.content); err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s\n", f.path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your LLM gateway, then run 'counsel serve'.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}

// Package advisor loads and manages advisor definitions.
//
// An advisor is a named LLM persona defined in a markdown file: a YAML
// frontmatter block carrying model parameters, followed by free-text
// system prompt content that may contain inclusion tags.
package advisor

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Advisor is one persona's configuration. Immutable during a turn.
type Advisor struct {
	// Name is the unique identifier, derived from the filename.
	Name string

	// Params from the frontmatter block.
	Model            string   `yaml:"model"`
	Gateway          string   `yaml:"gateway"`
	Temperature      *float64 `yaml:"temperature"`
	MaxTokens        int      `yaml:"max_tokens"`
	TopP             *float64 `yaml:"top_p"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`
	Stream           *bool    `yaml:"stream"`
	Tools            []string `yaml:"tools"`
	Default          bool     `yaml:"default"`

	// PromptSegments are the system-prompt parts from the body, split
	// on "---" separator lines, in file order. Segments may contain
	// inclusion tags; resolution happens at turn time.
	PromptSegments []string
}

// Streaming reports whether the gateway should be called in streaming
// mode. Unset defaults to true.
func (a *Advisor) Streaming() bool {
	return a.Stream == nil || *a.Stream
}

// SystemPrompt joins the prompt segments into the raw (unresolved)
// system message text.
func (a *Advisor) SystemPrompt() string {
	return strings.Join(a.PromptSegments, "\n\n")
}

// AllowsTool reports whether the advisor's whitelist contains name.
func (a *Advisor) AllowsTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Parse builds an Advisor from the raw file content. The name comes
// from the filename, not the content.
func Parse(name, raw string) (*Advisor, error) {
	front, body, err := splitFrontmatter(raw)
	if err != nil {
		return nil, fmt.Errorf("advisor %s: %w", name, err)
	}

	a := &Advisor{Name: name, MaxTokens: 4096}
	if front != "" {
		if err := yaml.Unmarshal([]byte(front), a); err != nil {
			return nil, fmt.Errorf("advisor %s: parse frontmatter: %w", name, err)
		}
	}
	a.Name = name // Frontmatter must not override the identifier.

	a.PromptSegments = splitSegments(body)

	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("advisor %s: %w", name, err)
	}
	return a, nil
}

func (a *Advisor) validate() error {
	if a.Model == "" {
		return fmt.Errorf("model is required")
	}
	if a.Gateway == "" {
		return fmt.Errorf("gateway is required")
	}
	if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *a.Temperature)
	}
	if a.TopP != nil && (*a.TopP <= 0 || *a.TopP > 1) {
		return fmt.Errorf("top_p %v out of range (0, 1]", *a.TopP)
	}
	if a.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// splitFrontmatter separates the leading YAML block delimited by "---"
// lines from the body. A file without frontmatter is an error: the
// parameter block is what makes a file an advisor definition.
func splitFrontmatter(raw string) (front, body string, err error) {
	trimmed := strings.TrimLeft(raw, "\uFEFF") // Tolerate a BOM.
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("missing frontmatter parameter block")
	}

	rest := trimmed[3:]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	} else {
		return "", "", fmt.Errorf("malformed frontmatter")
	}

	closeIdx := strings.Index(rest, "\n---")
	if closeIdx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}

	front = rest[:closeIdx]
	body = rest[closeIdx+4:]
	// Skip the remainder of the closing delimiter line.
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return front, strings.TrimSpace(body), nil
}

// splitSegments splits the prompt body on standalone "---" lines.
func splitSegments(body string) []string {
	if body == "" {
		return nil
	}

	var segments []string
	var current []string
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "---" {
			if seg := strings.TrimSpace(strings.Join(current, "\n")); seg != "" {
				segments = append(segments, seg)
			}
			current = current[:0]
			continue
		}
		current = append(current, line)
	}
	if seg := strings.TrimSpace(strings.Join(current, "\n")); seg != "" {
		segments = append(segments, seg)
	}
	return segments
}

package document

import (
	"context"
	"fmt"

	"counsel/internal/tools"
)

// RegisterTool adds the read_document tool backed by the given reader.
func RegisterTool(r *tools.Registry, reader *Reader) {
	r.Register(&tools.Tool{
		Name:        "read_document",
		Description: "Read a local document (markdown, HTML, or plain text) and return its text content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Document path relative to the configured document roots.",
				},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			if name == "" {
				return "", fmt.Errorf("read_document: name is required")
			}
			return reader.Read(name)
		},
	})
}

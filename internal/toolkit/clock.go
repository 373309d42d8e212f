package toolkit

import (
	"context"
	"time"

	"github.com/ncruces/go-strftime"

	"counsel/internal/tools"
)

// defaultClockFormat matches the datetime inclusion tag default.
const defaultClockFormat = "%Y-%m-%d %H:%M:%S"

// registerClock adds the clock tool. now is injectable for tests.
func registerClock(r *tools.Registry, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.Register(&tools.Tool{
		Name:        "clock",
		Description: "Get the current local date and time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"format": map[string]any{
					"type":        "string",
					"description": "Optional strftime format string. Default: %Y-%m-%d %H:%M:%S.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			format, _ := args["format"].(string)
			if format == "" {
				format = defaultClockFormat
			}
			return strftime.Format(format, now()), nil
		},
	})
}

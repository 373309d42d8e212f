package tools

import "context"

// Routing tool names. The orchestration loop intercepts these by name
// and reroutes the turn instead of running the handlers.
const (
	HandOffName  = "hand_off"
	HandBackName = "hand_back"
)

// RegisterHandoff adds the conversation routing tools. Their handlers
// only fire when a loop runs them outside a routing context, where a
// transfer makes no sense.
func RegisterHandoff(r *Registry) {
	r.Register(&Tool{
		Name:        HandOffName,
		Description: "Transfer the conversation to another advisor. The named advisor takes over and responds to the message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"advisor": map[string]any{
					"type":        "string",
					"description": "Name of the advisor to hand the conversation to",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Context to pass along with the conversation",
				},
			},
			"required": []string{"advisor"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "no advisor available to take the hand-off", nil
		},
	})

	r.Register(&Tool{
		Name:        HandBackName,
		Description: "Return the conversation to the advisor that handed it off, with an optional summary of what was done.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Summary to pass back to the previous advisor",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "no prior advisor to hand back to", nil
		},
	})
}

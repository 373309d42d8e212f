package weather

import (
	"context"
	"fmt"

	"counsel/internal/tools"
)

// RegisterTool adds the get_weather tool backed by the given client.
func RegisterTool(r *tools.Registry, client *Client) {
	r.Register(&tools.Tool{
		Name:        "get_weather",
		Description: "Get current weather conditions for a city or place name.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "City or place name, e.g. 'Boston' or 'Paris, France'.",
				},
			},
			"required": []string{"city"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			city, _ := args["city"].(string)
			if city == "" {
				return "", fmt.Errorf("get_weather: city is required")
			}

			report, err := client.Current(ctx, city)
			if err != nil {
				return "", err
			}

			return fmt.Sprintf(
				"Weather in %s: %s, %.1f°C (feels like %.1f°C), humidity %.0f%%, wind %.0f km/h",
				report.Place, report.Conditions, report.Temperature,
				report.FeelsLike, report.Humidity, report.WindSpeed,
			), nil
		},
	})
}

// Package weather provides current conditions via the Open-Meteo API,
// which needs no API key.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"counsel/internal/httpkit"
)

const (
	defaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"
)

// Report holds current conditions for a located place.
type Report struct {
	Place       string  `json:"place"`
	Country     string  `json:"country,omitempty"`
	Temperature float64 `json:"temperature_c"`
	FeelsLike   float64 `json:"feels_like_c"`
	Humidity    float64 `json:"humidity_pct"`
	WindSpeed   float64 `json:"wind_speed_kmh"`
	Conditions  string  `json:"conditions"`
}

// Client queries Open-Meteo's geocoding and forecast endpoints.
type Client struct {
	geocodeURL  string
	forecastURL string
	httpClient  *http.Client
}

// New creates a weather client with default endpoints.
func New() *Client {
	return &Client{
		geocodeURL:  defaultGeocodeURL,
		forecastURL: defaultForecastURL,
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// NewWithEndpoints creates a client against custom endpoints, used in
// tests.
func NewWithEndpoints(geocodeURL, forecastURL string) *Client {
	c := New()
	c.geocodeURL = geocodeURL
	c.forecastURL = forecastURL
	return c
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		FeelsLike   float64 `json:"apparent_temperature"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
}

// Current geocodes the place name and returns current conditions.
func (c *Client) Current(ctx context.Context, place string) (*Report, error) {
	if place == "" {
		return nil, fmt.Errorf("weather: place is required")
	}

	loc, err := c.geocode(ctx, place)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"latitude":  {fmt.Sprintf("%.4f", loc.Latitude)},
		"longitude": {fmt.Sprintf("%.4f", loc.Longitude)},
		"current":   {"temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,weather_code"},
	}

	var fr forecastResponse
	if err := c.getJSON(ctx, c.forecastURL+"?"+params.Encode(), &fr); err != nil {
		return nil, err
	}

	return &Report{
		Place:       loc.Name,
		Country:     loc.Country,
		Temperature: fr.Current.Temperature,
		FeelsLike:   fr.Current.FeelsLike,
		Humidity:    fr.Current.Humidity,
		WindSpeed:   fr.Current.WindSpeed,
		Conditions:  describeWeatherCode(fr.Current.WeatherCode),
	}, nil
}

type location struct {
	Name      string
	Country   string
	Latitude  float64
	Longitude float64
}

func (c *Client) geocode(ctx context.Context, place string) (*location, error) {
	params := url.Values{
		"name":  {place},
		"count": {"1"},
	}

	var gr geocodeResponse
	if err := c.getJSON(ctx, c.geocodeURL+"?"+params.Encode(), &gr); err != nil {
		return nil, err
	}
	if len(gr.Results) == 0 {
		return nil, fmt.Errorf("weather: no location found for %q", place)
	}

	r := gr.Results[0]
	return &location{
		Name:      r.Name,
		Country:   r.Country,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("weather: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("weather: HTTP %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("weather: decode response: %w", err)
	}
	return nil
}

// describeWeatherCode maps WMO weather codes to short descriptions.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code == 85 || code == 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	default:
		return fmt.Sprintf("weather code %d", code)
	}
}

// Package weather looks up current conditions from a wttr.in-compatible
// JSON API.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/opentalon/relay/internal/capability"
)

const (
	Name           = "get_weather"
	DefaultBaseURL = "https://wttr.in"
	DefaultTimeout = 10 * time.Second
)

type Config struct {
	BaseURL string
	// Timeout bounds one lookup, including any wait on the rate limiter.
	Timeout       time.Duration
	RatePerSecond float64
}

type Capability struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

func New(cfg Config, client *http.Client) *Capability {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Capability{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (c *Capability) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        Name,
		Description: "Current weather conditions for a city.",
		Parameters: []capability.Parameter{
			{Name: "city", Type: capability.TypeString, Required: true, Description: "City name, optionally with country"},
			{Name: "units", Type: capability.TypeString, Default: "metric", AllowedValues: []string{"metric", "imperial"}},
		},
		TriggerKeywords: []string{"weather", "temperature", "forecast"},
	}
}

type report struct {
	CurrentCondition []struct {
		TempC          string `json:"temp_C"`
		TempF          string `json:"temp_F"`
		FeelsLikeC     string `json:"FeelsLikeC"`
		FeelsLikeF     string `json:"FeelsLikeF"`
		Humidity       string `json:"humidity"`
		WindspeedKmph  string `json:"windspeedKmph"`
		WindspeedMiles string `json:"windspeedMiles"`
		WeatherDesc    []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
	NearestArea []struct {
		AreaName []struct {
			Value string `json:"value"`
		} `json:"areaName"`
		Country []struct {
			Value string `json:"value"`
		} `json:"country"`
	} `json:"nearest_area"`
}

func (c *Capability) Execute(ctx context.Context, params capability.Params) capability.Result {
	city, _ := params.String("city")
	city = strings.TrimSpace(city)
	if city == "" {
		return capability.FailParam(capability.MissingParameter, "city", "city is required")
	}
	units, _ := params.String("units")

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return capability.Fail(capability.Timeout, "weather lookup rate limited: %v", err)
	}

	rep, err := c.fetch(ctx, city)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return capability.Fail(capability.Timeout, "weather lookup for %q exceeded %s", city, c.timeout)
		}
		return capability.Fail(capability.ExecutionError, "weather lookup for %q: %v", city, err)
	}
	if len(rep.CurrentCondition) == 0 {
		return capability.Fail(capability.ExecutionError, "unknown city %q", city)
	}

	cur := rep.CurrentCondition[0]
	place := city
	if len(rep.NearestArea) > 0 && len(rep.NearestArea[0].AreaName) > 0 {
		place = rep.NearestArea[0].AreaName[0].Value
		if len(rep.NearestArea[0].Country) > 0 && rep.NearestArea[0].Country[0].Value != "" {
			place += ", " + rep.NearestArea[0].Country[0].Value
		}
	}
	desc := ""
	if len(cur.WeatherDesc) > 0 {
		desc = strings.TrimSpace(cur.WeatherDesc[0].Value)
	}

	temp, feels, wind, tempUnit, windUnit := cur.TempC, cur.FeelsLikeC, cur.WindspeedKmph, "°C", "km/h"
	if units == "imperial" {
		temp, feels, wind, tempUnit, windUnit = cur.TempF, cur.FeelsLikeF, cur.WindspeedMiles, "°F", "mph"
	}

	payload := map[string]any{
		"location":    place,
		"temperature": temp + tempUnit,
		"feels_like":  feels + tempUnit,
		"humidity":    cur.Humidity + "%",
		"wind":        wind + " " + windUnit,
		"conditions":  desc,
	}
	summary := fmt.Sprintf("In %s it is %s%s", place, temp, tempUnit)
	if desc != "" {
		summary += " and " + strings.ToLower(desc)
	}
	return capability.Success(payload, summary+".")
}

func (c *Capability) fetch(ctx context.Context, city string) (*report, error) {
	u := fmt.Sprintf("%s/%s?format=j1", c.baseURL, url.PathEscape(city))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "relay/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return &report{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if strings.Contains(string(body), "Unknown location") {
		return &report{}, nil
	}
	var rep report
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rep, nil
}

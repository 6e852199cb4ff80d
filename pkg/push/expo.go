package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"
	// ExpoBatchLimit is the largest message array accepted per request.
	ExpoBatchLimit = 100
)

type ExpoConfig struct {
	Endpoint    string
	AccessToken string
	HTTPClient  *http.Client
}

type ExpoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// StatusError is returned when the push API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("expo: unexpected status %d: %s", e.StatusCode, e.Body)
}

// ExpoClient posts message arrays to the Expo push API. Only the HTTP
// status of the request is interpreted.
type ExpoClient struct {
	cfg  ExpoConfig
	http *http.Client
}

func NewExpoClient(cfg ExpoConfig) *ExpoClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultExpoEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &ExpoClient{cfg: cfg, http: client}
}

func (c *ExpoClient) Send(ctx context.Context, messages []ExpoMessage) error {
	if len(messages) == 0 {
		return nil
	}
	if len(messages) > ExpoBatchLimit {
		return fmt.Errorf("expo: %d messages exceeds batch limit of %d", len(messages), ExpoBatchLimit)
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("expo: failed to marshal messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("expo: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("expo: request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{StatusCode: res.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

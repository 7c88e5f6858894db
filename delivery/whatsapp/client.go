// Package whatsapp wraps a 360dialog-style WhatsApp Business API in a
// delivery client suitable as a dispatchq worker backend.
//
// The client owns request-level concerns: phone number normalization,
// jittered exponential backoff on 429/5xx responses and a circuit breaker
// around the upstream. A client retry budget exhausting surfaces as one
// queue-level failure, so the queue's own retry policy stays in control of
// long-horizon backoff.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sony/gobreaker"

	"github.com/coregx/dispatchq"
)

// Config holds the delivery client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://waba.360dialog.io/v1".
	BaseURL string

	// APIKey is sent as the D360-API-KEY header on every request.
	APIKey string

	// Timeout bounds a single HTTP request. Default 30s.
	Timeout time.Duration

	// DefaultCountryCode is prefixed to 10-digit local numbers, e.g. "1".
	DefaultCountryCode string

	// MaxAttempts is the request-level retry budget per send. Default 3.
	MaxAttempts uint
}

// Validate checks the client configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
	)
}

// SendResult is the normalized outcome of a successful send.
type SendResult struct {
	MessageID string `json:"messageID"`
}

// Client issues outbound sends against the WhatsApp API.
//
// Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     dispatchq.Logger
}

// NewClient creates a delivery client from the configuration.
// A nil logger falls back to the silent logger.
func NewClient(cfg Config, logger dispatchq.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodeConfiguration, "invalid whatsapp client config", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = &dispatchq.NoopLogger{}
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "whatsapp",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Client-side rejections are not upstream outages.
			var apiErr *APIError
			if asAPIError(err, &apiErr) {
				return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("circuit breaker %q: %v -> %v", name, from, to)
		},
	})
	return c, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) (*SendResult, error) {
	return c.send(ctx, map[string]interface{}{
		"to":   c.Normalize(to),
		"type": "text",
		"text": map[string]string{"body": body},
	})
}

// Template describes an approved message template send.
type Template struct {
	Name       string      `json:"name"`
	Language   string      `json:"language"`
	Components []Component `json:"components,omitempty"`
}

// Component is one template component (header, body, button).
type Component struct {
	Type       string      `json:"type"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Parameter is a single template substitution value.
type Parameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SendTemplate sends an approved template message.
func (c *Client) SendTemplate(ctx context.Context, to string, tpl Template) (*SendResult, error) {
	lang := tpl.Language
	if lang == "" {
		lang = "en"
	}
	return c.send(ctx, map[string]interface{}{
		"to":   c.Normalize(to),
		"type": "template",
		"template": map[string]interface{}{
			"name":       tpl.Name,
			"language":   map[string]string{"code": lang, "policy": "deterministic"},
			"components": tpl.Components,
		},
	})
}

// Media describes an outbound media attachment referenced by URL.
type Media struct {
	Type     string `json:"type"` // image, document, audio, video
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SendMedia sends a media message referenced by a public URL.
func (c *Client) SendMedia(ctx context.Context, to string, media Media) (*SendResult, error) {
	attachment := map[string]string{"link": media.Link}
	if media.Caption != "" {
		attachment["caption"] = media.Caption
	}
	if media.Filename != "" {
		attachment["filename"] = media.Filename
	}
	return c.send(ctx, map[string]interface{}{
		"to":       c.Normalize(to),
		"type":     media.Type,
		media.Type: attachment,
	})
}

// Normalize strips non-digits from a phone number and prefixes the default
// country code when a 10-digit local number is detected.
func (c *Client) Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 && c.cfg.DefaultCountryCode != "" {
		return c.cfg.DefaultCountryCode + digits
	}
	return digits
}

// send posts the payload with request-level retry and the circuit breaker.
func (c *Client) send(ctx context.Context, payload map[string]interface{}) (*SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, dispatchq.NewErrorWithCause(dispatchq.ErrCodeDelivery, "failed to encode request", err)
	}

	op := func() (*SendResult, error) {
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.post(ctx, body)
		})
		if err != nil {
			return nil, classify(err)
		}
		return res.(*SendResult), nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classify decides whether an error ends the retry loop.
// 429 and 5xx remain retryable; everything else is permanent, including an
// open circuit breaker, which surfaces immediately as one queue-level
// failure instead of burning the request budget.
func classify(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return backoff.Permanent(dispatchq.NewErrorWithCause(dispatchq.ErrCodeDelivery, "upstream circuit open", err))
	}
	var apiErr *APIError
	if asAPIError(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests {
			if apiErr.RetryAfter > 0 {
				return backoff.RetryAfter(apiErr.RetryAfter)
			}
			return err
		}
		if apiErr.Status >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}
	// Network-level errors stay retryable.
	return err
}

func (c *Client) post(ctx context.Context, body []byte) (*SendResult, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("D360-API-KEY", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Messages) == 0 {
			return nil, &APIError{
				Status:  resp.StatusCode,
				Code:    "BAD_RESPONSE",
				Details: fmt.Sprintf("unexpected response body: %.200s", string(data)),
			}
		}
		return &SendResult{MessageID: parsed.Messages[0].ID}, nil
	}

	apiErr := parseAPIError(resp.StatusCode, data)
	if resp.StatusCode == http.StatusTooManyRequests {
		if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && after > 0 {
			apiErr.RetryAfter = after
		}
		c.logger.Warnf("whatsapp API rate limited, retry-after=%ds", apiErr.RetryAfter)
	}
	return nil, apiErr
}

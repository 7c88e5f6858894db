package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the WhatsApp API.
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Code is the upstream error code when the body carried one.
	Code string

	// Details is a human-readable description from the response body.
	Details string

	// RetryAfter is the Retry-After hint in seconds, if present.
	RetryAfter int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("whatsapp API error (status %d, code %s): %s", e.Status, e.Code, e.Details)
	}
	return fmt.Sprintf("whatsapp API error (status %d): %s", e.Status, e.Details)
}

// Temporary reports whether the error is worth retrying at the request level.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}

// parseAPIError extracts upstream error details from a response body.
// The 360dialog error envelope is best-effort; a bare status wins when the
// body is unparseable.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var envelope struct {
		Errors []struct {
			Code    json.Number `json:"code"`
			Title   string      `json:"title"`
			Details string      `json:"details"`
		} `json:"errors"`
		Meta struct {
			DeveloperMessage string `json:"developer_message"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Errors) > 0 {
			first := envelope.Errors[0]
			apiErr.Code = first.Code.String()
			apiErr.Details = first.Details
			if apiErr.Details == "" {
				apiErr.Details = first.Title
			}
		}
		if apiErr.Details == "" {
			apiErr.Details = envelope.Meta.DeveloperMessage
		}
	}
	if apiErr.Details == "" {
		apiErr.Details = fmt.Sprintf("%.200s", string(body))
	}
	return apiErr
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrUnreachable wraps transport level failures: offline, DNS, timeouts.
	ErrUnreachable = errors.New("api: server unreachable")
	// ErrSessionExpired is returned after a failed token refresh cleared the credentials.
	ErrSessionExpired = errors.New("api: session expired")
)

const tokenNotValidCode = "token_not_valid"

// Response is the outcome of a request that reached the server.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices
}

// JSON decodes the response body into target.
func (r *Response) JSON(target any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("api: empty response body")
	}
	return json.Unmarshal(r.Body, target)
}

// Err converts a non-2xx response into a *StatusError. It returns nil for 2xx.
func (r *Response) Err(method, path string) error {
	if r.OK() {
		return nil
	}
	return &StatusError{Method: method, Path: path, Status: r.Status, Body: string(r.Body)}
}

func (r *Response) errorCode() string {
	var payload struct {
		Code string `json:"code"`
	}
	if r == nil || json.Unmarshal(r.Body, &payload) != nil {
		return ""
	}
	return payload.Code
}

// StatusError describes a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s returned %d", e.Method, e.Path, e.Status)
}

// Validation reports a rejected payload. Such requests are not retried until corrected.
func (e *StatusError) Validation() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
}

// Transient reports a failure worth retrying on the next cycle.
func (e *StatusError) Transient() bool {
	return e.Status >= http.StatusInternalServerError ||
		e.Status == http.StatusRequestTimeout ||
		e.Status == http.StatusTooManyRequests
}

// Detail extracts a short message from a Django REST style error body:
// {"detail": "..."} or {"field": ["message", ...]}.
func (e *StatusError) Detail() string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Body), &payload); err != nil || len(payload) == 0 {
		return http.StatusText(e.Status)
	}
	if detail, ok := payload["detail"].(string); ok && detail != "" {
		return detail
	}
	fields := make([]string, 0, len(payload))
	for field := range payload {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		message := firstMessage(payload[field])
		if message == "" {
			continue
		}
		if field == "non_field_errors" {
			return message
		}
		return field + ": " + message
	}
	return http.StatusText(e.Status)
}

func firstMessage(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case []any:
		for _, item := range typed {
			if message := firstMessage(item); message != "" {
				return message
			}
		}
	}
	return ""
}

// IsValidation reports whether err carries a validation StatusError.
func IsValidation(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Validation()
}

// IsTransient reports whether err should be retried on a later cycle.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Transient()
}

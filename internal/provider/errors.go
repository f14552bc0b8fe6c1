package provider

import (
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrModelNotFound is returned by Probe when the endpoint does not serve
// the configured model.
var ErrModelNotFound = errors.New("model not found")

// Error is a failure reported by the model endpoint.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func IsRateLimitError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests
}

func IsAuthError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && (pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden)
}

func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Retryable || retryableStatus(pe.StatusCode)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// classify converts go-openai errors into *Error. Other errors, including
// context cancellation, are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Retryable:  retryableStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &Error{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
			Retryable:  retryableStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}
	return err
}

package llm

import (
	"fmt"
	"net/http"
)

// APIError is a non-2xx answer from the generation service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm %s (status %d)", e.Reason(), e.StatusCode)
	}
	return fmt.Sprintf("llm %s (status %d): %s", e.Reason(), e.StatusCode, e.Body)
}

// Reason classifies the status code in operator terms.
func (e *APIError) Reason() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return "api key invalid or expired"
	case e.StatusCode == http.StatusPaymentRequired:
		return "insufficient credits"
	case e.StatusCode == http.StatusNotFound:
		return "model not found or unavailable"
	case e.StatusCode == http.StatusTooManyRequests:
		return "rate limited"
	case e.StatusCode >= http.StatusInternalServerError:
		return "service unavailable"
	default:
		return "request rejected"
	}
}

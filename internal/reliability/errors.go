// Package reliability implements the resilience core of the gateway:
// error classification, failure-isolation boundaries for named components,
// and retrying supervision of asynchronous upstream operations.
package reliability

import "fmt"

// Kind is the classification bucket an error falls into.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindAPI        Kind = "api"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
	KindUnknown    Kind = "unknown"
)

// APIError represents a failed HTTP exchange with an upstream service.
// Clients construct one whenever a response arrives with a non-success
// status, preserving enough of the exchange for diagnosis.
type APIError struct {
	Status     int
	StatusText string
	URL        string
	Method     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api error %d %s (%s %s): %s", e.Status, e.StatusText, e.Method, e.URL, e.Body)
	}
	return fmt.Sprintf("api error %d %s (%s %s)", e.Status, e.StatusText, e.Method, e.URL)
}

// ValidationError represents rejected input, detected before any upstream
// call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

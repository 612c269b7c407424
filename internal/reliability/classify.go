package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ClassifiedError is the normalized form every failure is reduced to before
// retry, notification, or persistence decisions are made. It wraps the
// original error, so errors.Is and errors.As keep working through it.
type ClassifiedError struct {
	Kind      Kind                   `json:"kind"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`

	// Populated for KindAPI only, copied from the failed exchange.
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
	URL        string `json:"url,omitempty"`
	Method     string `json:"method,omitempty"`

	cause error
}

func (e *ClassifiedError) Error() string {
	return e.Message
}

// Unwrap returns the original error.
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// Classify normalizes any error into a ClassifiedError. It is deterministic
// and pure: the same error value always produces the same kind, and no IO
// happens during classification. Classifying an already-classified error
// returns it unchanged; nil stays nil.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	classified := &ClassifiedError{
		Kind:    KindUnknown,
		Message: err.Error(),
		cause:   err,
	}

	switch {
	case isAPIError(err, classified):
		classified.Kind = KindAPI
		classified.Retryable = classified.Status >= 500 || classified.Status == 429

	// Timeout is tested before the generic network signals: Go network
	// errors frequently satisfy both, and a timed-out call must not be
	// treated as a hard connectivity failure.
	case isTimeout(err):
		classified.Kind = KindTimeout
		classified.Retryable = true

	case isNetwork(err):
		classified.Kind = KindNetwork
		classified.Retryable = true

	case isValidation(err):
		classified.Kind = KindValidation
		classified.Retryable = false
	}

	return classified
}

// IsRetryable reports whether the error classifies as worth retrying.
func IsRetryable(err error) bool {
	c := Classify(err)
	return c != nil && c.Retryable
}

// KindOf returns the classification bucket for an error.
func KindOf(err error) Kind {
	c := Classify(err)
	if c == nil {
		return KindUnknown
	}
	return c.Kind
}

func isAPIError(err error, out *ClassifiedError) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	out.Status = apiErr.Status
	out.StatusText = apiErr.StatusText
	out.URL = apiErr.URL
	out.Method = apiErr.Method
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout")
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, signal := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"failed to fetch",
		"broken pipe",
	} {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

func isValidation(err error) bool {
	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "validation") || strings.HasPrefix(msg, "invalid ")
}

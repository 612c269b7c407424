// Package notify delivers user-facing notifications raised by the
// resilience machinery (failed operations, stream outages, job results).
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification for display treatment.
type Kind string

const (
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Notification is one user-facing message.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink delivers notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// New builds a notification with a fresh id and timestamp.
func New(kind Kind, title, message string) Notification {
	return Notification{
		ID:        uuid.New().String(),
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// NewInfo builds an info notification.
func NewInfo(title, message string) Notification {
	return New(KindInfo, title, message)
}

// NewWarning builds a warning notification.
func NewWarning(title, message string) Notification {
	return New(KindWarning, title, message)
}

// NewError builds an error notification.
func NewError(title, message string) Notification {
	return New(KindError, title, message)
}

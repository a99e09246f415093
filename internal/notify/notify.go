package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
)

// Type classifies an outcome shown to the user.
type Type string

const (
	TypeSuccess Type = "SUCCESS"
	TypeWarning Type = "WARNING"
	TypeError   Type = "ERROR"
)

const defaultFeedCapacity = 32

// Notification is a transient outcome for the caller's notification surface.
type Notification struct {
	Type Type      `json:"type"`
	Data string    `json:"data"`
	At   time.Time `json:"at"`
}

// Notifier receives outcomes. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(notification Notification) {
	f(notification)
}

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})

func Success(message string) Notification {
	return Notification{Type: TypeSuccess, Data: message, At: time.Now().UTC()}
}

func Warning(message string) Notification {
	return Notification{Type: TypeWarning, Data: message, At: time.Now().UTC()}
}

// Failure builds an ERROR notification carrying the short message of err.
func Failure(err error) Notification {
	return Notification{Type: TypeError, Data: Message(err), At: time.Now().UTC()}
}

// Message converts err into a short human readable string. Raw error text is
// only used for local validation errors, which are written for users.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var statusErr *api.StatusError
	switch {
	case errors.Is(err, api.ErrSessionExpired):
		return "Session expired, please log in again."
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out."
	case errors.Is(err, api.ErrUnreachable):
		return "Network error."
	case errors.As(err, &statusErr):
		if statusErr.Validation() {
			return statusErr.Detail()
		}
		if statusErr.Status == 404 {
			return "Not found."
		}
		return fmt.Sprintf("Server error (%d).", statusErr.Status)
	case errors.Is(err, catalog.ErrInvalidRating):
		return "Invalid rating."
	case errors.Is(err, catalog.ErrUnresolvedReference):
		return "Waiting for the linked tea to sync."
	case errors.Is(err, catalog.ErrInvalidRecord):
		return userText(err, catalog.ErrInvalidRecord)
	default:
		return "Something went wrong."
	}
}

func userText(err, sentinel error) string {
	text := err.Error()
	prefix := sentinel.Error() + ": "
	if index := strings.LastIndex(text, prefix); index >= 0 {
		text = text[index+len(prefix):]
	}
	if text == "" {
		return "Invalid input."
	}
	return strings.ToUpper(text[:1]) + text[1:] + "."
}

// Feed keeps the most recent notifications for polling callers.
type Feed struct {
	mu       sync.Mutex
	capacity int
	items    []Notification
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	return &Feed{capacity: capacity}
}

func (f *Feed) Notify(notification Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, notification)
	if overflow := len(f.items) - f.capacity; overflow > 0 {
		f.items = append([]Notification(nil), f.items[overflow:]...)
	}
}

// Drain returns and forgets the buffered notifications, oldest first.
func (f *Feed) Drain() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items
	f.items = nil
	if items == nil {
		return []Notification{}
	}
	return items
}

// Fanout delivers each notification to every notifier.
func Fanout(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(notification Notification) {
		for _, notifier := range notifiers {
			if notifier != nil {
				notifier.Notify(notification)
			}
		}
	})
}

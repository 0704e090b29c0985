// Package delivery holds the outbound adapters that hand a payload to an
// external channel, and the Registry that resolves them by destination kind.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postpipe/internal/model"
)

// Target is a resolved destination: where to send and with which credential.
type Target struct {
	Kind       string
	Address    string
	Credential string

	// ScheduledFor is the original due time of a swept entry; zero for an
	// immediate publish.
	ScheduledFor time.Time
}

// Receipt describes an accepted delivery.
type Receipt struct {
	ExternalID string
	Warning    string
	StatusCode int
}

// Adapter performs one outbound call. Validate is a pure configuration check
// run before any budget is consumed; it returns model.ErrNotConfigured.
type Adapter interface {
	Kind() string
	Validate(target Target) error
	Send(ctx context.Context, p model.Payload, target Target) (Receipt, error)
}

// Error is an adapter or network failure. errors.Is(err,
// context.DeadlineExceeded) holds when the call timed out.
type Error struct {
	Kind       string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return "delivery error"
	}
	if e.Kind == "" {
		return e.Err.Error()
	}
	return e.Kind + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ResolveTarget combines a destination with the owner's stored settings.
func ResolveTarget(d model.Destination, s model.Settings) Target {
	t := Target{Kind: d.Kind, Address: strings.TrimSpace(d.Address)}
	switch d.Kind {
	case model.KindRelay:
		t.Credential = strings.TrimSpace(s.RelayAPIKey)
	case model.KindWebhook:
		if t.Address == "" {
			t.Address = strings.TrimSpace(s.WebhookURL)
		}
	case model.KindTelegram:
		t.Credential = strings.TrimSpace(s.TelegramBotToken)
	}
	return t
}

// IsConfigError reports whether err means the destination is not usable as
// configured (and retrying cannot help).
func IsConfigError(err error) bool { return errors.Is(err, model.ErrNotConfigured) }

// excerpt trims s to at most n runes for error messages.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}

func statusError(kind, prefix string, code int, body string) *Error {
	return &Error{Kind: kind, StatusCode: code, Err: fmt.Errorf("%s: %d %s", prefix, code, excerpt(body, 300))}
}

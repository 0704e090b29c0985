package model

import (
	"strings"
	"time"
)

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntrySent    EntryStatus = "sent"
	EntryFailed  EntryStatus = "failed"
)

func (s EntryStatus) Terminal() bool { return s == EntrySent || s == EntryFailed }

// Destination kinds understood by the delivery registry.
const (
	KindRelay    = "relay-service"
	KindWebhook  = "webhook"
	KindTelegram = "telegram"
)

// Destination names an adapter kind and its adapter-specific address
// (an account or platform binding, a URL, or a chat reference).
type Destination struct {
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
}

func (d Destination) Validate() error {
	switch strings.TrimSpace(d.Kind) {
	case KindRelay, KindWebhook, KindTelegram:
		return nil
	case "":
		return InvalidArgument("destination kind is required")
	default:
		return InvalidArgument("unknown destination kind %q", d.Kind)
	}
}

// Payload is the content captured when a post is scheduled.
// It is never re-read from the post at delivery time.
type Payload struct {
	Content string `json:"content"`
	Topic   string `json:"topic,omitempty"`
}

// Entry is a durable intent to deliver one post at ScheduledFor.
type Entry struct {
	ID           string      `json:"id"`
	PostID       string      `json:"post_id,omitempty"`
	Owner        string      `json:"owner"`
	Destination  Destination `json:"destination"`
	Payload      Payload     `json:"payload_snapshot"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Status       EntryStatus `json:"status"`
	ExternalID   string      `json:"external_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	PostSynced   bool        `json:"post_synced"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.Owner) == "" {
		return InvalidArgument("owner is required")
	}
	if e.ScheduledFor.IsZero() {
		return InvalidArgument("scheduled_for is required")
	}
	if strings.TrimSpace(e.Payload.Content) == "" {
		return InvalidArgument("payload content is required")
	}
	return e.Destination.Validate()
}

// CheckEntryTransition validates a move of an entry from cur to next.
// It returns noop=true when next equals a terminal cur (repeat marks are harmless).
func CheckEntryTransition(id string, cur, next EntryStatus) (noop bool, err error) {
	if !next.Terminal() {
		return false, InvalidArgument("entry %s: target status %q is not terminal", id, next)
	}
	if cur == EntryPending {
		return false, nil
	}
	if cur == next {
		return true, nil
	}
	return false, Transition("entry %s: %s -> %s", id, cur, next)
}

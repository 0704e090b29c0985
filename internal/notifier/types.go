package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Message is one broker publication.
type Message struct {
	// RoutingKey is the topic, e.g. "dispatch.sent".
	RoutingKey string
	Type       string
	Time       time.Time
	Body       []byte
}

type HistoryItem struct {
	At         time.Time `json:"at"`
	RoutingKey string    `json:"routing_key"`
	Error      string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	RoutingKey string    `json:"routing_key"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}

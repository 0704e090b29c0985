// Package dispatch turns durable delivery intent into outbound calls: the
// periodic sweeper, the immediate publish path and the scheduling helper all
// share one attempt pipeline (configuration check, budget, adapter call).
package dispatch

import (
	"time"

	"postpipe/internal/delivery"
	"postpipe/internal/eventbus"
	"postpipe/internal/ledger"
	"postpipe/internal/model"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

// Event types published on the bus.
const (
	EventSent     = "dispatch.sent"
	EventFailed   = "dispatch.failed"
	EventDeferred = "dispatch.deferred"
	EventTick     = "dispatch.tick"
)

const (
	DefaultBatchSize      = 10
	DefaultTickBudget     = 50 * time.Second
	DefaultReconcileBatch = 50
)

// Deps are the collaborators shared by Sweeper, Publisher and Scheduler.
type Deps struct {
	Posts    storage.PostStore
	Entries  storage.DispatchStore
	Settings storage.SettingsStore
	Ledger   *ledger.Ledger
	Registry *delivery.Registry
	Bus      eventbus.Bus
	Log      logx.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Options tune a sweep tick. Zero values take the defaults above.
type Options struct {
	BatchSize      int
	TickBudget     time.Duration
	ReconcileBatch int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.TickBudget <= 0 {
		o.TickBudget = DefaultTickBudget
	}
	if o.ReconcileBatch <= 0 {
		o.ReconcileBatch = DefaultReconcileBatch
	}
	return o
}

// Outcome is the result of processing one entry. Status is pending when the
// entry was deferred to a later tick.
type Outcome struct {
	EntryID     string            `json:"entry_id"`
	PostID      string            `json:"post_id,omitempty"`
	Owner       string            `json:"owner"`
	Status      model.EntryStatus `json:"status"`
	ExternalID  string            `json:"external_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Warning     string            `json:"warning,omitempty"`
	PostMissing bool              `json:"post_missing,omitempty"`
	Err         error             `json:"-"`
}

// SweepReport summarizes one tick.
type SweepReport struct {
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Deferred   int       `json:"deferred"`
	Reconciled int       `json:"reconciled"`
	// Remaining counts due entries left untouched because the tick budget ran out.
	Remaining int       `json:"remaining,omitempty"`
	Outcomes  []Outcome `json:"results"`
	Err       error     `json:"-"`
}

// Result is what PublishNow reports back to the caller.
type Result struct {
	PostID     string           `json:"post_id"`
	Status     model.PostStatus `json:"status"`
	ExternalID string           `json:"external_id,omitempty"`
	Warning    string           `json:"warning,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

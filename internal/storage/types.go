package storage

import (
	"context"
	"time"

	"postpipe/internal/model"
)

// Config configures storage.
//
// Driver values:
//   - "memory": no persistence
//   - "file": memory backend snapshotted to Path (JSON)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int           // postgres only; 0 means pgx default

	// Now overrides the store clock (tests). Nil means time.Now.
	Now func() time.Time
}

// PostStore persists posts. Posts are never deleted.
type PostStore interface {
	CreatePost(ctx context.Context, p model.Post) (model.Post, error)
	GetPost(ctx context.Context, id string) (model.Post, error)
	ListPostsByOwner(ctx context.Context, owner string, limit int) ([]model.Post, error)

	// UpdatePostStatus applies model.ApplyStatus atomically. Re-applying the
	// same terminal status is a no-op; leaving posted is ErrInvalidTransition.
	UpdatePostStatus(ctx context.Context, id string, status model.PostStatus, f model.StatusFields) (model.Post, error)

	// UpdatePostContent edits content and title. Scheduled entries keep
	// their snapshot.
	UpdatePostContent(ctx context.Context, id, content, title string) (model.Post, error)
}

// DispatchStore persists scheduled dispatch entries.
type DispatchStore interface {
	Enqueue(ctx context.Context, e model.Entry) (string, error)
	GetEntry(ctx context.Context, id string) (model.Entry, error)
	ListByPost(ctx context.Context, postID string) ([]model.Entry, error)

	// ListDue returns pending entries with ScheduledFor <= now, oldest first
	// (ties broken by id), at most limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Entry, error)

	MarkSent(ctx context.Context, id, externalID string) error
	MarkFailed(ctx context.Context, id, reason string) error

	// CancelPending fails every pending entry of postID with reason
	// "cancelled" and returns how many were cancelled.
	CancelPending(ctx context.Context, postID string) (int, error)

	// ListUnsynced returns terminal entries whose post has not yet been
	// moved to the matching status.
	ListUnsynced(ctx context.Context, limit int) ([]model.Entry, error)
	MarkPostSynced(ctx context.Context, id string) error
}

// UsageStore is the per-owner monthly ledger.
type UsageStore interface {
	// CheckAndIncrement increments count and returns true iff count < limit.
	// limit is recorded when the row for (owner, period) is created.
	CheckAndIncrement(ctx context.Context, owner, period string, limit int) (bool, error)

	// GetUsage returns the row or ErrNotFound. It never creates one.
	GetUsage(ctx context.Context, owner, period string) (model.Usage, error)
}

// SettingsStore holds owner credentials and limits.
type SettingsStore interface {
	GetSettings(ctx context.Context, owner string) (model.Settings, error)
	PutSettings(ctx context.Context, s model.Settings) (model.Settings, error)
}

// Store is the union every backend implements.
type Store interface {
	PostStore
	DispatchStore
	UsageStore
	SettingsStore
	Close() error
}

// ReasonCancelled is the failure reason written by CancelPending.
const ReasonCancelled = "cancelled"

// creatableStatuses are the statuses a post may be created with. scheduled,
// posted and failed are only reached through the dispatch paths.
func creatableStatus(s model.PostStatus) bool {
	switch s {
	case model.PostGenerated, model.PostDraft, model.PostBacklog:
		return true
	}
	return false
}

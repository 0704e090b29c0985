package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postpipe/internal/model"
	logx "postpipe/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := filepath.Clean(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite prefers a single writer; one connection also serializes the
	// read-modify-write status updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	st := &sqliteStore{db: db, log: log, now: cfg.Now}
	if err := applyMigrations(context.Background(), st, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) clock() time.Time { return s.now().UTC() }

// ---- migrations ----

func (s *sqliteStore) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`)
	return err
}

func (s *sqliteStore) applied(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+migrationTable+` WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) apply(ctx context.Context, name, up string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, up); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- posts ----

const sqlitePostCols = `id, owner, topic_id, title, content, status, scheduled_date, scheduled_time,
	posted_at, external_id, failure_reason, created_at, updated_at`

func (s *sqliteStore) CreatePost(ctx context.Context, p model.Post) (model.Post, error) {
	if p.Status == "" {
		p.Status = model.PostDraft
	}
	if err := p.Validate(); err != nil {
		return model.Post{}, err
	}
	if !creatableStatus(p.Status) {
		return model.Post{}, model.InvalidArgument("post cannot be created as %q", p.Status)
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = model.NewID()
	}
	now := s.clock()
	p.CreatedAt, p.UpdatedAt = now, now
	p.PostedAt = nil
	p.ScheduledDate, p.ScheduledTime = "", ""
	p.ExternalID, p.FailureReason = "", ""

	_, err := s.db.ExecContext(ctx, `
INSERT INTO posts (`+sqlitePostCols+`)
VALUES (?, ?, ?, ?, ?, ?, '', '', NULL, '', '', ?, ?)`,
		p.ID, p.Owner, p.TopicID, p.Title, p.Content, string(p.Status),
		toMillis(now), toMillis(now),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return model.Post{}, model.InvalidArgument("post %s already exists", p.ID)
		}
		return model.Post{}, fmt.Errorf("create post: %w", err)
	}
	return p, nil
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (model.Post, error) {
	return s.getPost(ctx, s.db, id)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) getPost(ctx context.Context, q sqlQueryer, id string) (model.Post, error) {
	p, err := scanSQLitePost(q.QueryRowContext(ctx, `SELECT `+sqlitePostCols+` FROM posts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, fmt.Errorf("post %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Post{}, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

func (s *sqliteStore) ListPostsByOwner(ctx context.Context, owner string, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sqlitePostCols+` FROM posts
WHERE owner = ?
ORDER BY created_at DESC, id ASC
LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	out := make([]model.Post, 0)
	for rows.Next() {
		p, err := scanSQLitePost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) UpdatePostStatus(ctx context.Context, id string, status model.PostStatus, f model.StatusFields) (model.Post, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Post{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := s.getPost(ctx, tx, id)
	if err != nil {
		return model.Post{}, err
	}
	out, changed, err := model.ApplyStatus(p, status, f, s.clock())
	if err != nil || !changed {
		return out, err
	}
	if err := writeSQLitePost(ctx, tx, out); err != nil {
		return model.Post{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Post{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) UpdatePostContent(ctx context.Context, id, content, title string) (model.Post, error) {
	if strings.TrimSpace(content) == "" {
		return model.Post{}, model.InvalidArgument("content is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Post{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := s.getPost(ctx, tx, id)
	if err != nil {
		return model.Post{}, err
	}
	if p.Status == model.PostPosted {
		return model.Post{}, model.Transition("post %s is already posted", id)
	}
	p.Content = content
	p.Title = title
	p.UpdatedAt = s.clock()
	if err := writeSQLitePost(ctx, tx, p); err != nil {
		return model.Post{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Post{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func writeSQLitePost(ctx context.Context, tx *sql.Tx, p model.Post) error {
	var postedAt any
	if p.PostedAt != nil {
		postedAt = toMillis(*p.PostedAt)
	}
	_, err := tx.ExecContext(ctx, `
UPDATE posts SET
	title = ?, content = ?, status = ?, scheduled_date = ?, scheduled_time = ?,
	posted_at = ?, external_id = ?, failure_reason = ?, updated_at = ?
WHERE id = ?`,
		p.Title, p.Content, string(p.Status), p.ScheduledDate, p.ScheduledTime,
		postedAt, p.ExternalID, p.FailureReason, toMillis(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	return nil
}

func scanSQLitePost(r rowScanner) (model.Post, error) {
	var (
		p                model.Post
		status           string
		postedAt         sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(
		&p.ID, &p.Owner, &p.TopicID, &p.Title, &p.Content, &status,
		&p.ScheduledDate, &p.ScheduledTime, &postedAt, &p.ExternalID,
		&p.FailureReason, &created, &updated,
	); err != nil {
		return model.Post{}, err
	}
	p.Status = model.PostStatus(status)
	if postedAt.Valid {
		t := fromMillis(postedAt.Int64)
		p.PostedAt = &t
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// ---- dispatch entries ----

const sqliteEntryCols = `id, post_id, owner, destination_kind, destination_address,
	payload_content, payload_topic, scheduled_for, status, external_id, reason,
	post_synced, created_at, updated_at, processed_at`

func (s *sqliteStore) Enqueue(ctx context.Context, e model.Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = model.NewID()
	}
	now := s.clock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_entries (`+sqliteEntryCols+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', '', '', ?, ?, ?, NULL)`,
		e.ID, e.PostID, e.Owner, e.Destination.Kind, e.Destination.Address,
		e.Payload.Content, e.Payload.Topic, toMillis(dueTime(e.ScheduledFor)),
		e.PostID == "", toMillis(now), toMillis(now),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return "", model.InvalidArgument("entry %s already exists", e.ID)
		}
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return e.ID, nil
}

func (s *sqliteStore) GetEntry(ctx context.Context, id string) (model.Entry, error) {
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx, `SELECT `+sqliteEntryCols+` FROM dispatch_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entry{}, fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s *sqliteStore) ListByPost(ctx context.Context, postID string) ([]model.Entry, error) {
	return s.queryEntries(ctx, `
SELECT `+sqliteEntryCols+` FROM dispatch_entries
WHERE post_id = ?
ORDER BY created_at ASC, id ASC`, postID)
}

// ListDue floors now to milliseconds; scheduled_for is stored rounded up, so
// the comparison stays exact.
func (s *sqliteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return nil, model.InvalidArgument("limit must be greater than zero")
	}
	return s.queryEntries(ctx, `
SELECT `+sqliteEntryCols+` FROM dispatch_entries
WHERE status = 'pending' AND scheduled_for <= ?
ORDER BY scheduled_for ASC, id ASC
LIMIT ?`, toMillis(now), limit)
}

func (s *sqliteStore) ListUnsynced(ctx context.Context, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return nil, model.InvalidArgument("limit must be greater than zero")
	}
	return s.queryEntries(ctx, `
SELECT `+sqliteEntryCols+` FROM dispatch_entries
WHERE status IN ('sent', 'failed') AND post_synced = 0
ORDER BY updated_at ASC, id ASC
LIMIT ?`, limit)
}

func (s *sqliteStore) queryEntries(ctx context.Context, query string, args ...any) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.Entry, 0)
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, id, externalID string) error {
	return s.mark(ctx, id, model.EntrySent, externalID, "")
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.mark(ctx, id, model.EntryFailed, "", reason)
}

// mark is a compare-and-set from pending. When nothing was updated the
// current status decides between a no-op and ErrInvalidTransition.
func (s *sqliteStore) mark(ctx context.Context, id string, next model.EntryStatus, externalID, reason string) error {
	now := toMillis(s.clock())
	res, err := s.db.ExecContext(ctx, `
UPDATE dispatch_entries
SET status = ?, external_id = ?, reason = ?, updated_at = ?, processed_at = ?
WHERE id = ? AND status = 'pending'`,
		string(next), externalID, reason, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark %s: %w", next, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM dispatch_entries WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("mark %s: %w", next, err)
	}
	return resolveLostMark(id, model.EntryStatus(cur), next)
}

func (s *sqliteStore) CancelPending(ctx context.Context, postID string) (int, error) {
	now := toMillis(s.clock())
	res, err := s.db.ExecContext(ctx, `
UPDATE dispatch_entries
SET status = 'failed', reason = ?, post_synced = 1, updated_at = ?, processed_at = ?
WHERE post_id = ? AND status = 'pending'`,
		ReasonCancelled, now, now, postID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) MarkPostSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dispatch_entries SET post_synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark post synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanSQLiteEntry(r rowScanner) (model.Entry, error) {
	var (
		e                model.Entry
		status           string
		scheduledFor     int64
		synced           bool
		created, updated int64
		processedAt      sql.NullInt64
	)
	if err := r.Scan(
		&e.ID, &e.PostID, &e.Owner, &e.Destination.Kind, &e.Destination.Address,
		&e.Payload.Content, &e.Payload.Topic, &scheduledFor, &status, &e.ExternalID,
		&e.Reason, &synced, &created, &updated, &processedAt,
	); err != nil {
		return model.Entry{}, err
	}
	e.Status = model.EntryStatus(status)
	e.ScheduledFor = fromMillis(scheduledFor)
	e.PostSynced = synced
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	if processedAt.Valid {
		t := fromMillis(processedAt.Int64)
		e.ProcessedAt = &t
	}
	return e, nil
}

// ---- usage ledger ----

// CheckAndIncrement is one conditional upsert: the insert creates the row
// with count=1, the update only fires while count < limit_count. Zero rows
// affected means the budget is spent.
func (s *sqliteStore) CheckAndIncrement(ctx context.Context, owner, period string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO usage_ledger (owner, period, count, limit_count)
VALUES (?, ?, 1, ?)
ON CONFLICT (owner, period) DO UPDATE
SET count = usage_ledger.count + 1
WHERE usage_ledger.count < usage_ledger.limit_count`,
		owner, period, limit,
	)
	if err != nil {
		return false, fmt.Errorf("check and increment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check and increment: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) GetUsage(ctx context.Context, owner, period string) (model.Usage, error) {
	u := model.Usage{Owner: owner, Period: period}
	err := s.db.QueryRowContext(ctx,
		`SELECT count, limit_count FROM usage_ledger WHERE owner = ? AND period = ?`,
		owner, period,
	).Scan(&u.Count, &u.Limit)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Usage{}, fmt.Errorf("usage %s/%s: %w", owner, period, model.ErrNotFound)
	}
	if err != nil {
		return model.Usage{}, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

// ---- settings ----

func (s *sqliteStore) GetSettings(ctx context.Context, owner string) (model.Settings, error) {
	v := model.Settings{Owner: owner}
	var updated int64
	err := s.db.QueryRowContext(ctx, `
SELECT relay_api_key, webhook_url, telegram_bot_token, monthly_limit, updated_at
FROM owner_settings WHERE owner = ?`, owner,
	).Scan(&v.RelayAPIKey, &v.WebhookURL, &v.TelegramBotToken, &v.MonthlyLimit, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Settings{}, fmt.Errorf("settings %s: %w", owner, model.ErrNotFound)
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	v.UpdatedAt = fromMillis(updated)
	return v, nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, v model.Settings) (model.Settings, error) {
	if err := validateSettings(v); err != nil {
		return model.Settings{}, err
	}
	v.UpdatedAt = s.clock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO owner_settings (owner, relay_api_key, webhook_url, telegram_bot_token, monthly_limit, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (owner) DO UPDATE SET
	relay_api_key = excluded.relay_api_key,
	webhook_url = excluded.webhook_url,
	telegram_bot_token = excluded.telegram_bot_token,
	monthly_limit = excluded.monthly_limit,
	updated_at = excluded.updated_at`,
		v.Owner, v.RelayAPIKey, v.WebhookURL, v.TelegramBotToken, v.MonthlyLimit, toMillis(v.UpdatedAt),
	)
	if err != nil {
		return model.Settings{}, fmt.Errorf("put settings: %w", err)
	}
	return v, nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// resolveLostMark explains why a compare-and-set from pending updated
// nothing.
func resolveLostMark(id string, cur, next model.EntryStatus) error {
	if cur == model.EntryPending {
		return fmt.Errorf("entry %s: concurrent update", id)
	}
	_, err := model.CheckEntryTransition(id, cur, next)
	return err
}

var _ Store = (*sqliteStore)(nil)

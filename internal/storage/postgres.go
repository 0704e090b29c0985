package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"postpipe/internal/model"
	logx "postpipe/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &postgresStore{pool: pool, log: log, now: cfg.Now}
	if err := applyMigrations(ctx, st, "migrations/postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) clock() time.Time { return s.now().UTC() }

// ---- migrations ----

func (s *postgresStore) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`)
	return err
}

func (s *postgresStore) applied(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+migrationTable+` WHERE name = $1`, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *postgresStore) apply(ctx context.Context, name, up string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, up); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO `+migrationTable+` (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			name, time.Now().UTC().UnixMilli(),
		)
		return err
	})
}

// ---- posts ----

const pgPostCols = `id, owner, topic_id, title, content, status, scheduled_date, scheduled_time,
	posted_at, external_id, failure_reason, created_at, updated_at`

func (s *postgresStore) CreatePost(ctx context.Context, p model.Post) (model.Post, error) {
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

	_, err := s.pool.Exec(ctx, `
INSERT INTO posts (`+pgPostCols+`)
VALUES ($1, $2, $3, $4, $5, $6, '', '', NULL, '', '', $7, $7)`,
		p.ID, p.Owner, p.TopicID, p.Title, p.Content, string(p.Status), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Post{}, model.InvalidArgument("post %s already exists", p.ID)
		}
		return model.Post{}, fmt.Errorf("create post: %w", err)
	}
	return p, nil
}

func (s *postgresStore) GetPost(ctx context.Context, id string) (model.Post, error) {
	return getPGPost(ctx, s.pool, id, false)
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPGPost(ctx context.Context, q pgQueryer, id string, forUpdate bool) (model.Post, error) {
	query := `SELECT ` + pgPostCols + ` FROM posts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPGPost(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Post{}, fmt.Errorf("post %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Post{}, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

func (s *postgresStore) ListPostsByOwner(ctx context.Context, owner string, limit int) ([]model.Post, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+pgPostCols+` FROM posts
WHERE owner = $1
ORDER BY created_at DESC, id ASC
LIMIT $2`, owner, lim)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	out := make([]model.Post, 0)
	for rows.Next() {
		p, err := scanPGPost(rows)
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

func (s *postgresStore) UpdatePostStatus(ctx context.Context, id string, status model.PostStatus, f model.StatusFields) (model.Post, error) {
	var out model.Post
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := getPGPost(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, changed, err := model.ApplyStatus(p, status, f, s.clock())
		out = next
		if err != nil || !changed {
			return err
		}
		return writePGPost(ctx, tx, next)
	})
	if err != nil {
		return model.Post{}, err
	}
	return out, nil
}

func (s *postgresStore) UpdatePostContent(ctx context.Context, id, content, title string) (model.Post, error) {
	if strings.TrimSpace(content) == "" {
		return model.Post{}, model.InvalidArgument("content is required")
	}
	var out model.Post
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := getPGPost(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if p.Status == model.PostPosted {
			return model.Transition("post %s is already posted", id)
		}
		p.Content = content
		p.Title = title
		p.UpdatedAt = s.clock()
		out = p
		return writePGPost(ctx, tx, p)
	})
	if err != nil {
		return model.Post{}, err
	}
	return out, nil
}

func writePGPost(ctx context.Context, tx pgx.Tx, p model.Post) error {
	_, err := tx.Exec(ctx, `
UPDATE posts SET
	title = $2, content = $3, status = $4, scheduled_date = $5, scheduled_time = $6,
	posted_at = $7, external_id = $8, failure_reason = $9, updated_at = $10
WHERE id = $1`,
		p.ID, p.Title, p.Content, string(p.Status), p.ScheduledDate, p.ScheduledTime,
		p.PostedAt, p.ExternalID, p.FailureReason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	return nil
}

func scanPGPost(r rowScanner) (model.Post, error) {
	var (
		p        model.Post
		status   string
		postedAt *time.Time
	)
	if err := r.Scan(
		&p.ID, &p.Owner, &p.TopicID, &p.Title, &p.Content, &status,
		&p.ScheduledDate, &p.ScheduledTime, &postedAt, &p.ExternalID,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return model.Post{}, err
	}
	p.Status = model.PostStatus(status)
	if postedAt != nil {
		t := postedAt.UTC()
		p.PostedAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// ---- dispatch entries ----

const pgEntryCols = `id, post_id, owner, destination_kind, destination_address,
	payload_content, payload_topic, scheduled_for, status, external_id, reason,
	post_synced, created_at, updated_at, processed_at`

func (s *postgresStore) Enqueue(ctx context.Context, e model.Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = model.NewID()
	}
	now := s.clock()
	_, err := s.pool.Exec(ctx, `
INSERT INTO dispatch_entries (`+pgEntryCols+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', '', '', $9, $10, $10, NULL)`,
		e.ID, e.PostID, e.Owner, e.Destination.Kind, e.Destination.Address,
		e.Payload.Content, e.Payload.Topic, dueTime(e.ScheduledFor), e.PostID == "", now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", model.InvalidArgument("entry %s already exists", e.ID)
		}
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return e.ID, nil
}

func (s *postgresStore) GetEntry(ctx context.Context, id string) (model.Entry, error) {
	e, err := scanPGEntry(s.pool.QueryRow(ctx, `SELECT `+pgEntryCols+` FROM dispatch_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entry{}, fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s *postgresStore) ListByPost(ctx context.Context, postID string) ([]model.Entry, error) {
	return s.queryEntries(ctx, `
SELECT `+pgEntryCols+` FROM dispatch_entries
WHERE post_id = $1
ORDER BY created_at ASC, id ASC`, postID)
}

func (s *postgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return nil, model.InvalidArgument("limit must be greater than zero")
	}
	return s.queryEntries(ctx, `
SELECT `+pgEntryCols+` FROM dispatch_entries
WHERE status = 'pending' AND scheduled_for <= $1
ORDER BY scheduled_for ASC, id ASC
LIMIT $2`, now.UTC().Truncate(time.Microsecond), limit)
}

func (s *postgresStore) ListUnsynced(ctx context.Context, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return nil, model.InvalidArgument("limit must be greater than zero")
	}
	return s.queryEntries(ctx, `
SELECT `+pgEntryCols+` FROM dispatch_entries
WHERE status IN ('sent', 'failed') AND NOT post_synced
ORDER BY updated_at ASC, id ASC
LIMIT $1`, limit)
}

func (s *postgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.Entry, 0)
	for rows.Next() {
		e, err := scanPGEntry(rows)
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

func (s *postgresStore) MarkSent(ctx context.Context, id, externalID string) error {
	return s.mark(ctx, id, model.EntrySent, externalID, "")
}

func (s *postgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.mark(ctx, id, model.EntryFailed, "", reason)
}

func (s *postgresStore) mark(ctx context.Context, id string, next model.EntryStatus, externalID, reason string) error {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `
UPDATE dispatch_entries
SET status = $2, external_id = $3, reason = $4, updated_at = $5, processed_at = $5
WHERE id = $1 AND status = 'pending'`,
		id, string(next), externalID, reason, now,
	)
	if err != nil {
		return fmt.Errorf("mark %s: %w", next, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var cur string
	err = s.pool.QueryRow(ctx, `SELECT status FROM dispatch_entries WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("mark %s: %w", next, err)
	}
	return resolveLostMark(id, model.EntryStatus(cur), next)
}

func (s *postgresStore) CancelPending(ctx context.Context, postID string) (int, error) {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `
UPDATE dispatch_entries
SET status = 'failed', reason = $2, post_synced = TRUE, updated_at = $3, processed_at = $3
WHERE post_id = $1 AND status = 'pending'`,
		postID, ReasonCancelled, now,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) MarkPostSynced(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dispatch_entries SET post_synced = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark post synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanPGEntry(r rowScanner) (model.Entry, error) {
	var (
		e           model.Entry
		status      string
		processedAt *time.Time
	)
	if err := r.Scan(
		&e.ID, &e.PostID, &e.Owner, &e.Destination.Kind, &e.Destination.Address,
		&e.Payload.Content, &e.Payload.Topic, &e.ScheduledFor, &status, &e.ExternalID,
		&e.Reason, &e.PostSynced, &e.CreatedAt, &e.UpdatedAt, &processedAt,
	); err != nil {
		return model.Entry{}, err
	}
	e.Status = model.EntryStatus(status)
	e.ScheduledFor = e.ScheduledFor.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if processedAt != nil {
		t := processedAt.UTC()
		e.ProcessedAt = &t
	}
	return e, nil
}

// ---- usage ledger ----

func (s *postgresStore) CheckAndIncrement(ctx context.Context, owner, period string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO usage_ledger (owner, period, count, limit_count)
VALUES ($1, $2, 1, $3)
ON CONFLICT (owner, period) DO UPDATE
SET count = usage_ledger.count + 1
WHERE usage_ledger.count < usage_ledger.limit_count`,
		owner, period, limit,
	)
	if err != nil {
		return false, fmt.Errorf("check and increment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) GetUsage(ctx context.Context, owner, period string) (model.Usage, error) {
	u := model.Usage{Owner: owner, Period: period}
	err := s.pool.QueryRow(ctx,
		`SELECT count, limit_count FROM usage_ledger WHERE owner = $1 AND period = $2`,
		owner, period,
	).Scan(&u.Count, &u.Limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Usage{}, fmt.Errorf("usage %s/%s: %w", owner, period, model.ErrNotFound)
	}
	if err != nil {
		return model.Usage{}, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

// ---- settings ----

func (s *postgresStore) GetSettings(ctx context.Context, owner string) (model.Settings, error) {
	v := model.Settings{Owner: owner}
	err := s.pool.QueryRow(ctx, `
SELECT relay_api_key, webhook_url, telegram_bot_token, monthly_limit, updated_at
FROM owner_settings WHERE owner = $1`, owner,
	).Scan(&v.RelayAPIKey, &v.WebhookURL, &v.TelegramBotToken, &v.MonthlyLimit, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Settings{}, fmt.Errorf("settings %s: %w", owner, model.ErrNotFound)
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}

func (s *postgresStore) PutSettings(ctx context.Context, v model.Settings) (model.Settings, error) {
	if err := validateSettings(v); err != nil {
		return model.Settings{}, err
	}
	v.UpdatedAt = s.clock()
	_, err := s.pool.Exec(ctx, `
INSERT INTO owner_settings (owner, relay_api_key, webhook_url, telegram_bot_token, monthly_limit, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (owner) DO UPDATE SET
	relay_api_key = EXCLUDED.relay_api_key,
	webhook_url = EXCLUDED.webhook_url,
	telegram_bot_token = EXCLUDED.telegram_bot_token,
	monthly_limit = EXCLUDED.monthly_limit,
	updated_at = EXCLUDED.updated_at`,
		v.Owner, v.RelayAPIKey, v.WebhookURL, v.TelegramBotToken, v.MonthlyLimit, v.UpdatedAt,
	)
	if err != nil {
		return model.Settings{}, fmt.Errorf("put settings: %w", err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*postgresStore)(nil)

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postpipe/internal/model"
)

// memState is everything the memory backend holds. The file driver
// snapshots it as JSON.
type memState struct {
	Posts    map[string]model.Post     `json:"posts"`
	Entries  map[string]model.Entry    `json:"entries"`
	Usage    map[string]model.Usage    `json:"usage"`
	Settings map[string]model.Settings `json:"settings"`
}

func newMemState() *memState {
	return &memState{
		Posts:    map[string]model.Post{},
		Entries:  map[string]model.Entry{},
		Usage:    map[string]model.Usage{},
		Settings: map[string]model.Settings{},
	}
}

// memStore is the mutex-guarded map backend. Every method takes mu for its
// whole body, so CheckAndIncrement and the Mark* compare-and-set are atomic.
type memStore struct {
	mu  sync.Mutex
	st  *memState
	now func() time.Time

	// persist is called under mu after every successful mutation. A failed
	// persist rolls the mutation back.
	persist func(*memState) error
}

func newMemory(now func() time.Time) *memStore {
	if now == nil {
		now = time.Now
	}
	return &memStore{st: newMemState(), now: now}
}

func (s *memStore) clock() time.Time { return s.now().UTC() }

// put stores v under k and returns the undo for it.
func put[V any](m map[string]V, k string, v V) func() {
	old, had := m[k]
	m[k] = v
	return func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	}
}

// commit persists the state. On failure the undos run in reverse so memory
// never holds what the snapshot does not.
func (s *memStore) commit(undo ...func()) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist(s.st); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *memStore) Close() error { return nil }

// ---- posts ----

func (s *memStore) CreatePost(ctx context.Context, p model.Post) (model.Post, error) {
	if err := ctx.Err(); err != nil {
		return model.Post{}, err
	}
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Posts[p.ID]; ok {
		return model.Post{}, model.InvalidArgument("post %s already exists", p.ID)
	}
	now := s.clock()
	p.CreatedAt, p.UpdatedAt = now, now
	p.PostedAt = nil
	p.ScheduledDate, p.ScheduledTime = "", ""
	p.ExternalID, p.FailureReason = "", ""
	if err := s.commit(put(s.st.Posts, p.ID, p)); err != nil {
		return model.Post{}, err
	}
	return p, nil
}

func (s *memStore) GetPost(ctx context.Context, id string) (model.Post, error) {
	if err := ctx.Err(); err != nil {
		return model.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.Posts[id]
	if !ok {
		return model.Post{}, fmt.Errorf("post %s: %w", id, model.ErrNotFound)
	}
	return p, nil
}

func (s *memStore) ListPostsByOwner(ctx context.Context, owner string, limit int) ([]model.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Post, 0)
	for _, p := range s.st.Posts {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdatePostStatus(ctx context.Context, id string, status model.PostStatus, f model.StatusFields) (model.Post, error) {
	if err := ctx.Err(); err != nil {
		return model.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.Posts[id]
	if !ok {
		return model.Post{}, fmt.Errorf("post %s: %w", id, model.ErrNotFound)
	}
	out, changed, err := model.ApplyStatus(p, status, f, s.clock())
	if err != nil || !changed {
		return out, err
	}
	if err := s.commit(put(s.st.Posts, id, out)); err != nil {
		return model.Post{}, err
	}
	return out, nil
}

func (s *memStore) UpdatePostContent(ctx context.Context, id, content, title string) (model.Post, error) {
	if err := ctx.Err(); err != nil {
		return model.Post{}, err
	}
	if strings.TrimSpace(content) == "" {
		return model.Post{}, model.InvalidArgument("content is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.Posts[id]
	if !ok {
		return model.Post{}, fmt.Errorf("post %s: %w", id, model.ErrNotFound)
	}
	if p.Status == model.PostPosted {
		return model.Post{}, model.Transition("post %s is already posted", id)
	}
	p.Content = content
	p.Title = title
	p.UpdatedAt = s.clock()
	if err := s.commit(put(s.st.Posts, id, p)); err != nil {
		return model.Post{}, err
	}
	return p, nil
}

// ---- dispatch entries ----

func (s *memStore) Enqueue(ctx context.Context, e model.Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = model.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Entries[e.ID]; ok {
		return "", model.InvalidArgument("entry %s already exists", e.ID)
	}
	now := s.clock()
	e.Status = model.EntryPending
	e.ScheduledFor = dueTime(e.ScheduledFor)
	e.ExternalID, e.Reason = "", ""
	e.ProcessedAt = nil
	e.PostSynced = e.PostID == ""
	e.CreatedAt, e.UpdatedAt = now, now
	if err := s.commit(put(s.st.Entries, e.ID, e)); err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *memStore) GetEntry(ctx context.Context, id string) (model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return model.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.Entries[id]
	if !ok {
		return model.Entry{}, fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	return e, nil
}

func (s *memStore) ListByPost(ctx context.Context, postID string) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Entry, 0)
	for _, e := range s.st.Entries {
		if e.PostID == postID {
			out = append(out, e)
		}
	}
	sortEntries(out, func(e model.Entry) time.Time { return e.CreatedAt })
	return out, nil
}

func (s *memStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, model.InvalidArgument("limit must be greater than zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Entry, 0)
	for _, e := range s.st.Entries {
		if e.Status == model.EntryPending && !e.ScheduledFor.After(now) {
			out = append(out, e)
		}
	}
	sortEntries(out, func(e model.Entry) time.Time { return e.ScheduledFor })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkSent(ctx context.Context, id, externalID string) error {
	return s.mark(ctx, id, model.EntrySent, func(e *model.Entry) { e.ExternalID = externalID })
}

func (s *memStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.mark(ctx, id, model.EntryFailed, func(e *model.Entry) { e.Reason = reason })
}

func (s *memStore) mark(ctx context.Context, id string, next model.EntryStatus, set func(*model.Entry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.Entries[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	noop, err := model.CheckEntryTransition(id, e.Status, next)
	if err != nil || noop {
		return err
	}
	now := s.clock()
	e.Status = next
	set(&e)
	e.UpdatedAt = now
	e.ProcessedAt = &now
	return s.commit(put(s.st.Entries, id, e))
}

func (s *memStore) CancelPending(ctx context.Context, postID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	var undo []func()
	for id, e := range s.st.Entries {
		if e.PostID != postID || e.Status != model.EntryPending {
			continue
		}
		e.Status = model.EntryFailed
		e.Reason = ReasonCancelled
		e.PostSynced = true
		e.UpdatedAt = now
		at := now
		e.ProcessedAt = &at
		undo = append(undo, put(s.st.Entries, id, e))
	}
	if len(undo) == 0 {
		return 0, nil
	}
	if err := s.commit(undo...); err != nil {
		return 0, err
	}
	return len(undo), nil
}

func (s *memStore) ListUnsynced(ctx context.Context, limit int) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, model.InvalidArgument("limit must be greater than zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Entry, 0)
	for _, e := range s.st.Entries {
		if e.Status.Terminal() && !e.PostSynced {
			out = append(out, e)
		}
	}
	sortEntries(out, func(e model.Entry) time.Time { return e.UpdatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkPostSynced(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.Entries[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, model.ErrNotFound)
	}
	if e.PostSynced {
		return nil
	}
	e.PostSynced = true
	return s.commit(put(s.st.Entries, id, e))
}

// ---- usage ledger ----

func usageKey(owner, period string) string { return owner + "\x00" + period }

func (s *memStore) CheckAndIncrement(ctx context.Context, owner, period string, limit int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey(owner, period)
	u, ok := s.st.Usage[k]
	if !ok {
		u = model.Usage{Owner: owner, Period: period, Limit: limit}
	}
	if u.Count >= u.Limit {
		return false, nil
	}
	u.Count++
	if err := s.commit(put(s.st.Usage, k, u)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *memStore) GetUsage(ctx context.Context, owner, period string) (model.Usage, error) {
	if err := ctx.Err(); err != nil {
		return model.Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.Usage[usageKey(owner, period)]
	if !ok {
		return model.Usage{}, fmt.Errorf("usage %s/%s: %w", owner, period, model.ErrNotFound)
	}
	return u, nil
}

// ---- settings ----

func (s *memStore) GetSettings(ctx context.Context, owner string) (model.Settings, error) {
	if err := ctx.Err(); err != nil {
		return model.Settings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.Settings[owner]
	if !ok {
		return model.Settings{}, fmt.Errorf("settings %s: %w", owner, model.ErrNotFound)
	}
	return v, nil
}

func (s *memStore) PutSettings(ctx context.Context, v model.Settings) (model.Settings, error) {
	if err := ctx.Err(); err != nil {
		return model.Settings{}, err
	}
	if err := validateSettings(v); err != nil {
		return model.Settings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v.UpdatedAt = s.clock()
	if err := s.commit(put(s.st.Settings, v.Owner, v)); err != nil {
		return model.Settings{}, err
	}
	return v, nil
}

func validateSettings(v model.Settings) error {
	if strings.TrimSpace(v.Owner) == "" {
		return model.InvalidArgument("owner is required")
	}
	if v.MonthlyLimit < 0 {
		return model.InvalidArgument("monthly_limit must be >= 0")
	}
	return nil
}

func sortEntries(es []model.Entry, key func(model.Entry) time.Time) {
	sort.Slice(es, func(i, j int) bool {
		ki, kj := key(es[i]), key(es[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return es[i].ID < es[j].ID
	})
}

var _ Store = (*memStore)(nil)

// Package ledger enforces the per-owner monthly dispatch budget on top of
// storage.UsageStore.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpipe/internal/model"
	"postpipe/internal/storage"
)

// SettingsReader is the slice of storage.SettingsStore the ledger needs.
type SettingsReader interface {
	GetSettings(ctx context.Context, owner string) (model.Settings, error)
}

// Ledger resolves each owner's limit (settings, then the configured
// default) and delegates the atomic increment to the store.
type Ledger struct {
	usage        storage.UsageStore
	settings     SettingsReader
	defaultLimit int
	loc          *time.Location
}

// New returns a Ledger. defaultLimit <= 0 means model.DefaultMonthlyLimit;
// a nil loc means UTC month boundaries.
func New(usage storage.UsageStore, settings SettingsReader, defaultLimit int, loc *time.Location) *Ledger {
	if defaultLimit <= 0 {
		defaultLimit = model.DefaultMonthlyLimit
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{usage: usage, settings: settings, defaultLimit: defaultLimit, loc: loc}
}

// Period returns the ledger period containing t.
func (l *Ledger) Period(t time.Time) string { return model.Period(t, l.loc) }

// Limit returns the monthly limit that applies to owner right now.
func (l *Ledger) Limit(ctx context.Context, owner string) (int, error) {
	if l.settings == nil {
		return l.defaultLimit, nil
	}
	s, err := l.settings.GetSettings(ctx, owner)
	if errors.Is(err, model.ErrNotFound) {
		return l.defaultLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	return l.LimitFor(s), nil
}

// LimitFor picks the limit from already loaded settings.
func (l *Ledger) LimitFor(s model.Settings) int {
	if s.MonthlyLimit > 0 {
		return s.MonthlyLimit
	}
	return l.defaultLimit
}

// CheckAndIncrement consumes one unit of owner's budget for period. It
// returns false, without consuming anything, when the budget is spent.
func (l *Ledger) CheckAndIncrement(ctx context.Context, owner, period string) (bool, error) {
	limit, err := l.Limit(ctx, owner)
	if err != nil {
		return false, err
	}
	return l.CheckAndIncrementWithLimit(ctx, owner, period, limit)
}

// CheckAndIncrementWithLimit is CheckAndIncrement when the caller has
// already resolved the limit.
func (l *Ledger) CheckAndIncrementWithLimit(ctx context.Context, owner, period string, limit int) (bool, error) {
	ok, err := l.usage.CheckAndIncrement(ctx, owner, period, limit)
	if err != nil {
		return false, fmt.Errorf("ledger %s/%s: %w", owner, period, err)
	}
	return ok, nil
}

// Status reports usage without creating a row. A missing row reports the
// limit that would be applied.
func (l *Ledger) Status(ctx context.Context, owner, period string) (model.Usage, error) {
	if !model.ValidPeriod(period) {
		return model.Usage{}, model.InvalidArgument("period must be YYYY-MM, got %q", period)
	}
	u, err := l.usage.GetUsage(ctx, owner, period)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Usage{}, fmt.Errorf("ledger %s/%s: %w", owner, period, err)
	}
	limit, err := l.Limit(ctx, owner)
	if err != nil {
		return model.Usage{}, err
	}
	return model.Usage{Owner: owner, Period: period, Limit: limit}, nil
}

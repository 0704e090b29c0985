package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postpipe/internal/model"
	"postpipe/internal/storage"
	logx "postpipe/pkg/logx"
)

func openStore(t *testing.T, driver string) storage.Store {
	t.Helper()
	cfg := storage.Config{Driver: driver}
	if driver == "sqlite" {
		cfg.Path = filepath.Join(t.TempDir(), "ledger.db")
	}
	s, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLimitResolution(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "memory")
	l := New(s, s, 0, nil)

	if got, _ := l.Limit(ctx, "nobody"); got != model.DefaultMonthlyLimit {
		t.Fatalf("default limit = %d, want %d", got, model.DefaultMonthlyLimit)
	}
	if _, err := s.PutSettings(ctx, model.Settings{Owner: "o1", MonthlyLimit: 3}); err != nil {
		t.Fatalf("put settings: %v", err)
	}
	if got, _ := l.Limit(ctx, "o1"); got != 3 {
		t.Fatalf("owner limit = %d, want 3", got)
	}
	if _, err := s.PutSettings(ctx, model.Settings{Owner: "o2"}); err != nil {
		t.Fatalf("put settings: %v", err)
	}
	if got, _ := l.Limit(ctx, "o2"); got != model.DefaultMonthlyLimit {
		t.Fatalf("zero limit should fall back, got %d", got)
	}
}

func TestStatusDoesNotCreateRow(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "memory")
	l := New(s, s, 7, nil)

	u, err := l.Status(ctx, "o1", "2026-05")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if u.Count != 0 || u.Limit != 7 || u.Remaining() != 7 {
		t.Fatalf("status = %+v", u)
	}
	if _, err := s.GetUsage(ctx, "o1", "2026-05"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("status must not create a row, got %v", err)
	}
	if _, err := l.Status(ctx, "o1", "May"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected invalid period error, got %v", err)
	}
}

func TestCheckAndIncrementConcurrent(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s := openStore(t, driver)
			if _, err := s.PutSettings(ctx, model.Settings{Owner: "o1", MonthlyLimit: 4}); err != nil {
				t.Fatalf("put settings: %v", err)
			}
			l := New(s, s, 100, nil)

			var granted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.CheckAndIncrement(ctx, "o1", "2026-05")
					if err != nil {
						t.Errorf("check and increment: %v", err)
						return
					}
					if ok {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()

			if got := granted.Load(); got != 4 {
				t.Fatalf("granted = %d, want 4", got)
			}
			u, err := l.Status(ctx, "o1", "2026-05")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if u.Count != 4 || u.Remaining() != 0 {
				t.Fatalf("usage = %+v", u)
			}
		})
	}
}

func TestPeriodUsesLedgerTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	l := New(nil, nil, 0, loc)
	at := time.Date(2026, 1, 31, 20, 0, 0, 0, time.UTC)
	if got := l.Period(at); got != "2026-02" {
		t.Fatalf("period = %s, want 2026-02", got)
	}
	if got := New(nil, nil, 0, nil).Period(at); got != "2026-01" {
		t.Fatalf("utc period = %s, want 2026-01", got)
	}
}

package storage

import (
	"errors"
	"strings"
	"time"

	logx "postpipe/pkg/logx"
)

// dueTime rounds an entry's ScheduledFor up to whole milliseconds, the
// coarsest precision of any backend. Every driver stores the rounded value so
// ListDue agrees across drivers and never returns an entry due after now.
func dueTime(t time.Time) time.Time {
	t = t.UTC()
	r := t.Truncate(time.Millisecond)
	if r.Before(t) {
		r = r.Add(time.Millisecond)
	}
	return r
}

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch driver {
	case "", "memory":
		if strings.TrimSpace(cfg.Path) != "" {
			return openFile(cfg, log)
		}
		return newMemory(cfg.Now), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postpipe/internal/model"
	logx "postpipe/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

func openTempSQLite(t *testing.T, now func() time.Time) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postpipe.db")
	s, err := Open(Config{Driver: "sqlite", Path: path, Now: now}, logxNop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close sqlite store: %v", err)
		}
	})
	return s
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postpipe.db")
	for i := 0; i < 2; i++ {
		s, err := Open(Config{Driver: "sqlite", Path: path}, logxNop())
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "postpipe.db")

	s, err := Open(Config{Driver: "sqlite", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p, err := s.CreatePost(ctx, model.Post{Owner: "owner-1", Content: "persisted"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if _, err := s.CheckAndIncrement(ctx, "owner-1", "2026-03", 3); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(Config{Driver: "sqlite", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if got.Content != "persisted" {
		t.Fatalf("content = %q, want %q", got.Content, "persisted")
	}
	u, err := s.GetUsage(ctx, "owner-1", "2026-03")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u.Count != 1 || u.Limit != 3 {
		t.Fatalf("usage = %+v, want count=1 limit=3", u)
	}
}

func TestExtractUp(t *testing.T) {
	in := "-- +migrate Up\nCREATE TABLE a (id INT);\n-- +migrate Down\nDROP TABLE a;\n"
	if got := extractUp(in); got != "\nCREATE TABLE a (id INT);\n" {
		t.Fatalf("extractUp = %q", got)
	}
	if got := extractUp("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("extractUp without markers = %q", got)
	}
}

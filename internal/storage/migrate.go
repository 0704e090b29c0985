package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const migrationTable = "schema_migrations"

// migrator is the backend-specific half of applyMigrations.
type migrator interface {
	ensureTable(ctx context.Context) error
	applied(ctx context.Context, name string) (bool, error)
	// apply runs up and records name in one transaction.
	apply(ctx context.Context, name, up string) error
}

// applyMigrations executes embedded migrations under root at most once per
// file, in lexical order.
func applyMigrations(ctx context.Context, m migrator, root string) error {
	entries, err := fs.ReadDir(migrationsFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	for _, name := range files {
		done, err := m.applied(ctx, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if done {
			continue
		}
		b, err := fs.ReadFile(migrationsFS, path.Join(root, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := extractUp(string(b))
		if strings.TrimSpace(up) == "" {
			continue
		}
		if err := m.apply(ctx, name, up); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// extractUp returns the SQL in the "-- +migrate Up" section.
func extractUp(content string) string {
	const upMark, downMark = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, upMark)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(upMark):]
	if downIdx := strings.Index(rest, downMark); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}

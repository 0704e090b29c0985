package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "postpipe/pkg/logx"
)

// openFile returns the memory backend persisted to a single JSON snapshot.
//
// Files:
//   - <path>      (current snapshot)
//   - <path>.tmp  (written, fsynced, then renamed over <path>)
//
// A crash between write and rename leaves the previous snapshot intact.
func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	m := newMemory(cfg.Now)
	if err := loadSnapshot(path, m.st); err != nil {
		return nil, err
	}
	m.persist = func(st *memState) error { return writeSnapshot(path, st) }

	log.Debug("file store opened",
		logx.String("path", path),
		logx.Int("posts", len(m.st.Posts)),
		logx.Int("entries", len(m.st.Entries)),
	)
	return m, nil
}

func loadSnapshot(path string, st *memState) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	var in memState
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	for k, v := range in.Posts {
		st.Posts[k] = v
	}
	for k, v := range in.Entries {
		st.Entries[k] = v
	}
	for k, v := range in.Usage {
		st.Usage[k] = v
	}
	for k, v := range in.Settings {
		st.Settings[k] = v
	}
	return nil
}

func writeSnapshot(path string, st *memState) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

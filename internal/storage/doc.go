// Package storage persists posts, dispatch entries, the usage ledger and
// owner settings.
//
// Backends:
//   - memory: in-process maps (tests, throwaway runs)
//   - file: the memory backend plus an atomic JSON snapshot after each write
//   - sqlite: modernc.org/sqlite, embedded migrations
//   - postgres: jackc/pgx/v5 pool, embedded migrations
//
// Every backend enforces the same status rules: entry Mark* calls are
// compare-and-set from pending, and the ledger increment is a single atomic
// operation.
package storage

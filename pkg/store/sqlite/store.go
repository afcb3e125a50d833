// Package sqlite implements the store contracts on SQLite. Write transactions
// begin IMMEDIATE, so lock contention surfaces as store.ErrLocked at the start
// of the unit of work rather than at commit.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DefaultBusyTimeoutMS is how long SQLite itself waits on a lock before
// reporting SQLITE_BUSY.
const DefaultBusyTimeoutMS = 5000

// Store is a SQLite-backed store.Store, store.LotteryStore and item store.
type Store struct {
	sqlDB  *sql.DB
	logger zerolog.Logger
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.LotteryStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, busyTimeoutMS int, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = DefaultBusyTimeoutMS
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.Clean(path), busyTimeoutMS)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		sqlDB:  sqlDB,
		logger: logger.With().Str("component", "SQLiteStore").Str("path", path).Logger(),
	}
	s.logger.Info().Msg("SQLite store opened.")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) GetGuild(ctx context.Context, id string) (types.Guild, error) {
	return (&tx{q: s.sqlDB}).GetGuild(ctx, id)
}

func (s *Store) ListGuilds(ctx context.Context) ([]types.Guild, error) {
	return (&tx{q: s.sqlDB}).listGuilds(ctx)
}

func (s *Store) GetChildren(ctx context.Context, guildID string, c store.Collection) ([]types.Child, error) {
	return (&tx{q: s.sqlDB}).GetChildren(ctx, guildID, c)
}

// Update runs fn inside one write transaction.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.inTx(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

// WithRowLock runs fn inside one write transaction. SQLite locks the whole
// database for writing, which covers every row fn touches.
func (s *Store) WithRowLock(ctx context.Context, fn func(ctx context.Context, tx store.LotteryTx) error) error {
	return s.inTx(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, t *tx) error) error {
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("Rollback failed.")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// classify wraps err with the store sentinel matching its SQLite result code.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	case isBusyError(err):
		return fmt.Errorf("%s: %w: %v", op, store.ErrLocked, err)
	case isConstraintError(err):
		return fmt.Errorf("%s: %w: %v", op, store.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

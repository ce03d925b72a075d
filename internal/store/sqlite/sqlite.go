package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite3 "github.com/mattn/go-sqlite3"

	"kasirinaja/kiosk/internal/store"
	"kasirinaja/kiosk/internal/store/sqlstore"
)

var Dialect = sqlstore.Dialect{
	Name: "sqlite",
	Busy: isBusy,
}

// Open creates (or reopens) the kiosk database file at path.
func Open(ctx context.Context, path string, schema store.Schema) (*sqlstore.Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s, err := sqlstore.New(ctx, db, Dialect, schema)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/kiosk/internal/store"
	"kasirinaja/kiosk/internal/store/sqlstore"
)

// Dialect targets PostgreSQL through the pgx stdlib driver.
var Dialect = sqlstore.Dialect{
	Name:     "postgres",
	Numbered: true,
	Busy:     isRetryable,
}

func New(ctx context.Context, databaseURL string, schema store.Schema) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
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

// isRetryable matches serialization failures, deadlocks and lock timeouts.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

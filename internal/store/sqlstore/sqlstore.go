package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/store"
)

// Dialect captures what differs between the SQL engines the kiosk runs on.
type Dialect struct {
	Name string
	// Numbered reports whether placeholders are $1, $2 ... instead of ?.
	Numbered bool
	// Busy reports a lock/serialization error worth retrying.
	Busy func(err error) bool
}

// Store persists every collection in two generic tables: one row per record
// and one row per (record, index) pair. Index rows are written in the same
// transaction as the record they describe.
type Store struct {
	db      *sql.DB
	schema  store.Schema
	dialect Dialect

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

const maxBusyRetries = 3

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS local_records (
		collection TEXT NOT NULL,
		record_key TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, record_key)
	)`,
	`CREATE TABLE IF NOT EXISTS local_record_indexes (
		collection  TEXT NOT NULL,
		record_key  TEXT NOT NULL,
		index_name  TEXT NOT NULL,
		index_value TEXT NOT NULL,
		PRIMARY KEY (collection, record_key, index_name)
	)`,
	`CREATE INDEX IF NOT EXISTS local_record_indexes_lookup
		ON local_record_indexes (collection, index_name, index_value)`,
}

func New(ctx context.Context, db *sql.DB, dialect Dialect, schema store.Schema) (*Store, error) {
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: create local store tables: %w", dialect.Name, err)
		}
	}
	return &Store{
		db:      db,
		schema:  schema,
		dialect: dialect,
		locks:   make(map[string]*sync.RWMutex, len(schema)),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) lock(collection string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[collection] = l
	}
	return l
}

func (s *Store) Put(ctx context.Context, collection string, rec store.Record) error {
	def, err := s.schema.Collection(collection)
	if err != nil {
		return err
	}
	doc, err := def.Decode(rec)
	if err != nil {
		return err
	}
	values := def.IndexValues(doc)

	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	return s.withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC().Format(time.RFC3339Nano)
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO local_records (collection, record_key, body, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (collection, record_key)
				DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
			`), collection, doc.Key, string(rec), now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`
				DELETE FROM local_record_indexes WHERE collection = ? AND record_key = ?
			`), collection, doc.Key); err != nil {
				return err
			}
			for name, value := range values {
				if _, err := tx.ExecContext(ctx, s.rebind(`
					INSERT INTO local_record_indexes (collection, record_key, index_name, index_value)
					VALUES (?, ?, ?, ?)
				`), collection, doc.Key, name, value); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) Get(ctx context.Context, collection string, key string) (store.Record, error) {
	if _, err := s.schema.Collection(collection); err != nil {
		return nil, err
	}
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT body FROM local_records WHERE collection = ? AND record_key = ?
	`), collection, key).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return store.Record(body), nil
}

func (s *Store) GetAll(ctx context.Context, collection string) ([]store.Record, error) {
	if _, err := s.schema.Collection(collection); err != nil {
		return nil, err
	}
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	return s.query(ctx, `
		SELECT body FROM local_records WHERE collection = ? ORDER BY record_key
	`, collection)
}

func (s *Store) GetByIndex(ctx context.Context, collection string, index string, value string) ([]store.Record, error) {
	def, err := s.schema.Collection(collection)
	if err != nil {
		return nil, err
	}
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	if _, ok := def.Index(index); ok {
		return s.query(ctx, `
			SELECT r.body
			FROM local_records r
			JOIN local_record_indexes i
				ON i.collection = r.collection AND i.record_key = r.record_key
			WHERE i.collection = ? AND i.index_name = ? AND i.index_value = ?
			ORDER BY r.record_key
		`, collection, index, value)
	}

	all, err := s.query(ctx, `
		SELECT body FROM local_records WHERE collection = ? ORDER BY record_key
	`, collection)
	if err != nil {
		return nil, err
	}
	path := def.FieldPath(index)
	matched := make([]store.Record, 0, len(all))
	for _, rec := range all {
		if store.Matches(rec, path, value) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

func (s *Store) Delete(ctx context.Context, collection string, key string) error {
	if _, err := s.schema.Collection(collection); err != nil {
		return err
	}
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	return s.withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				DELETE FROM local_record_indexes WHERE collection = ? AND record_key = ?
			`), collection, key); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, s.rebind(`
				DELETE FROM local_records WHERE collection = ? AND record_key = ?
			`), collection, key)
			return err
		})
	})
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	if _, err := s.schema.Collection(collection); err != nil {
		return err
	}
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	return s.withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				DELETE FROM local_record_indexes WHERE collection = ?
			`), collection); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, s.rebind(`
				DELETE FROM local_records WHERE collection = ?
			`), collection)
			return err
		})
	})
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.Record, 0, 16)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, store.Record(body))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || s.dialect.Busy == nil || !s.dialect.Busy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return err
}

// rebind rewrites ? placeholders for engines that number them.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

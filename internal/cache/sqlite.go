package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
    name       TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    store        TEXT NOT NULL REFERENCES stores(name) ON DELETE CASCADE,
    identity     TEXT NOT NULL,
    status       INTEGER NOT NULL,
    header       BLOB,
    body         BLOB NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    stored_at    INTEGER NOT NULL,
    PRIMARY KEY (store, identity)
);
`

// SQLiteBackend persists stores in a single SQLite database file.
type SQLiteBackend struct {
	db *sql.DB
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

// NewSQLiteBackend opens (or creates) the database at path and applies the
// schema.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, StorageUnavailable(fmt.Errorf("open sqlite %q: %w", path, err), "open database", "")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, StorageUnavailable(fmt.Errorf("open sqlite %q: %w", path, err), "open database", "")
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, StorageUnavailable(fmt.Errorf("apply schema: %w", err), "open database", "")
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Open(ctx context.Context, name string) (Store, error) {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO stores(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixNano())
	if err != nil {
		return nil, StorageUnavailable(err, "open", name)
	}
	return &sqliteStore{db: b.db, name: name}, nil
}

func (b *SQLiteBackend) Names(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM stores`)
	if err != nil {
		return nil, StorageUnavailable(err, "list", "")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, StorageUnavailable(err, "list", "")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageUnavailable(err, "list", "")
	}
	return names, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}
	if err := tx.Commit(); err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}
	return n > 0, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (s *sqliteStore) Name() string {
	return s.name
}

// PutAll writes the batch in one transaction.
func (s *sqliteStore) PutAll(ctx context.Context, records []Record) error {
	if err := validate(s.name, records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageUnavailable(err, "put", s.name)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stores WHERE name = ?`, s.name).Scan(&exists); err != nil {
		return StorageUnavailable(err, "put", s.name)
	}
	if exists == 0 {
		return StorageUnavailable(errStoreDeleted, "put", s.name)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO entries(store, identity, status, header, body, content_type, stored_at)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(store, identity) DO UPDATE SET
            status       = excluded.status,
            header       = excluded.header,
            body         = excluded.body,
            content_type = excluded.content_type,
            stored_at    = excluded.stored_at
    `)
	if err != nil {
		return StorageUnavailable(err, "put", s.name)
	}
	defer stmt.Close()

	for _, r := range records {
		header, err := json.Marshal(r.Entry.Header)
		if err != nil {
			return StorageUnavailable(fmt.Errorf("encode header for %q: %w", r.Identity, err), "put", s.name)
		}
		body := r.Entry.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := stmt.ExecContext(ctx,
			s.name, string(r.Identity), r.Entry.StatusCode, header, body,
			r.Entry.ContentType, r.Entry.StoredAt.UnixNano(),
		); err != nil {
			return StorageUnavailable(err, "put", s.name)
		}
	}

	if err := tx.Commit(); err != nil {
		return StorageUnavailable(err, "put", s.name)
	}
	return nil
}

func (s *sqliteStore) Match(ctx context.Context, id Identity) (*Entry, bool, error) {
	var (
		e        Entry
		header   []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT status, header, body, content_type, stored_at
        FROM entries WHERE store = ? AND identity = ?`,
		s.name, string(id),
	).Scan(&e.StatusCode, &header, &e.Body, &e.ContentType, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, StorageUnavailable(err, "match", s.name)
	}

	if len(header) > 0 {
		if err := json.Unmarshal(header, &e.Header); err != nil {
			return nil, false, StorageUnavailable(fmt.Errorf("decode header for %q: %w", id, err), "match", s.name)
		}
	}
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.StoredAt = time.Unix(0, storedAt)
	return &e, true, nil
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE store = ?`, s.name).Scan(&n); err != nil {
		return 0, StorageUnavailable(err, "len", s.name)
	}
	return n, nil
}

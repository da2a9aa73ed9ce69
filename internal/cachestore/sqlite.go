package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cache_namespaces (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			namespace TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			header TEXT NOT NULL,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, method, url)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Open(ctx context.Context, namespace string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cache_namespaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		namespace, time.Now().UTC().UnixMilli())
	return err
}

func (b *SQLiteBackend) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM cache_namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, namespace string) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, namespace)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *SQLiteBackend) Match(ctx context.Context, namespace string, key Key) (Entry, bool, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE namespace = ? AND method = ? AND url = ?`,
		namespace, key.Method, key.URL).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{
		Method:   key.Method,
		URL:      key.URL,
		Status:   status,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, namespace string, entry Entry) error {
	return b.PutAll(ctx, namespace, []Entry{entry})
}

func (b *SQLiteBackend) PutAll(ctx context.Context, namespace string, entries []Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_namespaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		namespace, time.Now().UTC().UnixMilli()); err != nil {
		return err
	}
	for _, entry := range entries {
		header, err := json.Marshal(entry.Header)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (namespace, method, url, status, header, body, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(namespace, method, url) DO UPDATE SET
				status = excluded.status,
				header = excluded.header,
				body = excluded.body,
				stored_at = excluded.stored_at`,
			namespace, entry.Method, entry.URL, entry.Status, string(header), entry.Body, entry.StoredAt.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

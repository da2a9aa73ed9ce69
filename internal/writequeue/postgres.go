package writequeue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresQueueTableName   = "offlineagent_pending_operations"
	postgresQueueKey         = "default"
	postgresOperationTimeout = 5 * time.Second
	postgresUniqueViolation  = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one row per operation. FIFO order follows the
// BIGSERIAL sequence; the queue key lets several agents share a table.
type PostgresBackend struct {
	dsn       string
	tableName string
	queueKey  string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string, capacity int) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		queueKey:  postgresQueueKey,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				id TEXT NOT NULL,
				tag TEXT NOT NULL,
				operation TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (queue_key, id)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		indexName := b.tableName + "_queue_key_tag_seq_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, tag, seq)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(b.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) Append(ctx context.Context, op PendingOperation) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
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

	lockKey := postgresQueueLockKey(b.tableName, b.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(b.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, b.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= b.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (queue_key, id, tag, operation, created_at) VALUES ($1, $2, $3, $4, $5)",
		postgresQuoteIdentifier(b.tableName),
	)
	if _, err := tx.ExecContext(ctx, insertQuery, b.queueKey, op.ID, op.Tag, string(payload), op.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == postgresUniqueViolation {
			return ErrDuplicateOperation
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) List(ctx context.Context, tag string) ([]PendingOperation, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT operation FROM %s WHERE queue_key = $1 AND ($2::text = '' OR tag = $2::text) ORDER BY seq ASC", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, b.queueKey, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]PendingOperation, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var op PendingOperation
		if err := json.Unmarshal([]byte(payload), &op); err != nil || strings.TrimSpace(op.ID) == "" {
			continue
		}
		items = append(items, op)
	}
	return items, rows.Err()
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (PendingOperation, bool, error) {
	if err := b.ensureReady(); err != nil {
		return PendingOperation{}, false, err
	}
	query := fmt.Sprintf("SELECT operation FROM %s WHERE queue_key = $1 AND id = $2", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.queueKey, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingOperation{}, false, nil
	}
	if err != nil {
		return PendingOperation{}, false, err
	}
	var op PendingOperation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return PendingOperation{}, false, err
	}
	return op, true, nil
}

func (b *PostgresBackend) Update(ctx context.Context, op PendingOperation) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET operation = $3 WHERE queue_key = $1 AND id = $2", postgresQuoteIdentifier(b.tableName))
	res, err := b.db.ExecContext(ctx, query, b.queueKey, op.ID, string(payload))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) Remove(ctx context.Context, id string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND id = $2", postgresQuoteIdentifier(b.tableName))
	res, err := b.db.ExecContext(ctx, query, b.queueKey, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *PostgresBackend) Depth(ctx context.Context) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(b.tableName))
	var depth int
	if err := b.db.QueryRowContext(ctx, query, b.queueKey).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}

func (b *PostgresBackend) Capacity() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}

// internal/state/sql.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/user/insightdash/internal/types"
)

// Dialect selects the driver and placeholder style for SQLRepository.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driver() string {
	return string(d)
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLRepository stores the snapshot as one row of a key/value table. The
// same schema works on sqlite and postgres.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
	key     string
}

// OpenSQL opens a database for the dialect and verifies connectivity.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one connection: sqlite allows a single writer and :memory: is per-connection
		db.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, nil
}

// NewSQLRepository creates the kv_store table if needed and returns a
// repository storing the snapshot under key.
func NewSQLRepository(ctx context.Context, db *sql.DB, dialect Dialect, key string) (*SQLRepository, error) {
	if key == "" {
		key = "conversations"
	}
	r := &SQLRepository{db: db, dialect: dialect, key: key}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create kv_store: %w", err)
	}
	return r, nil
}

// Load reads the snapshot row. A missing row yields an empty snapshot.
func (r *SQLRepository) Load(ctx context.Context) (*types.Snapshot, error) {
	var value string
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT value FROM kv_store WHERE key = ?`), r.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return DecodeSnapshot(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return DecodeSnapshot([]byte(value))
}

// Save upserts the snapshot row.
func (r *SQLRepository) Save(ctx context.Context, snap *types.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.dialect.rebind(`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		r.key, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

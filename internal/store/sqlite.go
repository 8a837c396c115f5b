package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// Options configure the SQLite-backed store.
type Options struct {
	// Path is the database file, or ":memory:" for tests.
	Path string
	// TTL bounds the lifetime of every record; refreshed on writes.
	TTL time.Duration
	// KeyPrefix namespaces the stored keys (default "3ds:txn").
	KeyPrefix string
	// PoolMaxSize bounds the connection pool.
	PoolMaxSize int
	// PoolMinIdle keeps that many connections warm.
	PoolMinIdle int
}

const defaultKeyPrefix = "3ds:txn"

// SQLiteStore implements Store on a single transactions table. The TTL
// lives in an expires_at column: reads treat stale rows as missing and
// writes stamp a fresh deadline. The ACS transaction id is kept as an
// indexed column so the secondary lookup needs no scan.
type SQLiteStore struct {
	db        *sql.DB
	ttl       time.Duration
	keyPrefix string

	now func() time.Time // swapped in tests
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	key          TEXT PRIMARY KEY,
	acs_trans_id TEXT NOT NULL,
	value        TEXT NOT NULL,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_acs_trans_id ON transactions(acs_trans_id);
`

// Open opens (or creates) the store database and prepares the schema.
func Open(opts Options) (*SQLiteStore, error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("store TTL must be positive")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store database %q: %w", opts.Path, err)
	}
	if opts.Path == ":memory:" {
		// A second pooled connection would see its own empty database.
		db.SetMaxOpenConns(1)
	} else if opts.PoolMaxSize > 0 {
		db.SetMaxOpenConns(opts.PoolMaxSize)
		db.SetMaxIdleConns(opts.PoolMinIdle)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("preparing store schema: %w", err)
	}

	return &SQLiteStore{
		db:        db,
		ttl:       opts.TTL,
		keyPrefix: opts.KeyPrefix,
		now:       time.Now,
	}, nil
}

func (s *SQLiteStore) makeKey(id uuid.UUID) string {
	return s.keyPrefix + ":" + id.String()
}

func (s *SQLiteStore) deadline() int64 {
	return s.now().Add(s.ttl).Unix()
}

func (s *SQLiteStore) Insert(ctx context.Context, serverTransID, acsTransID uuid.UUID, value []byte) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transactions (key, acs_trans_id, value, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET acs_trans_id = excluded.acs_trans_id,
				value = excluded.value, expires_at = excluded.expires_at`,
			s.makeKey(serverTransID), acsTransID.String(), string(value), s.deadline())
		if err != nil {
			return fmt.Errorf("inserting transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, serverTransID uuid.UUID) ([]byte, error) {
	var value []byte
	err := withRetry(ctx, func() error {
		var v string
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM transactions WHERE key = ? AND expires_at > ?`,
			s.makeKey(serverTransID), s.now().Unix()).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading transaction: %w", err)
		}
		value = []byte(v)
		return nil
	})
	return value, err
}

func (s *SQLiteStore) Update(ctx context.Context, serverTransID uuid.UUID, value []byte) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE transactions SET value = ?, expires_at = ? WHERE key = ? AND expires_at > ?`,
			string(value), s.deadline(), s.makeKey(serverTransID), s.now().Unix())
		if err != nil {
			return fmt.Errorf("updating transaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating transaction: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, serverTransID uuid.UUID) error {
	return withRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM transactions WHERE key = ?`, s.makeKey(serverTransID)); err != nil {
			return fmt.Errorf("deleting transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) FindByACSTransID(ctx context.Context, acsTransID uuid.UUID) (uuid.UUID, []byte, error) {
	var (
		serverTransID uuid.UUID
		value         []byte
	)
	err := withRetry(ctx, func() error {
		var key, v string
		err := s.db.QueryRowContext(ctx,
			`SELECT key, value FROM transactions WHERE acs_trans_id = ? AND expires_at > ?`,
			acsTransID.String(), s.now().Unix()).Scan(&key, &v)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("searching by acsTransID: %w", err)
		}
		id, err := uuid.Parse(strings.TrimPrefix(key, s.keyPrefix+":"))
		if err != nil {
			return fmt.Errorf("malformed store key %q: %w", key, err)
		}
		serverTransID = id
		value = []byte(v)
		return nil
	})
	return serverTransID, value, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

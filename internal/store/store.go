// Package store provides the persistent key-value namespace backing the
// cache's durable tier.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openedge-labs/kestrel/internal/domain"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

// SQLStore implements domain.Cache on database/sql.
// Works with both SQLite and PostgreSQL drivers.
//
// Entries are {value, written_at} pairs with per-entry expiry. Reads
// evict lazily; writes enforce a per-user byte budget, evicting oldest
// entries first and largest entries second.
type SQLStore struct {
	db       *sql.DB
	driver   string
	maxBytes int64

	now func() time.Time
}

// New creates a new store based on configuration.
func New(cfg domain.StoreConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}

	s := &SQLStore{
		db:       db,
		driver:   cfg.Driver,
		maxBytes: maxBytes,
		now:      time.Now,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a value. Expired entries are deleted and reported as
// misses; scan errors degrade to misses as well - a broken cache row
// must never fail the caller.
func (s *SQLStore) Get(ctx context.Context, userID string, key string) ([]byte, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT value, expires_at
		FROM kv_entries
		WHERE user_id = ? AND key = ?
	`

	var value []byte
	var expiresAt time.Time

	err := s.db.QueryRowContext(ctx, s.rebind(query), userID, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Debug("store read degraded to miss", "key", key, "error", err)
		return nil, nil
	}

	if !s.now().Before(expiresAt) {
		_ = s.deleteEntry(ctx, userID, key)
		return nil, nil
	}

	return value, nil
}

// Set writes an entry, evicting within the user's namespace if the byte
// budget would be exceeded. On write failure it runs one
// eviction-and-retry pass; if that also fails it clears the key's
// prefix namespace as a last resort and reports the original error.
func (s *SQLStore) Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	now := s.now()
	expiresAt := now.Add(ttl)

	if err := s.evictForBudget(ctx, userID, key, int64(len(value))); err != nil {
		slog.Warn("store eviction pass failed", "user_id", userID, "error", err)
	}

	err := s.upsert(ctx, userID, key, value, now, expiresAt)
	if err == nil {
		return nil
	}

	// One eviction-and-retry pass
	if _, evictErr := s.evictOldest(ctx, userID, key, 1); evictErr == nil {
		if retryErr := s.upsert(ctx, userID, key, value, now, expiresAt); retryErr == nil {
			return nil
		}
	}

	// Last resort: clear this key's prefix namespace
	if prefix := keyPrefix(key); prefix != "" {
		slog.Warn("store write failing, clearing namespace",
			"user_id", userID,
			"prefix", prefix,
			"error", err,
		)
		_ = s.DeletePrefix(ctx, userID, prefix)
	}

	return fmt.Errorf("store write failed: %w", err)
}

func (s *SQLStore) upsert(ctx context.Context, userID, key string, value []byte, writtenAt, expiresAt time.Time) error {
	query := `
		INSERT INTO kv_entries (user_id, key, value, byte_size, written_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			byte_size = excluded.byte_size,
			written_at = excluded.written_at,
			expires_at = excluded.expires_at
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		userID, key, value, len(value), writtenAt, expiresAt,
	)
	return err
}

// evictForBudget drops expired rows, then oldest rows, then largest
// rows until incoming fits inside the user's byte budget. The key being
// written is never a victim.
func (s *SQLStore) evictForBudget(ctx context.Context, userID, key string, incoming int64) error {
	// Expired rows go first
	purge := `DELETE FROM kv_entries WHERE user_id = ? AND expires_at <= ?`
	if _, err := s.db.ExecContext(ctx, s.rebind(purge), userID, s.now()); err != nil {
		return err
	}

	used, err := s.namespaceBytes(ctx, userID, key)
	if err != nil {
		return err
	}
	if used+incoming <= s.maxBytes {
		return nil
	}

	// Oldest-first pass
	for used+incoming > s.maxBytes {
		n, err := s.evictOldest(ctx, userID, key, 8)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if used, err = s.namespaceBytes(ctx, userID, key); err != nil {
			return err
		}
	}

	// Largest-first pass for whatever remains
	for used+incoming > s.maxBytes {
		n, err := s.evictLargest(ctx, userID, key, 8)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if used, err = s.namespaceBytes(ctx, userID, key); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLStore) namespaceBytes(ctx context.Context, userID, excludeKey string) (int64, error) {
	query := `SELECT COALESCE(SUM(byte_size), 0) FROM kv_entries WHERE user_id = ? AND key != ?`
	var used int64
	err := s.db.QueryRowContext(ctx, s.rebind(query), userID, excludeKey).Scan(&used)
	return used, err
}

func (s *SQLStore) evictOldest(ctx context.Context, userID, excludeKey string, limit int) (int64, error) {
	query := `
		DELETE FROM kv_entries
		WHERE user_id = ? AND key IN (
			SELECT key FROM kv_entries
			WHERE user_id = ? AND key != ?
			ORDER BY written_at ASC, byte_size DESC
			LIMIT ?
		)
	`
	res, err := s.db.ExecContext(ctx, s.rebind(query), userID, userID, excludeKey, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) evictLargest(ctx context.Context, userID, excludeKey string, limit int) (int64, error) {
	query := `
		DELETE FROM kv_entries
		WHERE user_id = ? AND key IN (
			SELECT key FROM kv_entries
			WHERE user_id = ? AND key != ?
			ORDER BY byte_size DESC, written_at ASC
			LIMIT ?
		)
	`
	res, err := s.db.ExecContext(ctx, s.rebind(query), userID, userID, excludeKey, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes a single entry.
func (s *SQLStore) Delete(ctx context.Context, userID string, key string) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	return s.deleteEntry(ctx, userID, key)
}

func (s *SQLStore) deleteEntry(ctx context.Context, userID, key string) error {
	query := `DELETE FROM kv_entries WHERE user_id = ? AND key = ?`
	_, err := s.db.ExecContext(ctx, s.rebind(query), userID, key)
	return err
}

// DeletePrefix removes every entry in the user's namespace whose key
// starts with prefix.
func (s *SQLStore) DeletePrefix(ctx context.Context, userID string, prefix string) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `DELETE FROM kv_entries WHERE user_id = ? AND key LIKE ? ESCAPE '\'`
	_, err := s.db.ExecContext(ctx, s.rebind(query), userID, escapeLike(prefix)+"%")
	return err
}

// IncrementCounter atomically increments a windowed counter.
func (s *SQLStore) IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int64
	var expiresAt time.Time

	query := `SELECT count, expires_at FROM kv_counters WHERE user_id = ? AND key = ?`
	err = tx.QueryRowContext(ctx, s.rebind(query), userID, key).Scan(&count, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows) || (err == nil && !now.Before(expiresAt)):
		upsert := `
			INSERT INTO kv_counters (user_id, key, count, expires_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(user_id, key) DO UPDATE SET
				count = 1,
				expires_at = excluded.expires_at
		`
		if _, err := tx.ExecContext(ctx, s.rebind(upsert), userID, key, now.Add(window)); err != nil {
			return 0, err
		}
		count = 1

	case err != nil:
		return 0, err

	default:
		update := `UPDATE kv_counters SET count = count + 1 WHERE user_id = ? AND key = ?`
		if _, err := tx.ExecContext(ctx, s.rebind(update), userID, key); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// keyPrefix returns the logical namespace of a key ("post:" for
// "post:42"), or "" when the key carries no prefix.
func keyPrefix(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i+1]
	}
	return ""
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

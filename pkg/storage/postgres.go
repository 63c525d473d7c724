package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage implements Storage on a single Postgres table. Swap runs
// the read-modify-write inside a transaction with a row lock, which gives
// the per-key atomicity the ledgers require.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to dsn and ensures the records table exists.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			path TEXT PRIMARY KEY,
			data BYTEA NOT NULL
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

func (s *PostgresStorage) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM records WHERE path = $1`, path).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (s *PostgresStorage) Write(ctx context.Context, path string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (path, data) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data`, path, data)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStorage) Delete(ctx context.Context, path string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	rows, err := s.pool.Query(ctx, `SELECT path FROM records WHERE path LIKE $1 ORDER BY path`, prefix+"/%")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return paths, nil
}

func (s *PostgresStorage) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE path = $1)`, path).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return exists, nil
}

func (s *PostgresStorage) Swap(ctx context.Context, path string, fn SwapFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin swap of %s: %w", path, err)
	}
	defer tx.Rollback(ctx)

	var (
		current []byte
		exists  = true
	)
	err = tx.QueryRow(ctx, `SELECT data FROM records WHERE path = $1 FOR UPDATE`, path).Scan(&current)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		exists = false
	}

	next, err := fn(current, exists)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO records (path, data) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data`, path, next)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit swap of %s: %w", path, err)
	}
	return nil
}

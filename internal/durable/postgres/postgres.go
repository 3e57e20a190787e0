// Package postgres is a pgx-backed durable.Store: hashes, lists, and zsets
// flattened onto three simple tables. Connection URL is whatever the
// operator points DURABLE_STORE_DSN at. All operations are best-effort from
// the hot path's perspective — callers fire writes off in a goroutine and
// never wait on them.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store implements durable.Store using PostgreSQL as the backing table set.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to connURL and ensures the backing tables exist.
func New(ctx context.Context, connURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("durable postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("durable postgres ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("durable postgres migrate: %w", err)
	}
	log.Info().Str("url", connURL).Msg("durable store initialized")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS dispatch_hash (
			key   TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, field)
		);
		CREATE TABLE IF NOT EXISTS dispatch_list (
			key   TEXT NOT NULL,
			seq   BIGSERIAL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dispatch_list_key ON dispatch_list (key, seq DESC);
		CREATE TABLE IF NOT EXISTS dispatch_zset (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			score  DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (key, member)
		);
		CREATE INDEX IF NOT EXISTS idx_dispatch_zset_score ON dispatch_zset (key, score);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *Store) HSet(key, field, value string) {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO dispatch_hash (key, field, value) VALUES ($1, $2, $3)
		 ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
		key, field, value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("durable HSet failed")
	}
}

func (s *Store) HGet(key, field string) (string, bool) {
	var value string
	err := s.pool.QueryRow(context.Background(),
		`SELECT value FROM dispatch_hash WHERE key = $1 AND field = $2`, key, field).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *Store) HGetAll(key string) map[string]string {
	out := make(map[string]string)
	rows, err := s.pool.Query(context.Background(),
		`SELECT field, value FROM dispatch_hash WHERE key = $1`, key)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err == nil {
			out[field] = value
		}
	}
	return out
}

func (s *Store) HIncrBy(key, field string, delta int64) int64 {
	var result int64
	err := s.pool.QueryRow(context.Background(), `
		INSERT INTO dispatch_hash (key, field, value) VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE
		SET value = (COALESCE(dispatch_hash.value, '0')::BIGINT + $3::BIGINT)::TEXT
		RETURNING value::BIGINT`, key, field, delta).Scan(&result)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("durable HIncrBy failed")
		return delta
	}
	return result
}

func (s *Store) LPush(key, value string) {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO dispatch_list (key, value) VALUES ($1, $2)`, key, value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("durable LPush failed")
	}
}

func (s *Store) LTrim(key string, start, stop int) {
	// Keep only the (stop-start+1) most recent rows for key; LPush order
	// makes the highest seq the most recently pushed element.
	_, err := s.pool.Exec(context.Background(), `
		DELETE FROM dispatch_list WHERE key = $1 AND seq NOT IN (
			SELECT seq FROM dispatch_list WHERE key = $1 ORDER BY seq DESC LIMIT $2
		)`, key, stop-start+1)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("durable LTrim failed")
	}
}

func (s *Store) LRange(key string, start, stop int) []string {
	limit := stop - start + 1
	rows, err := s.pool.Query(context.Background(),
		`SELECT value FROM dispatch_list WHERE key = $1 ORDER BY seq DESC OFFSET $2 LIMIT $3`,
		key, start, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func (s *Store) ZAdd(key string, score float64, member string) {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO dispatch_zset (key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score`,
		key, member, score)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("durable ZAdd failed")
	}
}

func (s *Store) ZRemRangeByScore(key string, min, max float64) {
	_, err := s.pool.Exec(context.Background(),
		`DELETE FROM dispatch_zset WHERE key = $1 AND score >= $2 AND score <= $3`, key, min, max)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("durable ZRemRangeByScore failed")
	}
}

func (s *Store) ZRange(key string, start, stop int) []string {
	limit := stop - start + 1
	rows, err := s.pool.Query(context.Background(),
		`SELECT member FROM dispatch_zset WHERE key = $1 ORDER BY score ASC OFFSET $2 LIMIT $3`,
		key, start, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

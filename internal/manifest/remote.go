package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const redisKeyPrefix = "mmlu:manifest:"

// RedisStore keeps manifest entries as JSON strings under mmlu:manifest:<path>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and pings it.
//
// Args:
//   - addr: Redis address (e.g., "localhost:6379")
//   - password: Redis password (empty string if none)
//   - db: Redis database number
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := r.client.Set(ctx, redisKeyPrefix+e.Path, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, path string) (*Entry, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+path).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

func (r *RedisStore) List(ctx context.Context) ([]Entry, error) {
	var (
		entries []Entry
		cursor  uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("redis SCAN failed: %w", err)
		}
		for _, key := range keys {
			e, err := r.Get(ctx, key[len(redisKeyPrefix):])
			if err != nil {
				return nil, err
			}
			if e != nil {
				entries = append(entries, *e)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// PostgresStore keeps the manifest in a single upserted table.
//
// Schema:
//
//	CREATE TABLE mmlu_manifest (
//	  path       TEXT PRIMARY KEY,
//	  split      TEXT NOT NULL,
//	  subject    TEXT NOT NULL,
//	  rows       INTEGER NOT NULL,
//	  sha256     TEXT NOT NULL,
//	  run_id     TEXT NOT NULL,
//	  written_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createManifestTable = `
	CREATE TABLE IF NOT EXISTS mmlu_manifest (
	  path       TEXT PRIMARY KEY,
	  split      TEXT NOT NULL,
	  subject    TEXT NOT NULL,
	  rows       INTEGER NOT NULL,
	  sha256     TEXT NOT NULL,
	  run_id     TEXT NOT NULL,
	  written_at TIMESTAMPTZ NOT NULL
	)
`

// NewPostgresStore connects, pings and creates the manifest table if needed.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	if _, err := pool.Exec(ctx, createManifestTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create manifest table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Put(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO mmlu_manifest (path, split, subject, rows, sha256, run_id, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (path) DO UPDATE SET
		  split = EXCLUDED.split,
		  subject = EXCLUDED.subject,
		  rows = EXCLUDED.rows,
		  sha256 = EXCLUDED.sha256,
		  run_id = EXCLUDED.run_id,
		  written_at = EXCLUDED.written_at
	`

	if _, err := p.pool.Exec(ctx, query, e.Path, e.Split, e.Subject, e.Rows, e.SHA256, e.RunID, e.WrittenAt); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, path string) (*Entry, error) {
	query := `
		SELECT path, split, subject, rows, sha256, run_id, written_at
		FROM mmlu_manifest
		WHERE path = $1
	`

	var e Entry
	err := p.pool.QueryRow(ctx, query, path).Scan(&e.Path, &e.Split, &e.Subject, &e.Rows, &e.SHA256, &e.RunID, &e.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return &e, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT path, split, subject, rows, sha256, run_id, written_at
		FROM mmlu_manifest
		ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Split, &e.Subject, &e.Rows, &e.SHA256, &e.RunID, &e.WrittenAt); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

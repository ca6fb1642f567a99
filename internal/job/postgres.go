package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL-backed implementation of Store for multi-instance deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and runs migrations.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS job_records (
			id                 TEXT PRIMARY KEY,
			provider           TEXT NOT NULL,
			provider_job_id    TEXT NOT NULL DEFAULT '',
			provider_record_id TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'pending',
			audio_url          TEXT NOT NULL DEFAULT '',
			provider_error     TEXT,
			prompt             TEXT NOT NULL DEFAULT '',
			style              TEXT NOT NULL DEFAULT '',
			tags               TEXT,
			instrumental       BOOLEAN NOT NULL DEFAULT FALSE,
			title              TEXT NOT NULL DEFAULT '',
			notify_url         TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			version            BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_job_records_provider_job ON job_records(provider, provider_job_id);
		CREATE INDEX IF NOT EXISTS idx_job_records_created_at   ON job_records(created_at);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, r *Record) (bool, error) {
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	providerErr, err := encodeProviderError(r.ProviderError)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_records
			(id, provider, provider_job_id, provider_record_id, status, audio_url, provider_error,
			 prompt, style, tags, instrumental, title, notify_url, created_at, updated_at, version)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0)
		ON CONFLICT (id) DO NOTHING
	`,
		r.ID, string(r.Provider), r.ProviderJobID, r.ProviderRecordID, string(r.Status), r.AudioURL, providerErr,
		r.Prompt, r.Style, encodeTags(r.Tags), r.Instrumental, r.Title, r.NotifyURL,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("create job record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM job_records WHERE id = $1`, id)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) FindByProviderJobID(ctx context.Context, provider Provider, providerJobID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+` FROM job_records
		WHERE provider = $1 AND provider_job_id = $2
		ORDER BY created_at DESC LIMIT 1
	`, string(provider), providerJobID)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job record by provider job %s: %w", providerJobID, err)
	}
	return r, nil
}

func (s *PostgresStore) Patch(ctx context.Context, id string, p Patch) (*Record, bool, error) {
	for range maxPatchAttempts {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if cur == nil {
			return nil, false, ErrNotFound
		}

		next, changed := Merge(*cur, p, patchTime())
		if !changed {
			return cur, false, nil
		}

		providerErr, err := encodeProviderError(next.ProviderError)
		if err != nil {
			return nil, false, err
		}
		tag, err := s.pool.Exec(ctx, `
			UPDATE job_records
			SET provider_job_id = $1, provider_record_id = $2, status = $3, audio_url = $4,
			    provider_error = $5, updated_at = $6, version = version + 1
			WHERE id = $7 AND version = $8
		`, next.ProviderJobID, next.ProviderRecordID, string(next.Status), next.AudioURL,
			providerErr, next.UpdatedAt, id, cur.Version)
		if err != nil {
			return nil, false, fmt.Errorf("patch job record %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			next.Version = cur.Version + 1
			return &next, true, nil
		}
	}
	return nil, false, fmt.Errorf("patch job record %s: %w", id, ErrConflict)
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job records: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM job_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate job records: %w", err)
	}
	return records, total, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	var provider, status string
	var providerErr, tags *string
	err := row.Scan(
		&r.ID, &provider, &r.ProviderJobID, &r.ProviderRecordID, &status, &r.AudioURL,
		&providerErr, &r.Prompt, &r.Style, &tags, &r.Instrumental, &r.Title, &r.NotifyURL,
		&r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Provider = Provider(provider)
	r.Status = Status(status)
	var pe, tg string
	if providerErr != nil {
		pe = *providerErr
	}
	if tags != nil {
		tg = *tags
	}
	if err := decodeColumns(r, pe, tg); err != nil {
		return nil, err
	}
	return r, nil
}

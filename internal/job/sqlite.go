package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
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
			instrumental       INTEGER NOT NULL DEFAULT 0,
			title              TEXT NOT NULL DEFAULT '',
			notify_url         TEXT NOT NULL DEFAULT '',
			created_at         DATETIME NOT NULL,
			updated_at         DATETIME NOT NULL,
			version            INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_job_records_provider_job ON job_records(provider, provider_job_id);
		CREATE INDEX IF NOT EXISTS idx_job_records_created_at   ON job_records(created_at);
	`)
	return err
}

const selectColumns = `id, provider, provider_job_id, provider_record_id, status, audio_url,
	provider_error, prompt, style, tags, instrumental, title, notify_url,
	created_at, updated_at, version`

func (s *SQLiteStore) Create(ctx context.Context, r *Record) (bool, error) {
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records
			(id, provider, provider_job_id, provider_record_id, status, audio_url, provider_error,
			 prompt, style, tags, instrumental, title, notify_url, created_at, updated_at, version)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`,
		r.ID, r.Provider, r.ProviderJobID, r.ProviderRecordID, r.Status, r.AudioURL, providerErr,
		r.Prompt, r.Style, encodeTags(r.Tags), r.Instrumental, r.Title, r.NotifyURL,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("create job record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create job record: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM job_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) FindByProviderJobID(ctx context.Context, provider Provider, providerJobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM job_records
		WHERE provider = ? AND provider_job_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, provider, providerJobID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job record by provider job %s: %w", providerJobID, err)
	}
	return r, nil
}

func (s *SQLiteStore) Patch(ctx context.Context, id string, p Patch) (*Record, bool, error) {
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
		res, err := s.db.ExecContext(ctx, `
			UPDATE job_records
			SET provider_job_id = ?, provider_record_id = ?, status = ?, audio_url = ?,
			    provider_error = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, next.ProviderJobID, next.ProviderRecordID, next.Status, next.AudioURL,
			providerErr, next.UpdatedAt, id, cur.Version)
		if err != nil {
			return nil, false, fmt.Errorf("patch job record %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("patch job record %s: %w", id, err)
		}
		if n == 1 {
			next.Version = cur.Version + 1
			return &next, true, nil
		}
	}
	return nil, false, fmt.Errorf("patch job record %s: %w", id, ErrConflict)
}

// List returns records ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM job_records
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
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

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var providerErr, tags sql.NullString
	err := row.Scan(
		&r.ID, &r.Provider, &r.ProviderJobID, &r.ProviderRecordID, &r.Status, &r.AudioURL,
		&providerErr, &r.Prompt, &r.Style, &tags, &r.Instrumental, &r.Title, &r.NotifyURL,
		&r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeColumns(r, providerErr.String, tags.String); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeColumns(r *Record, providerErr, tags string) error {
	if providerErr != "" {
		pe := &ProviderError{}
		if err := json.Unmarshal([]byte(providerErr), pe); err != nil {
			return fmt.Errorf("decode provider error: %w", err)
		}
		r.ProviderError = pe
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return fmt.Errorf("decode tags: %w", err)
		}
	}
	return nil
}

// encodeProviderError returns nil for a missing error so the column stays NULL.
func encodeProviderError(pe *ProviderError) (any, error) {
	if pe == nil {
		return nil, nil
	}
	b, err := json.Marshal(pe)
	if err != nil {
		return nil, fmt.Errorf("encode provider error: %w", err)
	}
	return string(b), nil
}

func encodeTags(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

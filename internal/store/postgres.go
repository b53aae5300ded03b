package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied by EnsureSchema. Migrations proper are owned by the
// control plane; this only creates the cache tables when absent.
const schema = `
CREATE TABLE IF NOT EXISTS published_rules (
	env        TEXT        NOT NULL,
	flag_key   TEXT        NOT NULL,
	user_id    TEXT        NOT NULL DEFAULT '',
	version    BIGINT      NOT NULL,
	rules      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (env, flag_key)
);
CREATE TABLE IF NOT EXISTS segments (
	env        TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (env, id)
);`

const (
	selectFlagSQL = `SELECT flag_key, env, user_id, version, rules, updated_at
		FROM published_rules WHERE env = $1 AND flag_key = $2`
	listFlagsSQL = `SELECT flag_key, env, user_id, version, rules, updated_at
		FROM published_rules WHERE env = $1 ORDER BY flag_key`
	// The conditional update leaves zero affected rows when the stored version is newer.
	upsertFlagSQL = `INSERT INTO published_rules (env, flag_key, user_id, version, rules, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (env, flag_key) DO UPDATE
		SET user_id = EXCLUDED.user_id, version = EXCLUDED.version,
		    rules = EXCLUDED.rules, updated_at = EXCLUDED.updated_at
		WHERE published_rules.version <= EXCLUDED.version`
	deleteFlagSQL = `DELETE FROM published_rules WHERE env = $1 AND flag_key = $2`
	upsertSegSQL  = `INSERT INTO segments (env, id, data, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (env, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	listSegmentsSQL = `SELECT id, env, data, updated_at FROM segments WHERE env = $1 ORDER BY id`
	deleteSegSQL    = `DELETE FROM segments WHERE env = $1 AND id = $2`
)

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the cache tables if they do not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}

// GetFlag retrieves a single flag from the database.
func (p *PostgresStore) GetFlag(ctx context.Context, env, key string) (*Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, selectFlagSQL, env, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFlags retrieves all flags for the given environment from the database.
func (p *PostgresStore) ListFlags(ctx context.Context, env string) ([]Record, error) {
	rows, err := p.pool.Query(ctx, listFlagsSQL, env)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// PutFlag creates or updates a flag in the database.
func (p *PostgresStore) PutFlag(ctx context.Context, rec Record) error {
	tag, err := p.pool.Exec(ctx, upsertFlagSQL, rec.Env, rec.FlagKey, rec.UserID, rec.Version, []byte(rec.Rules))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

// DeleteFlag removes a flag from the database.
func (p *PostgresStore) DeleteFlag(ctx context.Context, env, key string) error {
	_, err := p.pool.Exec(ctx, deleteFlagSQL, env, key)
	return err
}

// PutSegment creates or updates a segment.
func (p *PostgresStore) PutSegment(ctx context.Context, seg SegmentRecord) error {
	_, err := p.pool.Exec(ctx, upsertSegSQL, seg.Env, seg.ID, []byte(seg.Data))
	return err
}

// GetSegments retrieves all segments of env.
func (p *PostgresStore) GetSegments(ctx context.Context, env string) ([]SegmentRecord, error) {
	rows, err := p.pool.Query(ctx, listSegmentsSQL, env)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]SegmentRecord, 0)
	for rows.Next() {
		var (
			seg  SegmentRecord
			data []byte
		)
		if err := rows.Scan(&seg.ID, &seg.Env, &data, &seg.UpdatedAt); err != nil {
			return nil, err
		}
		seg.Data = data
		result = append(result, seg)
	}
	return result, rows.Err()
}

// DeleteSegment removes a segment.
func (p *PostgresStore) DeleteSegment(ctx context.Context, env, id string) error {
	_, err := p.pool.Exec(ctx, deleteSegSQL, env, id)
	return err
}

// Close closes the database connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec   Record
		rules []byte
	)
	if err := row.Scan(&rec.FlagKey, &rec.Env, &rec.UserID, &rec.Version, &rules, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.Rules = rules
	return rec, nil
}

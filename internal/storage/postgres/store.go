// Package postgres implements collector.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

var _ collector.Store = (*Store)(nil)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it too.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Store persists sources, identities, runs and usage history.
type Store struct {
	pool pool
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSource inserts a model unless its name already exists.
func (s *Store) EnsureSource(ctx context.Context, source collector.Source) (bool, error) {
	const query = `
INSERT INTO models (display_name, model_name)
VALUES ($1, $2)
ON CONFLICT (model_name) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, source.DisplayName, source.Key)
	if err != nil {
		return false, fmt.Errorf("ensure source %s: %w", source.Key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSources returns every model row, including ones added out of band.
func (s *Store) ListSources(ctx context.Context) ([]collector.Source, error) {
	const query = `SELECT id, model_name, display_name, created_at FROM models ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	sources, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (collector.Source, error) {
		var src collector.Source
		err := row.Scan(&src.ID, &src.Key, &src.DisplayName, &src.CreatedAt)
		return src, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	return sources, nil
}

// OpenRun creates the run row every history record of this execution references.
func (s *Store) OpenRun(ctx context.Context, collectedAt time.Time) (collector.Run, error) {
	const query = `INSERT INTO collect_batch (collected_at) VALUES ($1) RETURNING id, collected_at`
	var run collector.Run
	if err := s.pool.QueryRow(ctx, query, collectedAt).Scan(&run.ID, &run.CollectedAt); err != nil {
		return collector.Run{}, fmt.Errorf("open run: %w", err)
	}
	return run, nil
}

// LatestRun returns the most recently opened run.
func (s *Store) LatestRun(ctx context.Context) (collector.Run, error) {
	const query = `SELECT id, collected_at FROM collect_batch ORDER BY id DESC LIMIT 1`
	var run collector.Run
	err := s.pool.QueryRow(ctx, query).Scan(&run.ID, &run.CollectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return collector.Run{}, collector.ErrNotFound
	}
	if err != nil {
		return collector.Run{}, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// ListIdentityURLs returns the URL of every stored app.
func (s *Store) ListIdentityURLs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM apps`)
	if err != nil {
		return nil, fmt.Errorf("list identity urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan identity urls: %w", err)
	}
	return urls, nil
}

// InsertIdentities bulk-inserts apps, skipping URLs that already exist.
func (s *Store) InsertIdentities(ctx context.Context, identities []collector.Identity) (int, error) {
	if len(identities) == 0 {
		return 0, nil
	}
	const query = `
INSERT INTO apps (name, url, description, category, tokens_used, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (url) DO NOTHING`

	batch := &pgx.Batch{}
	for _, id := range identities {
		batch.Queue(query, id.Name, id.URL, id.Description, categoryArg(id.Category), id.TokensUsed, id.CreatedAt)
	}
	inserted, err := s.execBatch(ctx, batch)
	if err != nil {
		return inserted, fmt.Errorf("insert identities: %w", err)
	}
	return inserted, nil
}

// RefreshAmounts updates the denormalized last-seen amount of existing apps.
func (s *Store) RefreshAmounts(ctx context.Context, updates []collector.AmountUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	const query = `UPDATE apps SET tokens_used = $2, updated_at = $3 WHERE url = $1`

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(query, u.URL, u.TokensUsed, u.UpdatedAt)
	}
	if _, err := s.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("refresh amounts: %w", err)
	}
	return nil
}

// ListIdentitiesMissing returns apps eligible for backfill under policy.
func (s *Store) ListIdentitiesMissing(ctx context.Context, policy collector.BackfillPolicy) ([]collector.Identity, error) {
	var where string
	switch policy {
	case collector.BackfillCombined:
		where = "description IS NULL OR category IS NULL"
	case collector.BackfillCategoryOnly:
		where = "category IS NULL"
	default:
		return nil, fmt.Errorf("list identities missing: unknown policy %q", policy)
	}
	return s.listIdentities(ctx, identityColumns+" WHERE "+where+" ORDER BY id")
}

// ListIdentities returns every app.
func (s *Store) ListIdentities(ctx context.Context) ([]collector.Identity, error) {
	return s.listIdentities(ctx, identityColumns+" ORDER BY id")
}

// UpdateIdentityMetadata fills description and category only where they are
// still null; values already present are never overwritten.
func (s *Store) UpdateIdentityMetadata(ctx context.Context, id int64, update collector.MetadataUpdate) error {
	if update.Empty() {
		return nil
	}
	const query = `
UPDATE apps
SET description = COALESCE(description, $2),
    category    = COALESCE(category, $3),
    updated_at  = $4
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, update.Description, categoryArg(update.Category), update.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update identity %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update identity %d: %w", id, collector.ErrNotFound)
	}
	return nil
}

// AppendUsage streams history rows with COPY.
func (s *Store) AppendUsage(ctx context.Context, records []collector.UsageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	n, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"app_usage_history"},
		usageColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.RunID, r.AppName, r.AppURL, r.SourceKey, r.Amount, r.RecordedAt}, nil
		}),
	)
	if err != nil {
		return int(n), fmt.Errorf("append usage: %w", err)
	}
	return int(n), nil
}

// ListUsageByRun returns the history rows of one run in insertion order.
func (s *Store) ListUsageByRun(ctx context.Context, runID int64) ([]collector.UsageRecord, error) {
	const query = `
SELECT collect_batch_id, app_name, app_url, model_name, tokens_used, recorded_at
FROM app_usage_history
WHERE collect_batch_id = $1
ORDER BY id`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list usage for run %d: %w", runID, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (collector.UsageRecord, error) {
		var r collector.UsageRecord
		err := row.Scan(&r.RunID, &r.AppName, &r.AppURL, &r.SourceKey, &r.Amount, &r.RecordedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan usage for run %d: %w", runID, err)
	}
	return records, nil
}

var usageColumns = []string{"collect_batch_id", "app_name", "app_url", "model_name", "tokens_used", "recorded_at"}

const identityColumns = `SELECT id, name, url, description, category, tokens_used, created_at, updated_at FROM apps`

func (s *Store) listIdentities(ctx context.Context, query string) ([]collector.Identity, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	identities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (collector.Identity, error) {
		var (
			id       collector.Identity
			category *string
		)
		err := row.Scan(&id.ID, &id.Name, &id.URL, &id.Description, &category, &id.TokensUsed, &id.CreatedAt, &id.UpdatedAt)
		if category != nil {
			c := collector.Category(*category)
			id.Category = &c
		}
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan identities: %w", err)
	}
	return identities, nil
}

// execBatch sends every queued statement and sums the affected rows.
func (s *Store) execBatch(ctx context.Context, batch *pgx.Batch) (int, error) {
	results := s.pool.SendBatch(ctx, batch)
	affected := 0
	var execErr error
	for range batch.Len() {
		tag, err := results.Exec()
		if err != nil {
			execErr = err
			break
		}
		affected += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil && execErr == nil {
		execErr = err
	}
	return affected, execErr
}

func categoryArg(c *collector.Category) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

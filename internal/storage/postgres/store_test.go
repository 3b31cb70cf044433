package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

func ptr[T any](v T) *T { return &v }

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

// batchPool records batches; pgxmock's own pool handles everything else.
type batchPool struct {
	pgxmock.PgxPoolIface
	batches  []*pgx.Batch
	affected []int64
	failAt   int
}

func (p *batchPool) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	p.batches = append(p.batches, b)
	return &fakeBatchResults{affected: p.affected, failAt: p.failAt}
}

type fakeBatchResults struct {
	affected []int64
	failAt   int
	next     int
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	i := r.next
	r.next++
	if r.failAt > 0 && i+1 == r.failAt {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}
	n := int64(0)
	if i < len(r.affected) {
		n = r.affected[i]
	}
	if n == 1 {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 0"), nil
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("unexpected query") }
func (r *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (r *fakeBatchResults) Close() error             { return nil }

func TestEnsureSourceReportsCreation(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO models").
		WithArgs("OpenAI: o3", "openai/o3").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO models").
		WithArgs("OpenAI: o3", "openai/o3").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	src := collector.Source{Key: "openai/o3", DisplayName: "OpenAI: o3"}
	created, err := store.EnsureSource(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.EnsureSource(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSources(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT id, model_name, display_name, created_at FROM models").
		WillReturnRows(pgxmock.NewRows([]string{"id", "model_name", "display_name", "created_at"}).
			AddRow(int64(1), "openai/o3", "OpenAI: o3", now).
			AddRow(int64(2), "custom/model", "Custom", now))

	sources, err := store.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "custom/model", sources[1].Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRunReturnsID(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO collect_batch").
		WithArgs(at).
		WillReturnRows(pgxmock.NewRows([]string{"id", "collected_at"}).AddRow(int64(42), at))

	run, err := store.OpenRun(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, collector.Run{ID: 42, CollectedAt: at}, run)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRunFailure(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO collect_batch").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(errors.New("relation does not exist"))

	_, err := store.OpenRun(context.Background(), time.Now())
	require.ErrorContains(t, err, "open run")
}

func TestLatestRunNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, collected_at FROM collect_batch").WillReturnError(pgx.ErrNoRows)

	_, err := store.LatestRun(context.Background())
	require.ErrorIs(t, err, collector.ErrNotFound)
}

func TestInsertIdentitiesUsesBatch(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	p := &batchPool{PgxPoolIface: mock, affected: []int64{1, 0, 1}}
	store, err := NewWithPool(p)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	identities := []collector.Identity{
		{Name: "Cline", URL: "https://cline.bot/", TokensUsed: ptr("1200000"), CreatedAt: now},
		{Name: "Roo Code", URL: "https://roocode.com/", TokensUsed: ptr("800000"), CreatedAt: now},
		{Name: "Kilo", URL: "https://kilocode.ai/", CreatedAt: now},
	}
	inserted, err := store.InsertIdentities(context.Background(), identities)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	require.Len(t, p.batches, 1)
	queued := p.batches[0].QueuedQueries
	require.Len(t, queued, 3)
	assert.Contains(t, queued[0].SQL, "ON CONFLICT (url) DO NOTHING")
	assert.Equal(t, "https://cline.bot/", queued[0].Arguments[1])
	assert.Nil(t, queued[0].Arguments[2])
	assert.Nil(t, queued[0].Arguments[3])

	inserted, err = store.InsertIdentities(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Len(t, p.batches, 1)
}

func TestInsertIdentitiesBatchError(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	p := &batchPool{PgxPoolIface: mock, affected: []int64{1, 1}, failAt: 2}
	store, err := NewWithPool(p)
	require.NoError(t, err)

	inserted, err := store.InsertIdentities(context.Background(), []collector.Identity{{URL: "a"}, {URL: "b"}})
	require.ErrorContains(t, err, "insert identities")
	assert.Equal(t, 1, inserted)
}

func TestRefreshAmountsQueuesUpdates(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	p := &batchPool{PgxPoolIface: mock, affected: []int64{1}}
	store, err := NewWithPool(p)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.RefreshAmounts(context.Background(), []collector.AmountUpdate{{URL: "https://cline.bot/", TokensUsed: "900", UpdatedAt: now}}))
	require.Len(t, p.batches, 1)
	assert.Contains(t, p.batches[0].QueuedQueries[0].SQL, "UPDATE apps SET tokens_used")
	assert.Equal(t, []any{"https://cline.bot/", "900", now}, p.batches[0].QueuedQueries[0].Arguments)
}

func TestListIdentitiesMissingByPolicy(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "name", "url", "description", "category", "tokens_used", "created_at", "updated_at"}

	cases := []struct {
		policy collector.BackfillPolicy
		where  string
	}{
		{collector.BackfillCombined, "WHERE description IS NULL OR category IS NULL"},
		{collector.BackfillCategoryOnly, "WHERE category IS NULL ORDER BY id"},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			t.Parallel()
			store, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta(tc.where)).
				WillReturnRows(pgxmock.NewRows(cols).
					AddRow(int64(7), "Cline", "https://cline.bot/", ptr("Coding agent"), (*string)(nil), ptr("10"), now, now).
					AddRow(int64(8), "Roo", "https://roocode.com/", (*string)(nil), ptr("Coding"), (*string)(nil), now, now))

			got, err := store.ListIdentitiesMissing(context.Background(), tc.policy)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Nil(t, got[0].Category)
			require.NotNil(t, got[1].Category)
			assert.Equal(t, collector.CategoryCoding, *got[1].Category)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}

	store, _ := newMockStore(t)
	_, err := store.ListIdentitiesMissing(context.Background(), "everything")
	require.Error(t, err)
}

func TestUpdateIdentityMetadataCoalesces(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	cat := collector.CategoryRoleplay

	mock.ExpectExec(regexp.QuoteMeta("SET description = COALESCE(description, $2)")).
		WithArgs(int64(7), (*string)(nil), ptr("Roleplay"), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE apps").
		WithArgs(int64(99), ptr("desc"), (*string)(nil), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.UpdateIdentityMetadata(context.Background(), 7, collector.MetadataUpdate{Category: &cat, UpdatedAt: now}))

	err := store.UpdateIdentityMetadata(context.Background(), 99, collector.MetadataUpdate{Description: ptr("desc"), UpdatedAt: now})
	require.ErrorIs(t, err, collector.ErrNotFound)

	require.NoError(t, store.UpdateIdentityMetadata(context.Background(), 1, collector.MetadataUpdate{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendUsageCopiesRows(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectCopyFrom(pgx.Identifier{"app_usage_history"}, usageColumns).WillReturnResult(2)

	n, err := store.AppendUsage(context.Background(), []collector.UsageRecord{
		{RunID: 3, AppName: "Cline", AppURL: "https://cline.bot/", SourceKey: "openai/o3", Amount: "1200000", RecordedAt: now},
		{RunID: 3, AppName: "Cline", AppURL: "https://cline.bot/", SourceKey: "openai/o3", Amount: "800000", RecordedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.AppendUsage(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsageByRun(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM app_usage_history").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"collect_batch_id", "app_name", "app_url", "model_name", "tokens_used", "recorded_at"}).
			AddRow(int64(3), "Cline", "https://cline.bot/", "openai/o3", "1200000", now))

	records, err := store.ListUsageByRun(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "openai/o3", records[0].SourceKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}

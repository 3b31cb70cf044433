package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/app-usage-collector/internal/clock/system"
	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/extract"
	pubmemory "github.com/JakeFAU/app-usage-collector/internal/publisher/memory"
	"github.com/JakeFAU/app-usage-collector/internal/scheduler"
	"github.com/JakeFAU/app-usage-collector/internal/storage/memory"
	"github.com/JakeFAU/app-usage-collector/internal/tokens"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu          sync.Mutex
	usage       map[string][]collector.UsageEntry
	usageErr    map[string]error
	details     map[string]collector.AppDetails
	detailsErr  map[string]error
	categories  map[string]collector.Category
	categoryErr map[string]error
	calls       []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		usage:       map[string][]collector.UsageEntry{},
		usageErr:    map[string]error{},
		details:     map[string]collector.AppDetails{},
		detailsErr:  map[string]error{},
		categories:  map[string]collector.Category{},
		categoryErr: map[string]error{},
	}
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) Usage(_ context.Context, key string) ([]collector.UsageEntry, error) {
	g.record("usage:" + key)
	if err := g.usageErr[key]; err != nil {
		return nil, err
	}
	return g.usage[key], nil
}

func (g *fakeGateway) Details(_ context.Context, appURL string) (collector.AppDetails, error) {
	g.record("details:" + appURL)
	if err := g.detailsErr[appURL]; err != nil {
		return collector.AppDetails{}, err
	}
	return g.details[appURL], nil
}

func (g *fakeGateway) Category(_ context.Context, appURL string) (collector.Category, error) {
	g.record("category:" + appURL)
	if err := g.categoryErr[appURL]; err != nil {
		return "", err
	}
	c, ok := g.categories[appURL]
	if !ok {
		return "", &extract.Error{Kind: extract.KindSchemaMismatch, Target: appURL, Schema: extract.SchemaCategory, Err: errors.New("no category")}
	}
	return c, nil
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "exec-1", nil }

type flakyStore struct {
	*memory.Store
	openRunErr error
	appendErr  map[string]error
	updateErr  error
}

func (s *flakyStore) OpenRun(ctx context.Context, at time.Time) (collector.Run, error) {
	if s.openRunErr != nil {
		return collector.Run{}, s.openRunErr
	}
	return s.Store.OpenRun(ctx, at)
}

func (s *flakyStore) AppendUsage(ctx context.Context, records []collector.UsageRecord) (int, error) {
	if len(records) > 0 {
		if err := s.appendErr[records[0].SourceKey]; err != nil {
			return 0, err
		}
	}
	return s.Store.AppendUsage(ctx, records)
}

func (s *flakyStore) UpdateIdentityMetadata(ctx context.Context, id int64, u collector.MetadataUpdate) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.UpdateIdentityMetadata(ctx, id, u)
}

func catalog(keys ...string) []collector.Source {
	out := make([]collector.Source, 0, len(keys))
	for _, k := range keys {
		out = append(out, collector.Source{Key: k, DisplayName: k})
	}
	return out
}

func entry(name, url, amount string) collector.UsageEntry {
	return collector.UsageEntry{Name: name, URL: url, Tokens: tokens.Parse(amount)}
}

func newPipeline(t *testing.T, cfg Config, store collector.Store, gw collector.Gateway, pub collector.Publisher) *Pipeline {
	t.Helper()
	p, err := New(cfg, store, gw, pub, system.Fixed(testNow), staticIDs{}, nil)
	require.NoError(t, err)
	return p
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	gw := newFakeGateway()
	_, err := New(Config{}, nil, gw, nil, system.New(), nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, store, nil, nil, system.New(), nil, nil)
	require.Error(t, err)
	_, err = New(Config{BackfillPolicy: "everything"}, store, gw, nil, system.New(), nil, nil)
	require.Error(t, err)
	_, err = New(Config{Scheduler: scheduler.Config{Mode: "fifo"}}, store, gw, nil, system.New(), nil, nil)
	require.Error(t, err)

	p, err := New(Config{}, store, gw, nil, system.New(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, p.Catalog(), len(collector.DefaultCatalog()))
	assert.Equal(t, collector.BackfillCombined, p.cfg.BackfillPolicy)
}

func TestCollectSeedingIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	p := newPipeline(t, Config{Catalog: catalog("a/one", "b/two")}, store, newFakeGateway(), nil)

	first, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.SourcesSeeded)

	second, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.SourcesSeeded)
	assert.Greater(t, second.RunID, first.RunID)

	sources, err := store.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 2)
}

func TestCollectIncludesOutOfBandSources(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.EnsureSource(ctx, collector.Source{Key: "extra/model"})
	require.NoError(t, err)

	gw := newFakeGateway()
	p := newPipeline(t, Config{Catalog: catalog("a/one")}, store, gw, nil)
	summary, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SourcesProcessed)
	assert.ElementsMatch(t, []string{"usage:extra/model", "usage:a/one"}, gw.Calls())
}

func TestCollectDedupsIdentitiesAndFansOutHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	gw := newFakeGateway()
	gw.usage["a/one"] = []collector.UsageEntry{entry("Cline", "https://cline.bot/", "1.2M")}
	gw.usage["b/two"] = []collector.UsageEntry{
		entry("Cline (beta)", "https://cline.bot/", "800K"),
		entry("Roo Code", "https://roocode.com/", "42"),
	}

	p := newPipeline(t, Config{Catalog: catalog("a/one", "b/two")}, store, gw, nil)
	summary, err := p.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.AppsDiscovered)
	assert.Equal(t, 2, summary.UniqueApps)
	assert.Equal(t, 2, summary.NewIdentities)
	assert.Equal(t, 3, summary.HistoryRows)
	assert.Zero(t, summary.PersistenceFailures)

	identities, err := store.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, identities, 2)
	assert.Equal(t, "Cline", identities[0].Name)
	require.NotNil(t, identities[0].TokensUsed)
	assert.Equal(t, "1200000", *identities[0].TokensUsed)
	assert.Nil(t, identities[0].Description)
	assert.Nil(t, identities[0].Category)

	records, err := store.ListUsageByRun(ctx, summary.RunID)
	require.NoError(t, err)
	var cline []string
	for _, r := range records {
		assert.Equal(t, summary.RunID, r.RunID)
		if r.AppURL == "https://cline.bot/" {
			cline = append(cline, r.Amount)
		}
	}
	assert.ElementsMatch(t, []string{"1200000", "800000"}, cline)
}

func TestCollectPreservesDuplicateListingRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	gw := newFakeGateway()
	gw.usage["a/one"] = []collector.UsageEntry{
		entry("Cline", "https://cline.bot/", "10"),
		entry("Cline", "https://cline.bot/", "10"),
	}
	p := newPipeline(t, Config{Catalog: catalog("a/one")}, store, gw, nil)
	summary, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewIdentities)
	assert.Equal(t, 2, summary.HistoryRows)
}

func TestCollectIsolatesSourceFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	gw := newFakeGateway()
	keys := []string{"s/1", "s/2", "s/3", "s/4", "s/5"}
	for i, k := range keys {
		gw.usage[k] = []collector.UsageEntry{entry("App", "https://app"+string(rune('a'+i))+".example/", "1K")}
	}
	gw.usageErr["s/2"] = &extract.Error{Kind: extract.KindUnreachable, Target: "s/2", Err: errors.New("timeout")}
	gw.usageErr["s/4"] = &extract.Error{Kind: extract.KindSchemaMismatch, Target: "s/4", Err: errors.New("bad json")}

	p := newPipeline(t, Config{Catalog: catalog(keys...), Scheduler: scheduler.Config{Concurrency: 2}}, store, gw, nil)
	summary, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.SourcesProcessed)
	assert.Equal(t, 2, summary.SourcesFailed)
	assert.Equal(t, 3, summary.NewIdentities)
	assert.Equal(t, 3, summary.HistoryRows)
}

func TestCollectOpenRunFailureIsFatal(t *testing.T) {
	t.Parallel()
	store := &flakyStore{Store: memory.NewStore(), openRunErr: errors.New("db down")}
	gw := newFakeGateway()
	p := newPipeline(t, Config{Catalog: catalog("a/one")}, store, gw, nil)

	_, err := p.Collect(context.Background())
	require.ErrorContains(t, err, "open run")
	assert.Empty(t, gw.Calls())
}

func TestCollectCountsAppendFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewStore(), appendErr: map[string]error{"a/one": errors.New("copy failed")}}
	gw := newFakeGateway()
	gw.usage["a/one"] = []collector.UsageEntry{entry("A", "https://a.example/", "1")}
	gw.usage["b/two"] = []collector.UsageEntry{entry("B", "https://b.example/", "2")}

	p := newPipeline(t, Config{Catalog: catalog("a/one", "b/two")}, store, gw, nil)
	summary, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PersistenceFailures)
	assert.Equal(t, 1, summary.HistoryRows)
	assert.Equal(t, 2, summary.NewIdentities)
}

func TestCollectRefreshesKnownIdentityAmounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	gw := newFakeGateway()
	gw.usage["a/one"] = []collector.UsageEntry{entry("Cline", "https://cline.bot/", "1M")}
	p := newPipeline(t, Config{Catalog: catalog("a/one")}, store, gw, nil)

	_, err := p.Collect(ctx)
	require.NoError(t, err)

	gw.usage["a/one"] = []collector.UsageEntry{entry("Renamed", "https://cline.bot/", "2.5M")}
	summary, err := p.Collect(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.NewIdentities)
	assert.Equal(t, 1, summary.AmountsRefreshed)

	identities, err := store.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, identities, 1)
	assert.Equal(t, "Cline", identities[0].Name)
	assert.Equal(t, "2500000", *identities[0].TokensUsed)
}

func TestCollectRunsBackfillAndPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	gw := newFakeGateway()
	gw.usage["a/one"] = []collector.UsageEntry{entry("Cline", "https://cline.bot/", "1M")}
	gw.details["https://cline.bot/"] = collector.AppDetails{Name: "Cline", Description: "Autonomous coding agent"}
	gw.categories["https://cline.bot/"] = collector.CategoryCoding
	pub := pubmemory.New()

	p := newPipeline(t, Config{
		Catalog:              catalog("a/one"),
		BackfillAfterCollect: true,
		Topic:                "collector-runs",
	}, store, gw, pub)
	summary, err := p.Collect(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary.Backfill)
	assert.Equal(t, 1, summary.Backfill.Updated)
	assert.Equal(t, "exec-1", summary.ExecID)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "collector-runs", msgs[0].Topic)
	var note struct {
		Command string         `json:"command"`
		ExecID  string         `json:"exec_id"`
		Summary CollectSummary `json:"summary"`
	}
	require.NoError(t, pub.Decode(0, &note))
	assert.Equal(t, "collect", note.Command)
	assert.Equal(t, "exec-1", note.ExecID)
	assert.Equal(t, summary.RunID, note.Summary.RunID)
	require.NotNil(t, note.Summary.Backfill)
	assert.Equal(t, 1, note.Summary.Backfill.Updated)
}

func TestMergeFirstSeenWins(t *testing.T) {
	t.Parallel()

	merged := Merge([]SourceUsage{
		{SourceKey: "a", Entries: []collector.UsageEntry{entry("First", "https://x.example/", "1"), entry("Y", "https://y.example/", "2")}},
		{SourceKey: "b", Err: errors.New("down")},
		{SourceKey: "c", Entries: []collector.UsageEntry{entry("Second", "https://x.example/", "9"), entry("", "", "3")}},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, "First", merged[0].Name)
	assert.Equal(t, "1", merged[0].Tokens.Text())
	assert.Equal(t, "https://y.example/", merged[1].URL)

	fresh, known := Partition(merged, map[string]struct{}{"https://y.example/": {}})
	require.Len(t, fresh, 1)
	require.Len(t, known, 1)
	assert.Equal(t, "https://x.example/", fresh[0].URL)
}

func TestFetchUsage(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.usage["a/one"] = []collector.UsageEntry{entry("A", "https://a.example/", "5K")}
	gw.usageErr["b/two"] = errors.New("down")
	p := newPipeline(t, Config{}, memory.NewStore(), gw, nil)

	results := p.FetchUsage(context.Background(), []string{"a/one", "b/two"})
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "5000", results[0].Entries[0].Tokens.Text())
	assert.Error(t, results[1].Err)
	assert.Nil(t, results[1].Entries)
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.details["https://cline.bot/"] = collector.AppDetails{Name: "Cline", Description: "Coding agent"}
	gw.categories["https://cline.bot/"] = collector.CategoryCoding
	p := newPipeline(t, Config{}, memory.NewStore(), gw, nil)

	info, err := p.Describe(context.Background(), "https://cline.bot/")
	require.NoError(t, err)
	assert.Equal(t, AppInfo{Name: "Cline", URL: "https://cline.bot/", Description: "Coding agent", Category: collector.CategoryCoding}, info)

	_, err = p.Describe(context.Background(), "https://unknown.example/")
	require.Error(t, err)
}

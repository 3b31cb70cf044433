package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/extract"
	"github.com/JakeFAU/app-usage-collector/internal/metrics"
	"github.com/JakeFAU/app-usage-collector/internal/scheduler"
)

// Config controls pipeline behavior.
type Config struct {
	Catalog              []collector.Source
	Scheduler            scheduler.Config
	BackfillPolicy       collector.BackfillPolicy
	BackfillAfterCollect bool
	// Topic receives run summaries when a publisher is configured.
	Topic string
}

// Pipeline runs collections and backfills against one store and gateway.
type Pipeline struct {
	cfg       Config
	store     collector.Store
	gateway   collector.Gateway
	publisher collector.Publisher
	clock     collector.Clock
	ids       collector.IDGenerator
	logger    *zap.Logger
}

// New constructs a Pipeline. The publisher and id generator are optional.
func New(
	cfg Config,
	store collector.Store,
	gateway collector.Gateway,
	publisher collector.Publisher,
	clock collector.Clock,
	ids collector.IDGenerator,
	logger *zap.Logger,
) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if cfg.BackfillPolicy == "" {
		cfg.BackfillPolicy = collector.BackfillCombined
	}
	if _, err := collector.ParseBackfillPolicy(string(cfg.BackfillPolicy)); err != nil {
		return nil, err
	}
	if cfg.Catalog == nil {
		cfg.Catalog = collector.DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("pipeline"),
	}, nil
}

// CollectSummary reports the outcome of one collection run.
type CollectSummary struct {
	ExecID              string           `json:"exec_id"`
	RunID               int64            `json:"run_id"`
	CollectedAt         time.Time        `json:"collected_at"`
	SourcesSeeded       int              `json:"sources_seeded"`
	SourcesProcessed    int              `json:"sources_processed"`
	SourcesFailed       int              `json:"sources_failed"`
	AppsDiscovered      int              `json:"apps_discovered"`
	UniqueApps          int              `json:"unique_apps"`
	NewIdentities       int              `json:"new_identities"`
	AmountsRefreshed    int              `json:"amounts_refreshed"`
	HistoryRows         int              `json:"history_rows"`
	PersistenceFailures int              `json:"persistence_failures"`
	Backfill            *BackfillSummary `json:"backfill,omitempty"`
	Duration            time.Duration    `json:"duration"`
}

// Seed inserts every catalog source that is not stored yet and returns the
// number of rows created.
func (p *Pipeline) Seed(ctx context.Context) (int, error) {
	created := 0
	for _, source := range p.cfg.Catalog {
		ok, err := p.store.EnsureSource(ctx, source)
		if err != nil {
			return created, fmt.Errorf("seed source %s: %w", source.Key, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// Collect executes one full collection run.
func (p *Pipeline) Collect(ctx context.Context) (summary CollectSummary, err error) {
	start := time.Now()
	summary.ExecID = p.newExecID()
	logger := p.logger.With(zap.String("exec_id", summary.ExecID))
	ctx, span := tracer.Start(ctx, "collect", trace.WithAttributes(attribute.String("exec_id", summary.ExecID)))
	defer func() {
		metrics.ObserveRun("collect", err == nil, time.Since(start))
		endSpan(span, err)
	}()

	summary.SourcesSeeded, err = p.Seed(ctx)
	if err != nil {
		return summary, err
	}
	sources, err := p.store.ListSources(ctx)
	if err != nil {
		return summary, fmt.Errorf("list sources: %w", err)
	}
	run, err := p.store.OpenRun(ctx, p.clock.Now())
	if err != nil {
		return summary, fmt.Errorf("open run: %w", err)
	}
	summary.RunID = run.ID
	summary.CollectedAt = run.CollectedAt
	logger = logger.With(zap.Int64("run_id", run.ID))
	span.SetAttributes(attribute.Int64("run_id", run.ID))
	logger.Info("run opened", zap.Int("sources", len(sources)), zap.Int("seeded", summary.SourcesSeeded))

	keys := make([]string, 0, len(sources))
	for _, s := range sources {
		keys = append(keys, s.Key)
	}
	results := p.fetchUsage(ctx, keys, logger)
	summary.SourcesProcessed = len(results)
	for _, res := range results {
		if res.Err != nil {
			summary.SourcesFailed++
			continue
		}
		summary.AppsDiscovered += len(res.Entries)
	}

	merged := Merge(results)
	summary.UniqueApps = len(merged)
	p.persistIdentities(ctx, merged, &summary, logger)
	p.persistHistory(ctx, run, results, &summary, logger)

	if p.cfg.BackfillAfterCollect {
		backfill, bfErr := p.backfill(ctx, p.cfg.BackfillPolicy, logger)
		if bfErr != nil {
			logger.Error("backfill pass failed", zap.Error(bfErr))
			summary.PersistenceFailures++
		} else {
			summary.Backfill = &backfill
		}
	}

	summary.Duration = time.Since(start)
	logger.Info("run complete",
		zap.Int("sources_processed", summary.SourcesProcessed),
		zap.Int("sources_failed", summary.SourcesFailed),
		zap.Int("apps_discovered", summary.AppsDiscovered),
		zap.Int("unique_apps", summary.UniqueApps),
		zap.Int("new_identities", summary.NewIdentities),
		zap.Int("history_rows", summary.HistoryRows),
		zap.Int("persistence_failures", summary.PersistenceFailures),
		zap.Duration("duration", summary.Duration),
	)
	p.notify(ctx, "collect", summary.ExecID, summary, logger)
	return summary, nil
}

// FetchUsage fetches the listings of the given sources through the scheduler.
// Failed sources carry their error and no entries.
func (p *Pipeline) FetchUsage(ctx context.Context, sourceKeys []string) []SourceUsage {
	return p.fetchUsage(ctx, sourceKeys, p.logger)
}

// Catalog returns the configured source catalog.
func (p *Pipeline) Catalog() []collector.Source {
	return p.cfg.Catalog
}

func (p *Pipeline) fetchUsage(ctx context.Context, keys []string, logger *zap.Logger) []SourceUsage {
	outcomes := scheduler.Run(ctx, p.cfg.Scheduler, keys, p.gateway.Usage)
	results := make([]SourceUsage, len(keys))
	for i, out := range outcomes {
		results[i] = SourceUsage{SourceKey: keys[i], Entries: out.Value, Err: out.Err}
		metrics.ObserveTask("usage", out.OK())
		if out.Err != nil {
			results[i].Entries = nil
			logger.Warn("usage fetch failed",
				zap.String("source", keys[i]),
				zap.String("kind", string(extract.KindOf(out.Err))),
				zap.Error(out.Err),
			)
			continue
		}
		logger.Debug("usage fetched", zap.String("source", keys[i]), zap.Int("apps", len(out.Value)))
	}
	return results
}

func (p *Pipeline) persistIdentities(ctx context.Context, merged []collector.UsageEntry, summary *CollectSummary, logger *zap.Logger) {
	if len(merged) == 0 {
		return
	}
	now := p.clock.Now()

	existing := make(map[string]struct{})
	urls, err := p.store.ListIdentityURLs(ctx)
	if err != nil {
		// Insert-if-absent keeps this correct; only the amount refresh is lost.
		logger.Error("list identity urls failed", zap.Error(err))
		summary.PersistenceFailures++
	}
	for _, u := range urls {
		existing[u] = struct{}{}
	}
	fresh, known := Partition(merged, existing)

	if len(fresh) > 0 {
		identities := make([]collector.Identity, 0, len(fresh))
		for _, entry := range fresh {
			amount := entry.Tokens.Text()
			identities = append(identities, collector.Identity{
				Name:       entry.Name,
				URL:        entry.URL,
				TokensUsed: &amount,
				CreatedAt:  now,
			})
		}
		created, err := p.store.InsertIdentities(ctx, identities)
		if err != nil {
			logger.Error("insert identities failed", zap.Int("count", len(identities)), zap.Error(err))
			summary.PersistenceFailures++
		} else {
			summary.NewIdentities = created
			metrics.AddIdentitiesCreated(created)
		}
	}

	if len(known) > 0 {
		updates := make([]collector.AmountUpdate, 0, len(known))
		for _, entry := range known {
			updates = append(updates, collector.AmountUpdate{URL: entry.URL, TokensUsed: entry.Tokens.Text(), UpdatedAt: now})
		}
		if err := p.store.RefreshAmounts(ctx, updates); err != nil {
			logger.Error("refresh amounts failed", zap.Int("count", len(updates)), zap.Error(err))
			summary.PersistenceFailures++
		} else {
			summary.AmountsRefreshed = len(updates)
		}
	}
}

func (p *Pipeline) persistHistory(ctx context.Context, run collector.Run, results []SourceUsage, summary *CollectSummary, logger *zap.Logger) {
	now := p.clock.Now()
	for _, res := range results {
		if res.Err != nil || len(res.Entries) == 0 {
			continue
		}
		records := make([]collector.UsageRecord, 0, len(res.Entries))
		for _, entry := range res.Entries {
			records = append(records, collector.UsageRecord{
				RunID:      run.ID,
				AppName:    entry.Name,
				AppURL:     entry.URL,
				SourceKey:  res.SourceKey,
				Amount:     entry.Tokens.Text(),
				RecordedAt: now,
			})
		}
		n, err := p.store.AppendUsage(ctx, records)
		if err != nil {
			logger.Error("append usage failed", zap.String("source", res.SourceKey), zap.Int("rows", len(records)), zap.Error(err))
			summary.PersistenceFailures++
			continue
		}
		summary.HistoryRows += n
		metrics.AddUsageRecords(n)
	}
}

func (p *Pipeline) newExecID() string {
	if p.ids == nil {
		return ""
	}
	id, err := p.ids.NewID()
	if err != nil {
		p.logger.Warn("generate exec id failed", zap.Error(err))
		return ""
	}
	return id
}

// Notification is the payload published after a run or backfill.
type Notification struct {
	Command string `json:"command"`
	ExecID  string `json:"exec_id"`
	Summary any    `json:"summary"`
}

func (p *Pipeline) notify(ctx context.Context, command, execID string, summary any, logger *zap.Logger) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	id, err := p.publisher.Publish(ctx, p.cfg.Topic, Notification{Command: command, ExecID: execID, Summary: summary})
	if err != nil {
		logger.Warn("publish summary failed", zap.String("topic", p.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("summary published", zap.String("topic", p.cfg.Topic), zap.String("message_id", id))
}

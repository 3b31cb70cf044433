// Package report aggregates the latest run's usage history by app category.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/tokens"
)

// ErrNoRuns is returned when no collection run exists yet.
var ErrNoRuns = errors.New("no collection runs found")

// Reader is the subset of the store the report reads.
type Reader interface {
	LatestRun(ctx context.Context) (collector.Run, error)
	ListUsageByRun(ctx context.Context, runID int64) ([]collector.UsageRecord, error)
	ListIdentities(ctx context.Context) ([]collector.Identity, error)
}

// Row is one category line.
type Row struct {
	Category string        `json:"category"`
	Tokens   tokens.Amount `json:"total_tokens"`
	Percent  float64       `json:"percentage"`
	Apps     int           `json:"app_count"`
}

// Stats is the aggregated view of one run.
type Stats struct {
	RunID       int64         `json:"run_id"`
	CollectedAt time.Time     `json:"collected_at"`
	Records     int           `json:"records"`
	Rows        []Row         `json:"categories"`
	TotalTokens tokens.Amount `json:"total_tokens"`
	TotalApps   int           `json:"total_apps"`
	Sources     []string      `json:"sources"`
}

// Latest builds stats for the most recent run.
func Latest(ctx context.Context, store Reader) (Stats, error) {
	run, err := store.LatestRun(ctx)
	if errors.Is(err, collector.ErrNotFound) {
		return Stats{}, ErrNoRuns
	}
	if err != nil {
		return Stats{}, fmt.Errorf("latest run: %w", err)
	}
	records, err := store.ListUsageByRun(ctx, run.ID)
	if err != nil {
		return Stats{}, fmt.Errorf("usage for run %d: %w", run.ID, err)
	}
	identities, err := store.ListIdentities(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list identities: %w", err)
	}
	return Build(run, records, identities), nil
}

type bucket struct {
	total *big.Int
	apps  map[string]struct{}
}

// Build aggregates records by the category of their identity. Identities
// without a category, and records whose app is unknown, count as Others;
// unparseable amounts count as zero.
func Build(run collector.Run, records []collector.UsageRecord, identities []collector.Identity) Stats {
	categoryOf := make(map[string]string, len(identities))
	for _, id := range identities {
		if id.Category != nil {
			categoryOf[id.URL] = string(*id.Category)
		}
	}

	buckets := make(map[string]*bucket)
	grand := new(big.Int)
	seenSources := make(map[string]struct{})
	var sources []string
	for _, rec := range records {
		category, ok := categoryOf[rec.AppURL]
		if !ok {
			category = string(collector.CategoryOthers)
		}
		b, ok := buckets[category]
		if !ok {
			b = &bucket{total: new(big.Int), apps: make(map[string]struct{})}
			buckets[category] = b
		}
		if v := tokens.FromText(rec.Amount).Value(); v != nil {
			b.total.Add(b.total, v)
			grand.Add(grand, v)
		}
		b.apps[rec.AppURL] = struct{}{}
		if _, ok := seenSources[rec.SourceKey]; !ok {
			seenSources[rec.SourceKey] = struct{}{}
			sources = append(sources, rec.SourceKey)
		}
	}

	stats := Stats{
		RunID:       run.ID,
		CollectedAt: run.CollectedAt,
		Records:     len(records),
		TotalTokens: tokens.FromText(grand.String()),
		Sources:     sources,
	}
	for category, b := range buckets {
		stats.Rows = append(stats.Rows, Row{
			Category: category,
			Tokens:   tokens.FromText(b.total.String()),
			Percent:  percent(b.total, grand),
			Apps:     len(b.apps),
		})
		stats.TotalApps += len(b.apps)
	}
	slices.SortFunc(stats.Rows, func(a, b Row) int {
		if c := b.Tokens.Value().Cmp(a.Tokens.Value()); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	return stats
}

func percent(part, whole *big.Int) float64 {
	if whole.Sign() == 0 {
		return 0
	}
	ratio := new(big.Rat).SetFrac(new(big.Int).Mul(part, big.NewInt(100)), whole)
	f, _ := ratio.Float64()
	return f
}

// WriteTable renders the stats as an aligned text table.
func (s Stats) WriteTable(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Token Usage Statistics - Run #%d\nCollected at: %s\n\n",
		s.RunID, s.CollectedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Category\tTotal Tokens\tPercentage\tApp Count\t")
	for _, row := range s.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%.2f%%\t%d\t\n", row.Category, row.Tokens.Display(), row.Percent, row.Apps)
	}
	totalPercent := "0.00%"
	if len(s.Rows) > 0 {
		totalPercent = "100.00%"
	}
	fmt.Fprintf(tw, "TOTAL\t%s\t%s\t%d\t\n", s.TotalTokens.Display(), totalPercent, s.TotalApps)
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush table: %w", err)
	}
	if _, err := fmt.Fprintf(w, "\nSources included: %s\n", strings.Join(s.Sources, ", ")); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	return nil
}

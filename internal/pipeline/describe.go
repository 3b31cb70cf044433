package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

// AppInfo is the standalone description of one app.
type AppInfo struct {
	Name        string             `json:"name"`
	URL         string             `json:"url"`
	Description string             `json:"description"`
	Category    collector.Category `json:"category"`
}

// Describe extracts details and category for appURL concurrently without
// touching the store. Both extractions must succeed.
func (p *Pipeline) Describe(ctx context.Context, appURL string) (AppInfo, error) {
	info := AppInfo{URL: appURL}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		details, err := p.gateway.Details(gctx, appURL)
		if err != nil {
			return fmt.Errorf("details: %w", err)
		}
		info.Name = details.Name
		info.Description = details.Description
		return nil
	})
	g.Go(func() error {
		category, err := p.gateway.Category(gctx, appURL)
		if err != nil {
			return fmt.Errorf("category: %w", err)
		}
		info.Category = category
		return nil
	})
	if err := g.Wait(); err != nil {
		return AppInfo{}, fmt.Errorf("describe %s: %w", appURL, err)
	}
	return info, nil
}

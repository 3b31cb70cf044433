package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

var _ collector.Renderer = (*Renderer)(nil)

// Renderer fetches statically first and escalates to the headless renderer
// only when the heuristic says the page needs JavaScript.
type Renderer struct {
	static    collector.Renderer
	headless  collector.Renderer
	heuristic *Heuristic
	logger    *zap.Logger
}

// NewRenderer combines a static and a headless renderer.
func NewRenderer(static, headless collector.Renderer, heuristic *Heuristic, logger *zap.Logger) *Renderer {
	if heuristic == nil {
		heuristic = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{static: static, headless: headless, heuristic: heuristic, logger: logger}
}

// Render implements collector.Renderer.
func (r *Renderer) Render(ctx context.Context, url string) (collector.Page, error) {
	page, err := r.static.Render(ctx, url)
	if err != nil {
		r.logger.Debug("static render failed, promoting to headless", zap.String("url", url), zap.Error(err))
		return r.headless.Render(ctx, url)
	}
	if !r.heuristic.ShouldPromote(page) {
		return page, nil
	}
	r.logger.Debug("promoting to headless", zap.String("url", url))
	return r.headless.Render(ctx, url)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/extract"
	"github.com/JakeFAU/app-usage-collector/internal/metrics"
	"github.com/JakeFAU/app-usage-collector/internal/scheduler"
)

// BackfillSummary reports the outcome of one backfill pass.
type BackfillSummary struct {
	ExecID             string                   `json:"exec_id,omitempty"`
	Policy             collector.BackfillPolicy `json:"policy"`
	Selected           int                      `json:"selected"`
	Updated            int                      `json:"updated"`
	DescriptionsFilled int                      `json:"descriptions_filled"`
	CategoriesFilled   int                      `json:"categories_filled"`
	ExtractionFailures int                      `json:"extraction_failures"`
	UpdateFailures     int                      `json:"update_failures"`
	Duration           time.Duration            `json:"duration"`
}

// Backfill runs a standalone pass under the configured policy.
func (p *Pipeline) Backfill(ctx context.Context) (BackfillSummary, error) {
	return p.BackfillWithPolicy(ctx, p.cfg.BackfillPolicy)
}

// BackfillWithPolicy runs a standalone pass under policy and publishes its summary.
func (p *Pipeline) BackfillWithPolicy(ctx context.Context, policy collector.BackfillPolicy) (summary BackfillSummary, err error) {
	start := time.Now()
	execID := p.newExecID()
	logger := p.logger.With(zap.String("exec_id", execID))
	ctx, span := tracer.Start(ctx, "backfill", trace.WithAttributes(
		attribute.String("exec_id", execID),
		attribute.String("policy", string(policy)),
	))
	defer func() {
		metrics.ObserveRun("backfill", err == nil, time.Since(start))
		endSpan(span, err)
	}()

	summary, err = p.backfill(ctx, policy, logger)
	if err != nil {
		return summary, err
	}
	summary.ExecID = execID
	p.notify(ctx, "backfill", execID, summary, logger)
	return summary, nil
}

// backfillResult is what one task learned and wrote.
type backfillResult struct {
	update      collector.MetadataUpdate
	failedCalls int
	updateErr   error
}

func (p *Pipeline) backfill(ctx context.Context, policy collector.BackfillPolicy, logger *zap.Logger) (BackfillSummary, error) {
	start := time.Now()
	summary := BackfillSummary{Policy: policy}
	if _, err := collector.ParseBackfillPolicy(string(policy)); err != nil {
		return summary, err
	}

	tasks, err := NewSelector(p.store, policy).Select(ctx)
	if err != nil {
		return summary, err
	}
	summary.Selected = len(tasks)
	logger.Info("backfill worklist selected", zap.String("policy", string(policy)), zap.Int("identities", len(tasks)))

	outcomes := scheduler.Run(ctx, p.cfg.Scheduler, tasks, func(ctx context.Context, task Task) (backfillResult, error) {
		return p.backfillOne(ctx, task, logger)
	})
	for i, out := range outcomes {
		res := out.Value
		metrics.ObserveTask("backfill", out.OK())
		summary.ExtractionFailures += res.failedCalls
		if res.failedCalls == 0 && out.Err != nil {
			// Panics and unstarted tasks carry no call count.
			summary.ExtractionFailures++
			logger.Warn("backfill task failed", zap.String("url", tasks[i].Identity.URL), zap.Error(out.Err))
		}
		switch {
		case res.updateErr != nil:
			summary.UpdateFailures++
			metrics.ObserveBackfill("update_failed")
		case res.update.Empty():
			metrics.ObserveBackfill("unchanged")
		default:
			summary.Updated++
			if res.update.Description != nil {
				summary.DescriptionsFilled++
			}
			if res.update.Category != nil {
				summary.CategoriesFilled++
			}
			metrics.ObserveBackfill("updated")
		}
	}

	summary.Duration = time.Since(start)
	logger.Info("backfill complete",
		zap.String("policy", string(policy)),
		zap.Int("selected", summary.Selected),
		zap.Int("updated", summary.Updated),
		zap.Int("extraction_failures", summary.ExtractionFailures),
		zap.Int("update_failures", summary.UpdateFailures),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// backfillOne extracts what the task needs, applies any partial result and
// returns the joined extraction errors.
func (p *Pipeline) backfillOne(ctx context.Context, task Task, logger *zap.Logger) (backfillResult, error) {
	var (
		res  backfillResult
		errs []error
	)
	identity := task.Identity
	logger = logger.With(zap.Int64("identity_id", identity.ID), zap.String("url", identity.URL))

	if task.WantDetails {
		details, err := p.gateway.Details(ctx, identity.URL)
		switch {
		case err != nil:
			res.failedCalls++
			errs = append(errs, err)
			logger.Warn("details extraction failed", zap.String("kind", string(extract.KindOf(err))), zap.Error(err))
		case strings.TrimSpace(details.Description) != "":
			desc := strings.TrimSpace(details.Description)
			res.update.Description = &desc
		}
	}
	if task.WantCategory {
		category, err := p.gateway.Category(ctx, identity.URL)
		if err != nil {
			res.failedCalls++
			errs = append(errs, err)
			logger.Warn("category extraction failed", zap.String("kind", string(extract.KindOf(err))), zap.Error(err))
		} else {
			res.update.Category = &category
		}
	}

	if !res.update.Empty() {
		res.update.UpdatedAt = p.clock.Now()
		if err := p.store.UpdateIdentityMetadata(ctx, identity.ID, res.update); err != nil {
			res.updateErr = fmt.Errorf("update identity %d: %w", identity.ID, err)
			logger.Error("metadata update failed", zap.Error(err))
		}
	}
	return res, errors.Join(errs...)
}

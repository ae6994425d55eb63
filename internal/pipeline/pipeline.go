// Package pipeline orchestrates one end-to-end coupon-fraud detection run:
// source filtering, temporal correlation, classification, redemption
// correlation, fee extraction and report finalization.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/classify"
	"github.com/opensource-finance/harrier/internal/correlate"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fees"
	"github.com/opensource-finance/harrier/internal/report"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/source"
)

// Pipeline executes detection runs against the repository and publishes
// run-lifecycle events on the bus.
type Pipeline struct {
	cfg    *domain.Config
	repo   domain.Repository
	bus    domain.EventBus
	tracer trace.Tracer
}

// New creates a pipeline. Bus may be nil for library use; lifecycle events
// are then skipped.
func New(cfg *domain.Config, repo domain.Repository, bus domain.EventBus) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		repo:   repo,
		bus:    bus,
		tracer: otel.Tracer("harrier-pipeline"),
	}
}

// Run executes one detection run under a fresh run id.
func (p *Pipeline) Run(ctx context.Context) (*domain.Run, error) {
	return p.RunWithID(ctx, uuid.New().String())
}

// RunWithID executes one detection run. Configuration or filter-compilation
// failures are fatal and abort before any stage executes; no partial
// results are persisted for a failed run.
func (p *Pipeline) RunWithID(ctx context.Context, runID string) (*domain.Run, error) {
	start := time.Now()

	if err := p.cfg.Validate(); err != nil {
		runsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
		return nil, err
	}

	det := p.cfg.Detection

	var claimFilter *rules.ClaimFilter
	var paymentFilter *rules.PaymentFilter
	var err error
	if det.ClaimFilter != "" {
		if claimFilter, err = rules.CompileClaimFilter(det.ClaimFilter); err != nil {
			runsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
			return nil, fmt.Errorf("invalid claim filter: %w", err)
		}
	}
	if det.PaymentFilter != "" {
		if paymentFilter, err = rules.CompilePaymentFilter(det.PaymentFilter); err != nil {
			runsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
			return nil, fmt.Errorf("invalid payment filter: %w", err)
		}
	}

	now, err := det.Now()
	if err != nil {
		runsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
		return nil, err
	}

	run := &domain.Run{
		ID:        runID,
		Status:    domain.RunStatusRunning,
		Reference: now,
		StartedAt: time.Now().UTC(),
	}
	if err := p.repo.SaveRun(ctx, run); err != nil {
		runsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	p.publish(ctx, domain.TopicRunStarted, run)

	slog.Info("run started",
		"run_id", run.ID,
		"reference_now", now,
		"campaigns", len(det.Campaigns),
	)

	runCtx := ctx
	if det.RunTimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(det.RunTimeoutSecs)*time.Second)
		defer cancel()
	}

	rows, excluded, err := p.execute(runCtx, run, now, claimFilter, paymentFilter)
	if err != nil {
		p.markFailed(ctx, run, err)
		runsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
		return run, err
	}

	if err := p.repo.SaveReportRows(runCtx, run.ID, rows); err != nil {
		p.markFailed(ctx, run, fmt.Errorf("failed to persist report: %w", err))
		runsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
		return run, err
	}

	finished := time.Now().UTC()
	run.Status = domain.RunStatusCompleted
	run.FinishedAt = &finished
	run.RowCount = len(rows)
	run.Excluded = excluded
	if err := p.repo.UpdateRun(ctx, run); err != nil {
		slog.Error("failed to update run record",
			"run_id", run.ID,
			"error", err,
		)
	}
	p.publish(ctx, domain.TopicRunCompleted, run)

	runsTotal.WithLabelValues(domain.RunStatusCompleted).Inc()
	runDuration.Observe(time.Since(start).Seconds())
	reportRows.Add(float64(len(rows)))
	observeExcluded(excluded)

	slog.Info("run completed",
		"run_id", run.ID,
		"rows", len(rows),
		"excluded", excluded.Total(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return run, nil
}

// execute runs the stages and returns the final report rows.
func (p *Pipeline) execute(ctx context.Context, run *domain.Run, now time.Time, claimFilter *rules.ClaimFilter, paymentFilter *rules.PaymentFilter) ([]*domain.FraudReportRow, domain.ExcludedCounts, error) {
	det := p.cfg.Detection
	var excluded domain.ExcludedCounts

	// Stage 1: load and filter sources.
	ctx, span := p.tracer.Start(ctx, "pipeline.sources")
	since := now.Add(-det.LookbackWindow())

	rawClaims, err := p.repo.ListClaims(ctx, det.Campaigns)
	if err != nil {
		span.End()
		return nil, excluded, fmt.Errorf("failed to load claims: %w", err)
	}
	channelIDs := make([]string, 0, len(det.Channels))
	for id := range det.Channels {
		channelIDs = append(channelIDs, id)
	}
	rawPayments, err := p.repo.ListPayments(ctx, channelIDs, since)
	if err != nil {
		span.End()
		return nil, excluded, fmt.Errorf("failed to load payments: %w", err)
	}
	rawGrants, err := p.repo.ListRewardGrants(ctx, since)
	if err != nil {
		span.End()
		return nil, excluded, fmt.Errorf("failed to load reward grants: %w", err)
	}
	rawEvents, err := p.repo.ListPromoEvents(ctx, since)
	if err != nil {
		span.End()
		return nil, excluded, fmt.Errorf("failed to load promo events: %w", err)
	}
	rawPayouts, err := p.repo.ListPayouts(ctx, since)
	if err != nil {
		span.End()
		return nil, excluded, fmt.Errorf("failed to load payouts: %w", err)
	}

	filter := source.NewFilter(det, now)
	if claimFilter != nil {
		filter.SetClaimPredicate(claimFilter.Match)
	}
	if paymentFilter != nil {
		filter.SetPaymentPredicate(paymentFilter.Match)
	}

	claims := filter.Claims(rawClaims)
	payments := filter.Payments(rawPayments)
	redemptions := filter.Redemptions(rawGrants, rawEvents)
	payouts := filter.Payouts(rawPayouts)
	span.End()

	slog.Debug("sources filtered",
		"run_id", run.ID,
		"claims", len(claims),
		"payments", len(payments),
		"redemptions", len(redemptions),
		"payouts", len(payouts),
	)

	if err := ctx.Err(); err != nil {
		return nil, excluded, err
	}

	// Stage 2: temporal correlation, sharded by customer.
	ctx, span = p.tracer.Start(ctx, "pipeline.correlate")
	correlator := correlate.New(det)
	ranked := p.rankSharded(correlator, claims, payments)
	summaries := correlate.Summarize(claims, ranked)
	span.End()

	if err := ctx.Err(); err != nil {
		return nil, excluded, err
	}

	// Stage 3: classification.
	ctx, span = p.tracer.Start(ctx, "pipeline.classify")
	flags := classify.Flag(summaries)
	for _, f := range flags {
		fraudFlags.WithLabelValues(f.Channel).Inc()
		p.publish(ctx, domain.TopicFraudFlagged, f)
	}
	span.End()

	slog.Debug("claims classified",
		"run_id", run.ID,
		"summaries", len(summaries),
		"flagged", len(flags),
	)

	// Stage 4: redemption correlation.
	ctx, span = p.tracer.Start(ctx, "pipeline.redemptions")
	correlated := report.Correlate(flags, claims, redemptions)
	span.End()

	if err := ctx.Err(); err != nil {
		return nil, excluded, err
	}

	// Stage 5: fee extraction, restricted to redemption transactions that
	// survived correlation.
	ctx, span = p.tracer.Start(ctx, "pipeline.fees")
	txnIDs := make(map[string]bool, len(correlated))
	for _, c := range correlated {
		txnIDs[c.RedemptionTxnID] = true
	}
	extractor := fees.New(det.FeeType)
	feeSummaries, badPayloads := extractor.Extract(payouts, txnIDs)
	span.End()

	// Stage 6: finalization.
	_, span = p.tracer.Start(ctx, "pipeline.finalize")
	rows := report.Finalize(correlated, feeSummaries)
	span.End()

	excluded = filter.Excluded
	excluded.BadFeePayloads = badPayloads
	return rows, excluded, nil
}

// rankSharded partitions claims by customer id across the configured worker
// count and ranks each shard concurrently. Correlation never crosses
// customers, so sharding by customer is semantics-preserving.
func (p *Pipeline) rankSharded(correlator *correlate.Correlator, claims []*domain.CouponClaim, payments []*domain.PaymentRecord) []correlate.RankedPayment {
	workers := p.cfg.Detection.Workers
	if workers <= 1 || len(claims) < 2 {
		return correlator.Rank(claims, payments)
	}

	claimShards := make([][]*domain.CouponClaim, workers)
	paymentShards := make([][]*domain.PaymentRecord, workers)
	for _, c := range claims {
		i := shardFor(c.CustomerID, workers)
		claimShards[i] = append(claimShards[i], c)
	}
	for _, pay := range payments {
		i := shardFor(pay.CustomerID, workers)
		paymentShards[i] = append(paymentShards[i], pay)
	}

	results := make([][]correlate.RankedPayment, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		if len(claimShards[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = correlator.Rank(claimShards[i], paymentShards[i])
		}(i)
	}
	wg.Wait()

	var ranked []correlate.RankedPayment
	for _, r := range results {
		ranked = append(ranked, r...)
	}
	return ranked
}

func shardFor(customerID string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(customerID))
	return int(h.Sum32() % uint32(workers))
}

// markFailed records a failed run. The original error is preserved on the
// run record for later inspection.
func (p *Pipeline) markFailed(ctx context.Context, run *domain.Run, cause error) {
	finished := time.Now().UTC()
	run.Status = domain.RunStatusFailed
	run.FinishedAt = &finished
	run.Error = cause.Error()

	if err := p.repo.UpdateRun(ctx, run); err != nil {
		slog.Error("failed to record run failure",
			"run_id", run.ID,
			"error", err,
		)
	}
	p.publish(ctx, domain.TopicRunFailed, run)

	slog.Error("run failed",
		"run_id", run.ID,
		"error", cause,
	)
}

func (p *Pipeline) publish(ctx context.Context, topic string, payload any) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event payload",
			"topic", topic,
			"error", err,
		)
		return
	}
	if err := p.bus.Publish(ctx, topic, data); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"error", err,
		)
	}
}

// Package worker provides async run execution for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/pipeline"
)

// Worker executes detection runs requested over the EventBus. Operators
// publish to the run-requested topic instead of calling the HTTP API, which
// lets a separate node own batch execution.
type Worker struct {
	cfg  *domain.Config
	repo domain.Repository
	bus  domain.EventBus

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async run worker.
func NewWorker(cfg *domain.Config, repo domain.Repository, bus domain.EventBus) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		repo:   repo,
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the run-requested topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRunRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("run worker started",
		"topic", domain.TopicRunRequested,
	)
	return nil
}

// RunRequestMessage is the payload published to request a run. All fields
// are optional; an empty message runs with the node's configuration.
type RunRequestMessage struct {
	RunID         string   `json:"runId,omitempty"`
	ReferenceNow  string   `json:"referenceNow,omitempty"`
	Campaigns     []string `json:"campaigns,omitempty"`
	ClaimFilter   string   `json:"claimFilter,omitempty"`
	PaymentFilter string   `json:"paymentFilter,omitempty"`
}

// handleMessage executes one requested run.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req RunRequestMessage
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("failed to parse run request",
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	slog.Debug("processing run request",
		"run_id", runID,
		"message_id", msg.ID,
	)

	// Apply per-request overrides on a copy of the configuration.
	cfg := *w.cfg
	if req.ReferenceNow != "" {
		cfg.Detection.ReferenceNow = req.ReferenceNow
	}
	if len(req.Campaigns) > 0 {
		cfg.Detection.Campaigns = req.Campaigns
	}
	if req.ClaimFilter != "" {
		cfg.Detection.ClaimFilter = req.ClaimFilter
	}
	if req.PaymentFilter != "" {
		cfg.Detection.PaymentFilter = req.PaymentFilter
	}

	w.wg.Add(1)
	defer w.wg.Done()

	pipe := pipeline.New(&cfg, w.repo, w.bus)
	run, err := pipe.RunWithID(ctx, runID)
	if err != nil {
		slog.Error("requested run failed",
			"run_id", runID,
			"error", err,
		)
		return err
	}

	slog.Info("requested run completed",
		"run_id", run.ID,
		"rows", run.RowCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker, waiting for in-flight runs.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("run worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
)

func testWorker(t *testing.T) (*Worker, domain.Repository, domain.EventBus) {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = t.TempDir() + "/test.db"
	cfg.Detection.Campaigns = []string{"CAMP-A"}
	cfg.Detection.ReferenceNow = "2025-06-01T00:00:00Z"

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	return NewWorker(cfg, repo, eventBus), repo, eventBus
}

// waitForRun polls until the run exists in the given status.
func waitForRun(t *testing.T, repo domain.Repository, runID, status string) *domain.Run {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := repo.GetRun(context.Background(), runID)
		if err == nil && run.Status == status {
			return run
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("GetRun failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never reached %s", runID, status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerExecutesRequestedRun(t *testing.T) {
	w, repo, eventBus := testWorker(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	payload, _ := json.Marshal(RunRequestMessage{RunID: "run-bus-001"})
	if err := eventBus.Publish(context.Background(), domain.TopicRunRequested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	run := waitForRun(t, repo, "run-bus-001", domain.RunStatusCompleted)
	if run.RowCount != 0 {
		t.Errorf("expected empty report on empty database, got %d rows", run.RowCount)
	}
}

func TestWorkerAppliesRequestOverrides(t *testing.T) {
	w, repo, eventBus := testWorker(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	payload, _ := json.Marshal(RunRequestMessage{
		RunID:        "run-bus-002",
		ReferenceNow: "2025-01-15T00:00:00Z",
	})
	if err := eventBus.Publish(context.Background(), domain.TopicRunRequested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	run := waitForRun(t, repo, "run-bus-002", domain.RunStatusCompleted)
	want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	if !run.Reference.Equal(want) {
		t.Errorf("expected reference %v, got %v", want, run.Reference)
	}
}

func TestWorkerStats(t *testing.T) {
	w, _, _ := testWorker(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicRunRequested {
		t.Errorf("expected run-requested topic, got %v", stats.Topics)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after Stop")
	}
}

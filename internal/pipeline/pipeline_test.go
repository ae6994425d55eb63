package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/correlate"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
)

func testConfig(t *testing.T) *domain.Config {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = t.TempDir() + "/test.db"
	cfg.Detection.Campaigns = []string{"CAMP-A"}
	cfg.Detection.ReferenceNow = "2025-06-01T00:00:00Z"
	return cfg
}

func testRepo(t *testing.T, cfg *domain.Config) domain.Repository {
	t.Helper()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedFraudScenario(t *testing.T, repo domain.Repository) {
	t.Helper()
	ctx := context.Background()
	claimed := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	if err := repo.SaveClaims(ctx, []*domain.CouponClaim{
		{CustomerID: "fraud-user", CampaignID: "CAMP-A", ClaimedAt: claimed, CashbackAmount: 20},
		{CustomerID: "clean-user", CampaignID: "CAMP-A", ClaimedAt: claimed, CashbackAmount: 15},
	}); err != nil {
		t.Fatalf("failed to seed claims: %v", err)
	}
	if err := repo.SavePayments(ctx, []*domain.PaymentRecord{
		{TxnID: "pay-001", CustomerID: "fraud-user", ChannelID: "CH-DELIVERY", CustomerType: "INDIVIDUAL", TxnState: "COMPLETED", PaidAt: claimed.AddDate(0, 0, -30)},
	}); err != nil {
		t.Fatalf("failed to seed payments: %v", err)
	}
	if err := repo.SavePromoEvents(ctx, []*domain.PromoEvent{
		{EventKey: "100001", CampaignID: "CAMP-A", CreatedAt: claimed.AddDate(0, 0, 9)},
		{EventKey: "100002", CampaignID: "CAMP-A", CreatedAt: claimed.AddDate(0, 0, 9)},
	}); err != nil {
		t.Fatalf("failed to seed promo events: %v", err)
	}
	if err := repo.SaveRewardGrants(ctx, []*domain.RewardGrant{
		{GrantID: "g1", CustomerID: "fraud-user", EventKey: "100001", TxnID: "900001", TxnAmount: 20, CreatedAt: claimed.AddDate(0, 0, 9)},
		{GrantID: "g2", CustomerID: "clean-user", EventKey: "100002", TxnID: "900002", TxnAmount: 15, CreatedAt: claimed.AddDate(0, 0, 9)},
	}); err != nil {
		t.Fatalf("failed to seed reward grants: %v", err)
	}
	if err := repo.SavePayouts(ctx, []*domain.PayoutTransaction{
		{
			OrderID:    "900001",
			CreatedAt:  claimed.AddDate(0, 0, 9),
			TaxRate:    0.1,
			FeePayload: []byte(`[{"fee_type":"PLC","commission_rate":0.02,"fee_eligible_amount":20,"commission_amount":0.4,"tax_amount":0.04}]`),
		},
	}); err != nil {
		t.Fatalf("failed to seed payouts: %v", err)
	}
}

func TestRun(t *testing.T) {
	t.Run("CompletesAndPersistsReport", func(t *testing.T) {
		cfg := testConfig(t)
		repo := testRepo(t, cfg)
		seedFraudScenario(t, repo)

		run, err := New(cfg, repo, nil).Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if run.Status != domain.RunStatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", run.Status)
		}
		if run.RowCount != 1 {
			t.Fatalf("expected 1 report row, got %d", run.RowCount)
		}
		if run.FinishedAt == nil {
			t.Error("expected finishedAt on completed run")
		}

		rows, err := repo.ListReportRows(context.Background(), run.ID, 0, 10)
		if err != nil {
			t.Fatalf("failed to load report: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected 1 persisted row, got %d", len(rows))
		}
		row := rows[0]
		if row.UserID != "fraud-user" {
			t.Errorf("expected fraud-user, got %s", row.UserID)
		}
		if row.IncorrectChannel != domain.ChannelDelivery {
			t.Errorf("expected Delivery, got %s", row.IncorrectChannel)
		}
		if row.PLCFee == nil || *row.PLCFee != 0.4 {
			t.Errorf("expected PLC fee 0.4, got %v", row.PLCFee)
		}
		if row.TransactionSeqByUser != 1 {
			t.Errorf("expected sequence 1, got %d", row.TransactionSeqByUser)
		}
	})

	t.Run("InvalidConfigFatal", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Detection.Campaigns = nil
		repo := testRepo(t, cfg)

		run, err := New(cfg, repo, nil).Run(context.Background())
		if err == nil {
			t.Fatal("expected error for missing campaigns")
		}
		if run != nil {
			t.Error("no run record may exist for a config failure")
		}

		runs, _ := repo.ListRuns(context.Background(), 10)
		if len(runs) != 0 {
			t.Errorf("expected no persisted runs, got %d", len(runs))
		}
	})

	t.Run("InvalidFilterFatal", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Detection.ClaimFilter = "not valid (("
		repo := testRepo(t, cfg)

		run, err := New(cfg, repo, nil).Run(context.Background())
		if err == nil {
			t.Fatal("expected error for invalid claim filter")
		}
		if run != nil {
			t.Error("no run record may exist for a filter-compilation failure")
		}
	})

	t.Run("InvalidReferenceNowFatal", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Detection.ReferenceNow = "yesterday"
		repo := testRepo(t, cfg)

		if _, err := New(cfg, repo, nil).Run(context.Background()); err == nil {
			t.Fatal("expected error for malformed referenceNow")
		}
	})

	t.Run("ClaimFilterApplied", func(t *testing.T) {
		cfg := testConfig(t)
		// Excludes every claim, so nothing can be flagged.
		cfg.Detection.ClaimFilter = "cashback_amount > 1000.0"
		repo := testRepo(t, cfg)
		seedFraudScenario(t, repo)

		run, err := New(cfg, repo, nil).Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if run.RowCount != 0 {
			t.Errorf("expected empty report with exclusive filter, got %d rows", run.RowCount)
		}
	})

	t.Run("EmptyDatabaseCompletes", func(t *testing.T) {
		cfg := testConfig(t)
		repo := testRepo(t, cfg)

		run, err := New(cfg, repo, nil).Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if run.Status != domain.RunStatusCompleted || run.RowCount != 0 {
			t.Errorf("expected empty COMPLETED run, got %+v", run)
		}
	})

	t.Run("RunWithIDUsesGivenID", func(t *testing.T) {
		cfg := testConfig(t)
		repo := testRepo(t, cfg)

		run, err := New(cfg, repo, nil).RunWithID(context.Background(), "run-pinned")
		if err != nil {
			t.Fatalf("RunWithID failed: %v", err)
		}
		if run.ID != "run-pinned" {
			t.Errorf("expected run id run-pinned, got %s", run.ID)
		}
		if _, err := repo.GetRun(context.Background(), "run-pinned"); err != nil {
			t.Errorf("pinned run not retrievable: %v", err)
		}
	})

	t.Run("PublishesLifecycleEvents", func(t *testing.T) {
		cfg := testConfig(t)
		repo := testRepo(t, cfg)
		seedFraudScenario(t, repo)

		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		var mu sync.Mutex
		topics := make(map[string]int)
		for _, topic := range []string{domain.TopicRunStarted, domain.TopicRunCompleted, domain.TopicFraudFlagged} {
			topic := topic
			_, err := eventBus.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
				mu.Lock()
				topics[topic]++
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("failed to subscribe: %v", err)
			}
		}

		if _, err := New(cfg, repo, eventBus).Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		// Channel delivery is asynchronous.
		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			done := topics[domain.TopicRunStarted] == 1 &&
				topics[domain.TopicRunCompleted] == 1 &&
				topics[domain.TopicFraudFlagged] == 1
			mu.Unlock()
			if done {
				break
			}
			if time.Now().After(deadline) {
				mu.Lock()
				t.Fatalf("lifecycle events missing: %v", topics)
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}

func TestRankShardedMatchesSequential(t *testing.T) {
	claimed := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	claims := []*domain.CouponClaim{
		{CustomerID: "c1", CampaignID: "CAMP-A", ClaimedAt: claimed},
		{CustomerID: "c2", CampaignID: "CAMP-A", ClaimedAt: claimed},
		{CustomerID: "c3", CampaignID: "CAMP-A", ClaimedAt: claimed},
	}
	payments := []*domain.PaymentRecord{
		{TxnID: "p1", CustomerID: "c1", ChannelID: "CH-DELIVERY", TxnState: "COMPLETED", PaidAt: claimed.AddDate(0, 0, -10)},
		{TxnID: "p2", CustomerID: "c2", ChannelID: "CH-MO", TxnState: "COMPLETED", PaidAt: claimed.AddDate(0, 0, -20)},
		{TxnID: "p3", CustomerID: "c3", ChannelID: "CH-DELIVERY", TxnState: "COMPLETED", PaidAt: claimed.AddDate(0, 0, -30)},
	}

	cfg := domain.DefaultConfig()
	cfg.Detection.Campaigns = []string{"CAMP-A"}

	// Sharded and sequential ranking must agree after summarization
	// normalizes the order.
	countTxns := func(workers int) map[string]string {
		cfg := *cfg
		cfg.Detection.Workers = workers
		p := New(&cfg, nil, nil)

		correlator := correlate.New(cfg.Detection)
		summaries := correlate.Summarize(claims, p.rankSharded(correlator, claims, payments))

		got := map[string]string{}
		for _, s := range summaries {
			if s.Delivery != nil {
				got[s.CustomerID+"/delivery"] = s.Delivery.TxnID
			}
			if s.MO != nil {
				got[s.CustomerID+"/mo"] = s.MO.TxnID
			}
		}
		return got
	}

	sequential := countTxns(1)
	sharded := countTxns(4)

	if len(sequential) != 3 {
		t.Fatalf("expected 3 channel matches, got %d", len(sequential))
	}
	for k, v := range sequential {
		if sharded[k] != v {
			t.Errorf("sharded ranking diverged at %s: %s vs %s", k, sharded[k], v)
		}
	}
}

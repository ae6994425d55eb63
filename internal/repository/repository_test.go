package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "harrier-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndListClaims", func(t *testing.T) {
		claims := []*domain.CouponClaim{
			{CustomerID: "cust-001", CampaignID: "CAMP-A", ClaimedAt: base, CashbackAmount: 25.50},
			{CustomerID: "cust-002", CampaignID: "CAMP-A", ClaimedAt: base.Add(time.Hour), CashbackAmount: 10},
			{CustomerID: "cust-003", CampaignID: "CAMP-B", ClaimedAt: base, CashbackAmount: 5},
		}

		if err := repo.SaveClaims(ctx, claims); err != nil {
			t.Fatalf("SaveClaims failed: %v", err)
		}

		got, err := repo.ListClaims(ctx, []string{"CAMP-A"})
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 claims for CAMP-A, got %d", len(got))
		}
		if got[0].CustomerID != "cust-001" {
			t.Errorf("expected cust-001 first, got %s", got[0].CustomerID)
		}
		if got[0].CashbackAmount != 25.50 {
			t.Errorf("expected CashbackAmount 25.50, got %.2f", got[0].CashbackAmount)
		}
		if !got[0].ClaimedAt.Equal(base) {
			t.Errorf("expected ClaimedAt %v, got %v", base, got[0].ClaimedAt)
		}

		both, err := repo.ListClaims(ctx, []string{"CAMP-A", "CAMP-B"})
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if len(both) != 3 {
			t.Errorf("expected 3 claims across both campaigns, got %d", len(both))
		}
	})

	t.Run("ClaimValidation", func(t *testing.T) {
		err := repo.SaveClaims(ctx, []*domain.CouponClaim{{CampaignID: "CAMP-A"}})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing customer, got: %v", err)
		}

		_, err = repo.ListClaims(ctx, nil)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty campaigns, got: %v", err)
		}
	})

	t.Run("SaveAndListPayments", func(t *testing.T) {
		payments := []*domain.PaymentRecord{
			{TxnID: "pay-001", CustomerID: "cust-001", ChannelID: "CH-DELIVERY", CustomerType: "INDIVIDUAL", TxnState: "COMPLETED", PaidAt: base.AddDate(0, 0, -30)},
			{TxnID: "pay-002", CustomerID: "cust-001", ChannelID: "CH-MO", CustomerType: "INDIVIDUAL", TxnState: "AUTHORIZED", PaidAt: base.AddDate(0, 0, -60)},
			{TxnID: "pay-003", CustomerID: "cust-002", ChannelID: "CH-OTHER", CustomerType: "INDIVIDUAL", TxnState: "COMPLETED", PaidAt: base.AddDate(0, 0, -10)},
			{TxnID: "pay-004", CustomerID: "cust-002", ChannelID: "CH-DELIVERY", CustomerType: "INDIVIDUAL", TxnState: "COMPLETED", PaidAt: base.AddDate(-3, 0, 0)},
		}

		if err := repo.SavePayments(ctx, payments); err != nil {
			t.Fatalf("SavePayments failed: %v", err)
		}

		since := base.AddDate(-1, 0, 0)
		got, err := repo.ListPayments(ctx, []string{"CH-DELIVERY", "CH-MO"}, since)
		if err != nil {
			t.Fatalf("ListPayments failed: %v", err)
		}
		// pay-003 is on an untracked channel, pay-004 is before since
		if len(got) != 2 {
			t.Fatalf("expected 2 payments, got %d", len(got))
		}
		for _, p := range got {
			if p.ChannelID != "CH-DELIVERY" && p.ChannelID != "CH-MO" {
				t.Errorf("unexpected channel %s", p.ChannelID)
			}
			if p.PaidAt.Before(since) {
				t.Errorf("payment %s predates since filter", p.TxnID)
			}
		}
	})

	t.Run("PaymentValidation", func(t *testing.T) {
		err := repo.SavePayments(ctx, []*domain.PaymentRecord{{TxnID: "pay-x"}})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing customer, got: %v", err)
		}

		_, err = repo.ListPayments(ctx, nil, base)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty channels, got: %v", err)
		}
	})

	t.Run("SaveAndListRewardGrants", func(t *testing.T) {
		grants := []*domain.RewardGrant{
			{GrantID: "grant-001", CustomerID: "cust-001", EventKey: "100001", TxnID: "900001", TxnAmount: 25.50, CreatedAt: base},
			{GrantID: "grant-002", CustomerID: "cust-002", EventKey: "100002", TxnID: "900002", TxnAmount: 10, CreatedAt: base.AddDate(-4, 0, 0)},
		}

		if err := repo.SaveRewardGrants(ctx, grants); err != nil {
			t.Fatalf("SaveRewardGrants failed: %v", err)
		}

		got, err := repo.ListRewardGrants(ctx, base.AddDate(-1, 0, 0))
		if err != nil {
			t.Fatalf("ListRewardGrants failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 grant inside window, got %d", len(got))
		}
		if got[0].GrantID != "grant-001" {
			t.Errorf("expected grant-001, got %s", got[0].GrantID)
		}
		if got[0].EventKey != "100001" {
			t.Errorf("expected event key 100001, got %s", got[0].EventKey)
		}
	})

	t.Run("SaveAndListPromoEvents", func(t *testing.T) {
		events := []*domain.PromoEvent{
			{EventKey: "100001", CampaignID: "CAMP-A", CreatedAt: base},
			{EventKey: "100002", CampaignID: "CAMP-B", CreatedAt: base},
		}

		if err := repo.SavePromoEvents(ctx, events); err != nil {
			t.Fatalf("SavePromoEvents failed: %v", err)
		}

		got, err := repo.ListPromoEvents(ctx, base.AddDate(-1, 0, 0))
		if err != nil {
			t.Fatalf("ListPromoEvents failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 promo events, got %d", len(got))
		}
	})

	t.Run("SaveAndListPayouts", func(t *testing.T) {
		payouts := []*domain.PayoutTransaction{
			{
				OrderID:    "900001",
				CreatedAt:  base,
				TaxRate:    0.1,
				FeePayload: []byte(`[{"fee_type":"PLC","commission_rate":0.02,"fee_eligible_amount":100,"commission_amount":2,"tax_amount":0.2}]`),
			},
		}

		if err := repo.SavePayouts(ctx, payouts); err != nil {
			t.Fatalf("SavePayouts failed: %v", err)
		}

		got, err := repo.ListPayouts(ctx, base.AddDate(-1, 0, 0))
		if err != nil {
			t.Fatalf("ListPayouts failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 payout, got %d", len(got))
		}
		if got[0].TaxRate != 0.1 {
			t.Errorf("expected TaxRate 0.1, got %v", got[0].TaxRate)
		}
		if len(got[0].FeePayload) == 0 {
			t.Error("expected fee payload to round-trip")
		}
	})

	t.Run("RunLifecycle", func(t *testing.T) {
		run := &domain.Run{
			ID:        "run-001",
			Status:    domain.RunStatusRunning,
			Reference: base,
			StartedAt: base,
		}

		if err := repo.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		finished := base.Add(2 * time.Minute)
		run.Status = domain.RunStatusCompleted
		run.FinishedAt = &finished
		run.RowCount = 42
		run.Excluded = domain.ExcludedCounts{MalformedClaims: 3, NonNumericIDs: 1}

		if err := repo.UpdateRun(ctx, run); err != nil {
			t.Fatalf("UpdateRun failed: %v", err)
		}

		got, err := repo.GetRun(ctx, "run-001")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Status != domain.RunStatusCompleted {
			t.Errorf("expected status COMPLETED, got %s", got.Status)
		}
		if got.RowCount != 42 {
			t.Errorf("expected rowCount 42, got %d", got.RowCount)
		}
		if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
			t.Errorf("expected finishedAt %v, got %v", finished, got.FinishedAt)
		}
		if got.Excluded.MalformedClaims != 3 || got.Excluded.NonNumericIDs != 1 {
			t.Errorf("excluded counts did not round-trip: %+v", got.Excluded)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		second := &domain.Run{
			ID:        "run-002",
			Status:    domain.RunStatusFailed,
			Reference: base,
			StartedAt: base.Add(time.Hour),
			Error:     "invalid claim filter",
		}
		if err := repo.SaveRun(ctx, second); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		runs, err := repo.ListRuns(ctx, 10)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("expected 2 runs, got %d", len(runs))
		}
		// Newest first
		if runs[0].ID != "run-002" {
			t.Errorf("expected run-002 first, got %s", runs[0].ID)
		}
		if runs[0].Error != "invalid claim filter" {
			t.Errorf("expected error message to round-trip, got %q", runs[0].Error)
		}
	})

	t.Run("SaveAndListReportRows", func(t *testing.T) {
		prevTxn := "pay-001"
		prevTime := base.AddDate(0, 0, -30)
		prevState := "COMPLETED"
		fee := 2.0

		rows := []*domain.FraudReportRow{
			{
				UserID:                "cust-001",
				TransactionSeqByUser:  1,
				CouponID:              "CAMP-A",
				FinalRedemptionAmount: 25.50,
				CouponClaimedAt:       base,
				IncorrectChannel:      domain.ChannelDelivery,
				DeliveryUserStatus:    domain.StatusExistingDelivery,
				MOUserStatus:          domain.StatusNewMO,
				PrevDeliveryTxnID:     &prevTxn,
				PrevDeliveryTxnTime:   &prevTime,
				PrevDeliveryTxnState:  &prevState,
				RedemptionTxnID:       "900001",
				RedemptionTxnAmount:   25.50,
				RedemptionTime:        base,
				PLCFee:                &fee,
				TotalPayoutCost:       2.2,
			},
			{
				UserID:               "cust-001",
				TransactionSeqByUser: 2,
				CouponID:             "CAMP-A",
				CouponClaimedAt:      base,
				IncorrectChannel:     domain.ChannelDelivery,
				DeliveryUserStatus:   domain.StatusExistingDelivery,
				MOUserStatus:         domain.StatusNewMO,
				RedemptionTxnID:      "900002",
				RedemptionTime:       base,
			},
		}

		if err := repo.SaveReportRows(ctx, "run-001", rows); err != nil {
			t.Fatalf("SaveReportRows failed: %v", err)
		}

		got, err := repo.ListReportRows(ctx, "run-001", 0, 100)
		if err != nil {
			t.Fatalf("ListReportRows failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 report rows, got %d", len(got))
		}
		if got[0].TransactionSeqByUser != 1 || got[1].TransactionSeqByUser != 2 {
			t.Errorf("expected rows ordered by sequence, got %d then %d",
				got[0].TransactionSeqByUser, got[1].TransactionSeqByUser)
		}
		if got[0].PrevDeliveryTxnID == nil || *got[0].PrevDeliveryTxnID != "pay-001" {
			t.Errorf("expected prev delivery txn pay-001, got %v", got[0].PrevDeliveryTxnID)
		}
		if got[0].PLCFee == nil || *got[0].PLCFee != 2.0 {
			t.Errorf("expected PLC fee 2.0, got %v", got[0].PLCFee)
		}
		if got[1].PrevDeliveryTxnID != nil {
			t.Errorf("expected nil prev delivery txn on second row, got %v", got[1].PrevDeliveryTxnID)
		}
		if got[1].PLCFee != nil {
			t.Errorf("expected nil PLC fee on second row, got %v", got[1].PLCFee)
		}

		// Paging
		page, err := repo.ListReportRows(ctx, "run-001", 1, 1)
		if err != nil {
			t.Fatalf("ListReportRows with offset failed: %v", err)
		}
		if len(page) != 1 || page[0].RedemptionTxnID != "900002" {
			t.Errorf("expected second row only, got %+v", page)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetRun(ctx, "nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

package rules

import (
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestClaimFilter(t *testing.T) {
	t.Run("MatchesByAmount", func(t *testing.T) {
		f, err := CompileClaimFilter("cashback_amount < 100.0")
		if err != nil {
			t.Fatalf("failed to compile filter: %v", err)
		}

		keep, err := f.Match(&domain.CouponClaim{CustomerID: "c1", CashbackAmount: 50})
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if !keep {
			t.Error("expected claim under the threshold to match")
		}

		keep, err = f.Match(&domain.CouponClaim{CustomerID: "c1", CashbackAmount: 500})
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if keep {
			t.Error("expected claim over the threshold not to match")
		}
	})

	t.Run("MatchesByTimestamp", func(t *testing.T) {
		f, err := CompileClaimFilter(`claimed_at > timestamp("2025-01-01T00:00:00Z")`)
		if err != nil {
			t.Fatalf("failed to compile filter: %v", err)
		}

		keep, err := f.Match(&domain.CouponClaim{
			ClaimedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if !keep {
			t.Error("expected claim after the cutoff to match")
		}
	})

	t.Run("CompileErrors", func(t *testing.T) {
		if _, err := CompileClaimFilter("this is not CEL (("); err == nil {
			t.Error("expected compile error for invalid expression")
		}

		if _, err := CompileClaimFilter("cashback_amount + 1.0"); err == nil {
			t.Error("expected error for non-bool expression")
		}

		if _, err := CompileClaimFilter("unknown_field == 1"); err == nil {
			t.Error("expected error for undeclared variable")
		}
	})
}

func TestPaymentFilter(t *testing.T) {
	t.Run("MatchesByChannel", func(t *testing.T) {
		f, err := CompilePaymentFilter(`channel_id != "CH-TEST" && customer_id.startsWith("cust-")`)
		if err != nil {
			t.Fatalf("failed to compile filter: %v", err)
		}

		keep, err := f.Match(&domain.PaymentRecord{
			TxnID:      "p1",
			CustomerID: "cust-001",
			ChannelID:  "CH-DELIVERY",
		})
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if !keep {
			t.Error("expected payment to match")
		}

		keep, err = f.Match(&domain.PaymentRecord{
			TxnID:      "p2",
			CustomerID: "cust-002",
			ChannelID:  "CH-TEST",
		})
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if keep {
			t.Error("expected test-channel payment not to match")
		}
	})

	t.Run("CompileError", func(t *testing.T) {
		if _, err := CompilePaymentFilter("txn_id =="); err == nil {
			t.Error("expected compile error for incomplete expression")
		}
	})
}

// Package report matches flagged claims to realized reward redemptions and
// assembles the final ordered fraud report.
package report

import (
	"log/slog"
	"sort"

	"github.com/opensource-finance/harrier/internal/domain"
)

// redemptionKey is the inner-join key between flags and redemptions.
type redemptionKey struct {
	CampaignID string
	CustomerID string
}

// Correlate re-joins each flag to its original claim record (recovering
// claimed_at exactly) and inner-joins it against reward redemptions on
// (campaign, customer). One flag fans out to one record per redemption
// event; flags with no matching redemption are dropped because the report
// covers realized financial exposure only.
func Correlate(flags []*domain.FraudFlag, claims []*domain.CouponClaim, redemptions []*domain.RewardRedemption) []*domain.CorrelatedRedemption {
	byClaim := make(map[domain.ClaimKey]*domain.CouponClaim, len(claims))
	for _, c := range claims {
		byClaim[c.Key()] = c
	}

	byPair := make(map[redemptionKey][]*domain.RewardRedemption, len(redemptions))
	for _, r := range redemptions {
		key := redemptionKey{CampaignID: r.CampaignID, CustomerID: r.CustomerID}
		byPair[key] = append(byPair[key], r)
	}

	out := make([]*domain.CorrelatedRedemption, 0, len(flags))
	for _, flag := range flags {
		claimKey := domain.ClaimKey{
			CustomerID: flag.CustomerID,
			CampaignID: flag.CampaignID,
			ClaimedAt:  flag.ClaimedAt.UnixNano(),
		}
		claim, ok := byClaim[claimKey]
		if !ok {
			// Flags are derived from the same claim stream, so a miss
			// here indicates an upstream bug, not missing data.
			slog.Warn("flag does not match any source claim",
				"customer_id", flag.CustomerID,
				"campaign_id", flag.CampaignID,
			)
			continue
		}

		pair := redemptionKey{CampaignID: flag.CampaignID, CustomerID: flag.CustomerID}
		for _, r := range byPair[pair] {
			rec := &domain.CorrelatedRedemption{
				FraudFlag:        *flag,
				RedemptionTxnID:  r.RedemptionTxnID,
				RedemptionAmount: r.RedemptionAmount,
				RedemptionTime:   r.RedemptionTime,
			}
			rec.ClaimedAt = claim.ClaimedAt
			rec.CashbackAmount = claim.CashbackAmount
			out = append(out, rec)
		}
	}
	return out
}

// outputKey is the true output key of the report.
type outputKey struct {
	UserID          string
	CouponID        string
	RedemptionTxnID string
}

// mergedFees is the fee side of the final left join, resolved to one value
// set per redemption transaction.
type mergedFees struct {
	FeeEligibleAmount *float64
	TaxRate           *float64
	CommissionRate    *float64
	PLCFee            *float64
	PLCTax            *float64
}

// Finalize left-joins correlated redemptions to fee summaries, deduplicates
// to exactly one row per (user, coupon, redemption transaction), computes
// total payout cost and the per-user sequence, and returns the report
// ordered by (user_id, sequence).
func Finalize(correlated []*domain.CorrelatedRedemption, feeSummaries []*domain.FeeSummary) []*domain.FraudReportRow {
	feesByOrder := make(map[string][]*domain.FeeSummary, len(feeSummaries))
	for _, s := range feeSummaries {
		feesByOrder[s.OrderID] = append(feesByOrder[s.OrderID], s)
	}

	// Deterministic group order so the first-non-null merge is stable.
	sorted := make([]*domain.CorrelatedRedemption, len(correlated))
	copy(sorted, correlated)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		if a.CampaignID != b.CampaignID {
			return a.CampaignID < b.CampaignID
		}
		if a.RedemptionTxnID != b.RedemptionTxnID {
			return a.RedemptionTxnID < b.RedemptionTxnID
		}
		return a.ClaimedAt.Before(b.ClaimedAt)
	})

	groups := make(map[outputKey]*domain.CorrelatedRedemption, len(sorted))
	order := make([]outputKey, 0, len(sorted))
	for _, rec := range sorted {
		key := outputKey{UserID: rec.CustomerID, CouponID: rec.CampaignID, RedemptionTxnID: rec.RedemptionTxnID}
		if existing, ok := groups[key]; ok {
			mergeRecord(existing, rec)
			continue
		}
		groups[key] = rec
		order = append(order, key)
	}

	rows := make([]*domain.FraudReportRow, 0, len(order))
	for _, key := range order {
		rec := groups[key]
		fees := mergeFees(feesByOrder[rec.RedemptionTxnID])
		rows = append(rows, buildRow(rec, fees))
	}

	assignSequences(rows)

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UserID != rows[j].UserID {
			return rows[i].UserID < rows[j].UserID
		}
		return rows[i].TransactionSeqByUser < rows[j].TransactionSeqByUser
	})
	return rows
}

// mergeRecord folds a duplicate group member into the retained record with
// a first-non-null policy. The group key guarantees identity fields agree;
// disagreement on anything else is a data-quality signal worth surfacing
// rather than masking with a max.
func mergeRecord(dst, src *domain.CorrelatedRedemption) {
	if dst.Delivery == nil {
		dst.Delivery = src.Delivery
	} else if src.Delivery != nil && src.Delivery.TxnID != dst.Delivery.TxnID {
		slog.Warn("conflicting delivery prior txn in output group, keeping first",
			"customer_id", dst.CustomerID,
			"kept", dst.Delivery.TxnID,
			"dropped", src.Delivery.TxnID,
		)
	}
	if dst.MO == nil {
		dst.MO = src.MO
	} else if src.MO != nil && src.MO.TxnID != dst.MO.TxnID {
		slog.Warn("conflicting mo prior txn in output group, keeping first",
			"customer_id", dst.CustomerID,
			"kept", dst.MO.TxnID,
			"dropped", src.MO.TxnID,
		)
	}
	if !src.ClaimedAt.Equal(dst.ClaimedAt) {
		slog.Warn("multiple claim timestamps collapse into one report row, keeping first",
			"customer_id", dst.CustomerID,
			"campaign_id", dst.CampaignID,
			"redemption_txn_id", dst.RedemptionTxnID,
		)
	}
}

// mergeFees resolves the fee summaries of one redemption transaction.
// A single tier maps through directly. When rate tiers diverge the monetary
// fields are summed so total exposure stays correct, and the per-row
// commission rate is reported only if every tier agrees on it.
func mergeFees(summaries []*domain.FeeSummary) mergedFees {
	if len(summaries) == 0 {
		return mergedFees{}
	}

	eligible, fee, tax := 0.0, 0.0, 0.0
	taxRate := &summaries[0].TaxRate
	commissionRate := &summaries[0].CommissionRate
	for _, s := range summaries {
		eligible += s.FeeEligibleAmount
		fee += s.PLCFee
		tax += s.PLCTax
		if taxRate != nil && s.TaxRate != *taxRate {
			taxRate = nil
		}
		if commissionRate != nil && s.CommissionRate != *commissionRate {
			commissionRate = nil
		}
	}

	return mergedFees{
		FeeEligibleAmount: &eligible,
		TaxRate:           taxRate,
		CommissionRate:    commissionRate,
		PLCFee:            &fee,
		PLCTax:            &tax,
	}
}

// buildRow constructs the immutable final report row.
func buildRow(rec *domain.CorrelatedRedemption, fees mergedFees) *domain.FraudReportRow {
	row := &domain.FraudReportRow{
		UserID:                rec.CustomerID,
		CouponID:              rec.CampaignID,
		FinalRedemptionAmount: rec.CashbackAmount,
		CouponClaimedAt:       rec.ClaimedAt,
		IncorrectChannel:      rec.Channel,
		DeliveryUserStatus:    domain.StatusNewDelivery,
		MOUserStatus:          domain.StatusNewMO,
		RedemptionTxnID:       rec.RedemptionTxnID,
		RedemptionTxnAmount:   rec.RedemptionAmount,
		RedemptionTime:        rec.RedemptionTime,
		FeeEligibleAmount:     fees.FeeEligibleAmount,
		TaxRate:               fees.TaxRate,
		CommissionRate:        fees.CommissionRate,
		PLCFee:                fees.PLCFee,
		PLCTax:                fees.PLCTax,
	}

	if rec.Delivery != nil {
		row.DeliveryUserStatus = domain.StatusExistingDelivery
		row.PrevDeliveryTxnID = &rec.Delivery.TxnID
		row.PrevDeliveryTxnTime = &rec.Delivery.PaidAt
		row.PrevDeliveryTxnState = &rec.Delivery.State
	}
	if rec.MO != nil {
		row.MOUserStatus = domain.StatusExistingMO
		row.PrevMOTxnID = &rec.MO.TxnID
		row.PrevMOTxnTime = &rec.MO.PaidAt
		row.PrevMOTxnState = &rec.MO.State
	}

	row.TotalPayoutCost = coalesce(row.PLCFee) + coalesce(row.PLCTax)
	return row
}

// assignSequences numbers each user's rows 1..N in chronological order of
// (claimed_at, redemption_time), ties broken by redemption_txn_id.
func assignSequences(rows []*domain.FraudReportRow) {
	byUser := make(map[string][]*domain.FraudReportRow)
	for _, row := range rows {
		byUser[row.UserID] = append(byUser[row.UserID], row)
	}
	for _, userRows := range byUser {
		sort.Slice(userRows, func(i, j int) bool {
			a, b := userRows[i], userRows[j]
			if !a.CouponClaimedAt.Equal(b.CouponClaimedAt) {
				return a.CouponClaimedAt.Before(b.CouponClaimedAt)
			}
			if !a.RedemptionTime.Equal(b.RedemptionTime) {
				return a.RedemptionTime.Before(b.RedemptionTime)
			}
			return a.RedemptionTxnID < b.RedemptionTxnID
		})
		for i, row := range userRows {
			row.TransactionSeqByUser = i + 1
		}
	}
}

func coalesce(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Package fees expands the nested fee breakdown attached to payout
// transactions and re-aggregates it into one fee summary per
// (order, tax rate, commission rate) tier.
package fees

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Extractor isolates one fee category from payout fee breakdowns.
type Extractor struct {
	feeType string
}

// New creates an extractor for the configured fee category.
func New(feeType string) *Extractor {
	return &Extractor{feeType: feeType}
}

// tierKey groups fee entries of one payout by rate tier.
type tierKey struct {
	OrderID        string
	TaxRate        float64
	CommissionRate float64
}

// Extract flat-maps the fee entries of every payout whose order id appears
// in txnIDs, keeps the configured fee type, and sums eligible amount,
// commission and tax per (order, tax rate, commission rate). Distinct
// commission rates for one order stay separate rows so differing rate-tier
// fees are never mixed. A payload that does not parse contributes zero
// entries for that transaction; badPayloads reports how many.
func (e *Extractor) Extract(payouts []*domain.PayoutTransaction, txnIDs map[string]bool) (summaries []*domain.FeeSummary, badPayloads int) {
	agg := make(map[tierKey]*domain.FeeSummary)

	for _, p := range payouts {
		if !txnIDs[p.OrderID] {
			continue
		}
		entries, ok := parsePayload(p)
		if !ok {
			badPayloads++
			continue
		}
		for _, entry := range entries {
			if entry.FeeType != e.feeType {
				continue
			}
			key := tierKey{OrderID: p.OrderID, TaxRate: p.TaxRate, CommissionRate: entry.CommissionRate}
			s, seen := agg[key]
			if !seen {
				s = &domain.FeeSummary{
					OrderID:        p.OrderID,
					TaxRate:        p.TaxRate,
					CommissionRate: entry.CommissionRate,
				}
				agg[key] = s
			}
			s.FeeEligibleAmount += entry.FeeEligibleAmount
			s.PLCFee += entry.CommissionAmount
			s.PLCTax += entry.TaxAmount
		}
	}

	summaries = make([]*domain.FeeSummary, 0, len(agg))
	for _, s := range agg {
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].OrderID != summaries[j].OrderID {
			return summaries[i].OrderID < summaries[j].OrderID
		}
		if summaries[i].TaxRate != summaries[j].TaxRate {
			return summaries[i].TaxRate < summaries[j].TaxRate
		}
		return summaries[i].CommissionRate < summaries[j].CommissionRate
	})
	return summaries, badPayloads
}

// parsePayload decodes the nested fee array. An empty or null payload is
// valid and means no fee data is attached; a payload that does not conform
// to the expected structure is reported, not fatal.
func parsePayload(p *domain.PayoutTransaction) ([]domain.FeeDetailEntry, bool) {
	if len(p.FeePayload) == 0 {
		return nil, true
	}
	var entries []domain.FeeDetailEntry
	if err := json.Unmarshal(p.FeePayload, &entries); err != nil {
		slog.Warn("payout fee payload does not parse, treating as zero entries",
			"order_id", p.OrderID,
			"error", err,
		)
		return nil, false
	}
	return entries, true
}

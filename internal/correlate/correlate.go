// Package correlate finds, for every coupon claim, the most recent prior
// payment per tracked channel within the correlation window, and pivots the
// result into one summary row per claim.
package correlate

import (
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// RankedPayment is the surviving rank-1 row for one (claim, channel)
// partition: the single most recent qualifying prior payment.
type RankedPayment struct {
	Claim   *domain.CouponClaim
	Label   string
	Payment *domain.PaymentRecord
}

// partitionKey is the ranking partition: one claim identity plus channel.
type partitionKey struct {
	domain.ClaimKey
	Label string
}

// Correlator performs the temporal self-join between claims and payments.
type Correlator struct {
	window   time.Duration
	channels map[string]string // channel id -> label
}

// New creates a correlator from the detection parameters.
func New(cfg domain.DetectionConfig) *Correlator {
	return &Correlator{
		window:   cfg.CorrelationWindow(),
		channels: cfg.Channels,
	}
}

// Rank builds (claim, channel) partitions of qualifying prior payments and
// retains only the head of each partition, ordered by paid_at descending.
// A payment qualifies when it belongs to the same customer and
// claimed_at - window <= paid_at < claimed_at. Ties on paid_at are broken by
// txn_id ascending so re-runs are deterministic.
func (c *Correlator) Rank(claims []*domain.CouponClaim, payments []*domain.PaymentRecord) []RankedPayment {
	byCustomer := make(map[string][]*domain.PaymentRecord, len(payments))
	for _, p := range payments {
		byCustomer[p.CustomerID] = append(byCustomer[p.CustomerID], p)
	}

	partitions := make(map[partitionKey][]*domain.PaymentRecord)
	order := make([]partitionKey, 0)
	meta := make(map[partitionKey]*domain.CouponClaim)

	for _, claim := range claims {
		earliest := claim.ClaimedAt.Add(-c.window)
		for _, p := range byCustomer[claim.CustomerID] {
			if !p.PaidAt.Before(claim.ClaimedAt) {
				continue
			}
			if p.PaidAt.Before(earliest) {
				continue
			}
			label, ok := c.channels[p.ChannelID]
			if !ok {
				continue
			}
			key := partitionKey{ClaimKey: claim.Key(), Label: label}
			if _, seen := partitions[key]; !seen {
				order = append(order, key)
				meta[key] = claim
			}
			partitions[key] = append(partitions[key], p)
		}
	}

	ranked := make([]RankedPayment, 0, len(order))
	for _, key := range order {
		candidates := partitions[key]
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].PaidAt.Equal(candidates[j].PaidAt) {
				return candidates[i].PaidAt.After(candidates[j].PaidAt)
			}
			return candidates[i].TxnID < candidates[j].TxnID
		})
		ranked = append(ranked, RankedPayment{
			Claim:   meta[key],
			Label:   key.Label,
			Payment: candidates[0],
		})
	}
	return ranked
}

// Summarize pivots ranked rows into exactly one ClaimSummary per input
// claim. This is a left-outer correlation: claims with no ranked row on a
// channel carry a nil entry for it. By construction at most one ranked row
// exists per (claim, channel), so assignment is a plain select, not a max.
func Summarize(claims []*domain.CouponClaim, ranked []RankedPayment) []*domain.ClaimSummary {
	byKey := make(map[domain.ClaimKey]*domain.ClaimSummary, len(claims))
	summaries := make([]*domain.ClaimSummary, 0, len(claims))

	for _, claim := range claims {
		s := &domain.ClaimSummary{
			CustomerID:     claim.CustomerID,
			CampaignID:     claim.CampaignID,
			ClaimedAt:      claim.ClaimedAt,
			CashbackAmount: claim.CashbackAmount,
		}
		byKey[claim.Key()] = s
		summaries = append(summaries, s)
	}

	for _, r := range ranked {
		s, ok := byKey[r.Claim.Key()]
		if !ok {
			continue
		}
		txn := &domain.ChannelTxn{
			TxnID:  r.Payment.TxnID,
			PaidAt: r.Payment.PaidAt,
			State:  r.Payment.TxnState,
		}
		switch r.Label {
		case domain.ChannelDelivery:
			s.Delivery = txn
		case domain.ChannelMO:
			s.MO = txn
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CustomerID != summaries[j].CustomerID {
			return summaries[i].CustomerID < summaries[j].CustomerID
		}
		if summaries[i].CampaignID != summaries[j].CampaignID {
			return summaries[i].CampaignID < summaries[j].CampaignID
		}
		return summaries[i].ClaimedAt.Before(summaries[j].ClaimedAt)
	})
	return summaries
}

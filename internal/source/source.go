// Package source applies the domain predicates that turn raw record sets
// into the four filtered streams the pipeline consumes.
package source

import (
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Predicate is an optional extra exclusion check applied per record.
// Returning false excludes the record; an evaluation error excludes nothing
// and is logged by the caller of the rules layer.
type Predicate[T any] func(rec T) (bool, error)

// Filter holds the configured predicates and the run's reference timestamp.
// Filtering is pure: no side effects beyond the excluded-row counters.
type Filter struct {
	cfg domain.DetectionConfig
	now time.Time

	claimPred   Predicate[*domain.CouponClaim]
	paymentPred Predicate[*domain.PaymentRecord]

	campaigns map[string]bool
	channels  map[string]bool

	// Excluded counts data-quality exclusions (malformed rows), not rows
	// dropped by the configured predicates.
	Excluded domain.ExcludedCounts
}

// NewFilter creates a source filter for one run.
func NewFilter(cfg domain.DetectionConfig, now time.Time) *Filter {
	campaigns := make(map[string]bool, len(cfg.Campaigns))
	for _, c := range cfg.Campaigns {
		campaigns[c] = true
	}
	channels := make(map[string]bool, len(cfg.Channels))
	for id := range cfg.Channels {
		channels[id] = true
	}
	return &Filter{
		cfg:       cfg,
		now:       now,
		campaigns: campaigns,
		channels:  channels,
	}
}

// SetClaimPredicate installs an extra per-claim exclusion predicate.
func (f *Filter) SetClaimPredicate(p Predicate[*domain.CouponClaim]) {
	f.claimPred = p
}

// SetPaymentPredicate installs an extra per-payment exclusion predicate.
func (f *Filter) SetPaymentPredicate(p Predicate[*domain.PaymentRecord]) {
	f.paymentPred = p
}

// Claims keeps claims for allow-listed campaigns. Claims with a missing
// claim timestamp are malformed and excluded.
func (f *Filter) Claims(in []*domain.CouponClaim) []*domain.CouponClaim {
	out := make([]*domain.CouponClaim, 0, len(in))
	for _, c := range in {
		if c.ClaimedAt.IsZero() {
			f.Excluded.MalformedClaims++
			continue
		}
		if !f.campaigns[c.CampaignID] {
			continue
		}
		if !keep(f.claimPred, c, "claim") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Payments keeps completed or authorized payments of the configured customer
// type on a tracked channel, within the source lookback window.
func (f *Filter) Payments(in []*domain.PaymentRecord) []*domain.PaymentRecord {
	cutoff := f.now.Add(-f.cfg.LookbackWindow())
	out := make([]*domain.PaymentRecord, 0, len(in))
	for _, p := range in {
		if p.PaidAt.IsZero() {
			f.Excluded.MalformedPayments++
			continue
		}
		if p.CustomerType != f.cfg.CustomerType {
			continue
		}
		if p.TxnState != domain.PaymentStateCompleted && p.TxnState != domain.PaymentStateAuthorized {
			continue
		}
		if !f.channels[p.ChannelID] {
			continue
		}
		if p.PaidAt.Before(cutoff) {
			continue
		}
		if !keep(f.paymentPred, p, "payment") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Redemptions joins reward grants to promo events on the event key and
// produces one RewardRedemption per matched pair. Both sides must fall
// within the lookback window; non-numeric event keys and redemption
// transaction ids are excluded without failing the run.
func (f *Filter) Redemptions(grants []*domain.RewardGrant, events []*domain.PromoEvent) []*domain.RewardRedemption {
	cutoff := f.now.Add(-f.cfg.LookbackWindow())

	byKey := make(map[string]*domain.PromoEvent, len(events))
	for _, e := range events {
		if e.CreatedAt.IsZero() || e.CreatedAt.Before(cutoff) {
			continue
		}
		if !isNumeric(e.EventKey) {
			f.Excluded.NonNumericIDs++
			continue
		}
		byKey[e.EventKey] = e
	}

	out := make([]*domain.RewardRedemption, 0, len(grants))
	for _, g := range grants {
		if g.CreatedAt.IsZero() || g.CreatedAt.Before(cutoff) {
			continue
		}
		event, ok := byKey[g.EventKey]
		if !ok {
			continue
		}
		if !isNumeric(g.TxnID) {
			f.Excluded.NonNumericIDs++
			continue
		}
		out = append(out, &domain.RewardRedemption{
			CampaignID:       event.CampaignID,
			CustomerID:       g.CustomerID,
			RedemptionTxnID:  g.TxnID,
			RedemptionAmount: g.TxnAmount,
			RedemptionTime:   g.CreatedAt,
		})
	}
	return out
}

// Payouts keeps payout transactions created within the lookback window.
func (f *Filter) Payouts(in []*domain.PayoutTransaction) []*domain.PayoutTransaction {
	cutoff := f.now.Add(-f.cfg.LookbackWindow())
	out := make([]*domain.PayoutTransaction, 0, len(in))
	for _, p := range in {
		if p.CreatedAt.IsZero() {
			f.Excluded.MalformedPayouts++
			continue
		}
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// keep evaluates an optional predicate. Evaluation errors keep the record:
// a broken operator expression must not silently drop data.
func keep[T any](p Predicate[T], rec T, kind string) bool {
	if p == nil {
		return true
	}
	ok, err := p(rec)
	if err != nil {
		slog.Warn("record predicate failed, keeping record",
			"kind", kind,
			"error", err,
		)
		return true
	}
	return ok
}

// isNumeric reports whether s is a non-empty run of ASCII digits.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

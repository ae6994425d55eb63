package domain

import (
	"time"
)

// Payment states that count as a realized prior transaction.
const (
	PaymentStateCompleted  = "COMPLETED"
	PaymentStateAuthorized = "AUTHORIZED"
)

// Channel labels assigned to the two tracked merchant channels.
const (
	ChannelDelivery = "Delivery"
	ChannelMO       = "MO"
	ChannelBoth     = "Both Channels"
)

// CouponClaim is a coupon-wallet event where a customer claimed a
// promotional cashback coupon. Identity key: (CustomerID, CampaignID, ClaimedAt).
type CouponClaim struct {
	CustomerID     string    `json:"customerId"`
	CampaignID     string    `json:"campaignId"`
	ClaimedAt      time.Time `json:"claimedAt"`
	CashbackAmount float64   `json:"cashbackAmount"`
}

// Key returns the claim identity key used for re-joins.
func (c *CouponClaim) Key() ClaimKey {
	return ClaimKey{CustomerID: c.CustomerID, CampaignID: c.CampaignID, ClaimedAt: c.ClaimedAt.UnixNano()}
}

// ClaimKey identifies a single claim. ClaimedAt is held as UnixNano so the
// key is comparable and usable as a map key.
type ClaimKey struct {
	CustomerID string
	CampaignID string
	ClaimedAt  int64
}

// PaymentRecord is a historical payment on one of the tracked channels.
type PaymentRecord struct {
	TxnID        string    `json:"txnId"`
	CustomerID   string    `json:"customerId"`
	ChannelID    string    `json:"channelId"`
	CustomerType string    `json:"customerType"`
	TxnState     string    `json:"txnState"`
	PaidAt       time.Time `json:"paidAt"`
}

// RewardGrant is a row from the reward-grant table. EventKey is a foreign
// key into the promo-event table and must be strictly numeric to qualify.
type RewardGrant struct {
	GrantID    string    `json:"grantId"`
	CustomerID string    `json:"customerId"`
	EventKey   string    `json:"eventKey"`
	TxnID      string    `json:"txnId"`
	TxnAmount  float64   `json:"txnAmount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PromoEvent links an event key to a coupon campaign.
type PromoEvent struct {
	EventKey   string    `json:"eventKey"`
	CampaignID string    `json:"campaignId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RewardRedemption is the joined reward-grant/promo-event row: an actual
// reward payout event for a campaign/customer pair.
type RewardRedemption struct {
	CampaignID       string    `json:"campaignId"`
	CustomerID       string    `json:"customerId"`
	RedemptionTxnID  string    `json:"redemptionTxnId"`
	RedemptionAmount float64   `json:"redemptionTxnAmount"`
	RedemptionTime   time.Time `json:"redemptionTime"`
}

// PayoutTransaction is a payout record carrying a nested fee breakdown.
// FeePayload is the raw serialized fee detail array; a payload that does not
// parse is treated as zero fee entries, not an error.
type PayoutTransaction struct {
	OrderID    string    `json:"orderId"`
	CreatedAt  time.Time `json:"createdAt"`
	TaxRate    float64   `json:"taxRate"`
	FeePayload []byte    `json:"feePayload"`
}

// FeeDetailEntry is one element of a payout transaction's fee breakdown.
type FeeDetailEntry struct {
	FeeType           string  `json:"fee_type"`
	CommissionRate    float64 `json:"commission_rate"`
	FeeEligibleAmount float64 `json:"fee_eligible_amount"`
	CommissionAmount  float64 `json:"commission_amount"`
	TaxAmount         float64 `json:"tax_amount"`
}

// ChannelTxn is the most recent qualifying prior payment on one channel.
// All three fields are always populated together; absence of any prior
// payment on a channel is represented by a nil *ChannelTxn.
type ChannelTxn struct {
	TxnID  string    `json:"txnId"`
	PaidAt time.Time `json:"paidAt"`
	State  string    `json:"state"`
}

// ClaimSummary is one row per claim carrying the single most recent prior
// payment per tracked channel, or nil when the claim had none.
type ClaimSummary struct {
	CustomerID     string      `json:"customerId"`
	CampaignID     string      `json:"campaignId"`
	ClaimedAt      time.Time   `json:"claimedAt"`
	CashbackAmount float64     `json:"cashbackAmount"`
	Delivery       *ChannelTxn `json:"delivery,omitempty"`
	MO             *ChannelTxn `json:"mo,omitempty"`
}

// FraudFlag marks a claim with at least one prior transaction on a covered
// channel. Channel is one of ChannelDelivery, ChannelMO, ChannelBoth.
type FraudFlag struct {
	ClaimSummary
	Channel string `json:"channel"`
}

// CorrelatedRedemption is a flagged claim matched to one reward redemption
// event. One flag fans out to one record per historical redemption.
type CorrelatedRedemption struct {
	FraudFlag
	RedemptionTxnID  string    `json:"redemptionTxnId"`
	RedemptionAmount float64   `json:"redemptionTxnAmount"`
	RedemptionTime   time.Time `json:"redemptionTime"`
}

// FeeSummary aggregates the fee entries of one payout transaction for a
// single (tax rate, commission rate) tier.
type FeeSummary struct {
	OrderID           string  `json:"orderId"`
	TaxRate           float64 `json:"taxRate"`
	CommissionRate    float64 `json:"commissionRate"`
	FeeEligibleAmount float64 `json:"feeEligibleAmount"`
	PLCFee            float64 `json:"plcFee"`
	PLCTax            float64 `json:"plcTax"`
}

package domain

import (
	"time"
)

// Delivery/MO user status labels carried on every report row.
const (
	StatusExistingDelivery = "Existing Delivery User"
	StatusNewDelivery      = "New Delivery User"
	StatusExistingMO       = "Existing MO User"
	StatusNewMO            = "New MO User"
)

// FraudReportRow is the final output entity, exactly one per
// (user_id, coupon_id, redemption_txn_id). Constructed by the finalizer and
// never mutated afterwards. Nullable fields are pointers; a nil previous-txn
// field means the customer had no qualifying prior payment on that channel,
// and nil fee fields mean no fee data was attached to the redemption.
type FraudReportRow struct {
	UserID                string     `json:"user_id"`
	TransactionSeqByUser  int        `json:"transaction_sequence_by_user"`
	CouponID              string     `json:"coupon_id"`
	FinalRedemptionAmount float64    `json:"final_redemption_amount"`
	CouponClaimedAt       time.Time  `json:"coupon_claimed_at"`
	IncorrectChannel      string     `json:"incorrectly_claimed_channel"`
	DeliveryUserStatus    string     `json:"Delivery_User_Status"`
	MOUserStatus          string     `json:"MO_User_Status"`
	PrevDeliveryTxnID     *string    `json:"previous_delivery_txn_id"`
	PrevDeliveryTxnTime   *time.Time `json:"previous_delivery_txn_time"`
	PrevDeliveryTxnState  *string    `json:"previous_delivery_txn_state"`
	PrevMOTxnID           *string    `json:"previous_mo_txn_id"`
	PrevMOTxnTime         *time.Time `json:"previous_mo_txn_time"`
	PrevMOTxnState        *string    `json:"previous_mo_txn_state"`
	RedemptionTxnID       string     `json:"redemption_txn_id"`
	RedemptionTxnAmount   float64    `json:"redemption_txn_amount"`
	RedemptionTime        time.Time  `json:"redemption_time"`
	FeeEligibleAmount     *float64   `json:"fee_eligible_amount"`
	TaxRate               *float64   `json:"tax_rate"`
	CommissionRate        *float64   `json:"commission_rate"`
	PLCFee                *float64   `json:"plc_fee"`
	PLCTax                *float64   `json:"plc_tax"`
	TotalPayoutCost       float64    `json:"total_payout_cost"`
}

// Run statuses.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// Run records one end-to-end execution of the detection pipeline.
type Run struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Reference  time.Time      `json:"referenceNow"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	RowCount   int            `json:"rowCount"`
	Excluded   ExcludedCounts `json:"excluded"`
	Error      string         `json:"error,omitempty"`
}

// ExcludedCounts aggregates rows dropped for data-quality reasons during a
// run. Dropped-by-predicate rows (wrong campaign, outside lookback) are not
// counted here; these are rows the sources should not have produced.
type ExcludedCounts struct {
	MalformedClaims   int `json:"malformedClaims"`
	MalformedPayments int `json:"malformedPayments"`
	NonNumericIDs     int `json:"nonNumericIds"`
	MalformedPayouts  int `json:"malformedPayouts"`
	BadFeePayloads    int `json:"badFeePayloads"`
}

// Total returns the total number of excluded rows.
func (e ExcludedCounts) Total() int {
	return e.MalformedClaims + e.MalformedPayments + e.NonNumericIDs +
		e.MalformedPayouts + e.BadFeePayloads
}

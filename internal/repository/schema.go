package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaCouponClaims = `
CREATE TABLE IF NOT EXISTS coupon_claims (
    customer_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    claimed_at TIMESTAMP NOT NULL,
    cashback_amount REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (customer_id, campaign_id, claimed_at)
);

CREATE INDEX IF NOT EXISTS idx_coupon_claims_campaign ON coupon_claims(campaign_id);
`

const schemaPayments = `
CREATE TABLE IF NOT EXISTS payments (
    txn_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    customer_type TEXT NOT NULL,
    txn_state TEXT NOT NULL,
    paid_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_customer ON payments(customer_id, paid_at);
CREATE INDEX IF NOT EXISTS idx_payments_channel ON payments(channel_id, paid_at);
`

const schemaRewardGrants = `
CREATE TABLE IF NOT EXISTS reward_grants (
    grant_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    event_key TEXT NOT NULL,
    txn_id TEXT NOT NULL,
    txn_amount REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reward_grants_event ON reward_grants(event_key);
CREATE INDEX IF NOT EXISTS idx_reward_grants_created ON reward_grants(created_at);
`

const schemaPromoEvents = `
CREATE TABLE IF NOT EXISTS promo_events (
    event_key TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (event_key, campaign_id)
);

CREATE INDEX IF NOT EXISTS idx_promo_events_created ON promo_events(created_at);
`

const schemaPayoutTransactions = `
CREATE TABLE IF NOT EXISTS payout_transactions (
    order_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    tax_rate REAL NOT NULL DEFAULT 0,
    fee_payload TEXT,
    PRIMARY KEY (order_id, created_at)
);

CREATE INDEX IF NOT EXISTS idx_payout_transactions_created ON payout_transactions(created_at);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    reference_now TIMESTAMP NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    row_count INTEGER NOT NULL DEFAULT 0,
    excluded TEXT NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const schemaFraudReportRows = `
CREATE TABLE IF NOT EXISTS fraud_report_rows (
    run_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    coupon_id TEXT NOT NULL,
    final_redemption_amount REAL NOT NULL DEFAULT 0,
    coupon_claimed_at TIMESTAMP NOT NULL,
    incorrect_channel TEXT NOT NULL,
    delivery_user_status TEXT NOT NULL,
    mo_user_status TEXT NOT NULL,
    prev_delivery_txn_id TEXT,
    prev_delivery_txn_time TIMESTAMP,
    prev_delivery_txn_state TEXT,
    prev_mo_txn_id TEXT,
    prev_mo_txn_time TIMESTAMP,
    prev_mo_txn_state TEXT,
    redemption_txn_id TEXT NOT NULL,
    redemption_txn_amount REAL NOT NULL DEFAULT 0,
    redemption_time TIMESTAMP NOT NULL,
    fee_eligible_amount REAL,
    tax_rate REAL,
    commission_rate REAL,
    plc_fee REAL,
    plc_tax REAL,
    total_payout_cost REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, user_id, coupon_id, redemption_txn_id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_report_rows_order ON fraud_report_rows(run_id, user_id, seq);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCouponClaims,
		schemaPayments,
		schemaRewardGrants,
		schemaPromoEvents,
		schemaPayoutTransactions,
		schemaRuns,
		schemaFraudReportRows,
	}
}

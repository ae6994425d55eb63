// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveClaims stores coupon claims; re-ingesting an identical claim is a no-op.
func (r *SQLRepository) SaveClaims(ctx context.Context, claims []*domain.CouponClaim) error {
	query := `
		INSERT INTO coupon_claims (customer_id, campaign_id, claimed_at, cashback_amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	for _, c := range claims {
		if c.CustomerID == "" || c.CampaignID == "" {
			return fmt.Errorf("%w: customer_id and campaign_id are required", ErrInvalidInput)
		}
		if _, err := r.db.ExecContext(ctx, r.rebind(query),
			c.CustomerID, c.CampaignID, c.ClaimedAt, c.CashbackAmount,
		); err != nil {
			return err
		}
	}
	return nil
}

// SavePayments stores payment records.
func (r *SQLRepository) SavePayments(ctx context.Context, payments []*domain.PaymentRecord) error {
	query := `
		INSERT INTO payments (txn_id, customer_id, channel_id, customer_type, txn_state, paid_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	for _, p := range payments {
		if p.TxnID == "" || p.CustomerID == "" {
			return fmt.Errorf("%w: txn_id and customer_id are required", ErrInvalidInput)
		}
		if _, err := r.db.ExecContext(ctx, r.rebind(query),
			p.TxnID, p.CustomerID, p.ChannelID, p.CustomerType, p.TxnState, p.PaidAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// SaveRewardGrants stores reward-grant rows.
func (r *SQLRepository) SaveRewardGrants(ctx context.Context, grants []*domain.RewardGrant) error {
	query := `
		INSERT INTO reward_grants (grant_id, customer_id, event_key, txn_id, txn_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	for _, g := range grants {
		if g.GrantID == "" {
			return fmt.Errorf("%w: grant_id is required", ErrInvalidInput)
		}
		if _, err := r.db.ExecContext(ctx, r.rebind(query),
			g.GrantID, g.CustomerID, g.EventKey, g.TxnID, g.TxnAmount, g.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// SavePromoEvents stores promo-event rows.
func (r *SQLRepository) SavePromoEvents(ctx context.Context, events []*domain.PromoEvent) error {
	query := `
		INSERT INTO promo_events (event_key, campaign_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	for _, e := range events {
		if e.EventKey == "" || e.CampaignID == "" {
			return fmt.Errorf("%w: event_key and campaign_id are required", ErrInvalidInput)
		}
		if _, err := r.db.ExecContext(ctx, r.rebind(query),
			e.EventKey, e.CampaignID, e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// SavePayouts stores payout transactions with their raw fee payloads.
func (r *SQLRepository) SavePayouts(ctx context.Context, payouts []*domain.PayoutTransaction) error {
	query := `
		INSERT INTO payout_transactions (order_id, created_at, tax_rate, fee_payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	for _, p := range payouts {
		if p.OrderID == "" {
			return fmt.Errorf("%w: order_id is required", ErrInvalidInput)
		}
		if _, err := r.db.ExecContext(ctx, r.rebind(query),
			p.OrderID, p.CreatedAt, p.TaxRate, string(p.FeePayload),
		); err != nil {
			return err
		}
	}
	return nil
}

// ListClaims retrieves claims for the allow-listed campaigns.
func (r *SQLRepository) ListClaims(ctx context.Context, campaigns []string) ([]*domain.CouponClaim, error) {
	if len(campaigns) == 0 {
		return nil, fmt.Errorf("%w: campaigns are required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		SELECT customer_id, campaign_id, claimed_at, cashback_amount
		FROM coupon_claims
		WHERE campaign_id IN (%s)
		ORDER BY customer_id, campaign_id, claimed_at
	`, placeholders(len(campaigns)))

	rows, err := r.db.QueryContext(ctx, r.rebind(query), stringArgs(campaigns)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*domain.CouponClaim
	for rows.Next() {
		var c domain.CouponClaim
		if err := rows.Scan(&c.CustomerID, &c.CampaignID, &c.ClaimedAt, &c.CashbackAmount); err != nil {
			return nil, err
		}
		claims = append(claims, &c)
	}
	return claims, rows.Err()
}

// ListPayments retrieves payments on the given channels since a cutoff.
func (r *SQLRepository) ListPayments(ctx context.Context, channelIDs []string, since time.Time) ([]*domain.PaymentRecord, error) {
	if len(channelIDs) == 0 {
		return nil, fmt.Errorf("%w: channelIDs are required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		SELECT txn_id, customer_id, channel_id, customer_type, txn_state, paid_at
		FROM payments
		WHERE channel_id IN (%s) AND paid_at >= ?
		ORDER BY customer_id, paid_at
	`, placeholders(len(channelIDs)))

	args := append(stringArgs(channelIDs), since)
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*domain.PaymentRecord
	for rows.Next() {
		var p domain.PaymentRecord
		if err := rows.Scan(&p.TxnID, &p.CustomerID, &p.ChannelID, &p.CustomerType, &p.TxnState, &p.PaidAt); err != nil {
			return nil, err
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

// ListRewardGrants retrieves reward grants created since a cutoff.
func (r *SQLRepository) ListRewardGrants(ctx context.Context, since time.Time) ([]*domain.RewardGrant, error) {
	query := `
		SELECT grant_id, customer_id, event_key, txn_id, txn_amount, created_at
		FROM reward_grants
		WHERE created_at >= ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*domain.RewardGrant
	for rows.Next() {
		var g domain.RewardGrant
		if err := rows.Scan(&g.GrantID, &g.CustomerID, &g.EventKey, &g.TxnID, &g.TxnAmount, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}

// ListPromoEvents retrieves promo events created since a cutoff.
func (r *SQLRepository) ListPromoEvents(ctx context.Context, since time.Time) ([]*domain.PromoEvent, error) {
	query := `
		SELECT event_key, campaign_id, created_at
		FROM promo_events
		WHERE created_at >= ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.PromoEvent
	for rows.Next() {
		var e domain.PromoEvent
		if err := rows.Scan(&e.EventKey, &e.CampaignID, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ListPayouts retrieves payout transactions created since a cutoff.
func (r *SQLRepository) ListPayouts(ctx context.Context, since time.Time) ([]*domain.PayoutTransaction, error) {
	query := `
		SELECT order_id, created_at, tax_rate, fee_payload
		FROM payout_transactions
		WHERE created_at >= ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []*domain.PayoutTransaction
	for rows.Next() {
		var p domain.PayoutTransaction
		var payload sql.NullString
		if err := rows.Scan(&p.OrderID, &p.CreatedAt, &p.TaxRate, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			p.FeePayload = []byte(payload.String)
		}
		payouts = append(payouts, &p)
	}
	return payouts, rows.Err()
}

// SaveRun stores a new run record.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	excluded, _ := json.Marshal(run.Excluded)

	query := `
		INSERT INTO runs (id, status, reference_now, started_at, finished_at, row_count, excluded, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.Status, run.Reference, run.StartedAt, nullTime(run.FinishedAt),
		run.RowCount, string(excluded), run.Error,
	)
	return err
}

// UpdateRun updates the mutable fields of a run record.
func (r *SQLRepository) UpdateRun(ctx context.Context, run *domain.Run) error {
	excluded, _ := json.Marshal(run.Excluded)

	query := `
		UPDATE runs
		SET status = ?, finished_at = ?, row_count = ?, excluded = ?, error = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		run.Status, nullTime(run.FinishedAt), run.RowCount, string(excluded), run.Error, run.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `
		SELECT id, status, reference_now, started_at, finished_at, row_count, excluded, error
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns retrieves the most recent runs.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, status, reference_now, started_at, finished_at, row_count, excluded, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveReportRows stores the final report of a run.
func (r *SQLRepository) SaveReportRows(ctx context.Context, runID string, reportRows []*domain.FraudReportRow) error {
	if runID == "" {
		return fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO fraud_report_rows (
			run_id, user_id, seq, coupon_id, final_redemption_amount, coupon_claimed_at,
			incorrect_channel, delivery_user_status, mo_user_status,
			prev_delivery_txn_id, prev_delivery_txn_time, prev_delivery_txn_state,
			prev_mo_txn_id, prev_mo_txn_time, prev_mo_txn_state,
			redemption_txn_id, redemption_txn_amount, redemption_time,
			fee_eligible_amount, tax_rate, commission_rate, plc_fee, plc_tax, total_payout_cost
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, row := range reportRows {
		if _, err := r.db.ExecContext(ctx, r.rebind(query),
			runID, row.UserID, row.TransactionSeqByUser, row.CouponID,
			row.FinalRedemptionAmount, row.CouponClaimedAt,
			row.IncorrectChannel, row.DeliveryUserStatus, row.MOUserStatus,
			nullString(row.PrevDeliveryTxnID), nullTime(row.PrevDeliveryTxnTime), nullString(row.PrevDeliveryTxnState),
			nullString(row.PrevMOTxnID), nullTime(row.PrevMOTxnTime), nullString(row.PrevMOTxnState),
			row.RedemptionTxnID, row.RedemptionTxnAmount, row.RedemptionTime,
			nullFloat(row.FeeEligibleAmount), nullFloat(row.TaxRate), nullFloat(row.CommissionRate),
			nullFloat(row.PLCFee), nullFloat(row.PLCTax), row.TotalPayoutCost,
		); err != nil {
			return err
		}
	}
	return nil
}

// ListReportRows retrieves one ordered page of a run's report.
func (r *SQLRepository) ListReportRows(ctx context.Context, runID string, offset, limit int) ([]*domain.FraudReportRow, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT user_id, seq, coupon_id, final_redemption_amount, coupon_claimed_at,
			   incorrect_channel, delivery_user_status, mo_user_status,
			   prev_delivery_txn_id, prev_delivery_txn_time, prev_delivery_txn_state,
			   prev_mo_txn_id, prev_mo_txn_time, prev_mo_txn_state,
			   redemption_txn_id, redemption_txn_amount, redemption_time,
			   fee_eligible_amount, tax_rate, commission_rate, plc_fee, plc_tax, total_payout_cost
		FROM fraud_report_rows
		WHERE run_id = ?
		ORDER BY user_id, seq
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []*domain.FraudReportRow
	for rows.Next() {
		var row domain.FraudReportRow
		var (
			prevDelID, prevDelState, prevMOID, prevMOState sql.NullString
			prevDelTime, prevMOTime                        sql.NullTime
			eligible, taxRate, commission, fee, tax        sql.NullFloat64
		)
		if err := rows.Scan(
			&row.UserID, &row.TransactionSeqByUser, &row.CouponID,
			&row.FinalRedemptionAmount, &row.CouponClaimedAt,
			&row.IncorrectChannel, &row.DeliveryUserStatus, &row.MOUserStatus,
			&prevDelID, &prevDelTime, &prevDelState,
			&prevMOID, &prevMOTime, &prevMOState,
			&row.RedemptionTxnID, &row.RedemptionTxnAmount, &row.RedemptionTime,
			&eligible, &taxRate, &commission, &fee, &tax, &row.TotalPayoutCost,
		); err != nil {
			return nil, err
		}
		row.PrevDeliveryTxnID = fromNullString(prevDelID)
		row.PrevDeliveryTxnTime = fromNullTime(prevDelTime)
		row.PrevDeliveryTxnState = fromNullString(prevDelState)
		row.PrevMOTxnID = fromNullString(prevMOID)
		row.PrevMOTxnTime = fromNullTime(prevMOTime)
		row.PrevMOTxnState = fromNullString(prevMOState)
		row.FeeEligibleAmount = fromNullFloat(eligible)
		row.TaxRate = fromNullFloat(taxRate)
		row.CommissionRate = fromNullFloat(commission)
		row.PLCFee = fromNullFloat(fee)
		row.PLCTax = fromNullFloat(tax)
		report = append(report, &row)
	}
	return report, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*domain.Run, error) {
	var run domain.Run
	var finished sql.NullTime
	var excluded string

	if err := s.Scan(
		&run.ID, &run.Status, &run.Reference, &run.StartedAt, &finished,
		&run.RowCount, &excluded, &run.Error,
	); err != nil {
		return nil, err
	}

	run.FinishedAt = fromNullTime(finished)
	if excluded != "" {
		json.Unmarshal([]byte(excluded), &run.Excluded)
	}
	return &run, nil
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

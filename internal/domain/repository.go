// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for the storage layer supplying the four
// source record sets and persisting run results. Scan methods push only
// coarse predicates (time windows, allow-lists) into SQL; the source filter
// owns the full predicate set.
type Repository interface {
	// Source ingestion
	SaveClaims(ctx context.Context, claims []*CouponClaim) error
	SavePayments(ctx context.Context, payments []*PaymentRecord) error
	SaveRewardGrants(ctx context.Context, grants []*RewardGrant) error
	SavePromoEvents(ctx context.Context, events []*PromoEvent) error
	SavePayouts(ctx context.Context, payouts []*PayoutTransaction) error

	// Source scans for one run
	ListClaims(ctx context.Context, campaigns []string) ([]*CouponClaim, error)
	ListPayments(ctx context.Context, channelIDs []string, since time.Time) ([]*PaymentRecord, error)
	ListRewardGrants(ctx context.Context, since time.Time) ([]*RewardGrant, error)
	ListPromoEvents(ctx context.Context, since time.Time) ([]*PromoEvent, error)
	ListPayouts(ctx context.Context, since time.Time) ([]*PayoutTransaction, error)

	// Run lifecycle and report output
	SaveRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	SaveReportRows(ctx context.Context, runID string, rows []*FraudReportRow) error
	ListReportRows(ctx context.Context, runID string, offset, limit int) ([]*FraudReportRow, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}

package domain

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines backing-service selection
	Tier Tier `json:"tier" yaml:"tier"`

	// Detection holds the batch pipeline parameters
	Detection DetectionConfig `json:"detection" yaml:"detection"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// DetectionConfig holds the externally supplied pipeline parameters.
// Nothing in here is hard-coded in the pipeline itself.
type DetectionConfig struct {
	// Campaigns is the coupon-campaign allow-list.
	Campaigns []string `json:"campaigns" yaml:"campaigns" validate:"required,min=1"`

	// Channels maps source channel ids to the two tracked labels
	// ("Delivery" and "MO"). Exactly two entries are expected.
	Channels map[string]string `json:"channels" yaml:"channels" validate:"required,len=2"`

	// CustomerType restricts payments to one user classification.
	CustomerType string `json:"customerType" yaml:"customerType" validate:"required"`

	// LookbackDays bounds which historical source rows are considered.
	LookbackDays int `json:"lookbackDays" yaml:"lookbackDays" validate:"required,gt=0"`

	// CorrelationDays is the pre-claim span within which a prior payment
	// counts as disqualifying evidence.
	CorrelationDays int `json:"correlationDays" yaml:"correlationDays" validate:"required,gt=0"`

	// FeeType selects the fee category extracted from payout breakdowns.
	FeeType string `json:"feeType" yaml:"feeType" validate:"required"`

	// ReferenceNow pins the run's "now" for reproducible re-runs
	// (RFC 3339). Empty means the wall clock at run start.
	ReferenceNow string `json:"referenceNow,omitempty" yaml:"referenceNow,omitempty"`

	// ClaimFilter and PaymentFilter are optional CEL expressions applied
	// as extra exclusion predicates during source filtering.
	ClaimFilter   string `json:"claimFilter,omitempty" yaml:"claimFilter,omitempty"`
	PaymentFilter string `json:"paymentFilter,omitempty" yaml:"paymentFilter,omitempty"`

	// Workers shards the claim-side correlation by customer id.
	Workers int `json:"workers" yaml:"workers"`

	// RunTimeoutSecs bounds one end-to-end run. 0 means no budget.
	RunTimeoutSecs int `json:"runTimeoutSecs" yaml:"runTimeoutSecs"`
}

// LookbackWindow returns the source lookback as a duration.
func (d DetectionConfig) LookbackWindow() time.Duration {
	return time.Duration(d.LookbackDays) * 24 * time.Hour
}

// CorrelationWindow returns the pre-claim correlation span as a duration.
func (d DetectionConfig) CorrelationWindow() time.Duration {
	return time.Duration(d.CorrelationDays) * 24 * time.Hour
}

// Now resolves the run's reference timestamp.
func (d DetectionConfig) Now() (time.Time, error) {
	if d.ReferenceNow == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, d.ReferenceNow)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid referenceNow %q: %w", d.ReferenceNow, err)
	}
	return t.UTC(), nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"serviceName"`
	ExporterType string `json:"exporterType" yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Detection: DetectionConfig{
			Channels: map[string]string{
				"CH-DELIVERY": ChannelDelivery,
				"CH-MO":       ChannelMO,
			},
			CustomerType:    "INDIVIDUAL",
			LookbackDays:    900,
			CorrelationDays: 365,
			FeeType:         "PLC",
			Workers:         4,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadFile overlays a YAML configuration file onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration before any processing begins.
// A failure here is fatal; no partial results are emitted.
func (c *Config) Validate() error {
	if err := validate.Struct(c.Detection); err != nil {
		return fmt.Errorf("invalid detection config: %w", err)
	}

	// The two channel labels must be exactly Delivery and MO.
	labels := map[string]int{}
	for _, label := range c.Detection.Channels {
		labels[label]++
	}
	if labels[ChannelDelivery] != 1 || labels[ChannelMO] != 1 {
		return fmt.Errorf("invalid detection config: channels must map to exactly one %q and one %q", ChannelDelivery, ChannelMO)
	}

	if _, err := c.Detection.Now(); err != nil {
		return fmt.Errorf("invalid detection config: %w", err)
	}

	return nil
}

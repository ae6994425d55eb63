// Harrier - Coupon fraud detection that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	configPath string
	proTier    bool
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "harrier",
		Short: "Coupon fraud detection engine",
		Long:  "Harrier correlates coupon claims with prior channel payments to flag fraudulent redemptions.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&proTier, "pro", false, "run in Pro tier mode")

	root.AddCommand(serveCmd(), runCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration from tier defaults, an
// optional config file, and the environment.
func loadConfig() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if proTier || os.Getenv("HARRIER_TIER") == "pro" {
		cfg = domain.ProConfig()
	}

	if configPath == "" {
		configPath = os.Getenv("HARRIER_CONFIG")
	}
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, err
		}
	}

	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("HARRIER_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// components holds the initialized backing services.
type components struct {
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus
}

func initComponents(cfg *domain.Config) (*components, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		cacheImpl.Close()
		repo.Close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	return &components{repo: repo, cache: cacheImpl, bus: busImpl}, nil
}

func (c *components) close() {
	c.bus.Close()
	c.cache.Close()
	c.repo.Close()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			slog.Info("starting harrier",
				"version", Version,
				"commit", Commit,
				"build_date", BuildDate,
				"tier", cfg.Tier,
			)

			comps, err := initComponents(cfg)
			if err != nil {
				return err
			}
			defer comps.close()

			srv := api.NewServer(cfg, comps.repo, comps.cache, comps.bus, Version)

			// Bus-driven run execution (Pro tier)
			var runWorker *worker.Worker
			if cfg.Tier == domain.TierPro || os.Getenv("HARRIER_ASYNC_WORKER") == "true" {
				runWorker = worker.NewWorker(cfg, comps.repo, comps.bus)
				if err := runWorker.Start(); err != nil {
					slog.Error("failed to start run worker", "error", err)
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				slog.Info("received shutdown signal", "signal", sig)
				cancel()
			}()

			go func() {
				if err := srv.Start(); err != nil && err != http.ErrServerClosed {
					slog.Error("server failed", "error", err)
					cancel()
				}
			}()

			slog.Info("harrier is ready",
				"host", cfg.Server.Host,
				"port", cfg.Server.Port,
			)
			printBanner(cfg, Version)

			<-ctx.Done()
			slog.Info("shutting down...")

			if runWorker != nil {
				if err := runWorker.Stop(); err != nil {
					slog.Error("failed to stop run worker", "error", err)
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("server forced to shutdown", "error", err)
			}

			slog.Info("harrier shutdown complete")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var referenceNow string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one detection run and print the run record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if referenceNow != "" {
				cfg.Detection.ReferenceNow = referenceNow
			}

			comps, err := initComponents(cfg)
			if err != nil {
				return err
			}
			defer comps.close()

			pipe := pipeline.New(cfg, comps.repo, comps.bus)
			run, err := pipe.Run(cmd.Context())
			if err != nil {
				if run != nil {
					printRun(run)
				}
				return err
			}

			printRun(run)
			return nil
		},
	}
	cmd.Flags().StringVar(&referenceNow, "reference-now", "", "pin the run's reference timestamp (RFC 3339)")
	return cmd
}

func printRun(run *domain.Run) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(run)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("harrier %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 HARRIER                  ║")
	fmt.Println("  ║       Coupon Fraud Detection Engine       ║")
	fmt.Println("  ║        Eyes on every redemption.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /runs                    - Start a detection run")
	fmt.Println("    GET  /runs                    - List runs")
	fmt.Println("    GET  /runs/{id}               - Get run status")
	fmt.Println("    GET  /runs/{id}/report        - Get the fraud report")
	fmt.Println("    POST /sources/claims          - Ingest coupon claims")
	fmt.Println("    POST /sources/payments        - Ingest payment records")
	fmt.Println("    POST /sources/reward-grants   - Ingest reward grants")
	fmt.Println("    POST /sources/promo-events    - Ingest promo events")
	fmt.Println("    POST /sources/payouts         - Ingest payout transactions")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println("    GET  /metrics                 - Prometheus metrics")
	fmt.Println()
}

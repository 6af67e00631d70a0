package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/enviofleett/mymoto-sub000/internal/auth"
	"github.com/enviofleett/mymoto-sub000/internal/config"
	"github.com/enviofleett/mymoto-sub000/internal/ignition"
	"github.com/enviofleett/mymoto-sub000/internal/metrics"
	"github.com/enviofleett/mymoto-sub000/internal/pipeline"
	"github.com/enviofleett/mymoto-sub000/internal/provider"
	"github.com/enviofleett/mymoto-sub000/internal/store"
	transporthttp "github.com/enviofleett/mymoto-sub000/internal/transport/http"
	"github.com/enviofleett/mymoto-sub000/internal/trip"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using process environment")
	}

	rootCmd := &cobra.Command{
		Use:   "mymotod",
		Short: "MyMoto telemetry daemon: provider ingestion, trip segmentation, query API",
		Long: `mymotod polls a GPS telemetry provider on a fixed cadence, normalizes the
raw reports, segments them into trips, and persists everything to
TimescaleDB. Live device state and trip events fan out through Redis.
A REST and websocket API serves positions, trips, and live updates.`,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(initDBCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(devicesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newProviderClient wires the shared admission limiter and the Redis-backed
// token lease into a provider client.
func newProviderClient(cfg *config.Config, rs *store.RedisStore) (*provider.Client, error) {
	tz, err := time.LoadLocation(cfg.ProviderTimezone)
	if err != nil {
		return nil, fmt.Errorf("load provider timezone %q: %w", cfg.ProviderTimezone, err)
	}
	limiter := provider.NewLimiter(
		float64(cfg.ProviderCallsPerSecond),
		time.Duration(cfg.ProviderCallSpacingMS)*time.Millisecond,
		rs,
	)
	return provider.NewClient(provider.Config{
		BaseURL:       cfg.ProviderBaseURL,
		Account:       cfg.ProviderAccount,
		Password:      cfg.ProviderPassword,
		Timezone:      tz,
		TokenValidity: time.Duration(cfg.ProviderTokenValidityS) * time.Second,
		TokenBuffer:   time.Duration(cfg.ProviderTokenBufferS) * time.Second,
		MaxRetries:    cfg.ProviderMaxRetries,
	}, nil, limiter, rs, slog.Default()), nil
}

func buildPipeline(cfg *config.Config, deviceIDs []string, client *provider.Client, ts *store.TimescaleStore) (*pipeline.Orchestrator, *pipeline.Dispatcher) {
	normalizer := pipeline.NewNormalizer(ignition.Config{
		StatusMask:        uint32(cfg.IgnitionStatusMask),
		SpeedThresholdKmh: cfg.IgnitionSpeedThresholdKmh,
	}, cfg.SpeedUnitFactor)
	dispatcher := pipeline.NewDispatcher(cfg.StateChannelSize, cfg.EventChannelSize)
	orch := pipeline.NewOrchestrator(pipeline.Config{
		DeviceIDs:     deviceIDs,
		FetchInterval: time.Duration(cfg.FetchIntervalS) * time.Second,
		CycleTimeout:  time.Duration(cfg.CycleTimeoutS) * time.Second,
		MaxWorkers:    cfg.MaxDeviceWorkers,
		Trip: trip.Config{
			IdleTimeout:     time.Duration(cfg.TripIdleTimeoutS) * time.Second,
			ConfidenceFloor: cfg.IgnitionConfidenceFloor,
		},
	}, client, ts, normalizer, dispatcher, slog.Default())
	return orch, dispatcher
}

// serveCmd runs the full daemon: fetch loop, segmentation, Redis fanout, and
// the query API, until SIGTERM or SIGINT.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion loop and query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			ts, err := store.NewTimescaleStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("timescale: %w", err)
			}
			defer ts.Close()

			rs, err := store.NewRedisStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer rs.Close()

			client, err := newProviderClient(cfg, rs)
			if err != nil {
				return err
			}

			deviceIDs := cfg.DeviceIDs
			if len(deviceIDs) == 0 {
				devices, err := client.ListDevices(ctx)
				if err != nil {
					return fmt.Errorf("discover devices: %w", err)
				}
				for _, d := range devices {
					deviceIDs = append(deviceIDs, d.DeviceID)
				}
				slog.Info("discovered devices from provider account", "count", len(deviceIDs))
			}
			if len(deviceIDs) == 0 {
				return fmt.Errorf("no devices to poll: set DEVICE_IDS or register devices with the provider account")
			}

			orch, dispatcher := buildPipeline(cfg, deviceIDs, client, ts)
			writer := pipeline.NewStateWriter(dispatcher.StateChan, rs, slog.Default())
			publisher := pipeline.NewEventPublisher(dispatcher.EventChan, rs, slog.Default())

			authn := auth.NewAuthenticator(cfg.ValidAPIKeys, time.Duration(cfg.AuthCacheTTLSeconds)*time.Second, rs)
			srv := transporthttp.NewServer(ts, transporthttp.NewRedisFeed(rs), transporthttp.NewAuthMiddleware(authn), slog.Default())

			var wg sync.WaitGroup
			wg.Add(3)
			go func() { defer wg.Done(); writer.Run(ctx) }()
			go func() { defer wg.Done(); publisher.Run(ctx) }()
			go func() { defer wg.Done(); orch.Run(ctx) }()

			slog.Info("mymotod serving",
				"addr", ":"+cfg.HTTPPort,
				"devices", len(deviceIDs),
				"fetch_interval_s", cfg.FetchIntervalS,
			)
			err = srv.Run(ctx, ":"+cfg.HTTPPort)

			// srv.Run can fail with ctx still alive; the pipeline
			// goroutines only exit once it is canceled.
			stop()
			wg.Wait()
			return err
		},
	}
}

// syncCmd backfills one device's history through the same normalize, segment,
// persist path the live loop uses.
func syncCmd() *cobra.Command {
	var deviceID string
	var fromStr string
	var toStr string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Backfill a device's track history for a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse(time.RFC3339, fromStr)
			if err != nil {
				return fmt.Errorf("invalid --from (use RFC3339): %w", err)
			}
			to := time.Now().UTC()
			if toStr != "" {
				if to, err = time.Parse(time.RFC3339, toStr); err != nil {
					return fmt.Errorf("invalid --to (use RFC3339): %w", err)
				}
			}
			if to.Before(from) {
				return fmt.Errorf("--to is before --from")
			}

			cfg := config.Load()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			ts, err := store.NewTimescaleStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("timescale: %w", err)
			}
			defer ts.Close()

			rs, err := store.NewRedisStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer rs.Close()

			client, err := newProviderClient(cfg, rs)
			if err != nil {
				return err
			}

			orch, dispatcher := buildPipeline(cfg, nil, client, ts)
			writer := pipeline.NewStateWriter(dispatcher.StateChan, rs, slog.Default())
			publisher := pipeline.NewEventPublisher(dispatcher.EventChan, rs, slog.Default())

			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); writer.Run(ctx) }()
			go func() { defer wg.Done(); publisher.Run(ctx) }()

			posBefore := metrics.PositionsInserted.Load()
			dupBefore := metrics.DuplicatesSkipped.Load()
			openedBefore := metrics.TripsOpened.Load()
			closedBefore := metrics.TripsClosed.Load()

			fmt.Printf("Backfilling %s from %s to %s...\n",
				deviceID, from.Format(time.RFC3339), to.Format(time.RFC3339))
			start := time.Now()
			backfillErr := orch.Backfill(ctx, deviceID, from, to)

			// Drain queued live updates and events before reporting.
			dispatcher.Close()
			wg.Wait()

			if backfillErr != nil {
				return backfillErr
			}

			fmt.Printf("✓ done in %v: %d positions inserted, %d duplicates skipped, %d trips opened, %d trips closed\n",
				time.Since(start).Round(time.Millisecond),
				metrics.PositionsInserted.Load()-posBefore,
				metrics.DuplicatesSkipped.Load()-dupBefore,
				metrics.TripsOpened.Load()-openedBefore,
				metrics.TripsClosed.Load()-closedBefore,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Device ID to backfill (required)")
	cmd.Flags().StringVarP(&fromStr, "from", "f", "", "Range start, RFC3339 (required)")
	cmd.Flags().StringVarP(&toStr, "to", "t", "", "Range end, RFC3339 (default: now)")
	cmd.MarkFlagRequired("device")
	cmd.MarkFlagRequired("from")
	return cmd
}

// initDBCmd applies the TimescaleDB schema. Idempotent; safe to rerun.
func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the TimescaleDB schema (tables, hypertable, indexes)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			fmt.Println("Connecting to TimescaleDB...")
			ts, err := store.NewTimescaleStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connection failed (is the database running?): %w", err)
			}
			defer ts.Close()
			fmt.Println("✓ Connected")

			fmt.Println("\n── Step 1: Applying schema ─────────────────────")
			err = ts.ApplySchema(ctx, func(label string) {
				fmt.Printf("  ✓ %s\n", label)
			})
			if err != nil {
				return err
			}

			fmt.Println("\n── Step 2: Verification ────────────────────────")
			if err := ts.VerifySchema(ctx); err != nil {
				return err
			}
			fmt.Println("  ✓ all tables present, telemetry_positions is a hypertable")

			fmt.Println("\n✅ Schema ready")
			return nil
		},
	}
}

// seedCmd loads collaborator API keys into Redis for the query API's
// registry-backed auth tier.
func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [api_key=collaborator...]",
		Short: "Seed collaborator API keys into Redis",
		Long: `Seeds collab:auth:{api_key} entries in Redis. Keys given as arguments
replace the built-in demo set. Seeded keys never expire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs := [][2]string{
				{"mm_live_ops_dashboard", "ops_dashboard"},
				{"mm_live_mobile_app", "mobile_app"},
				{"mm_test_key", "test_collaborator"},
			}
			if len(args) > 0 {
				pairs = nil
				for _, arg := range args {
					k, v, ok := strings.Cut(arg, "=")
					if !ok || k == "" || v == "" {
						return fmt.Errorf("invalid pair %q (want api_key=collaborator)", arg)
					}
					pairs = append(pairs, [2]string{k, v})
				}
			}

			cfg := config.Load()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			fmt.Println("Connecting to Redis...")
			rs, err := store.NewRedisStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connection failed (is Redis running?): %w", err)
			}
			defer rs.Close()
			fmt.Println("✓ Connected")

			client := rs.Client()

			fmt.Println("\n── Step 1: Seeding API keys ────────────────────")
			for _, p := range pairs {
				key := fmt.Sprintf("collab:auth:%s", p[0])
				if err := client.Set(ctx, key, p[1], 0).Err(); err != nil {
					return fmt.Errorf("set %s: %w", key, err)
				}
				fmt.Printf("  ✓ %-40s → %s\n", key, p[1])
			}

			fmt.Println("\n── Step 2: Verification ────────────────────────")
			keys, err := client.Keys(ctx, "collab:auth:*").Result()
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			fmt.Printf("  ✓ %d API keys in Redis\n", len(keys))

			spot := fmt.Sprintf("collab:auth:%s", pairs[0][0])
			val, err := client.Get(ctx, spot).Result()
			if err != nil {
				return fmt.Errorf("spot check failed: %w", err)
			}
			fmt.Printf("  ✓ spot check: %s → %s\n", spot, val)

			fmt.Println("\n✅ Redis seeded")
			return nil
		},
	}
}

// devicesCmd lists the devices visible to the configured provider account.
func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices on the provider account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rs, err := store.NewRedisStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer rs.Close()

			client, err := newProviderClient(cfg, rs)
			if err != nil {
				return err
			}

			devices, err := client.ListDevices(ctx)
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("No devices on this account.")
				return nil
			}

			fmt.Printf("%-24s %s\n", "DEVICE ID", "NAME")
			for _, d := range devices {
				fmt.Printf("%-24s %s\n", d.DeviceID, d.Name)
			}
			fmt.Printf("\n%d devices\n", len(devices))
			return nil
		},
	}
}

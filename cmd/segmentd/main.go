package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlnet/segmentd/pkg/cache"
	"github.com/ctrlnet/segmentd/pkg/config"
	"github.com/ctrlnet/segmentd/pkg/events"
	"github.com/ctrlnet/segmentd/pkg/executor"
	"github.com/ctrlnet/segmentd/pkg/health"
	"github.com/ctrlnet/segmentd/pkg/ipam"
	"github.com/ctrlnet/segmentd/pkg/ipam/netboxapi"
	"github.com/ctrlnet/segmentd/pkg/ipam/postgres"
	"github.com/ctrlnet/segmentd/pkg/log"
	"github.com/ctrlnet/segmentd/pkg/manager"
	"github.com/ctrlnet/segmentd/pkg/metrics"
	"github.com/ctrlnet/segmentd/pkg/resolver"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "segmentd",
	Short: "Segmentd - network segment allocation service",
	Long: `Segmentd manages VLAN/prefix segments registered in an external IPAM
system: validated provisioning, cache-first reads, and atomic
allocation of segments to clusters.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Segmentd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/segmentd/config.yaml", "Path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the segment allocation service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")
		logger.Info().
			Str("version", Version).
			Str("driver", cfg.IPAM.Driver).
			Msg("starting segmentd")

		client, closeDriver, err := buildDriver(cfg)
		if err != nil {
			return err
		}
		defer closeDriver()

		part := executor.NewPartition(
			cfg.Executor.ReadWorkers,
			cfg.Executor.WriteWorkers,
			cfg.Executor.CallTimeout.Std(),
		)
		part.Start()
		defer part.Stop()

		store := cache.NewMemoryCache(cfg.Cache.DefaultTTL.Std())
		res := resolver.New(store, part, client, cfg.Cache.TTLFor("reference"))

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		mgr := manager.New(cfg, store, part, client, res, broker)

		monitor := health.NewMonitor(client, part, health.DefaultConfig())
		monitor.Start()
		defer monitor.Stop()

		// Warm-up is best effort; a cold cache just means slower first reads
		warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		mgr.Warm(warmCtx)
		cancel()

		// Event log subscriber so lifecycle changes land in the service log
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)
		go func() {
			eventLog := log.WithComponent("events")
			for event := range sub {
				eventLog.Info().
					Str("type", string(event.Type)).
					Str("site", event.Site).
					Str("segment_id", event.SegmentID).
					Msg(event.Message)
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !monitor.Healthy() {
				http.Error(w, "ipam unreachable", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, "ok")
		})

		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("metrics server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Driver: %s\n", cfg.IPAM.Driver)
		fmt.Printf("  Sites:  %d\n", len(cfg.Sites))
		return nil
	},
}

// buildDriver constructs the configured IPAM driver and its cleanup hook
func buildDriver(cfg *config.Config) (ipam.Client, func(), error) {
	switch cfg.IPAM.Driver {
	case "http":
		client := netboxapi.NewClient(netboxapi.Config{
			URL:      cfg.IPAM.HTTP.URL,
			Token:    cfg.IPAM.HTTP.Token,
			Replicas: cfg.IPAM.HTTP.Replicas,
			Mode:     cfg.IPAM.WriteMode,
		})
		return client, func() {}, nil
	case "postgres":
		client, err := postgres.Open(cfg.IPAM.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres driver: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ipam driver %q", cfg.IPAM.Driver)
	}
}

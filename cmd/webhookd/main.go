package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/finvera/webhookd/internal/api"
	"github.com/finvera/webhookd/internal/config"
	"github.com/finvera/webhookd/internal/delivery"
	"github.com/finvera/webhookd/internal/dispatch"
	"github.com/finvera/webhookd/internal/metrics"
	"github.com/finvera/webhookd/internal/registry"
	"github.com/finvera/webhookd/internal/retention"
	"github.com/finvera/webhookd/internal/storage"
	"github.com/finvera/webhookd/internal/stream"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "webhookd",
		Short: "webhookd - webhook delivery service",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(webhookCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhookd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			m := metrics.New()
			hub := stream.NewHub(log)
			reg := registry.New(store, cfg.Admin.AllowInsecureURLs, log)
			dispatcher := dispatch.New(store, cfg.Retry.MaxAttempts, m, log)

			backoff := delivery.NewBackoff(cfg.Retry.BackoffBase, cfg.Retry.BackoffCap)
			sender := delivery.NewSender(cfg.Delivery.Timeout, version)
			worker := delivery.NewWorker(store, sender, backoff, m, hub, log)
			pool := delivery.NewPool(cfg.Delivery, store, worker, m, dispatcher.Wake(), log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			purger := retention.New(cfg.Retention, store, log)
			if err := purger.Start(); err != nil {
				return fmt.Errorf("failed to start retention purge: %w", err)
			}

			server := api.NewServer(cfg.Server, cfg.Admin, api.Deps{
				Store:       store,
				Registry:    reg,
				Dispatcher:  dispatcher,
				Worker:      worker,
				Hub:         hub,
				Metrics:     m,
				MaxAttempts: cfg.Retry.MaxAttempts,
			}, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Int("max_attempts", cfg.Retry.MaxAttempts).
				Msg("webhookd is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			purger.Stop()
			pool.Stop()

			log.Info().Msg("webhookd stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func webhookCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook subscriptions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			events, _ := cmd.Flags().GetStringSlice("events")

			store, cfg, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			reg := registry.New(store, cfg.Admin.AllowInsecureURLs, setupLogger(cfg.Logging))
			wh, err := reg.Register(context.Background(), registry.RegisterInput{
				URL:    url,
				Events: events,
			})
			if err != nil {
				return fmt.Errorf("failed to register webhook: %w", err)
			}

			out, _ := json.MarshalIndent(wh, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("url", "", "subscriber URL (https)")
	createCmd.Flags().StringSlice("events", nil, "subscribed event types")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			webhooks, err := store.ListWebhooks(context.Background(), storage.WebhookFilter{})
			if err != nil {
				return fmt.Errorf("failed to list webhooks: %w", err)
			}

			if len(webhooks) == 0 {
				fmt.Println("No webhooks registered.")
				return nil
			}

			for _, wh := range webhooks {
				state := "active"
				if !wh.Active {
					state = "inactive"
				}
				fmt.Printf("  %s  %s  [%s]  %s\n", wh.ID, wh.URL, strings.Join(wh.Events, ","), state)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [webhook_id]",
		Short: "Show delivery stats, optionally for one webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			webhookID := ""
			if len(args) > 0 {
				webhookID = args[0]
			}

			stats, err := store.GetStats(context.Background(), webhookID)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("webhookd v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, cfg, func() { store.Close() }, nil
}

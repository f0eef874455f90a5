package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/atlas/services/orchestrator/api"
	"example.com/atlas/services/orchestrator/config"
	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/orchestration"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server accepting domain events, workflow triggers and inbound webhooks`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	configureLogging(cfg)

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Wire the orchestration stack
	app, err := orchestration.Initialize(cfg, db, readOnlyDB)
	if err != nil {
		return err
	}
	defer app.Close()

	// The API process consumes its own queues when running against the
	// in-memory broker; with Service Bus a dedicated worker process does it.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	if cfg.Azure.QueueConnStr == "" {
		go func() {
			if err := app.RunWorkers(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Embedded worker error")
			}
		}()
	}

	// Initialize and start the server
	server := api.NewServer(app)

	go func() {
		log.Info().Str("address", cfg.ServerAddress).Msg("Starting API server")
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func configureLogging(cfg config.Config) {
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Environment == "development" || cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}

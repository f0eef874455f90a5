package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/atlas/services/orchestrator/config"
	"example.com/atlas/services/orchestrator/internal/orchestration"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker processing the email, report, workflow, event dispatch and dead letter queues`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.RunWorkers(ctx)
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

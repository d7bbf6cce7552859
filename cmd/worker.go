package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the index synchronizer",
	Long:  `Consume question lifecycle events from Azure Service Bus and apply them to the search index`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer := newTracer(cfg)
	defer tracer.Close()

	engine := newEngine(cfg)
	defer engine.Close()
	bootstrapIndex(ctx, engine)

	sync, cleanup, err := newSynchronizer(cfg, engine, tracer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize index synchronizer")
	}
	defer cleanup()

	if err := sync.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker exited properly")
	return nil
}

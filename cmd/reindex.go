package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/search/internal/database"
	"example.com/backstage/services/search/internal/messaging"
	"example.com/backstage/services/search/internal/reindex"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Republish every stored question",
	Long:  `Read all questions from the relational store and publish a QuestionUpdated event for each, so the index converges through the synchronizer`,
	RunE:  runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.ValidateBroker(); err != nil {
		return err
	}

	db, err := database.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close(db)

	bus, err := messaging.NewAzureClient(cfg.Azure)
	if err != nil {
		return err
	}
	defer bus.Close(context.Background())

	publisher, err := bus.NewPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close(context.Background())

	reader := database.NewQuestionReader(db, cfg.DB.BatchSize)
	stats, err := reindex.NewReindexer(reader, publisher).Run(ctx)
	if err != nil {
		return errors.Wrapf(err, "reindex stopped after %d questions", stats.Published)
	}

	log.Info().Int("published", stats.Published).Int("batches", stats.Batches).Msg("Reindex finished")
	return nil
}

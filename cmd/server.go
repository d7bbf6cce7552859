package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/search/api"
	"example.com/backstage/services/search/internal/query"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the search API",
	Long:  `Start the HTTP search API; with sync.embedded the index synchronizer runs in the same process`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer := newTracer(cfg)
	defer tracer.Close()

	engine := newEngine(cfg)
	defer engine.Close()
	bootstrapIndex(ctx, engine)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Sync.Embedded {
		sync, cleanup, err := newSynchronizer(cfg, engine, tracer)
		if err != nil {
			log.Warn().Err(err).Msg("Embedded synchronizer disabled")
		} else {
			defer cleanup()
			g.Go(func() error {
				return sync.Run(ctx)
			})
		}
	}

	server := api.NewServer(cfg.Server, query.NewGateway(engine, tracer), engine, tracer)

	g.Go(func() error {
		return server.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	log.Info().Msg("Server exited properly")
	return nil
}

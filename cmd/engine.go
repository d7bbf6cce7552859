package cmd

import (
	"context"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/config"
	"example.com/backstage/services/search/internal/cache"
	"example.com/backstage/services/search/internal/indexsync"
	"example.com/backstage/services/search/internal/messaging"
	"example.com/backstage/services/search/internal/search"
	"example.com/backstage/services/search/internal/tracing"
)

// newEngine builds the configured search engine. Configuration errors are
// fatal.
func newEngine(cfg config.Config) search.Engine {
	if err := cfg.ValidateIndex(); err != nil {
		log.Fatal().Err(err).Str("engine", cfg.Index.Engine).Msg("Invalid search index configuration")
	}

	if cfg.Index.Engine == config.EngineBleve {
		return search.NewBleveEngine(cfg.Bleve.Path, cfg.Index.MaxHits)
	}

	client, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Elasticsearch")
	}
	return search.NewElasticEngine(client, cfg.IndexName(), cfg.Elastic.Refresh, cfg.Index.MaxHits)
}

// bootstrapIndex ensures the index exists before any work is accepted
func bootstrapIndex(ctx context.Context, engine search.Engine) {
	if err := engine.EnsureIndex(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap search index")
	}
	log.Info().Msg("Search index ready")
}

func newTracer(cfg config.Config) tracing.Tracer {
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		return tracing.Noop()
	}
	return tracer
}

// newSynchronizer wires the broker, the optional ledger and the engine. The
// returned cleanup closes what was opened.
func newSynchronizer(cfg config.Config, engine search.Engine, tracer tracing.Tracer) (*indexsync.Synchronizer, func(), error) {
	if err := cfg.ValidateBroker(); err != nil {
		return nil, nil, err
	}

	bus, err := messaging.NewAzureClient(cfg.Azure)
	if err != nil {
		return nil, nil, err
	}

	options := []indexsync.Option{indexsync.WithTracer(tracer)}

	ledger, err := cache.NewRedisLedger(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize delivery ledger, continuing without it")
	}
	if ledger != nil {
		options = append(options, indexsync.WithLedger(ledger))
	}

	cleanup := func() {
		if ledger != nil {
			_ = ledger.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := bus.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close Service Bus client")
		}
	}

	sync := indexsync.NewSynchronizer(bus, engine, indexsync.OptionsFromConfig(cfg.Sync), options...)
	return sync, cleanup, nil
}

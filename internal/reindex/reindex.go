// Package reindex replays the question store onto the lifecycle topic so the
// index converges through the synchronizer's normal path.
package reindex

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/internal/messaging"
	"example.com/backstage/services/search/internal/models"
)

// messageNamespace scopes the deterministic reindex message ids
var messageNamespace = uuid.MustParse("8c6f4f62-3c1e-4d0b-9d7e-2b1c2f0c9a41")

// Source yields the question store in batches
type Source interface {
	EachBatch(ctx context.Context, fn func(batch []models.Question) error) error
}

// Stats summarises a reindex run
type Stats struct {
	Batches   int
	Published int
}

// Reindexer publishes a QuestionUpdated event per stored question
type Reindexer struct {
	source    Source
	publisher messaging.Publisher
}

// NewReindexer creates a reindexer
func NewReindexer(source Source, publisher messaging.Publisher) *Reindexer {
	return &Reindexer{source: source, publisher: publisher}
}

// Run publishes every question. Publishing the same version twice yields the
// same message id, so duplicate detection on the topic can drop reruns.
func (r *Reindexer) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	err := r.source.EachBatch(ctx, func(batch []models.Question) error {
		stats.Batches++
		for _, q := range batch {
			env, err := models.NewEnvelope(models.QuestionUpdated, q)
			if err != nil {
				return err
			}
			if err := r.publisher.Publish(ctx, MessageID(q), env); err != nil {
				return errors.Wrapf(err, "failed to publish question %s", q.ID)
			}
			stats.Published++
		}
		log.Info().Int("batch", stats.Batches).Int("published", stats.Published).Msg("Reindex batch published")
		return nil
	})
	if err != nil {
		return stats, err
	}

	log.Info().Int("published", stats.Published).Msg("Reindex complete")
	return stats, nil
}

// MessageID derives a stable id from the question id and its version
func MessageID(q models.Question) string {
	name := q.ID + "@" + strconv.FormatInt(q.Version().UnixNano(), 10)
	return uuid.NewSHA1(messageNamespace, []byte(name)).String()
}

package query

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/internal/metrics"
	"example.com/backstage/services/search/internal/models"
	"example.com/backstage/services/search/internal/search"
	"example.com/backstage/services/search/internal/tracing"
)

// ErrSearchUnavailable is returned when the index could not answer a query
var ErrSearchUnavailable = errors.New("search index unavailable")

// SearchError wraps the index failure behind a query
type SearchError struct {
	Err error
}

func (e *SearchError) Error() string {
	return e.Err.Error()
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrSearchUnavailable) hold for every SearchError
func (e *SearchError) Is(target error) bool {
	return target == ErrSearchUnavailable
}

// Searcher is the read side of the search index
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]models.Question, error)
}

// Gateway turns raw query strings into index queries. It keeps no state
// between requests; the searcher's connection pool is the only shared part.
type Gateway struct {
	index  Searcher
	tracer tracing.Tracer
}

// NewGateway creates a query gateway over index
func NewGateway(index Searcher, tracer tracing.Tracer) *Gateway {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &Gateway{index: index, tracer: tracer}
}

// Search parses raw, runs it once and returns the hits in index order. It
// never retries and never returns partial results.
func (g *Gateway) Search(ctx context.Context, raw string) ([]models.Question, error) {
	txn := g.tracer.StartTransaction("search-query")
	defer g.tracer.EndTransaction(txn)

	parsed := ParseQuery(raw)
	q := search.Query{Text: parsed.Text, Tag: parsed.Tag, HasTag: parsed.HasTag}
	g.tracer.AddAttribute(txn, "tag_filter", q.Filtered())

	start := time.Now()
	hits, err := g.index.Search(ctx, q)
	metrics.ObserveQuery(err, q.Filtered(), time.Since(start))
	if err != nil {
		g.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("text", q.Text).Str("tag", q.Tag).Msg("Search query failed")
		return nil, &SearchError{Err: err}
	}

	if hits == nil {
		hits = []models.Question{}
	}

	log.Debug().Str("text", q.Text).Str("tag", q.Tag).Int("hits", len(hits)).Msg("Search query served")
	return hits, nil
}

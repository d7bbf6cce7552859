// Package indexsync keeps the search index in step with question lifecycle
// events. Each message is decoded, applied under the index's version guard
// and settled with the broker; workers never coordinate with each other.
package indexsync

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/search/config"
	"example.com/backstage/services/search/internal/messaging"
	"example.com/backstage/services/search/internal/metrics"
	"example.com/backstage/services/search/internal/models"
	"example.com/backstage/services/search/internal/search"
	"example.com/backstage/services/search/internal/tracing"
)

const (
	reasonDuplicate   = "Duplicate"
	reasonStale       = "StaleVersion"
	reasonShutdown    = "Shutdown"
	reasonSettleError = "SettleFailed"

	defaultSettleTimeout = 10 * time.Second
)

// Applier is the write side of the search index
type Applier interface {
	Upsert(ctx context.Context, q models.Question) error
	Delete(ctx context.Context, id string) error
}

// Ledger remembers message ids that were already acknowledged
type Ledger interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Record(ctx context.Context, messageID string) error
}

// Options tune the worker pool and the retry policy
type Options struct {
	Workers       int
	BatchSize     int
	MaxAttempts   int
	MaxDeliveries uint32
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	ApplyTimeout  time.Duration
	SettleTimeout time.Duration
}

// OptionsFromConfig maps the sync section of the configuration
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		Workers:       cfg.Workers,
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		MaxDeliveries: uint32(cfg.MaxDeliveries),
		BaseBackoff:   cfg.BaseBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		ApplyTimeout:  cfg.ApplyTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = defaultSettleTimeout
	}
	return o
}

// Option customises a Synchronizer
type Option func(*Synchronizer)

// WithLedger enables duplicate suppression by message id
func WithLedger(l Ledger) Option {
	return func(s *Synchronizer) {
		s.ledger = l
	}
}

// WithTracer wraps every handled message in a transaction
func WithTracer(t tracing.Tracer) Option {
	return func(s *Synchronizer) {
		if t != nil {
			s.tracer = t
		}
	}
}

// Synchronizer consumes lifecycle events and applies them to the index
type Synchronizer struct {
	source messaging.Source
	index  Applier
	opts   Options
	ledger Ledger
	tracer tracing.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewSynchronizer creates a synchronizer reading from source
func NewSynchronizer(source messaging.Source, index Applier, opts Options, options ...Option) *Synchronizer {
	s := &Synchronizer{
		source: source,
		index:  index,
		opts:   opts.withDefaults(),
		tracer: tracing.Noop(),
		sleep:  sleepContext,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Run starts the workers and blocks until ctx is done or a receiver cannot
// be opened
func (s *Synchronizer) Run(ctx context.Context) error {
	receivers := make([]messaging.Receiver, 0, s.opts.Workers)
	for i := 0; i < s.opts.Workers; i++ {
		r, err := s.source.NewReceiver()
		if err != nil {
			s.closeReceivers(receivers)
			return errors.Wrap(err, "failed to open receiver")
		}
		receivers = append(receivers, r)
	}
	defer s.closeReceivers(receivers)

	log.Info().Int("workers", s.opts.Workers).Msg("Index synchronizer started")

	g, ctx := errgroup.WithContext(ctx)
	for i, r := range receivers {
		worker, receiver := i, r
		g.Go(func() error {
			return s.consume(ctx, worker, receiver)
		})
	}

	err := g.Wait()
	log.Info().Msg("Index synchronizer stopped")
	return err
}

func (s *Synchronizer) consume(ctx context.Context, worker int, r messaging.Receiver) error {
	logger := log.With().Int("worker", worker).Logger()
	failures := 0

	for ctx.Err() == nil {
		deliveries, err := r.Receive(ctx, s.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			wait := s.backoff(failures)
			logger.Error().Err(err).Dur("retry_in", wait).Msg("Failed to receive messages")
			if s.sleep(ctx, wait) != nil {
				break
			}
			continue
		}
		failures = 0

		for _, d := range deliveries {
			s.Handle(ctx, d)
		}
	}
	return nil
}

// Handle drives one delivery to a settled outcome. It never returns an
// error: every failure ends in an ack, an abandon or a dead-letter.
func (s *Synchronizer) Handle(ctx context.Context, d messaging.Delivery) Outcome {
	txn := s.tracer.StartTransaction("index-sync")
	defer s.tracer.EndTransaction(txn)

	logger := log.With().Str("message_id", d.ID()).Uint32("delivery_count", d.DeliveryCount()).Logger()
	logger.Debug().Str("state", string(StateReceived)).Msg("Message received")

	if s.duplicate(ctx, d, logger) {
		return s.acknowledge(ctx, d, logger, StateReceived, reasonDuplicate, 0)
	}

	if s.opts.MaxDeliveries > 0 && d.DeliveryCount() > s.opts.MaxDeliveries {
		desc := fmt.Sprintf("delivered %d times, limit is %d", d.DeliveryCount(), s.opts.MaxDeliveries)
		return s.deadLetter(ctx, d, logger, txn, StateReceived, ReasonMaxRetriesExceeded, desc, 0)
	}

	m, err := Decode(d.Body())
	if err != nil {
		return s.deadLetter(ctx, d, logger, txn, StateReceived, ReasonPoisonMessage, err.Error(), 0)
	}

	logger = logger.With().Str("event_type", m.EventType).Str("question_id", m.ID).Logger()
	logger.Debug().Str("state", string(StateParsed)).Msg("Message parsed")
	s.tracer.AddAttribute(txn, "event_type", m.EventType)
	s.tracer.AddAttribute(txn, "question_id", m.ID)

	for attempt := 1; ; attempt++ {
		err := s.apply(ctx, m)

		switch {
		case err == nil:
			logger.Debug().Str("state", string(StateApplied)).Int("attempt", attempt).Msg("Mutation applied")
			return s.acknowledge(ctx, d, logger, StateApplied, "", attempt)

		case errors.Is(err, search.ErrStaleVersion):
			logger.Debug().Msg("Discarding stale event")
			return s.acknowledge(ctx, d, logger, StateParsed, reasonStale, attempt)

		case ctx.Err() != nil:
			return s.abandon(d, logger, StateParsed, attempt)

		case !search.IsTransient(err):
			return s.deadLetter(ctx, d, logger, txn, StateParsed, ReasonIndexRejected, err.Error(), attempt)

		case attempt >= s.opts.MaxAttempts:
			desc := errors.Wrapf(ErrMaxRetriesExceeded, "%d attempts, last error: %v", attempt, err).Error()
			return s.deadLetter(ctx, d, logger, txn, StateRetried, ReasonMaxRetriesExceeded, desc, attempt)
		}

		wait := s.backoff(attempt)
		metrics.ObserveRetry()
		logger.Warn().Err(err).Str("state", string(StateRetried)).Int("attempt", attempt).Dur("retry_in", wait).Msg("Transient index failure")
		s.renewLock(ctx, d, logger)

		if s.sleep(ctx, wait) != nil {
			return s.abandon(d, logger, StateRetried, attempt)
		}
	}
}

func (s *Synchronizer) apply(ctx context.Context, m Mutation) error {
	if s.opts.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ApplyTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.ObserveApply(m.EventType, time.Since(start))
	}()

	if models.IsUpsert(m.EventType) {
		return s.index.Upsert(ctx, *m.Question)
	}
	return s.index.Delete(ctx, m.ID)
}

func (s *Synchronizer) duplicate(ctx context.Context, d messaging.Delivery, logger zerolog.Logger) bool {
	if s.ledger == nil || d.ID() == "" {
		return false
	}
	seen, err := s.ledger.Seen(ctx, d.ID())
	if err != nil {
		logger.Warn().Err(err).Msg("Delivery ledger lookup failed")
		return false
	}
	return seen
}

// settleContext outlives shutdown so a finished mutation is still settled
func (s *Synchronizer) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.SettleTimeout)
}

func (s *Synchronizer) acknowledge(ctx context.Context, d messaging.Delivery, logger zerolog.Logger, from State, reason string, attempts int) Outcome {
	sctx, cancel := s.settleContext(ctx)
	defer cancel()

	if err := d.Complete(sctx); err != nil {
		logger.Error().Err(err).Msg("Failed to complete message")
		return s.finish(Outcome{State: from, Reason: reasonSettleError, Attempts: attempts})
	}

	if s.ledger != nil && d.ID() != "" && reason != reasonDuplicate {
		if err := s.ledger.Record(sctx, d.ID()); err != nil {
			logger.Warn().Err(err).Msg("Failed to record delivery")
		}
	}

	logger.Debug().Str("state", string(StateAcknowledged)).Str("reason", reason).Msg("Message acknowledged")
	return s.finish(Outcome{State: StateAcknowledged, Reason: reason, Attempts: attempts})
}

func (s *Synchronizer) deadLetter(ctx context.Context, d messaging.Delivery, logger zerolog.Logger, txn *newrelic.Transaction, from State, reason, desc string, attempts int) Outcome {
	s.tracer.RecordError(txn, errors.New(reason+": "+desc))

	sctx, cancel := s.settleContext(ctx)
	defer cancel()

	if err := d.DeadLetter(sctx, reason, desc); err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("Failed to dead-letter message")
		return s.finish(Outcome{State: from, Reason: reasonSettleError, Attempts: attempts})
	}

	logger.Error().Str("state", string(StateDeadLettered)).Str("reason", reason).Str("description", desc).Msg("Message dead-lettered")
	return s.finish(Outcome{State: StateDeadLettered, Reason: reason, Attempts: attempts})
}

func (s *Synchronizer) abandon(d messaging.Delivery, logger zerolog.Logger, from State, attempts int) Outcome {
	sctx, cancel := context.WithTimeout(context.Background(), s.opts.SettleTimeout)
	defer cancel()

	if err := d.Abandon(sctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to abandon message, lock will expire")
		return s.finish(Outcome{State: from, Reason: reasonSettleError, Attempts: attempts})
	}

	logger.Info().Str("state", string(StateAbandoned)).Msg("Message abandoned on shutdown")
	return s.finish(Outcome{State: StateAbandoned, Reason: reasonShutdown, Attempts: attempts})
}

// renewLock keeps the message locked across the backoff. A lost lock only
// means the broker redelivers; the version guard absorbs the repeat.
func (s *Synchronizer) renewLock(ctx context.Context, d messaging.Delivery, logger zerolog.Logger) {
	sctx, cancel := s.settleContext(ctx)
	defer cancel()

	if err := d.RenewLock(sctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to renew message lock")
	}
}

func (s *Synchronizer) finish(o Outcome) Outcome {
	if !o.State.Final() {
		log.Warn().Str("state", string(o.State)).Str("reason", o.Reason).Msg("Message left unsettled, broker will redeliver after lock expiry")
	}
	metrics.ObserveMessage(string(o.State), o.Reason)
	return o
}

// backoff returns base * 2^(n-1) capped at the maximum
func (s *Synchronizer) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := s.opts.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.opts.MaxBackoff || d <= 0 {
			return s.opts.MaxBackoff
		}
	}
	return d
}

func (s *Synchronizer) closeReceivers(receivers []messaging.Receiver) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SettleTimeout)
	defer cancel()

	for _, r := range receivers {
		if err := r.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close receiver")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package indexsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/backstage/services/search/internal/messaging"
	"example.com/backstage/services/search/internal/models"
	"example.com/backstage/services/search/internal/search"
)

type fakeDelivery struct {
	id       string
	body     []byte
	count    uint32
	settled  []string
	dlReason string
	dlDesc   string
	failWith error
	renewals int
	renewErr error
}

func (d *fakeDelivery) ID() string            { return d.id }
func (d *fakeDelivery) Body() []byte          { return d.body }
func (d *fakeDelivery) DeliveryCount() uint32 { return d.count }

func (d *fakeDelivery) Complete(ctx context.Context) error {
	if d.failWith != nil {
		return d.failWith
	}
	d.settled = append(d.settled, "complete")
	return nil
}

func (d *fakeDelivery) Abandon(ctx context.Context) error {
	d.settled = append(d.settled, "abandon")
	return nil
}

func (d *fakeDelivery) RenewLock(ctx context.Context) error {
	d.renewals++
	return d.renewErr
}

func (d *fakeDelivery) DeadLetter(ctx context.Context, reason, description string) error {
	d.settled = append(d.settled, "deadletter")
	d.dlReason, d.dlDesc = reason, description
	return nil
}

// flakyIndex fails the next n calls with err before delegating
type flakyIndex struct {
	Applier
	mu    sync.Mutex
	fails int
	err   error
	calls int
}

func (f *flakyIndex) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return f.err
	}
	return nil
}

func (f *flakyIndex) Upsert(ctx context.Context, q models.Question) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Applier.Upsert(ctx, q)
}

func (f *flakyIndex) Delete(ctx context.Context, id string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Applier.Delete(ctx, id)
}

type memLedger struct {
	ids map[string]bool
}

func (l *memLedger) Seen(ctx context.Context, id string) (bool, error) { return l.ids[id], nil }
func (l *memLedger) Record(ctx context.Context, id string) error {
	l.ids[id] = true
	return nil
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func upsertEvent(t *testing.T, eventType, id, title string, updatedAfter time.Duration, tags ...string) []byte {
	t.Helper()
	q := models.Question{ID: id, Title: title, TagSlugs: tags, CreatedAt: baseTime}
	if updatedAfter > 0 {
		u := baseTime.Add(updatedAfter)
		q.UpdatedAt = &u
	}
	env, err := models.NewEnvelope(eventType, q)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func deleteEvent(t *testing.T, id string) []byte {
	t.Helper()
	env, err := models.NewEnvelope(models.QuestionDeleted, models.QuestionDeletedEvent{ID: id})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func newIndex(t *testing.T) *search.BleveEngine {
	t.Helper()
	idx := search.NewBleveEngine(search.MemoryPath, 10)
	require.NoError(t, idx.EnsureIndex(context.Background()))
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func testOptions() Options {
	return Options{
		MaxAttempts:   3,
		MaxDeliveries: 10,
		BaseBackoff:   10 * time.Millisecond,
		MaxBackoff:    40 * time.Millisecond,
		ApplyTimeout:  time.Second,
	}
}

func newTestSynchronizer(index Applier, options ...Option) (*Synchronizer, *[]time.Duration) {
	s := NewSynchronizer(nil, index, testOptions(), options...)
	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return s, &waits
}

func titles(t *testing.T, idx *search.BleveEngine) map[string]string {
	t.Helper()
	hits, err := idx.Search(context.Background(), search.Query{})
	require.NoError(t, err)
	out := map[string]string{}
	for _, h := range hits {
		out[h.ID] = h.Title
	}
	return out
}

func TestHandleAppliesAndAcknowledges(t *testing.T) {
	idx := newIndex(t)
	s, _ := newTestSynchronizer(idx)

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "first", 0, "go"), count: 1}
	out := s.Handle(context.Background(), d)

	require.Equal(t, Outcome{State: StateAcknowledged, Attempts: 1}, out)
	require.Equal(t, []string{"complete"}, d.settled)
	require.Equal(t, map[string]string{"q1": "first"}, titles(t, idx))
}

func TestHandleDuplicateDeliveryIsIdempotent(t *testing.T) {
	idx := newIndex(t)
	s, _ := newTestSynchronizer(idx)
	body := upsertEvent(t, models.QuestionUpdated, "q1", "same", time.Minute)

	for i := 0; i < 2; i++ {
		out := s.Handle(context.Background(), &fakeDelivery{id: "m1", body: body, count: uint32(i + 1)})
		require.Equal(t, StateAcknowledged, out.State)
	}
	require.Equal(t, map[string]string{"q1": "same"}, titles(t, idx))
}

func TestHandleConvergesUnderReordering(t *testing.T) {
	events := [][]byte{
		upsertEvent(t, models.QuestionCreated, "q1", "v0", 0),
		upsertEvent(t, models.QuestionUpdated, "q1", "v1", time.Minute),
		upsertEvent(t, models.QuestionUpdated, "q1", "v2", 2*time.Minute),
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}

	for _, order := range orders {
		idx := newIndex(t)
		s, _ := newTestSynchronizer(idx)
		for _, i := range order {
			d := &fakeDelivery{id: "m", body: events[i], count: 1}
			out := s.Handle(context.Background(), d)
			require.Equal(t, StateAcknowledged, out.State)
			require.Equal(t, []string{"complete"}, d.settled)
		}
		require.Equal(t, map[string]string{"q1": "v2"}, titles(t, idx), "order %v", order)
	}
}

func TestHandleStaleEventIsAcknowledged(t *testing.T) {
	idx := newIndex(t)
	s, _ := newTestSynchronizer(idx)

	s.Handle(context.Background(), &fakeDelivery{id: "m2", body: upsertEvent(t, models.QuestionUpdated, "q1", "newer", 2*time.Minute), count: 1})
	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionUpdated, "q1", "older", time.Minute), count: 1}
	out := s.Handle(context.Background(), d)

	require.Equal(t, StateAcknowledged, out.State)
	require.Equal(t, reasonStale, out.Reason)
	require.Equal(t, []string{"complete"}, d.settled)
	require.Equal(t, map[string]string{"q1": "newer"}, titles(t, idx))
}

func TestHandleDeleteIsIdempotent(t *testing.T) {
	idx := newIndex(t)
	s, _ := newTestSynchronizer(idx)

	s.Handle(context.Background(), &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "doomed", 0), count: 1})
	for i := 0; i < 2; i++ {
		d := &fakeDelivery{id: "m2", body: deleteEvent(t, "q1"), count: 1}
		require.Equal(t, StateAcknowledged, s.Handle(context.Background(), d).State)
	}

	unknown := &fakeDelivery{id: "m3", body: deleteEvent(t, "never-existed"), count: 1}
	require.Equal(t, StateAcknowledged, s.Handle(context.Background(), unknown).State)
	require.Empty(t, titles(t, idx))
}

func TestHandlePoisonMessageIsDeadLettered(t *testing.T) {
	idx := newIndex(t)
	flaky := &flakyIndex{Applier: idx}
	s, _ := newTestSynchronizer(flaky)

	d := &fakeDelivery{id: "m1", body: []byte(`{"eventType":"QuestionCreated","data":{"title":"no id","createdAt":"2026-03-01T12:00:00Z"}}`), count: 1}
	out := s.Handle(context.Background(), d)

	require.Equal(t, StateDeadLettered, out.State)
	require.Equal(t, ReasonPoisonMessage, out.Reason)
	require.Equal(t, []string{"deadletter"}, d.settled)
	require.Contains(t, d.dlDesc, "id: is required")
	require.Zero(t, flaky.calls)

	// The worker keeps going
	next := &fakeDelivery{id: "m2", body: upsertEvent(t, models.QuestionCreated, "q2", "fine", 0), count: 1}
	require.Equal(t, StateAcknowledged, s.Handle(context.Background(), next).State)
}

func TestHandleTransientFailureRetriesThenSucceeds(t *testing.T) {
	idx := newIndex(t)
	flaky := &flakyIndex{Applier: idx, fails: 2, err: &search.ResponseError{StatusCode: http.StatusServiceUnavailable}}
	s, waits := newTestSynchronizer(flaky)

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "eventually", 0), count: 1}
	out := s.Handle(context.Background(), d)

	require.Equal(t, Outcome{State: StateAcknowledged, Attempts: 3}, out)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *waits)
	require.Equal(t, []string{"complete"}, d.settled)
	require.Equal(t, 2, d.renewals)
}

func TestHandleRenewFailureStillRetries(t *testing.T) {
	idx := newIndex(t)
	flaky := &flakyIndex{Applier: idx, fails: 1, err: context.DeadlineExceeded}
	s, _ := newTestSynchronizer(flaky)

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "lock lost", 0), count: 1, renewErr: context.DeadlineExceeded}
	out := s.Handle(context.Background(), d)

	require.Equal(t, Outcome{State: StateAcknowledged, Attempts: 2}, out)
	require.Equal(t, 1, d.renewals)
}

func TestHandleAppliesUpsertWithBlankSlug(t *testing.T) {
	idx := newIndex(t)
	s, _ := newTestSynchronizer(idx)

	body := []byte(`{"eventType":"QuestionUpdated","data":{"id":"q1","title":"","tags":["go"," "],"createdAt":"2026-03-01T12:00:00Z"}}`)
	d := &fakeDelivery{id: "m1", body: body, count: 1}
	out := s.Handle(context.Background(), d)

	require.Equal(t, StateAcknowledged, out.State)
	require.Equal(t, []string{"complete"}, d.settled)

	hits, err := idx.Search(context.Background(), search.Query{Tag: "go", HasTag: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, []string{"go", " "}, hits[0].TagSlugs)
}

func TestOutcomeStates(t *testing.T) {
	for _, st := range []State{StateAcknowledged, StateDeadLettered, StateAbandoned} {
		require.True(t, st.Final(), st)
	}
	for _, st := range []State{StateReceived, StateParsed, StateApplied, StateRetried} {
		require.False(t, st.Final(), st)
	}
}

func TestHandleTransientFailureExhaustsRetries(t *testing.T) {
	flaky := &flakyIndex{Applier: newIndex(t), fails: 100, err: context.DeadlineExceeded}
	s, waits := newTestSynchronizer(flaky)

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "never", 0), count: 1}
	out := s.Handle(context.Background(), d)

	require.Equal(t, StateDeadLettered, out.State)
	require.Equal(t, ReasonMaxRetriesExceeded, out.Reason)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, 3, flaky.calls)
	require.Len(t, *waits, 2)
	require.Equal(t, []string{"deadletter"}, d.settled)
	require.Contains(t, d.dlDesc, ErrMaxRetriesExceeded.Error())
}

func TestHandlePermanentRejectionIsNotRetried(t *testing.T) {
	flaky := &flakyIndex{Applier: newIndex(t), fails: 1, err: &search.ResponseError{StatusCode: http.StatusBadRequest, Type: "mapper_parsing_exception"}}
	s, waits := newTestSynchronizer(flaky)

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "rejected", 0), count: 1}
	out := s.Handle(context.Background(), d)

	require.Equal(t, StateDeadLettered, out.State)
	require.Equal(t, ReasonIndexRejected, out.Reason)
	require.Empty(t, *waits)
	require.Equal(t, 1, flaky.calls)
}

func TestHandleRedeliveryLimit(t *testing.T) {
	flaky := &flakyIndex{Applier: newIndex(t)}
	s, _ := newTestSynchronizer(flaky)

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "loop", 0), count: 11}
	out := s.Handle(context.Background(), d)

	require.Equal(t, StateDeadLettered, out.State)
	require.Equal(t, ReasonMaxRetriesExceeded, out.Reason)
	require.Zero(t, flaky.calls)
}

func TestHandleShutdownAbandons(t *testing.T) {
	flaky := &flakyIndex{Applier: newIndex(t), fails: 100, err: context.DeadlineExceeded}
	s, _ := newTestSynchronizer(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "interrupted", 0), count: 1}
	out := s.Handle(ctx, d)

	require.Equal(t, StateAbandoned, out.State)
	require.Equal(t, []string{"abandon"}, d.settled)
	require.NotContains(t, d.settled, "complete")
}

func TestHandleCompleteFailureIsNotAcknowledged(t *testing.T) {
	s, _ := newTestSynchronizer(newIndex(t))

	d := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "lost lock", 0), count: 1, failWith: context.DeadlineExceeded}
	out := s.Handle(context.Background(), d)

	require.Equal(t, StateApplied, out.State)
	require.Equal(t, reasonSettleError, out.Reason)
}

func TestHandleLedgerSuppressesRedelivery(t *testing.T) {
	flaky := &flakyIndex{Applier: newIndex(t)}
	ledger := &memLedger{ids: map[string]bool{}}
	s, _ := newTestSynchronizer(flaky, WithLedger(ledger))
	body := upsertEvent(t, models.QuestionCreated, "q1", "once", 0)

	require.Equal(t, StateAcknowledged, s.Handle(context.Background(), &fakeDelivery{id: "m1", body: body, count: 1}).State)
	require.True(t, ledger.ids["m1"])

	out := s.Handle(context.Background(), &fakeDelivery{id: "m1", body: body, count: 2})
	require.Equal(t, StateAcknowledged, out.State)
	require.Equal(t, reasonDuplicate, out.Reason)
	require.Equal(t, 1, flaky.calls)
}

func TestBackoff(t *testing.T) {
	s := NewSynchronizer(nil, nil, Options{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	require.Equal(t, 100*time.Millisecond, s.backoff(1))
	require.Equal(t, 200*time.Millisecond, s.backoff(2))
	require.Equal(t, 800*time.Millisecond, s.backoff(4))
	require.Equal(t, time.Second, s.backoff(5))
	require.Equal(t, time.Second, s.backoff(64))
}

type fakeReceiver struct {
	mu      sync.Mutex
	batches [][]messaging.Delivery
	closed  bool
}

func (r *fakeReceiver) Receive(ctx context.Context, max int) ([]messaging.Delivery, error) {
	r.mu.Lock()
	if len(r.batches) > 0 {
		b := r.batches[0]
		r.batches = r.batches[1:]
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *fakeReceiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeSource struct {
	receivers []*fakeReceiver
	next      int
}

func (s *fakeSource) NewReceiver() (messaging.Receiver, error) {
	r := s.receivers[s.next]
	s.next++
	return r, nil
}

func TestRunProcessesAllWorkers(t *testing.T) {
	idx := newIndex(t)
	d1 := &fakeDelivery{id: "m1", body: upsertEvent(t, models.QuestionCreated, "q1", "one", 0), count: 1}
	d2 := &fakeDelivery{id: "m2", body: upsertEvent(t, models.QuestionCreated, "q2", "two", 0), count: 1}
	source := &fakeSource{receivers: []*fakeReceiver{
		{batches: [][]messaging.Delivery{{d1}}},
		{batches: [][]messaging.Delivery{{d2}}},
	}}

	opts := testOptions()
	opts.Workers = 2
	s := NewSynchronizer(source, idx, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(titles(t, idx)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, r := range source.receivers {
		require.True(t, r.closed)
	}
}

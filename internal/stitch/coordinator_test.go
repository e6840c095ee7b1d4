package stitch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"example.com/journey/internal/correlation"
	"example.com/journey/internal/domain"
	"example.com/journey/internal/store"
	"example.com/journey/internal/store/memory"
)

type stubDeadLetters struct {
	entries []string
	err     error
}

func (s *stubDeadLetters) Write(_ context.Context, event domain.Event, reason string) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, event.ID+": "+reason)
	return nil
}

type fixture struct {
	store       *memory.Store
	index       *correlation.Index
	deadLetters *stubDeadLetters
	coordinator *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := memory.NewStore()
	index := correlation.NewIndex(s, 0)
	dl := &stubDeadLetters{}
	opts = append([]Option{
		WithLogger(log.New(testWriter{t}, "", 0)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	}, opts...)
	return &fixture{
		store:       s,
		index:       index,
		deadLetters: dl,
		coordinator: NewCoordinator(s, s, index, dl, opts...),
	}
}

func (f *fixture) ingest(t *testing.T, events ...domain.Event) {
	t.Helper()
	for _, event := range events {
		require.NoError(t, f.store.Append(context.Background(), event))
	}
}

func (f *fixture) stitchAll(t *testing.T) BatchResult {
	t.Helper()
	batch, err := f.store.ClaimBatch(context.Background(), 100)
	require.NoError(t, err)
	result, err := f.coordinator.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	return result
}

// journeyOf resolves an event to its ACTIVE journey, chasing redirects.
func (f *fixture) journeyOf(t *testing.T, eventID string) domain.Journey {
	t.Helper()
	raw, err := f.store.JourneyForEvent(context.Background(), eventID)
	require.NoError(t, err)
	journey, err := f.index.ResolveJourney(context.Background(), raw)
	require.NoError(t, err)
	return journey
}

func event(id string, ts int64, values ...string) domain.Event {
	return domain.Event{
		ID:                id,
		Timestamp:         time.Unix(ts, 0).UTC(),
		ActivityName:      "step",
		SourceApplication: "test",
		CorrelationValues: values,
		State:             domain.EventStateNew,
	}
}

func TestSingleBatchStitchesTransitively(t *testing.T) {
	f := newFixture(t)
	f.ingest(t,
		event("e1", 1, "K1"),
		event("e2", 2, "K1", "K2"),
		event("e3", 3, "K2"),
	)

	result := f.stitchAll(t)
	require.Equal(t, 3, result.Processed)

	j1 := f.journeyOf(t, "e1")
	require.Equal(t, j1.ID, f.journeyOf(t, "e2").ID)
	require.Equal(t, j1.ID, f.journeyOf(t, "e3").ID)

	for _, key := range []string{"K1", "K2"} {
		res, found, err := f.index.Lookup(context.Background(), key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, j1.ID, res.Journey.ID)
	}

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ActiveJourneys)
}

func TestLaterEventMergesJourneysOldestWins(t *testing.T) {
	f := newFixture(t)

	// Two separate journeys from two batches.
	f.ingest(t, event("e1", 1, "K1"))
	f.stitchAll(t)
	f.ingest(t, event("e2", 2, "K2"))
	f.stitchAll(t)

	older := f.journeyOf(t, "e1")
	newer := f.journeyOf(t, "e2")
	require.NotEqual(t, older.ID, newer.ID)
	require.True(t, older.CreatedAt.Before(newer.CreatedAt) ||
		(older.CreatedAt.Equal(newer.CreatedAt) && older.ID < newer.ID))

	// A bridging event proves they are one journey.
	f.ingest(t, event("e4", 4, "K1", "K2"))
	f.stitchAll(t)

	winner := domain.SelectWinner([]domain.Journey{older, newer})
	loserID := older.ID
	if winner.ID == older.ID {
		loserID = newer.ID
	}

	loser, err := f.store.GetJourney(context.Background(), loserID)
	require.NoError(t, err)
	require.Equal(t, domain.JourneyStatusSuperseded, loser.Status)
	require.Equal(t, winner.ID, loser.SupersededBy)

	for _, eventID := range []string{"e1", "e2", "e4"} {
		require.Equal(t, winner.ID, f.journeyOf(t, eventID).ID)
	}
	for _, key := range []string{"K1", "K2"} {
		res, found, err := f.index.Lookup(context.Background(), key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, winner.ID, res.Journey.ID)
	}
}

func TestReplayAfterMergeIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, event("e1", 1, "K1"))
	f.stitchAll(t)
	f.ingest(t, event("e2", 2, "K2"))
	f.stitchAll(t)
	f.ingest(t, event("e4", 4, "K1", "K2"))
	f.stitchAll(t)

	before, err := f.store.Stats(context.Background())
	require.NoError(t, err)

	// Replaying the bridge event must not create journeys or re-merge.
	replay := event("e4", 4, "K1", "K2")
	_, procErr := f.coordinator.ProcessBatch(context.Background(), []domain.Event{replay})
	require.NoError(t, procErr)

	after, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, before.Journeys, after.Journeys)
	require.Equal(t, before.ActiveJourneys, after.ActiveJourneys)
	require.Equal(t, before.Superseded, after.Superseded)
}

func TestBatchIdempotence(t *testing.T) {
	f := newFixture(t)
	batch := []domain.Event{
		event("e1", 1, "K1"),
		event("e2", 2, "K1", "K2"),
		event("e3", 3, "K3"),
	}
	f.ingest(t, batch...)

	claimed, err := f.store.ClaimBatch(context.Background(), 100)
	require.NoError(t, err)
	_, err = f.coordinator.ProcessBatch(context.Background(), claimed)
	require.NoError(t, err)

	assignments := map[string]string{}
	for _, ev := range batch {
		assignments[ev.ID] = f.journeyOf(t, ev.ID).ID
	}

	// Processing the exact same batch again changes nothing.
	_, err = f.coordinator.ProcessBatch(context.Background(), claimed)
	require.NoError(t, err)
	for _, ev := range batch {
		require.Equal(t, assignments[ev.ID], f.journeyOf(t, ev.ID).ID)
	}
}

func TestSubBatchOrderIndependence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		eventCount := rapid.IntRange(2, 20).Draw(rt, "eventCount")
		keySpace := rapid.IntRange(1, 8).Draw(rt, "keySpace")

		events := make([]domain.Event, eventCount)
		for i := range events {
			keyCount := rapid.IntRange(1, min(3, keySpace)).Draw(rt, "keyCount")
			values := map[string]bool{}
			for len(values) < keyCount {
				values[fmt.Sprintf("K%d", rapid.IntRange(0, keySpace-1).Draw(rt, "key"))] = true
			}
			var list []string
			for v := range values {
				list = append(list, v)
			}
			sort.Strings(list)
			events[i] = event(fmt.Sprintf("e%d", i), int64(i), list...)
		}

		// Reference run: everything in one batch.
		ref := newFixture(t)
		ref.ingest(t, events...)
		ref.stitchAll(t)
		expected := classes(t, ref, events)

		// Shuffled run: random sub-batch boundaries and order.
		shuffled := make([]domain.Event, eventCount)
		copy(shuffled, events)
		for i := range shuffled {
			j := rapid.IntRange(0, eventCount-1).Draw(rt, "swap")
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}
		alt := newFixture(t)
		for start := 0; start < eventCount; {
			size := rapid.IntRange(1, eventCount-start).Draw(rt, "batchSize")
			alt.ingest(t, shuffled[start:start+size]...)
			alt.stitchAll(t)
			start += size
		}

		require.Equal(rt, expected, classes(t, alt, events))
	})
}

// classes computes the equivalence classes of event ids by resolved journey.
func classes(t *testing.T, f *fixture, events []domain.Event) [][]string {
	byJourney := map[string][]string{}
	for _, ev := range events {
		journey := f.journeyOf(t, ev.ID)
		byJourney[journey.ID] = append(byJourney[journey.ID], ev.ID)
	}
	out := make([][]string, 0, len(byJourney))
	for _, ids := range byJourney {
		sort.Strings(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func TestMalformedEventsGoToDeadLetter(t *testing.T) {
	f := newFixture(t)
	malformed := domain.Event{ID: "bad", Timestamp: time.Unix(1, 0), State: domain.EventStateNew}
	good := event("e1", 2, "K1")
	f.ingest(t, malformed, good)

	result := f.stitchAll(t)
	require.Equal(t, 1, result.DeadLettered)
	require.Equal(t, 1, result.Processed)
	require.Len(t, f.deadLetters.entries, 1)
	require.Contains(t, f.deadLetters.entries[0], "bad")

	// The good event was stitched despite the malformed neighbour.
	require.NotEmpty(t, f.journeyOf(t, "e1").ID)

	// The malformed event is terminally handled, never re-claimed.
	claimed, err := f.store.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestInterruptedMergeFinishesOnNextCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.ingest(t, event("e1", 1, "K1"))
	f.stitchAll(t)
	f.ingest(t, event("e2", 2, "K2"))
	f.stitchAll(t)

	j1 := f.journeyOf(t, "e1")
	j2 := f.journeyOf(t, "e2")

	// Simulate a worker that crashed after marking the loser superseded but
	// before moving its keys and events.
	loser, err := f.store.GetJourney(ctx, j2.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Supersede(ctx, j2.ID, j1.ID, loser.Version))

	// The next batch touching K2 resolves through the redirect and finishes
	// the reassignment.
	f.ingest(t, event("e3", 3, "K2"))
	f.stitchAll(t)

	require.Equal(t, j1.ID, f.journeyOf(t, "e2").ID)
	require.Equal(t, j1.ID, f.journeyOf(t, "e3").ID)

	res, found, err := f.index.Lookup(ctx, "K2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, j1.ID, res.Journey.ID)
	// The binding was compressed to point straight at the winner.
	require.Equal(t, j1.ID, res.Binding.JourneyID)
}

// conflictingStore wraps the memory store and fails every BindKey so the
// retry budget runs out.
type conflictingStore struct {
	*memory.Store
}

func (c *conflictingStore) BindKey(context.Context, string, string, int64) error {
	return domain.ErrConflict
}

func TestExhaustedRetriesReleaseEvents(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	wrapped := &conflictingStore{Store: mem}
	index := correlation.NewIndex(wrapped, 0)
	coordinator := NewCoordinator(wrapped, mem, index, &stubDeadLetters{},
		WithLogger(log.New(testWriter{t}, "", 0)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}),
	)

	require.NoError(t, mem.Append(ctx, event("e1", 1, "K1")))
	batch, err := mem.ClaimBatch(ctx, 10)
	require.NoError(t, err)

	result, err := coordinator.ProcessBatch(ctx, batch)
	require.ErrorIs(t, err, domain.ErrRetriesExhausted)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Processed)

	// The event went back to NEW for the next cycle.
	reclaimed, err := mem.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, "e1", reclaimed[0].ID)
}

var _ store.JourneyStore = (*conflictingStore)(nil)

// flakyEventSource wraps the memory store and fails MarkProcessed a set
// number of times.
type flakyEventSource struct {
	*memory.Store
	markFailures int
}

var errMarkUnavailable = errors.New("event store unavailable")

func (f *flakyEventSource) MarkProcessed(ctx context.Context, eventIDs []string) error {
	if f.markFailures > 0 {
		f.markFailures--
		return errMarkUnavailable
	}
	return f.Store.MarkProcessed(ctx, eventIDs)
}

var _ store.EventSource = (*flakyEventSource)(nil)

func TestMarkProcessedFailureReleasesEvents(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	events := &flakyEventSource{Store: mem, markFailures: 1}
	index := correlation.NewIndex(mem, 0)
	coordinator := NewCoordinator(mem, events, index, &stubDeadLetters{},
		WithLogger(log.New(testWriter{t}, "", 0)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}),
	)

	require.NoError(t, mem.Append(ctx, event("e1", 1, "K1")))
	batch, err := mem.ClaimBatch(ctx, 10)
	require.NoError(t, err)

	result, err := coordinator.ProcessBatch(ctx, batch)
	require.ErrorIs(t, err, errMarkUnavailable)
	require.Zero(t, result.Processed)
	require.Equal(t, 1, result.Failed)

	// The event went back to NEW instead of staying claimed forever.
	reclaimed, err := mem.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, "e1", reclaimed[0].ID)

	// The next cycle re-applies and re-marks.
	result, err = coordinator.ProcessBatch(ctx, reclaimed)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)

	left, err := mem.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, left)
}

// contendedStore wraps the memory store and fails the first Supersede with a
// conflict, as if another worker won the CAS race.
type contendedStore struct {
	*memory.Store
	supersedeCalls int
}

func (c *contendedStore) Supersede(ctx context.Context, loserID, winnerID string, expectedVersion int64) error {
	c.supersedeCalls++
	if c.supersedeCalls == 1 {
		return domain.ErrConflict
	}
	return c.Store.Supersede(ctx, loserID, winnerID, expectedVersion)
}

var _ store.JourneyStore = (*contendedStore)(nil)

func TestConflictRestartsFromLookupAndConverges(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	contended := &contendedStore{Store: mem}
	index := correlation.NewIndex(contended, 0)
	coordinator := NewCoordinator(contended, mem, index, &stubDeadLetters{},
		WithLogger(log.New(testWriter{t}, "", 0)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)

	run := func(ev domain.Event) {
		require.NoError(t, mem.Append(ctx, ev))
		batch, err := mem.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		_, err = coordinator.ProcessBatch(ctx, batch)
		require.NoError(t, err)
	}

	// Two separate journeys, then a bridge whose merge hits a conflict.
	run(event("e1", 1, "K1"))
	run(event("e2", 2, "K2"))

	j1ID, err := mem.JourneyForEvent(ctx, "e1")
	require.NoError(t, err)
	j2ID, err := mem.JourneyForEvent(ctx, "e2")
	require.NoError(t, err)
	j1, err := mem.GetJourney(ctx, j1ID)
	require.NoError(t, err)
	j2, err := mem.GetJourney(ctx, j2ID)
	require.NoError(t, err)
	winner := domain.SelectWinner([]domain.Journey{j1, j2})

	run(event("e3", 3, "K1", "K2"))

	// The conflicted merge restarted from the lookup step and tried again.
	require.Equal(t, 2, contended.supersedeCalls)

	for _, id := range []string{"e1", "e2", "e3"} {
		owner, err := mem.JourneyForEvent(ctx, id)
		require.NoError(t, err)
		resolved, err := index.ResolveJourney(ctx, owner)
		require.NoError(t, err)
		require.Equal(t, winner.ID, resolved.ID)
	}

	loserID := j1.ID
	if winner.ID == j1.ID {
		loserID = j2.ID
	}
	loser, err := mem.GetJourney(ctx, loserID)
	require.NoError(t, err)
	require.Equal(t, domain.JourneyStatusSuperseded, loser.Status)
	require.Equal(t, winner.ID, loser.SupersededBy)

	for _, key := range []string{"K1", "K2"} {
		res, found, err := index.Lookup(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, winner.ID, res.Journey.ID)
	}
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

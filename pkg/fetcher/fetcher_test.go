package fetcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opengeo-uk/geoingest/pkg/client"
	"github.com/opengeo-uk/geoingest/pkg/ledger"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/opengeo-uk/geoingest/pkg/unit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// scriptedSource answers each Fetch from a per-unit script of responses.
// Units without a script return one record.
type scriptedSource struct {
	endpoint string
	scripts  map[string][]response
	calls    map[string]int
}

type response struct {
	records []sink.Record
	err     error
}

func newScriptedSource(endpoint string) *scriptedSource {
	return &scriptedSource{
		endpoint: endpoint,
		scripts:  make(map[string][]response),
		calls:    make(map[string]int),
	}
}

func (s *scriptedSource) script(key string, responses ...response) {
	s.scripts[key] = responses
}

func (s *scriptedSource) Endpoint() string { return s.endpoint }

func (s *scriptedSource) Fetch(_ context.Context, u unit.Unit) ([]sink.Record, error) {
	key := u.Key()
	n := s.calls[key]
	s.calls[key]++

	script, ok := s.scripts[key]
	if !ok {
		return []sink.Record{{"key": key}}, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n].records, script[n].err
}

func (s *scriptedSource) totalCalls() int {
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func serverError() response {
	return response{err: client.StatusError(500, "500 Internal Server Error")}
}

func throttled() response {
	return response{err: client.StatusError(429, "429 Too Many Requests")}
}

func page(n int) response {
	records := make([]sink.Record, n)
	for i := range records {
		records[i] = sink.Record{"i": i}
	}
	return response{records: records}
}

type failingStore struct{}

func (failingStore) Load(context.Context) ([]ledger.Entry, error) { return nil, nil }

func (failingStore) Append(context.Context, ledger.Entry) error {
	return errors.New("disk full")
}

func (failingStore) Close() error { return nil }

type harness struct {
	ledger *ledger.Ledger
	sink   *sink.Memory
	sleeps []time.Duration
	f      *Fetcher
}

func newHarness(t *testing.T, store ledger.Store) *harness {
	t.Helper()
	if store == nil {
		var err error
		store, err = ledger.NewCSVStore(filepath.Join(t.TempDir(), "ledger.csv"))
		require.NoError(t, err)
	}

	l, err := ledger.Open(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	h := &harness{ledger: l, sink: &sink.Memory{}}
	retrier := client.NewRetrier(
		client.Policy{MaxAttempts: 3, BaseDelay: time.Second, ThrottleDelay: 30 * time.Second},
		zerolog.Nop(),
		client.WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
		client.WithJitter(func() float64 { return 0.5 }),
	)

	h.f, err = New(l, retrier, h.sink, zerolog.Nop(), WithClock(func() time.Time {
		return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	}))
	require.NoError(t, err)
	return h
}

func offsetJob(src Source, total, size int) Job {
	return Job{
		Dataset:     "lsoa_boundaries",
		Source:      src,
		Units:       unit.Units(unit.OffsetWindows(0, total, size)),
		EmptyPolicy: EmptyEndOfData,
	}
}

func TestRun_RecordsCompletedUnits(t *testing.T) {
	h := newHarness(t, nil)
	src := newScriptedSource("arcgis_query")

	summary, err := h.f.Run(context.Background(), offsetJob(src, 5000, 2000))
	require.NoError(t, err)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 3, summary.Records)

	entries := h.ledger.Entries()
	require.Len(t, entries, 3)
	for i, w := range unit.OffsetWindows(0, 5000, 2000) {
		require.Equal(t, w.Key(), entries[i].UnitKey)
		require.Equal(t, "arcgis_query", entries[i].Endpoint)
		require.True(t, h.ledger.HasCompleted(w.Key(), "arcgis_query"))
	}
	require.Len(t, h.sink.Batches, 3)
	require.Equal(t, "offset=2000,size=2000", h.sink.Batches[1].UnitKey)
}

func TestRun_SkipsLedgeredUnits(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ledger.RecordCompleted(context.Background(), "offset=0,size=2000", "arcgis_query", time.Now()))

	src := newScriptedSource("arcgis_query")
	summary, err := h.f.Run(context.Background(), offsetJob(src, 5000, 2000))
	require.NoError(t, err)

	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 2, summary.Completed)
	require.Zero(t, src.calls["offset=0,size=2000"])
	require.Equal(t, 2, src.totalCalls())
}

func TestRun_SkipIsPerEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ledger.RecordCompleted(context.Background(), "offset=0,size=2000", "other", time.Now()))

	src := newScriptedSource("arcgis_query")
	summary, err := h.f.Run(context.Background(), offsetJob(src, 2000, 2000))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, src.calls["offset=0,size=2000"])
}

func TestRun_ServerErrorsExhaustUnitAndContinue(t *testing.T) {
	h := newHarness(t, nil)
	src := newScriptedSource("arcgis_query")
	src.script("offset=0,size=2000", serverError())

	summary, err := h.f.Run(context.Background(), offsetJob(src, 4000, 2000))
	require.NoError(t, err)

	require.Equal(t, 3, src.calls["offset=0,size=2000"])
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Completed)
	require.False(t, h.ledger.HasCompleted("offset=0,size=2000", "arcgis_query"))
	require.Equal(t, 1, h.ledger.Len())

	require.Len(t, summary.Failures, 1)
	failure := summary.Failures[0]
	require.Equal(t, StateFailed, failure.State)
	require.ErrorIs(t, failure.Err, client.ErrRetryExhausted)
	require.Equal(t, 3, failure.Retry.Tries)
	require.Equal(t, 2, failure.Retry.Attempt)

	// Two backoffs, none after the last try: 1s*2^1 and 1s*2^2 at jitter 0.5.
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps)
}

func TestRun_ThrottleDoesNotAdvanceBackoff(t *testing.T) {
	h := newHarness(t, nil)
	src := newScriptedSource("arcgis_query")
	src.script("offset=0,size=2000", throttled(), throttled(), page(5))

	var results []Result
	job := offsetJob(src, 2000, 2000)
	job.OnResult = func(r Result) { results = append(results, r) }

	summary, err := h.f.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 5, summary.Records)

	require.Len(t, results, 1)
	require.Equal(t, 0, results[0].Retry.Attempt)
	require.Equal(t, 3, results[0].Retry.Tries)
	require.Equal(t, 2, results[0].Retry.Throttles)
	require.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, h.sleeps)
}

func TestRun_EmptyPageEndsOffsetJob(t *testing.T) {
	h := newHarness(t, nil)
	src := newScriptedSource("arcgis_query")
	src.script("offset=2000,size=2000", page(0))

	summary, err := h.f.Run(context.Background(), offsetJob(src, 6000, 2000))
	require.NoError(t, err)

	require.True(t, summary.EndOfData)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, 1, summary.Empty)
	require.Equal(t, 2, src.totalCalls())
	require.Zero(t, src.calls["offset=4000,size=2000"])
	require.True(t, h.ledger.HasCompleted("offset=2000,size=2000", "arcgis_query"))
	require.Len(t, h.sink.Batches, 1)
}

func TestRun_EmptyMonthIsNotLogged(t *testing.T) {
	h := newHarness(t, nil)
	src := newScriptedSource("stop_search")
	months := unit.MonthRange(unit.MustParseYearMonth("2024-01"), unit.MustParseYearMonth("2024-03"))
	units := unit.ForceMonths([]string{"kent"}, months)
	src.script(units[1].Key(), page(0))

	job := Job{
		Dataset:     "stop_search",
		Source:      src,
		Units:       unit.Units(units),
		EmptyPolicy: EmptyNotLogged,
	}
	summary, err := h.f.Run(context.Background(), job)
	require.NoError(t, err)

	require.False(t, summary.EndOfData)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 1, summary.Empty)
	require.Equal(t, 2, h.ledger.Len())
	require.False(t, h.ledger.HasCompleted("kent/2024-02", "stop_search"))
	require.Len(t, h.sink.Batches, 2)

	// The empty month is fetched again on the next run.
	summary, err = h.f.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Skipped)
	require.Equal(t, 2, src.calls["kent/2024-02"])
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	src := newScriptedSource("arcgis_query")
	job := offsetJob(src, 5000, 2000)

	_, err := h.f.Run(context.Background(), job)
	require.NoError(t, err)
	first := src.totalCalls()
	require.Equal(t, 3, first)

	summary, err := h.f.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, first, src.totalCalls())
	require.Equal(t, 3, summary.Skipped)
	require.Equal(t, 3, h.ledger.Len())
}

func TestRun_SinkFailureStopsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.Err = errors.New("warehouse unavailable")
	src := newScriptedSource("arcgis_query")

	summary, err := h.f.Run(context.Background(), offsetJob(src, 4000, 2000))
	require.ErrorIs(t, err, ErrSinkFailed)
	require.Equal(t, 1, src.totalCalls())
	require.Zero(t, summary.Completed)
	require.Zero(t, h.ledger.Len())
}

func TestRun_LedgerFailureStopsJob(t *testing.T) {
	h := newHarness(t, failingStore{})
	src := newScriptedSource("arcgis_query")

	_, err := h.f.Run(context.Background(), offsetJob(src, 4000, 2000))
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, 1, src.totalCalls())
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	src := newScriptedSource("arcgis_query")
	job := offsetJob(src, 6000, 2000)
	job.OnResult = func(Result) { cancel() }

	summary, err := h.f.Run(ctx, job)
	require.ErrorIs(t, err, client.ErrContextCancelled)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, src.totalCalls())
}

func TestRun_InvalidJob(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.f.Run(context.Background(), Job{Dataset: "x"})
	require.Error(t, err)

	_, err = h.f.Run(context.Background(), Job{
		Dataset: "x",
		Source:  newScriptedSource("e"),
		Schema:  &sink.Schema{Name: "x"},
	})
	require.Error(t, err)
}

func TestPrecondition(t *testing.T) {
	h := newHarness(t, nil)

	calls := 0
	err := h.f.Precondition(context.Background(), "count", func(context.Context) error {
		calls++
		if calls < 2 {
			return client.StatusError(503, "busy")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	err = h.f.Precondition(context.Background(), "count", func(context.Context) error {
		return client.StatusError(500, "boom")
	})
	require.ErrorIs(t, err, ErrPreconditionFailed)
	require.ErrorIs(t, err, client.ErrRetryExhausted)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, zerolog.Nop())
	require.Error(t, err)
}

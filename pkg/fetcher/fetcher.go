// Package fetcher drives a batch job over a planned set of fetch units.
//
// For each unit the Fetcher checks the ledger, fetches under the retry
// policy, hands the records to the sink and records the unit as completed.
// A unit that exhausts its retries is logged as failed and the job moves on.
// Precondition failures, sink failures and ledger failures end the job.
//
// The drive loop is single-threaded: one unit and one request at a time.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opengeo-uk/geoingest/pkg/client"
	"github.com/opengeo-uk/geoingest/pkg/ledger"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/opengeo-uk/geoingest/pkg/unit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_units_total",
		Help: "Total fetch units by dataset and terminal state",
	}, []string{"dataset", "state"})

	unitRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_unit_records_total",
		Help: "Total records fetched by dataset",
	}, []string{"dataset"})

	unitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoingest_unit_duration_seconds",
		Help:    "Time to fetch and store one unit, retries included",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"dataset"})
)

var (
	// ErrPreconditionFailed is returned when a job's precondition query
	// exhausts its retries. The job does not start.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrSinkFailed is returned when the sink rejects a batch. The unit is not
	// recorded and the job stops.
	ErrSinkFailed = errors.New("sink write failed")
)

// State is the lifecycle state of one unit.
type State string

const (
	StatePending   State = "PENDING"
	StateFetching  State = "FETCHING"
	StateCompleted State = "COMPLETED"
	StateSkipped   State = "SKIPPED"
	StateFailed    State = "FAILED"
)

// EmptyPolicy says what an empty payload means for a job.
type EmptyPolicy int

const (
	// EmptyEndOfData: the unit is completed and recorded, and no further
	// units are fetched. Used for offset pagination.
	EmptyEndOfData EmptyPolicy = iota

	// EmptyNotLogged: the unit is completed without records but is not
	// recorded, so it is fetched again on the next run. Used for monthly
	// endpoints whose data may be published late.
	EmptyNotLogged
)

func (p EmptyPolicy) String() string {
	switch p {
	case EmptyEndOfData:
		return "end-of-data"
	case EmptyNotLogged:
		return "not-logged"
	default:
		return "unknown"
	}
}

// Source fetches the records of one unit with a single attempt.
type Source interface {
	// Endpoint is the ledger endpoint for units of this source.
	Endpoint() string

	// Fetch returns the unit's records. Zero records means an empty payload.
	Fetch(ctx context.Context, u unit.Unit) ([]sink.Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	Name string
	Fn   func(ctx context.Context, u unit.Unit) ([]sink.Record, error)
}

func (s SourceFunc) Endpoint() string { return s.Name }

func (s SourceFunc) Fetch(ctx context.Context, u unit.Unit) ([]sink.Record, error) {
	return s.Fn(ctx, u)
}

// Job is one planned run.
type Job struct {
	// Dataset names the output table.
	Dataset string

	Source      Source
	Units       []unit.Unit
	EmptyPolicy EmptyPolicy

	// Schema is attached to every batch.
	Schema *sink.Schema

	// OnResult, if set, is called with every terminal unit result.
	OnResult func(Result)
}

// Result is the outcome of one unit.
type Result struct {
	Unit    unit.Unit
	State   State
	Records []sink.Record
	Retry   client.RetryState
	Err     error
}

// Summary counts unit outcomes of a run.
type Summary struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int

	// Empty counts completed units with zero records.
	Empty   int
	Records int

	// EndOfData is set when an empty page ended the run early.
	EndOfData bool

	Failures []Result
}

// Processed is the number of units that reached a terminal state.
func (s Summary) Processed() int {
	return s.Completed + s.Skipped + s.Failed
}

// Fetcher runs jobs against one ledger, retry policy and sink.
type Fetcher struct {
	ledger  *ledger.Ledger
	retrier *client.Retrier
	sink    sink.Sink
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClock sets the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// New creates a Fetcher.
func New(l *ledger.Ledger, retrier *client.Retrier, s sink.Sink, logger zerolog.Logger, opts ...Option) (*Fetcher, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if retrier == nil {
		return nil, fmt.Errorf("retrier is required")
	}
	if s == nil {
		return nil, fmt.Errorf("sink is required")
	}

	f := &Fetcher{
		ledger:  l,
		retrier: retrier,
		sink:    s,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Precondition runs fn under the retry policy. Exhaustion returns an error
// matching ErrPreconditionFailed and the last failure.
func (f *Fetcher) Precondition(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	state, err := f.retrier.Do(ctx, name, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, client.ErrContextCancelled) {
		return err
	}

	f.logger.Error().
		Err(err).
		Str("precondition", name).
		Int("tries", state.Tries).
		Msg("Precondition failed, job not started")
	return fmt.Errorf("%w: %s: %w", ErrPreconditionFailed, name, err)
}

// Run processes job.Units in order.
//
// The returned error is nil unless the job had to stop: a cancelled context,
// a sink failure or a ledger failure. Failed units are reported in the
// Summary only.
func (f *Fetcher) Run(ctx context.Context, job Job) (Summary, error) {
	summary := Summary{Total: len(job.Units)}

	if job.Source == nil {
		return summary, fmt.Errorf("job %q has no source", job.Dataset)
	}
	if job.Schema != nil {
		if err := job.Schema.Validate(); err != nil {
			return summary, fmt.Errorf("job %q: %w", job.Dataset, err)
		}
	}

	logger := f.logger.With().
		Str("dataset", job.Dataset).
		Str("endpoint", job.Source.Endpoint()).
		Logger()

	logger.Info().
		Int("units", len(job.Units)).
		Str("empty_policy", job.EmptyPolicy.String()).
		Msg("Starting job")

	start := time.Now()
	for i, u := range job.Units {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("%w: %v", client.ErrContextCancelled, err)
		}

		result, err := f.process(ctx, job, u, logger)
		if err != nil {
			return summary, err
		}

		summary.add(result)
		unitsTotal.WithLabelValues(job.Dataset, string(result.State)).Inc()
		if job.OnResult != nil {
			job.OnResult(result)
		}

		logger.Info().
			Str("unit", u.String()).
			Str("state", string(result.State)).
			Int("records", len(result.Records)).
			Int("progress", i+1).
			Int("total", len(job.Units)).
			Msg("Unit processed")

		if result.State == StateCompleted && len(result.Records) == 0 && job.EmptyPolicy == EmptyEndOfData {
			summary.EndOfData = true
			logger.Info().Str("unit", u.String()).Msg("Empty page, no more data")
			break
		}
	}

	logger.Info().
		Int("total", summary.Total).
		Int("completed", summary.Completed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("empty", summary.Empty).
		Int("records", summary.Records).
		Bool("end_of_data", summary.EndOfData).
		Dur("duration", time.Since(start)).
		Msg("Job finished")

	return summary, nil
}

func (s *Summary) add(r Result) {
	switch r.State {
	case StateCompleted:
		s.Completed++
		s.Records += len(r.Records)
		if len(r.Records) == 0 {
			s.Empty++
		}
	case StateSkipped:
		s.Skipped++
	case StateFailed:
		s.Failed++
		s.Failures = append(s.Failures, Result{Unit: r.Unit, State: r.State, Retry: r.Retry, Err: r.Err})
	}
}

func (f *Fetcher) process(ctx context.Context, job Job, u unit.Unit, logger zerolog.Logger) (Result, error) {
	endpoint := job.Source.Endpoint()
	key := u.Key()

	if f.ledger.HasCompleted(key, endpoint) {
		logger.Debug().Str("unit", u.String()).Msg("Already fetched, skipping")
		return Result{Unit: u, State: StateSkipped}, nil
	}

	start := time.Now()
	defer func() {
		unitDuration.WithLabelValues(job.Dataset).Observe(time.Since(start).Seconds())
	}()

	logger.Debug().Str("unit", u.String()).Str("state", string(StateFetching)).Msg("Fetching unit")

	var records []sink.Record
	retry, err := f.retrier.Do(ctx, u.String(), func(ctx context.Context) error {
		var fetchErr error
		records, fetchErr = job.Source.Fetch(ctx, u)
		return fetchErr
	})
	if err != nil {
		if errors.Is(err, client.ErrContextCancelled) {
			return Result{}, err
		}
		logger.Error().
			Err(err).
			Str("unit", u.String()).
			Int("tries", retry.Tries).
			Int("throttles", retry.Throttles).
			Msg("Unit failed after retries")
		return Result{Unit: u, State: StateFailed, Retry: retry, Err: err}, nil
	}

	result := Result{Unit: u, State: StateCompleted, Records: records, Retry: retry}

	if len(records) == 0 {
		if job.EmptyPolicy == EmptyNotLogged {
			logger.Info().Str("unit", u.String()).Msg("No data for unit, not recorded")
			return result, nil
		}
		return result, f.record(ctx, key, endpoint)
	}

	batch := sink.Batch{
		Dataset:   job.Dataset,
		Endpoint:  endpoint,
		UnitKey:   key,
		Schema:    job.Schema,
		Records:   records,
		FetchedAt: f.now().UTC(),
	}
	if err := f.sink.Write(ctx, batch); err != nil {
		logger.Error().Err(err).Str("unit", u.String()).Msg("Sink rejected batch, stopping job")
		return Result{}, fmt.Errorf("%w: unit %s: %w", ErrSinkFailed, u, err)
	}
	unitRecordsTotal.WithLabelValues(job.Dataset).Add(float64(len(records)))

	return result, f.record(ctx, key, endpoint)
}

func (f *Fetcher) record(ctx context.Context, key, endpoint string) error {
	if err := f.ledger.RecordCompleted(ctx, key, endpoint, f.now()); err != nil {
		return fmt.Errorf("record unit %s: %w", key, err)
	}
	return nil
}

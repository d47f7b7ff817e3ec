package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opengeo-uk/geoingest/internal/config"
	"github.com/opengeo-uk/geoingest/pkg/client"
	"github.com/opengeo-uk/geoingest/pkg/fetcher"
	"github.com/opengeo-uk/geoingest/pkg/ledger"
	"github.com/opengeo-uk/geoingest/pkg/logging"
	"github.com/opengeo-uk/geoingest/pkg/metrics"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// jobFlags override JobConfig fields when set on the command line.
type jobFlags struct {
	start         string
	end           string
	batchSize     int
	maxRetries    int
	baseDelay     float64
	throttleDelay float64
}

func (f *jobFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.start, "start", "", "Start offset (lsoa) or month YYYY-MM (stop-search); overrides JOB_START")
	flags.StringVar(&f.end, "end", "", "Last month YYYY-MM, inclusive; overrides JOB_END")
	flags.IntVar(&f.batchSize, "batch-size", 0, "Page size; overrides JOB_BATCH_SIZE")
	flags.IntVar(&f.maxRetries, "max-retries", 0, "Tries per unit; overrides JOB_MAX_RETRIES")
	flags.Float64Var(&f.baseDelay, "base-delay", 0, "Backoff base delay in seconds; overrides JOB_BASE_DELAY_SECONDS")
	flags.Float64Var(&f.throttleDelay, "throttle-delay", 0, "Delay after a throttled response in seconds; overrides JOB_THROTTLE_DELAY_SECONDS")
}

func (f *jobFlags) apply(cmd *cobra.Command, job *config.JobConfig) {
	flags := cmd.Flags()
	if flags.Changed("start") {
		job.Start = f.start
	}
	if flags.Changed("end") {
		job.End = f.end
	}
	if flags.Changed("batch-size") {
		job.BatchSize = f.batchSize
	}
	if flags.Changed("max-retries") {
		job.MaxRetries = f.maxRetries
	}
	if flags.Changed("base-delay") {
		job.BaseDelaySeconds = f.baseDelay
	}
	if flags.Changed("throttle-delay") {
		job.ThrottleDelaySeconds = f.throttleDelay
	}
}

// runtime holds everything one command invocation owns.
type runtime struct {
	cfg    config.Config
	runID  string
	logger zerolog.Logger

	logFile io.Closer
	ledger  *ledger.Ledger
	sink    sink.Sink
	http    *client.Client
	fetcher *fetcher.Fetcher
}

// loadConfig reads configuration and sets up logging. It is the part of
// setup shared with commands that do not fetch.
func loadConfig(cmd *cobra.Command, opts *globalOptions, jf *jobFlags) (*runtime, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = opts.pretty
	}
	if jf != nil {
		jf.apply(cmd, &cfg.Job)
	}

	rt := &runtime{cfg: cfg, runID: uuid.NewString()}

	logCfg := cfg.Log.Logging()
	logCfg.Output = cmd.ErrOrStderr()
	logCfg.RunID = rt.runID
	if cfg.Log.File != "" {
		f, err := logging.OpenFile(cfg.Log.File)
		if err != nil {
			return nil, err
		}
		logCfg.File = f
		rt.logFile = f
	}
	logging.Setup(logCfg)
	rt.logger = logging.NewLogger("cli")

	return rt, nil
}

// setup builds the ledger, sink, HTTP client and fetcher. timeout is the
// dataset's default request timeout.
func setup(ctx context.Context, cmd *cobra.Command, opts *globalOptions, jf *jobFlags, timeout time.Duration) (*runtime, error) {
	rt, err := loadConfig(cmd, opts, jf)
	if err != nil {
		return nil, err
	}
	if err := rt.cfg.Validate(); err != nil {
		rt.close()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := rt.open(ctx, timeout); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context, timeout time.Duration) error {
	store, err := ledger.NewStore(ctx, rt.cfg.Ledger.Store())
	if err != nil {
		return err
	}
	rt.ledger, err = ledger.Open(ctx, store, logging.NewLogger("ledger"))
	if err != nil {
		store.Close()
		return err
	}

	rt.sink, err = buildSink(ctx, rt.cfg.Sink, logging.NewLogger("sink"))
	if err != nil {
		return err
	}

	rt.http, err = client.New(rt.cfg.HTTP.Client(timeout))
	if err != nil {
		return err
	}

	policy := rt.cfg.Job.Policy()
	if err := policy.Validate(); err != nil {
		return err
	}
	retrier := client.NewRetrier(policy, logging.NewLogger("retry"))

	rt.fetcher, err = fetcher.New(rt.ledger, retrier, rt.sink, logging.NewLogger("fetcher"))
	return err
}

// buildSink opens every configured sink kind.
func buildSink(ctx context.Context, cfg config.SinkConfig, logger zerolog.Logger) (sink.Sink, error) {
	var sinks sink.Multi
	for _, kind := range cfg.Kinds {
		var (
			s   sink.Sink
			err error
		)
		switch strings.TrimSpace(kind) {
		case sink.KindBlob:
			s, err = sink.OpenBlobSink(ctx, cfg.BucketURL, cfg.Prefix, logger)
		case sink.KindParquet:
			s, err = sink.OpenParquetSink(ctx, cfg.BucketURL, cfg.Prefix, logger)
		case sink.KindWarehouse:
			s, err = sink.NewWarehouseSink(ctx, cfg.WarehouseDSN, warehouseTables(cfg), logger)
		case sink.KindDiscard:
			s = &sink.Discard{}
		default:
			err = fmt.Errorf("unknown sink kind %q", kind)
		}
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// finish logs the summary, pushes metrics and turns an aborted run into the
// command's error.
func (rt *runtime) finish(ctx context.Context, job string, summary fetcher.Summary, runErr error) error {
	if url := rt.cfg.Metrics.PushgatewayURL; url != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := metrics.Push(pushCtx, url, "geoingest_"+job, rt.runID, nil); err != nil {
			rt.logger.Warn().Err(err).Msg("Metrics push failed")
		}
	}

	for _, f := range summary.Failures {
		rt.logger.Error().
			Err(f.Err).
			Str("unit", f.Unit.String()).
			Int("tries", f.Retry.Tries).
			Msg("Unit not fetched, will be retried on the next run")
	}

	if runErr != nil {
		rt.logger.Error().Err(runErr).Str("job", job).Msg("Run aborted")
		return runErr
	}
	return nil
}

func (rt *runtime) close() {
	var errs []error
	if rt.sink != nil {
		errs = append(errs, rt.sink.Close())
	}
	if rt.ledger != nil {
		errs = append(errs, rt.ledger.Close())
	}
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn().Err(err).Msg("Close failed")
	}
	if rt.logFile != nil {
		_ = rt.logFile.Close()
	}
}

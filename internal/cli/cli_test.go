package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opengeo-uk/geoingest/internal/config"
	"github.com/opengeo-uk/geoingest/internal/testutil"
	"github.com/opengeo-uk/geoingest/pkg/fetcher"
	"github.com/opengeo-uk/geoingest/pkg/ledger"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const layerPath = "/arcgis/rest/services/LSOA/FeatureServer/0/query"

func setupEnv(t *testing.T, mock *testutil.MockAPI) string {
	t.Helper()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.csv")

	t.Setenv("ARCGIS_URL", mock.URL()+layerPath)
	t.Setenv("POLICE_URL", mock.URL()+"/api")
	t.Setenv("LEDGER_BACKEND", "csv")
	t.Setenv("LEDGER_PATH", ledgerPath)
	t.Setenv("SINK_KINDS", "blob,parquet")
	t.Setenv("SINK_BUCKET_URL", "file://"+filepath.Join(dir, "bucket"))
	t.Setenv("HTTP_MIN_INTERVAL", "0s")
	t.Setenv("LOG_FILE", filepath.Join(dir, "logs", "geoingest.log"))
	t.Setenv("METRICS_PUSHGATEWAY_URL", "")
	return filepath.Join(dir, "missing.env")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLSOACommand_ResumesFromLedger(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeFeatureLayer(layerPath, 250)
	envFile := setupEnv(t, mock)

	_, err := execute(t, "--env-file", envFile, "lsoa", "--batch-size", "100")
	require.NoError(t, err)
	require.Equal(t, 4, mock.RequestCount())

	out, err := execute(t, "--env-file", envFile, "ledger", "list")
	require.NoError(t, err)
	require.Contains(t, out, "offset=0,size=100")
	require.Contains(t, out, "offset=200,size=100")
	require.Contains(t, out, "3 entries")

	mock.Reset()
	_, err = execute(t, "--env-file", envFile, "lsoa", "--batch-size", "100")
	require.NoError(t, err)
	require.Equal(t, 1, mock.RequestCount())
}

func TestStopSearchCommand(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeStops("/api/stops-force", func(force, date string) int { return 2 })
	envFile := setupEnv(t, mock)

	_, err := execute(t, "--env-file", envFile, "stop-search",
		"--force", "kent", "--force", "essex", "--start", "2024-01", "--end", "2024-03")
	require.NoError(t, err)
	require.Equal(t, 6, mock.PathCount("/api/stops-force"))
	require.Zero(t, mock.PathCount("/api/forces"))

	out, err := execute(t, "--env-file", envFile, "ledger", "list", "--endpoint", "stop_search")
	require.NoError(t, err)
	require.Contains(t, out, "kent/2024-03")
	require.Contains(t, out, "essex/2024-01")
	require.Contains(t, out, "6 entries")
}

func TestLSOACommand_PreconditionFailure(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse(layerPath, testutil.NewServerErrorResponse())
	envFile := setupEnv(t, mock)
	t.Setenv("JOB_BASE_DELAY_SECONDS", "0.001")

	_, err := execute(t, "--env-file", envFile, "lsoa", "--max-retries", "2")
	require.ErrorIs(t, err, fetcher.ErrPreconditionFailed)
	require.Equal(t, 2, mock.RequestCount())
}

func TestInvalidConfiguration(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	envFile := setupEnv(t, mock)
	t.Setenv("SINK_KINDS", "snowflake")

	_, err := execute(t, "--env-file", envFile, "lsoa")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unknown sink kind"), err.Error())
	require.Zero(t, mock.RequestCount())
}

func TestBuildSink(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	s, err := buildSink(ctx, config.SinkConfig{Kinds: []string{"discard"}}, logger)
	require.NoError(t, err)
	require.IsType(t, &sink.Discard{}, s)

	s, err = buildSink(ctx, config.SinkConfig{
		Kinds:     []string{"discard", " blob "},
		BucketURL: "mem://",
		Prefix:    "raw",
	}, logger)
	require.NoError(t, err)
	multi, ok := s.(sink.Multi)
	require.True(t, ok)
	require.Len(t, multi, 2)
	require.NoError(t, s.Close())

	_, err = buildSink(ctx, config.SinkConfig{Kinds: []string{"discard", "tape"}}, logger)
	require.ErrorContains(t, err, `unknown sink kind "tape"`)
}

func TestPrintEntries(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []ledger.Entry{
		{UnitKey: "offset=0,size=2000", Endpoint: "lsoa_boundaries", CompletedAt: at},
		{UnitKey: "kent/2024-01", Endpoint: "stop_search", CompletedAt: at},
	}

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, printEntries(cmd, entries, "stop_search"))

	require.Contains(t, out.String(), "kent/2024-01")
	require.Contains(t, out.String(), "2024-05-01T12:00:00Z")
	require.NotContains(t, out.String(), "offset=0")
	require.Contains(t, out.String(), "1 entries")
}

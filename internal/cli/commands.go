package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/opengeo-uk/geoingest/internal/config"
	"github.com/opengeo-uk/geoingest/internal/datasets"
	"github.com/opengeo-uk/geoingest/pkg/arcgis"
	"github.com/opengeo-uk/geoingest/pkg/fetcher"
	"github.com/opengeo-uk/geoingest/pkg/ledger"
	"github.com/opengeo-uk/geoingest/pkg/logging"
	"github.com/opengeo-uk/geoingest/pkg/police"
	"github.com/spf13/cobra"
)

// Default request timeouts per dataset, used when HTTP_TIMEOUT is unset.
const (
	lsoaTimeout       = 60 * time.Second
	stopSearchTimeout = 30 * time.Second
)

func warehouseTables(cfg config.SinkConfig) map[string]string {
	return map[string]string{
		datasets.LSOADataset:       cfg.TableLSOA,
		datasets.StopSearchDataset: cfg.TableStopSearch,
	}
}

func newLSOACmd(opts *globalOptions) *cobra.Command {
	jf := &jobFlags{}

	cmd := &cobra.Command{
		Use:   "lsoa",
		Short: "Fetch LSOA boundaries from the ArcGIS FeatureServer",
		Long: `Fetch the LSOA December 2021 boundaries layer page by page.

The feature count is queried first and split into windows of --batch-size
features starting at --start. Windows already in the ledger are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, cmd, opts, jf, lsoaTimeout)
			if err != nil {
				return err
			}
			defer rt.close()

			layer := arcgis.NewLayer(rt.http, rt.cfg.ArcGISURL, logging.NewLogger("arcgis"))
			job, err := datasets.PlanLSOA(ctx, rt.fetcher, layer, rt.cfg.Job, logging.NewLogger("lsoa"))
			if err != nil {
				return rt.finish(ctx, "lsoa", fetcher.Summary{}, err)
			}

			summary, err := rt.fetcher.Run(ctx, job)
			return rt.finish(ctx, "lsoa", summary, err)
		},
	}
	jf.register(cmd)

	return cmd
}

func newStopSearchCmd(opts *globalOptions) *cobra.Command {
	jf := &jobFlags{}
	var forces []string

	cmd := &cobra.Command{
		Use:   "stop-search",
		Short: "Fetch monthly stop-and-search records from data.police.uk",
		Long: `Fetch stop-and-search records for every force and month from --start
(default 2024-01) to --end (default: the last full month).

Without --force the force list is fetched from the API. Months that return no
records are not recorded and are fetched again on the next run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, cmd, opts, jf, stopSearchTimeout)
			if err != nil {
				return err
			}
			defer rt.close()

			api := police.New(rt.http, rt.cfg.PoliceURL)
			job, err := datasets.PlanStopSearch(ctx, rt.fetcher, api, forces, rt.cfg.Job, time.Now(), logging.NewLogger("stop-search"))
			if err != nil {
				return rt.finish(ctx, "stop_search", fetcher.Summary{}, err)
			}

			report := datasets.NewReport(datasets.StopSearchSchema)
			job.OnResult = report.Observe

			summary, err := rt.fetcher.Run(ctx, job)
			report.Log(logging.NewLogger("report"))
			return rt.finish(ctx, "stop_search", summary, err)
		},
	}
	jf.register(cmd)
	cmd.Flags().StringSliceVar(&forces, "force", nil, "Force id to fetch (repeatable); default: every force")

	return cmd
}

func newLedgerCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the progress ledger",
	}
	cmd.AddCommand(newLedgerListCmd(opts))
	return cmd
}

func newLedgerListCmd(opts *globalOptions) *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List completed units",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer rt.close()

			store, err := ledger.NewStore(ctx, rt.cfg.Ledger.Store())
			if err != nil {
				return err
			}
			rt.ledger, err = ledger.Open(ctx, store, logging.NewLogger("ledger"))
			if err != nil {
				store.Close()
				return err
			}

			return printEntries(cmd, rt.ledger.Entries(), endpoint)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Only list entries of this endpoint")

	return cmd
}

func printEntries(cmd *cobra.Command, entries []ledger.Entry, endpoint string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tENDPOINT\tCOMPLETED AT")
	n := 0
	for _, e := range entries {
		if endpoint != "" && e.Endpoint != endpoint {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.UnitKey, e.Endpoint, e.CompletedAt.Format(time.RFC3339))
		n++
	}
	fmt.Fprintf(w, "\n%d entries\n", n)
	return w.Flush()
}

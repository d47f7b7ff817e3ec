package datasets

import (
	"sort"

	"github.com/opengeo-uk/geoingest/pkg/fetcher"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/opengeo-uk/geoingest/pkg/unit"
	"github.com/rs/zerolog"
)

// ReportRow summarizes one fetched force/month.
type ReportRow struct {
	Force string
	Month string
	Rows  int

	// NullPercent is the share of null cells across the schema columns.
	NullPercent float64
}

// Report collects per force/month rows of a stop-and-search run. Attach
// Observe as the job's OnResult.
type Report struct {
	schema *sink.Schema
	rows   []ReportRow
}

// NewReport creates a report over schema's columns.
func NewReport(schema *sink.Schema) *Report {
	return &Report{schema: schema}
}

// Observe records completed units with data.
func (r *Report) Observe(res fetcher.Result) {
	if res.State != fetcher.StateCompleted || len(res.Records) == 0 {
		return
	}
	m, ok := res.Unit.(unit.MonthUnit)
	if !ok {
		return
	}
	r.rows = append(r.rows, ReportRow{
		Force:       m.Force,
		Month:       m.Period.String(),
		Rows:        len(res.Records),
		NullPercent: NullPercent(r.schema, res.Records),
	})
}

// Rows returns the rows sorted by force then month.
func (r *Report) Rows() []ReportRow {
	out := make([]ReportRow, len(r.rows))
	copy(out, r.rows)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Force != out[j].Force {
			return out[i].Force < out[j].Force
		}
		return out[i].Month < out[j].Month
	})
	return out
}

// Log writes one line per row.
func (r *Report) Log(logger zerolog.Logger) {
	rows := r.Rows()
	if len(rows) == 0 {
		logger.Info().Msg("No data fetched, no summary to show")
		return
	}
	for _, row := range rows {
		logger.Info().
			Str("force", row.Force).
			Str("month", row.Month).
			Int("rows", row.Rows).
			Float64("null_percent", row.NullPercent).
			Msg("Force/month summary")
	}
}

// NullPercent returns the percentage of schema cells that are missing or
// null across records.
func NullPercent(schema *sink.Schema, records []sink.Record) float64 {
	cells := len(schema.Columns) * len(records)
	if cells == 0 {
		return 0
	}
	nulls := 0
	for _, rec := range records {
		for _, c := range schema.Columns {
			if rec[c.Name] == nil {
				nulls++
			}
		}
	}
	return float64(nulls) * 100 / float64(cells)
}

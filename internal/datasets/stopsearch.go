package datasets

import (
	"context"
	"fmt"
	"time"

	"github.com/opengeo-uk/geoingest/internal/config"
	"github.com/opengeo-uk/geoingest/pkg/fetcher"
	"github.com/opengeo-uk/geoingest/pkg/police"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/opengeo-uk/geoingest/pkg/unit"
	"github.com/rs/zerolog"
)

// Stop-and-search dataset identifiers.
const (
	StopSearchDataset  = "stop_search"
	StopSearchEndpoint = police.EndpointStopSearch

	// DefaultStopSearchStart is the first month fetched when no start is
	// configured.
	DefaultStopSearchStart = "2024-01"
)

// StopSearchSchema is the output schema of stops-force records. Nested
// objects are stored as JSON text.
var StopSearchSchema = &sink.Schema{
	Name: StopSearchDataset,
	Columns: []sink.Column{
		{Name: "type", Type: sink.TypeString},
		{Name: "involved_person", Type: sink.TypeBoolean},
		{Name: "datetime", Type: sink.TypeString},
		{Name: "operation", Type: sink.TypeBoolean},
		{Name: "operation_name", Type: sink.TypeString},
		{Name: "location", Type: sink.TypeString},
		{Name: "gender", Type: sink.TypeString},
		{Name: "age_range", Type: sink.TypeString},
		{Name: "self_defined_ethnicity", Type: sink.TypeString},
		{Name: "officer_defined_ethnicity", Type: sink.TypeString},
		{Name: "legislation", Type: sink.TypeString},
		{Name: "object_of_search", Type: sink.TypeString},
		{Name: "outcome", Type: sink.TypeString},
		{Name: "outcome_linked_to_object_of_search", Type: sink.TypeBoolean},
		{Name: "removal_of_more_than_outer_clothing", Type: sink.TypeBoolean},
		{Name: "outcome_object", Type: sink.TypeString},
		{Name: police.ColumnForce, Type: sink.TypeString},
	},
}

// StopSearchSource fetches one force/month.
type StopSearchSource struct {
	api *police.API
}

// NewStopSearchSource creates the source.
func NewStopSearchSource(api *police.API) *StopSearchSource {
	return &StopSearchSource{api: api}
}

// Endpoint implements fetcher.Source.
func (s *StopSearchSource) Endpoint() string { return StopSearchEndpoint }

// Fetch implements fetcher.Source. A month without data yields no records.
func (s *StopSearchSource) Fetch(ctx context.Context, u unit.Unit) ([]sink.Record, error) {
	m, ok := u.(unit.MonthUnit)
	if !ok {
		return nil, fmt.Errorf("stop-search source: unexpected unit %T", u)
	}
	if m.Force == "" {
		return nil, fmt.Errorf("stop-search source: unit %s has no force", m)
	}
	return s.api.StopsForce(ctx, m.Force, m.Period)
}

// PlanStopSearch plans force/month units. When forces is empty the force
// list is fetched from the API under the fetcher's retry policy.
func PlanStopSearch(ctx context.Context, f *fetcher.Fetcher, api *police.API, forces []string, job config.JobConfig, now time.Time, logger zerolog.Logger) (fetcher.Job, error) {
	months, err := job.Months(DefaultStopSearchStart, now)
	if err != nil {
		return fetcher.Job{}, err
	}

	if len(forces) == 0 {
		err := f.Precondition(ctx, "police forces", func(ctx context.Context) error {
			list, err := api.Forces(ctx)
			if err != nil {
				return err
			}
			forces = police.ForceIDs(list)
			return nil
		})
		if err != nil {
			return fetcher.Job{}, err
		}
		if len(forces) == 0 {
			return fetcher.Job{}, fmt.Errorf("%w: police forces: empty force list", fetcher.ErrPreconditionFailed)
		}
	}

	units := unit.ForceMonths(forces, months)
	logger.Info().
		Int("forces", len(forces)).
		Int("months", len(months)).
		Str("first_month", months[0].String()).
		Str("last_month", months[len(months)-1].String()).
		Int("units", len(units)).
		Msg("Planned stop-and-search units")

	return fetcher.Job{
		Dataset:     StopSearchDataset,
		Source:      NewStopSearchSource(api),
		Units:       unit.Units(units),
		EmptyPolicy: fetcher.EmptyNotLogged,
		Schema:      StopSearchSchema,
	}, nil
}

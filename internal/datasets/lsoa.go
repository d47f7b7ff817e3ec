// Package datasets binds the API clients to the fetcher: the fetch source,
// the explicit output schema and the unit plan of each dataset.
package datasets

import (
	"context"
	"fmt"

	"github.com/opengeo-uk/geoingest/internal/config"
	"github.com/opengeo-uk/geoingest/pkg/arcgis"
	"github.com/opengeo-uk/geoingest/pkg/fetcher"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/opengeo-uk/geoingest/pkg/unit"
	"github.com/rs/zerolog"
)

// LSOA dataset identifiers.
const (
	LSOADataset  = "lsoa_boundaries"
	LSOAEndpoint = "lsoa_boundaries"
)

// LSOASchema is the output schema of the LSOA boundaries layer.
var LSOASchema = &sink.Schema{
	Name: LSOADataset,
	Columns: []sink.Column{
		{Name: "FID", Type: sink.TypeNumber},
		{Name: "LSOA21CD", Type: sink.TypeString},
		{Name: "LSOA21NM", Type: sink.TypeString},
		{Name: "LSOA21NMW", Type: sink.TypeString},
		{Name: "BNG_E", Type: sink.TypeNumber},
		{Name: "BNG_N", Type: sink.TypeNumber},
		{Name: "LAT", Type: sink.TypeFloat},
		{Name: "LONG", Type: sink.TypeFloat},
		{Name: "SHAPE_AREA", Type: sink.TypeFloat},
		{Name: "SHAPE_LENGTH", Type: sink.TypeFloat},
		{Name: "GLOBALID", Type: sink.TypeString},
		{Name: arcgis.ColumnGeometry, Type: sink.TypeString},
	},
}

// LSOASource fetches one offset window of the boundaries layer.
type LSOASource struct {
	layer  *arcgis.Layer
	total  int
	logger zerolog.Logger
}

// NewLSOASource creates the source for a layer of total features.
func NewLSOASource(layer *arcgis.Layer, total int, logger zerolog.Logger) *LSOASource {
	return &LSOASource{layer: layer, total: total, logger: logger}
}

// Endpoint implements fetcher.Source.
func (s *LSOASource) Endpoint() string { return LSOAEndpoint }

// Fetch implements fetcher.Source. An empty page yields no records.
func (s *LSOASource) Fetch(ctx context.Context, u unit.Unit) ([]sink.Record, error) {
	w, ok := u.(unit.OffsetWindow)
	if !ok {
		return nil, fmt.Errorf("lsoa source: unexpected unit %T", u)
	}

	env, err := s.layer.Query(ctx, w.Offset, w.Size)
	if err != nil {
		return nil, err
	}
	if env.Kind == arcgis.KindEmpty {
		return nil, nil
	}

	// A short page before the end of the layer means the server caps pages
	// below the batch size; the rest of the window is not fetched.
	if n := len(env.Features); n < w.Size && w.Offset+n < s.total {
		s.logger.Warn().
			Str("unit", w.Key()).
			Int("features", n).
			Int("batch_size", w.Size).
			Int("total_features", s.total).
			Msg("Short page before end of layer, lower --batch-size to the layer's maxRecordCount")
	}
	return arcgis.Records(env.Features, s.logger.With().Str("unit", w.Key()).Logger()), nil
}

// PlanLSOA queries the feature count under the fetcher's retry policy and
// plans offset windows covering it from the configured start offset.
func PlanLSOA(ctx context.Context, f *fetcher.Fetcher, layer *arcgis.Layer, job config.JobConfig, logger zerolog.Logger) (fetcher.Job, error) {
	start, err := job.StartOffset()
	if err != nil {
		return fetcher.Job{}, err
	}

	var total int
	err = f.Precondition(ctx, "lsoa feature count", func(ctx context.Context) error {
		n, err := layer.Count(ctx)
		if err != nil {
			return err
		}
		total = n
		return nil
	})
	if err != nil {
		return fetcher.Job{}, err
	}

	windows := unit.OffsetWindows(start, total, job.BatchSize)
	logger.Info().
		Int("total_features", total).
		Int("start_offset", start).
		Int("batch_size", job.BatchSize).
		Int("windows", len(windows)).
		Msg("Planned LSOA windows")

	return fetcher.Job{
		Dataset:     LSOADataset,
		Source:      NewLSOASource(layer, total, logger),
		Units:       unit.Units(windows),
		EmptyPolicy: fetcher.EmptyEndOfData,
		Schema:      LSOASchema,
	}, nil
}

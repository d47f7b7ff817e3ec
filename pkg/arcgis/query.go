package arcgis

import (
	"context"
	"net/url"
	"strconv"

	"github.com/opengeo-uk/geoingest/pkg/client"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/rs/zerolog"
)

// Endpoint labels used in logs and metrics.
const (
	EndpointCount = "arcgis_count"
	EndpointQuery = "arcgis_query"
)

// ColumnGeometry holds the WKT rendering of each feature's geometry.
const ColumnGeometry = "GEOMETRY_WKT"

// Getter performs one GET. *client.Client implements it.
type Getter interface {
	Get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error)
}

// Layer queries one FeatureServer layer. Each call is a single attempt.
type Layer struct {
	http     Getter
	queryURL string
	logger   zerolog.Logger
}

// NewLayer creates a Layer for the layer's /query URL.
func NewLayer(http Getter, queryURL string, logger zerolog.Logger) *Layer {
	return &Layer{http: http, queryURL: queryURL, logger: logger}
}

// Count returns the total number of features matching where=1=1.
func (l *Layer) Count(ctx context.Context) (int, error) {
	params := url.Values{
		"where":           {"1=1"},
		"returnCountOnly": {"true"},
		"f":               {"json"},
	}
	body, err := l.http.Get(ctx, EndpointCount, l.queryURL, params)
	if err != nil {
		return 0, err
	}
	return DecodeCount(body)
}

// Query fetches size features starting at offset, reprojected to WGS84.
// A service error in the body is returned as a classified error.
func (l *Layer) Query(ctx context.Context, offset, size int) (Envelope, error) {
	params := url.Values{
		"where":             {"1=1"},
		"outSR":             {"4326"},
		"f":                 {"json"},
		"outFields":         {"*"},
		"resultOffset":      {strconv.Itoa(offset)},
		"resultRecordCount": {strconv.Itoa(size)},
	}
	body, err := l.http.Get(ctx, EndpointQuery, l.queryURL, params)
	if err != nil {
		return Envelope{}, err
	}

	env, err := DecodeEnvelope(body)
	if err != nil {
		return Envelope{}, err
	}
	if env.Kind == KindError {
		return env, serviceError(env.Err)
	}
	return env, nil
}

// Records flattens features into records: attribute names are normalized and
// the geometry is added as WKT. A geometry that cannot be converted becomes
// null with a warning.
func Records(features []Feature, logger zerolog.Logger) []sink.Record {
	records := make([]sink.Record, 0, len(features))
	for i, f := range features {
		r := make(sink.Record, len(f.Attributes)+1)
		for k, v := range f.Attributes {
			r[sink.NormalizeColumn(k)] = v
		}

		r[ColumnGeometry] = nil
		if f.Geometry != nil {
			text, err := f.Geometry.WKT()
			if err != nil {
				logger.Warn().Err(err).Int("feature", i).Msg("Geometry conversion failed")
			} else {
				r[ColumnGeometry] = text
			}
		}
		records = append(records, r)
	}
	return records
}

var _ Getter = (*client.Client)(nil)

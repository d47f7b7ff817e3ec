// Package police reads the data.police.uk API: the list of forces and the
// monthly stop-and-search records of one force.
package police

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/opengeo-uk/geoingest/pkg/client"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/opengeo-uk/geoingest/pkg/unit"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://data.police.uk/api"

// Endpoint labels used in logs, metrics and the ledger.
const (
	EndpointForces     = "forces"
	EndpointStopSearch = "stop_search"
)

// ColumnForce is appended to every stop-and-search record.
const ColumnForce = "force_name"

// Getter performs one GET. *client.Client implements it.
type Getter interface {
	Get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error)
}

// Force is one entry of /forces.
type Force struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// API is a data.police.uk client. Each call is a single attempt.
type API struct {
	http    Getter
	baseURL string
}

// New creates an API rooted at baseURL, or DefaultBaseURL when empty.
func New(http Getter, baseURL string) *API {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &API{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

// Forces lists the police forces.
func (a *API) Forces(ctx context.Context) ([]Force, error) {
	body, err := a.http.Get(ctx, EndpointForces, a.baseURL+"/forces", nil)
	if err != nil {
		return nil, err
	}

	var forces []Force
	if err := json.Unmarshal(body, &forces); err != nil {
		return nil, client.Malformed("decode forces response", err)
	}
	for i, f := range forces {
		if f.ID == "" {
			return nil, client.Malformed(fmt.Sprintf("force %d has no id", i), nil)
		}
	}
	return forces, nil
}

// ForceIDs returns the ids of forces in order.
func ForceIDs(forces []Force) []string {
	ids := make([]string, len(forces))
	for i, f := range forces {
		ids[i] = f.ID
	}
	return ids
}

// StopsForce returns the stop-and-search records of force in month. An empty
// list is a valid answer and yields no records.
func (a *API) StopsForce(ctx context.Context, force string, month unit.YearMonth) ([]sink.Record, error) {
	params := url.Values{
		"force": {force},
		"date":  {month.String()},
	}
	body, err := a.http.Get(ctx, EndpointStopSearch, a.baseURL+"/stops-force", params)
	if err != nil {
		return nil, err
	}

	var rows *[]map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, client.Malformed("decode stops-force response", err)
	}
	if rows == nil {
		return nil, client.Malformed("stops-force response is null", nil)
	}

	records := make([]sink.Record, 0, len(*rows))
	for i, row := range *rows {
		if row == nil {
			return nil, client.Malformed(fmt.Sprintf("stops-force row %d is null", i), nil)
		}
		r := sink.Record(row)
		r[ColumnForce] = force
		records = append(records, r)
	}
	return records, nil
}

var _ Getter = (*client.Client)(nil)

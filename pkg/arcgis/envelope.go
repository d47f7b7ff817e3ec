// Package arcgis queries an ArcGIS FeatureServer layer: a count-only query
// and offset/limit page queries, decoded into a tagged Envelope.
package arcgis

import (
	"encoding/json"
	"fmt"

	"github.com/opengeo-uk/geoingest/pkg/client"
)

// Kind tags an Envelope.
type Kind int

const (
	// KindFeatures carries at least one feature.
	KindFeatures Kind = iota + 1

	// KindError carries a service error reported in the body.
	KindError

	// KindEmpty is a valid page with no features.
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindFeatures:
		return "features"
	case KindError:
		return "error"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Feature is one row of a query result.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry"`
}

// ServiceError is the body of {"error": {...}}. ArcGIS reports these with
// HTTP 200.
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("arcgis error %d: %s", e.Code, e.Message)
}

// Envelope is a decoded query response.
type Envelope struct {
	Kind     Kind
	Features []Feature
	Err      *ServiceError
}

// DecodeEnvelope decodes a page response. A body with neither "features" nor
// "error" is malformed.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Features *[]Feature    `json:"features"`
		Error    *ServiceError `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, client.Malformed("decode query response", err)
	}

	switch {
	case raw.Error != nil:
		return Envelope{Kind: KindError, Err: raw.Error}, nil
	case raw.Features == nil:
		return Envelope{}, client.Malformed("query response has no features key", nil)
	case len(*raw.Features) == 0:
		return Envelope{Kind: KindEmpty}, nil
	default:
		return Envelope{Kind: KindFeatures, Features: *raw.Features}, nil
	}
}

// DecodeCount decodes a returnCountOnly response.
func DecodeCount(data []byte) (int, error) {
	var raw struct {
		Count *int          `json:"count"`
		Error *ServiceError `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, client.Malformed("decode count response", err)
	}
	if raw.Error != nil {
		return 0, serviceError(raw.Error)
	}
	if raw.Count == nil {
		return 0, client.Malformed("count response has no count key", nil)
	}
	if *raw.Count < 0 {
		return 0, client.Malformed(fmt.Sprintf("negative count %d", *raw.Count), nil)
	}
	return *raw.Count, nil
}

// serviceError converts a body-level error into a classified client error so
// retry policy treats it like the equivalent HTTP status.
func serviceError(e *ServiceError) error {
	apiErr := client.StatusError(e.Code, e.Message)
	apiErr.Err = e
	return apiErr
}

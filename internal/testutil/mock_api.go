// Package testutil provides a scriptable mock of the ArcGIS and data.police.uk
// APIs for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines one canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

type sequence struct {
	match     map[string]string
	responses []MockResponse
	next      int
}

// MockAPI is a configurable mock API server.
//
// A request is answered by the first matching sequence for its path that
// still has responses left, then by the path's handler, then with 404.
type MockAPI struct {
	server    *httptest.Server
	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]*sequence

	requests   int
	pathCounts map[string]int
	queries    []string
}

// NewMockAPI starts a mock server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		handlers:   make(map[string]http.HandlerFunc),
		sequences:  make(map[string][]*sequence),
		pathCounts: make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests++
		m.pathCounts[r.URL.Path]++
		m.queries = append(m.queries, r.URL.Path+"?"+r.URL.RawQuery)

		if resp, ok := m.nextScripted(r); ok {
			m.mu.Unlock()
			write(w, resp)
			return
		}
		handler, exists := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return m
}

// nextScripted must be called with m.mu held.
func (m *MockAPI) nextScripted(r *http.Request) (MockResponse, bool) {
	q := r.URL.Query()
	for _, seq := range m.sequences[r.URL.Path] {
		if !matches(q.Get, seq.match) {
			continue
		}
		if seq.next >= len(seq.responses) {
			continue
		}
		seq.next++
		return seq.responses[seq.next-1], true
	}
	return MockResponse{}, false
}

func matches(get func(string) string, match map[string]string) bool {
	for k, v := range match {
		if get(k) != v {
			return false
		}
	}
	return true
}

func write(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears the request counters. Handlers and sequences are kept.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = 0
	m.pathCounts = make(map[string]int)
	m.queries = nil
}

// SetHandler sets the handler for a path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse answers every request to path with resp.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		write(w, resp)
	})
}

// Script answers requests to path whose query contains every pair in match
// with responses in order. Once they are used up, matching requests fall
// through to the path's handler.
func (m *MockAPI) Script(path string, match map[string]string, responses ...MockResponse) {
	if len(responses) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = append(m.sequences[path], &sequence{match: match, responses: responses})
}

// RequestCount returns the number of requests served.
func (m *MockAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// PathCount returns the number of requests served for path.
func (m *MockAPI) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathCounts[path]
}

// Queries returns "path?query" of every request in arrival order.
func (m *MockAPI) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries))
	copy(out, m.queries)
	return out
}

// ServeFeatureLayer serves an ArcGIS layer of total LSOA-like features at
// path: count-only queries return total, page queries return the requested
// slice and an empty page past the end.
func (m *MockAPI) ServeFeatureLayer(path string, total int) {
	m.ServeCappedFeatureLayer(path, total, 0)
}

// ServeCappedFeatureLayer is ServeFeatureLayer for a layer whose pages hold
// at most maxRecords features, like a FeatureServer's maxRecordCount. Zero
// means no cap.
func (m *MockAPI) ServeCappedFeatureLayer(path string, total, maxRecords int) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("returnCountOnly") == "true" {
			write(w, NewJSONResponse(fmt.Sprintf(`{"count":%d}`, total)))
			return
		}

		offset, err1 := strconv.Atoi(q.Get("resultOffset"))
		size, err2 := strconv.Atoi(q.Get("resultRecordCount"))
		if err1 != nil || err2 != nil {
			write(w, NewArcGISErrorResponse(400, "Invalid or missing input parameters."))
			return
		}
		if maxRecords > 0 && size > maxRecords {
			size = maxRecords
		}

		features := make([]map[string]any, 0, size)
		for i := offset; i < offset+size && i < total; i++ {
			features = append(features, Feature(i))
		}
		body, _ := json.Marshal(map[string]any{"features": features})
		write(w, NewJSONResponse(string(body)))
	})
}

// Feature returns a synthetic LSOA feature with a unit square geometry.
func Feature(i int) map[string]any {
	x, y := float64(i%100), float64(i/100)
	return map[string]any{
		"attributes": map[string]any{
			"FID":           i + 1,
			"LSOA21CD":      fmt.Sprintf("E%08d", i+1),
			"LSOA21NM":      fmt.Sprintf("Area %d", i+1),
			"LSOA21NMW":     " ",
			"BNG_E":         530000 + i,
			"BNG_N":         180000 + i,
			"LAT":           51.5 + float64(i)/1e4,
			"LONG":          -0.1 - float64(i)/1e4,
			"Shape__Area":   1.0,
			"Shape__Length": 4.0,
			"GlobalID":      fmt.Sprintf("gid-%d", i+1),
		},
		"geometry": map[string]any{
			"rings": [][][]float64{{{x, y}, {x, y + 1}, {x + 1, y + 1}, {x + 1, y}, {x, y}}},
		},
	}
}

// ServeForces serves the /forces list at path.
func (m *MockAPI) ServeForces(path string, ids ...string) {
	forces := make([]map[string]string, len(ids))
	for i, id := range ids {
		forces[i] = map[string]string{"id": id, "name": id + " police"}
	}
	body, _ := json.Marshal(forces)
	m.SetResponse(path, NewJSONResponse(string(body)))
}

// ServeStops serves stops-force at path with rows(force, date) records per
// request.
func (m *MockAPI) ServeStops(path string, rows func(force, date string) int) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		force, date := r.URL.Query().Get("force"), r.URL.Query().Get("date")
		n := rows(force, date)
		stops := make([]map[string]any, n)
		for i := range stops {
			stops[i] = Stop(i, date)
		}
		body, _ := json.Marshal(stops)
		write(w, NewJSONResponse(string(body)))
	})
}

// Stop returns a synthetic stop-and-search record.
func Stop(i int, month string) map[string]any {
	var outcome any
	if i%2 == 0 {
		outcome = map[string]any{"id": "bu-no-further-action", "name": "A no further action disposal"}
	}
	return map[string]any{
		"type":                                "Person search",
		"involved_person":                     true,
		"datetime":                            fmt.Sprintf("%s-01T10:%02d:00+00:00", month, i%60),
		"operation":                           false,
		"operation_name":                      nil,
		"location":                            map[string]any{"latitude": "51.45", "longitude": "-2.59", "street": map[string]any{"id": 1, "name": "On or near Park Street"}},
		"gender":                              "Male",
		"age_range":                           "18-24",
		"self_defined_ethnicity":              nil,
		"officer_defined_ethnicity":           "White",
		"legislation":                         "Misuse of Drugs Act 1971 (section 23)",
		"object_of_search":                    "Controlled drugs",
		"outcome":                             "A no further action disposal",
		"outcome_linked_to_object_of_search":  nil,
		"removal_of_more_than_outer_clothing": false,
		"outcome_object":                      outcome,
	}
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: body}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers:    map[string]string{"Retry-After": "1"},
	}
}

// NewServiceUnavailableResponse creates a 503 Service Unavailable response.
func NewServiceUnavailableResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusServiceUnavailable, Body: `Service Unavailable`}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"error": "Internal server error"}`}
}

// NewArcGISErrorResponse creates a 200 response carrying an ArcGIS error body.
func NewArcGISErrorResponse(code int, message string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": code, "message": message, "details": []string{}},
	})
	return NewJSONResponse(string(body))
}

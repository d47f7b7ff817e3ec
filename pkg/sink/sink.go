// Package sink defines where fetched records go once a unit completes.
//
// A Sink receives one Batch per completed unit. Sinks perform their own
// schema normalization against the Batch's Schema and report failures to the
// caller; they never retry at the network layer.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for sink writes.
var (
	sinkBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_sink_batches_total",
		Help: "Total batches written by sink and dataset",
	}, []string{"sink", "dataset"})

	sinkRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_sink_records_total",
		Help: "Total records written by sink and dataset",
	}, []string{"sink", "dataset"})

	sinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_sink_errors_total",
		Help: "Total failed sink writes by sink and dataset",
	}, []string{"sink", "dataset"})
)

// Kind names accepted in configuration.
const (
	KindBlob      = "blob"
	KindParquet   = "parquet"
	KindWarehouse = "warehouse"
	KindDiscard   = "discard"
)

// Record is one decoded feature or row, keyed by column name.
type Record map[string]any

// Batch is the output of one completed unit.
type Batch struct {
	// Dataset names the logical table, e.g. "lsoa_boundaries".
	Dataset string

	// Endpoint is the API endpoint the records came from.
	Endpoint string

	// UnitKey identifies the fetch unit.
	UnitKey string

	// Schema describes the columns. Sinks that need typed output
	// require it.
	Schema *Schema

	Records   []Record
	FetchedAt time.Time
}

// Sink consumes batches.
type Sink interface {
	Write(ctx context.Context, batch Batch) error
	Close() error
}

// observe records metrics for one write.
func observe(kind string, batch Batch, err error) {
	if err != nil {
		sinkErrorsTotal.WithLabelValues(kind, batch.Dataset).Inc()
		return
	}
	sinkBatchesTotal.WithLabelValues(kind, batch.Dataset).Inc()
	sinkRecordsTotal.WithLabelValues(kind, batch.Dataset).Add(float64(len(batch.Records)))
}

// Discard drops every batch. It counts what it saw.
type Discard struct {
	Batches int
	Records int
}

// Write implements Sink.
func (d *Discard) Write(_ context.Context, batch Batch) error {
	d.Batches++
	d.Records += len(batch.Records)
	observe(KindDiscard, batch, nil)
	return nil
}

// Close implements Sink.
func (d *Discard) Close() error { return nil }

// Multi writes each batch to every sink in order and stops at the first error.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(ctx context.Context, batch Batch) error {
	for _, s := range m {
		if err := s.Write(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins the errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps batches in memory. Used by tests and dry runs.
type Memory struct {
	Batches []Batch
	Err     error
}

// Write implements Sink.
func (m *Memory) Write(_ context.Context, batch Batch) error {
	if m.Err != nil {
		return m.Err
	}
	m.Batches = append(m.Batches, batch)
	return nil
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

// Records returns every record written, in order.
func (m *Memory) Records() []Record {
	var out []Record
	for _, b := range m.Batches {
		out = append(out, b.Records...)
	}
	return out
}

func requireSchema(kind string, batch Batch) (*Schema, error) {
	if batch.Schema == nil {
		return nil, fmt.Errorf("%s sink: batch %s/%s has no schema", kind, batch.Dataset, batch.UnitKey)
	}
	return batch.Schema, nil
}

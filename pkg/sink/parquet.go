package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"gocloud.dev/blob"
)

// ParquetSink writes each batch as one zstd-compressed parquet object.
type ParquetSink struct {
	bucket  *blob.Bucket
	prefix  string
	owned   bool
	schemas map[string]*parquetSchema
	logger  zerolog.Logger
}

// parquetSchema maps a Schema onto parquet leaf columns. Group fields are
// stored in name order, so index maps each leaf back to its Schema column.
type parquetSchema struct {
	schema *parquet.Schema
	index  []int
}

// NewParquetSink writes under prefix in bucket. The caller keeps ownership of
// bucket.
func NewParquetSink(bucket *blob.Bucket, prefix string, logger zerolog.Logger) *ParquetSink {
	return &ParquetSink{
		bucket:  bucket,
		prefix:  prefix,
		schemas: make(map[string]*parquetSchema),
		logger:  logger,
	}
}

// OpenParquetSink opens bucketURL and owns the bucket.
func OpenParquetSink(ctx context.Context, bucketURL, prefix string, logger zerolog.Logger) (*ParquetSink, error) {
	bucket, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	s := NewParquetSink(bucket, prefix, logger)
	s.owned = true
	return s, nil
}

// Write implements Sink.
func (s *ParquetSink) Write(ctx context.Context, batch Batch) error {
	err := s.write(ctx, batch)
	observe(KindParquet, batch, err)
	return err
}

func (s *ParquetSink) write(ctx context.Context, batch Batch) error {
	schema, err := requireSchema(KindParquet, batch)
	if err != nil {
		return err
	}

	data, err := s.encode(schema, batch.Records)
	if err != nil {
		return fmt.Errorf("parquet sink: %s: %w", batch.UnitKey, err)
	}

	key := ObjectKey(s.prefix, batch.Dataset, batch.UnitKey, ".parquet")
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{
		ContentType: "application/vnd.apache.parquet",
	}); err != nil {
		return fmt.Errorf("parquet sink: write %s: %w", key, err)
	}

	s.logger.Debug().
		Str("key", key).
		Int("records", len(batch.Records)).
		Int("bytes", len(data)).
		Msg("Wrote parquet object")
	return nil
}

// encode renders records into an in-memory parquet file.
func (s *ParquetSink) encode(schema *Schema, records []Record) ([]byte, error) {
	ps, err := s.schemaFor(schema)
	if err != nil {
		return nil, err
	}

	rows := make([]parquet.Row, 0, len(records))
	for i, r := range records {
		values, err := schema.Values(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		row := make(parquet.Row, len(ps.index))
		for leaf, col := range ps.index {
			v := values[col]
			if v == nil {
				row[leaf] = parquet.Value{}.Level(0, 0, leaf)
				continue
			}
			row[leaf] = parquet.ValueOf(v).Level(0, 1, leaf)
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, ps.schema, parquet.Compression(&parquet.Zstd))
	if _, err := w.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *ParquetSink) schemaFor(schema *Schema) (*parquetSchema, error) {
	if ps, ok := s.schemas[schema.Name]; ok {
		return ps, nil
	}
	ps, err := buildParquetSchema(schema)
	if err != nil {
		return nil, err
	}
	s.schemas[schema.Name] = ps
	return ps, nil
}

func buildParquetSchema(schema *Schema) (*parquetSchema, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	group := parquet.Group{}
	position := make(map[string]int, len(schema.Columns))
	for i, c := range schema.Columns {
		group[c.Name] = parquet.Optional(parquetNode(c.Type))
		position[c.Name] = i
	}

	ps := &parquetSchema{schema: parquet.NewSchema(schema.Name, group)}
	for _, path := range ps.schema.Columns() {
		ps.index = append(ps.index, position[path[0]])
	}
	return ps, nil
}

func parquetNode(t ColumnType) parquet.Node {
	switch t {
	case TypeFloat:
		return parquet.Leaf(parquet.DoubleType)
	case TypeNumber:
		return parquet.Int(64)
	case TypeBoolean:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

// Close implements Sink.
func (s *ParquetSink) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/gcsblob"  // gs:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
)

// OpenBucket opens a bucket URL (file://, gs://, s3:// or mem://). The
// directory of a file:// bucket is created if missing.
func OpenBucket(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	if u, err := url.Parse(bucketURL); err == nil && u.Scheme == "file" && u.Path != "" {
		if err := os.MkdirAll(u.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create bucket directory %s: %w", u.Path, err)
		}
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return bucket, nil
}

// ObjectKey returns the object path for one unit of a dataset.
// Unit keys keep their "/" separators so force/month units nest.
func ObjectKey(prefix, dataset, unitKey, ext string) string {
	name := strings.NewReplacer(",", "_", " ", "_").Replace(unitKey)
	return path.Join(prefix, dataset, name) + ext
}

// BlobSink writes each batch as zstd-compressed newline-delimited JSON.
type BlobSink struct {
	bucket  *blob.Bucket
	prefix  string
	encoder *zstd.Encoder
	owned   bool
	logger  zerolog.Logger
}

// NewBlobSink writes under prefix in bucket. The caller keeps ownership of
// bucket unless the sink was built with OpenBlobSink.
func NewBlobSink(bucket *blob.Bucket, prefix string, logger zerolog.Logger) (*BlobSink, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &BlobSink{
		bucket:  bucket,
		prefix:  prefix,
		encoder: enc,
		logger:  logger,
	}, nil
}

// OpenBlobSink opens bucketURL and owns the bucket.
func OpenBlobSink(ctx context.Context, bucketURL, prefix string, logger zerolog.Logger) (*BlobSink, error) {
	bucket, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	s, err := NewBlobSink(bucket, prefix, logger)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Write implements Sink.
func (s *BlobSink) Write(ctx context.Context, batch Batch) error {
	err := s.write(ctx, batch)
	observe(KindBlob, batch, err)
	return err
}

func (s *BlobSink) write(ctx context.Context, batch Batch) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, r := range batch.Records {
		row := r
		if batch.Schema != nil {
			normalized, err := batch.Schema.Normalize(r)
			if err != nil {
				return fmt.Errorf("blob sink: record %d of %s: %w", i, batch.UnitKey, err)
			}
			row = normalized
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("blob sink: encode record %d of %s: %w", i, batch.UnitKey, err)
		}
	}

	compressed := s.encoder.EncodeAll(buf.Bytes(), nil)
	key := ObjectKey(s.prefix, batch.Dataset, batch.UnitKey, ".ndjson.zst")

	if err := s.bucket.WriteAll(ctx, key, compressed, &blob.WriterOptions{
		ContentType: "application/zstd",
		Metadata: map[string]string{
			"endpoint": batch.Endpoint,
			"unit":     batch.UnitKey,
			"records":  fmt.Sprint(len(batch.Records)),
		},
	}); err != nil {
		return fmt.Errorf("blob sink: write %s: %w", key, err)
	}

	s.logger.Debug().
		Str("key", key).
		Int("records", len(batch.Records)).
		Int("bytes", len(compressed)).
		Msg("Wrote NDJSON object")
	return nil
}

// Close implements Sink.
func (s *BlobSink) Close() error {
	s.encoder.Close()
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

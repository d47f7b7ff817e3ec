package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

var csvHeader = []string{"unit_key", "endpoint", "completed_at"}

// CSVStore keeps the ledger in a flat, human-readable CSV file.
// Every Append is flushed and fsynced before it returns.
type CSVStore struct {
	path string
	file *os.File
}

// NewCSVStore opens (or creates) the ledger file at path.
func NewCSVStore(path string) (*CSVStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file %s: %w", path, err)
	}

	s := &CSVStore{path: path, file: f}
	if err := s.prepare(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// prepare writes the header into an empty file and cuts a trailing partial
// row left by an interrupted append back to the last complete line.
func (s *CSVStore) prepare() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger file: %w", err)
	}

	size := info.Size()
	if size > 0 {
		end, err := s.lastLineEnd(size)
		if err != nil {
			return err
		}
		if end < size {
			log.Warn().
				Str("path", s.path).
				Int64("bytes", size-end).
				Msg("Ledger file ends mid-row, dropping partial row")
			if err := s.file.Truncate(end); err != nil {
				return fmt.Errorf("truncate partial ledger row: %w", err)
			}
			if err := s.file.Sync(); err != nil {
				return fmt.Errorf("sync ledger file: %w", err)
			}
			size = end
		}
	}

	if size == 0 {
		w := csv.NewWriter(s.file)
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
		return s.file.Sync()
	}
	return nil
}

// lastLineEnd returns the offset just past the last '\n' in the first size
// bytes of the file, or 0 if there is none.
func (s *CSVStore) lastLineEnd(size int64) (int64, error) {
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := s.file.ReadAt(chunk, start); err != nil {
			return 0, fmt.Errorf("read ledger tail: %w", err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// Load reads the whole file. Rows that do not have exactly three fields are
// skipped with a warning.
func (s *CSVStore) Load(ctx context.Context) ([]Entry, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek ledger file: %w", err)
	}

	r := csv.NewReader(s.file)
	r.FieldsPerRecord = -1

	var entries []Entry
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				log.Warn().Err(err).Str("path", s.path).Msg("Skipping unparsable ledger row")
				continue
			}
			return nil, fmt.Errorf("read ledger file: %w", err)
		}

		if line == 1 && isHeader(record) {
			continue
		}
		if len(record) != len(csvHeader) {
			log.Warn().
				Str("path", s.path).
				Int("line", line).
				Int("fields", len(record)).
				Msg("Skipping malformed ledger row")
			continue
		}

		// A truncated final row can still have three fields; the timestamp
		// is written last, so it is the one that tells.
		ts, err := time.Parse(time.RFC3339Nano, record[2])
		if err != nil {
			log.Warn().Str("path", s.path).Int("line", line).Msg("Skipping ledger row with unreadable timestamp")
			continue
		}
		entries = append(entries, Entry{UnitKey: record[0], Endpoint: record[1], CompletedAt: ts})
	}

	return entries, nil
}

// Append writes one row and fsyncs the file.
func (s *CSVStore) Append(ctx context.Context, e Entry) error {
	w := csv.NewWriter(s.file)
	if err := w.Write([]string{e.UnitKey, e.Endpoint, e.CompletedAt.UTC().Format(time.RFC3339Nano)}); err != nil {
		return fmt.Errorf("write ledger row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush ledger row: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}
	return nil
}

// Path returns the ledger file location.
func (s *CSVStore) Path() string {
	return s.path
}

// Close closes the file.
func (s *CSVStore) Close() error {
	return s.file.Close()
}

func isHeader(record []string) bool {
	if len(record) != len(csvHeader) {
		return false
	}
	for i := range record {
		if record[i] != csvHeader[i] {
			return false
		}
	}
	return true
}

// Package ledger records which fetch units have already been ingested so a
// batch job can be stopped and restarted without re-fetching finished work.
//
// The ledger is append-only. It is loaded from its Store with one full scan when
// opened and every RecordCompleted call is durable before it returns.
// Duplicate entries for the same unit are harmless: lookups are existence
// checks, not uniqueness constraints.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	ledgerEntriesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geoingest_ledger_entries_loaded",
		Help: "Number of ledger entries loaded at job start",
	})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_ledger_appends_total",
		Help: "Total ledger appends by endpoint",
	}, []string{"endpoint"})
)

// Entry is one completed fetch unit.
type Entry struct {
	UnitKey     string    `json:"unit_key"`
	Endpoint    string    `json:"endpoint"`
	CompletedAt time.Time `json:"completed_at"`
}

type entryKey struct {
	unitKey  string
	endpoint string
}

// Ledger answers "has this unit been done" from an in-memory index and
// persists new completions through its Store.
//
// A Ledger is not safe for concurrent use.
type Ledger struct {
	store   Store
	index   map[entryKey]struct{}
	entries []Entry
	logger  zerolog.Logger
}

// Open loads every entry from store.
func Open(ctx context.Context, store Store, logger zerolog.Logger) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}

	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	l := &Ledger{
		store:   store,
		index:   make(map[entryKey]struct{}, len(entries)),
		entries: entries,
		logger:  logger,
	}
	for _, e := range entries {
		l.index[entryKey{unitKey: e.UnitKey, endpoint: e.Endpoint}] = struct{}{}
	}

	ledgerEntriesLoaded.Set(float64(len(entries)))
	logger.Info().
		Int("entries", len(entries)).
		Int("distinct_units", len(l.index)).
		Msg("Ledger loaded")

	return l, nil
}

// HasCompleted reports whether (unitKey, endpoint) has been recorded.
func (l *Ledger) HasCompleted(unitKey, endpoint string) bool {
	_, ok := l.index[entryKey{unitKey: unitKey, endpoint: endpoint}]
	return ok
}

// RecordCompleted appends an entry. The entry is durable when this returns nil.
func (l *Ledger) RecordCompleted(ctx context.Context, unitKey, endpoint string, at time.Time) error {
	entry := Entry{UnitKey: unitKey, Endpoint: endpoint, CompletedAt: at.UTC()}
	if err := l.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("append ledger entry %s@%s: %w", unitKey, endpoint, err)
	}

	l.index[entryKey{unitKey: unitKey, endpoint: endpoint}] = struct{}{}
	l.entries = append(l.entries, entry)
	ledgerAppendsTotal.WithLabelValues(endpoint).Inc()

	l.logger.Debug().
		Str("unit", unitKey).
		Str("endpoint", endpoint).
		Msg("Ledger entry recorded")

	return nil
}

// Entries returns a copy of all entries in load/append order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries, duplicates included.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

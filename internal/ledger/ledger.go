// Package ledger accumulates the raw identifiers a run could not resolve.
// The ledger is the audit trail the triage UI reads to promote identifiers
// into manual mappings.
package ledger

import (
	"sort"
	"sync"
	"time"

	"shopintel/internal/metrics"
)

// UnmatchedRecord is one raw identifier that exhausted every applicable
// strategy in a run, with its raw metrics preserved for manual triage.
type UnmatchedRecord struct {
	Source     metrics.Source        `json:"source"`
	Identifier string                `json:"identifier"`
	Metrics    metrics.SourceMetrics `json:"metrics"`
	RecordedAt time.Time             `json:"recorded_at"`
}

// Ledger collects unmatched records for one run, deduplicated by
// (source, identifier). Accumulate-then-commit: nothing is persisted until
// the run's persist phase drains it.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]UnmatchedRecord
}

// New creates an empty per-run ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]UnmatchedRecord)}
}

// Record adds an unresolved identifier. The first occurrence of a
// (source, identifier) pair within the run wins.
func (l *Ledger) Record(rec metrics.RawRecord, at time.Time) {
	key := string(rec.Source) + "\x00" + rec.Identifier
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.entries[key]; seen {
		return
	}
	l.entries[key] = UnmatchedRecord{
		Source:     rec.Source,
		Identifier: rec.Identifier,
		Metrics:    rec.Metrics,
		RecordedAt: at,
	}
}

// Len reports how many distinct identifiers are unresolved.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// CountBySource tallies unresolved identifiers per source.
func (l *Ledger) CountBySource() map[metrics.Source]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[metrics.Source]int)
	for _, e := range l.entries {
		counts[e.Source]++
	}
	return counts
}

// Drain returns all entries in deterministic order for persistence.
func (l *Ledger) Drain() []UnmatchedRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]UnmatchedRecord, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// recordEnvelope is the wire shape of one NDJSON line. The metrics variant
// is chosen by the source tag.
type recordEnvelope struct {
	Source     Source          `json:"source"`
	Identifier string          `json:"identifier"`
	Date       string          `json:"date"`
	Metrics    json.RawMessage `json:"metrics"`
}

// UnmarshalRecord decodes one raw record, resolving the metrics variant
// from the source tag.
func UnmarshalRecord(data []byte, defaultSource Source) (RawRecord, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RawRecord{}, fmt.Errorf("decode record: %w", err)
	}
	if env.Source == "" {
		env.Source = defaultSource
	}

	rec := RawRecord{Source: env.Source, Identifier: env.Identifier}
	if env.Date != "" {
		date, err := time.Parse("2006-01-02", env.Date)
		if err != nil {
			return RawRecord{}, fmt.Errorf("decode record date %q: %w", env.Date, err)
		}
		rec.Date = date
	}

	switch env.Source {
	case SourceSearch:
		var m SearchMetrics
		if err := json.Unmarshal(env.Metrics, &m); err != nil {
			return RawRecord{}, fmt.Errorf("decode search metrics: %w", err)
		}
		rec.Metrics = m
	case SourceAnalytics:
		var m AnalyticsMetrics
		if err := json.Unmarshal(env.Metrics, &m); err != nil {
			return RawRecord{}, fmt.Errorf("decode analytics metrics: %w", err)
		}
		rec.Metrics = m
	case SourcePricing:
		var m PricingMetrics
		if err := json.Unmarshal(env.Metrics, &m); err != nil {
			return RawRecord{}, fmt.Errorf("decode pricing metrics: %w", err)
		}
		rec.Metrics = m
	default:
		return RawRecord{}, fmt.Errorf("unknown source tag %q", env.Source)
	}
	return rec, nil
}

// FileProvider serves one source's records from an NDJSON export on disk,
// the hand-off format the upstream fetcher collaborator writes.
type FileProvider struct {
	source Source
	path   string
}

// NewFileProvider creates a provider for one source's export file.
func NewFileProvider(source Source, path string) *FileProvider {
	return &FileProvider{source: source, path: path}
}

func (p *FileProvider) Source() Source { return p.source }

// FetchRecords reads all records in the date range. Lines that fail to
// decode are skipped and reported as dropped so the run summary counts
// them alongside records that fail shape validation.
func (p *FileProvider) FetchRecords(_ context.Context, _ string, from, to time.Time) ([]RawRecord, int, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s export: %w", p.source, err)
	}
	defer f.Close()

	var records []RawRecord
	dropped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := UnmarshalRecord(line, p.source)
		if err != nil {
			dropped++
			continue
		}
		if !from.IsZero() && rec.Date.Before(from) {
			continue
		}
		if !to.IsZero() && rec.Date.After(to) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, dropped, fmt.Errorf("read %s export: %w", p.source, err)
	}
	return records, dropped, nil
}

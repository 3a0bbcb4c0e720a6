// Package metrics defines the per-source measurement records ingested by
// the engine. Each source reports a closed, tagged variant instead of an
// open metrics bag, so "which fields exist" is decided by the type system.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source tags where a record came from.
type Source string

const (
	SourceSearch    Source = "search"
	SourceAnalytics Source = "analytics"
	SourcePricing   Source = "pricing"
)

// Sources lists all known sources in matching order.
var Sources = []Source{SourceSearch, SourceAnalytics, SourcePricing}

// SourceMetrics is the sealed union of per-source metric variants.
type SourceMetrics interface {
	Source() Source
	// Validate rejects records that fail basic shape validation; such
	// records are skipped and counted, never aborting the run.
	Validate() error
	// NonTrivial reports whether the record carries enough volume to
	// count its source toward per-entity confidence.
	NonTrivial() bool
}

// SearchMetrics carries organic-search performance for one identifier.
type SearchMetrics struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

func (SearchMetrics) Source() Source { return SourceSearch }

func (m SearchMetrics) Validate() error {
	if m.Impressions < 0 || m.Clicks < 0 {
		return fmt.Errorf("negative search counters: impressions=%d clicks=%d", m.Impressions, m.Clicks)
	}
	if m.Position < 0 {
		return fmt.Errorf("negative search position: %f", m.Position)
	}
	return nil
}

func (m SearchMetrics) NonTrivial() bool { return m.Impressions > 0 }

// AnalyticsMetrics carries web-analytics performance for one identifier.
type AnalyticsMetrics struct {
	Sessions       int64           `json:"sessions"`
	Revenue        decimal.Decimal `json:"revenue"`
	Transactions   int64           `json:"transactions"`
	ConversionRate float64         `json:"conversion_rate"`
}

func (AnalyticsMetrics) Source() Source { return SourceAnalytics }

func (m AnalyticsMetrics) Validate() error {
	if m.Sessions < 0 || m.Transactions < 0 {
		return fmt.Errorf("negative analytics counters: sessions=%d transactions=%d", m.Sessions, m.Transactions)
	}
	if m.Revenue.IsNegative() {
		return fmt.Errorf("negative revenue: %s", m.Revenue)
	}
	return nil
}

func (m AnalyticsMetrics) NonTrivial() bool { return m.Sessions > 0 }

// PricingMetrics carries market pricing for one identifier.
type PricingMetrics struct {
	MedianPrice     decimal.Decimal `json:"median_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	CompetitorCount int             `json:"competitor_count"`
}

func (PricingMetrics) Source() Source { return SourcePricing }

func (m PricingMetrics) Validate() error {
	if m.MedianPrice.IsNegative() || m.CurrentPrice.IsNegative() {
		return fmt.Errorf("negative price: median=%s current=%s", m.MedianPrice, m.CurrentPrice)
	}
	if m.CompetitorCount < 0 {
		return fmt.Errorf("negative competitor count: %d", m.CompetitorCount)
	}
	return nil
}

func (m PricingMetrics) NonTrivial() bool { return m.CompetitorCount > 0 || !m.MedianPrice.IsZero() }

// RawRecord is one reported measurement from one source for one raw
// identifier on one date. Immutable once ingested.
type RawRecord struct {
	Source     Source        `json:"source"`
	Identifier string        `json:"identifier"`
	Date       time.Time     `json:"date"`
	Metrics    SourceMetrics `json:"metrics"`
}

// Validate performs basic shape validation on the full record.
func (r RawRecord) Validate() error {
	if r.Identifier == "" {
		return fmt.Errorf("empty identifier")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("missing measurement date")
	}
	if r.Metrics == nil {
		return fmt.Errorf("missing metrics")
	}
	if r.Metrics.Source() != r.Source {
		return fmt.Errorf("metrics tagged %s on a %s record", r.Metrics.Source(), r.Source)
	}
	return r.Metrics.Validate()
}

// SourceProvider fetches raw records from one upstream source. A provider
// failure degrades that source to absent for the run; it never aborts
// sibling sources. Records the provider could not decode are reported as
// the dropped count so the run summary still accounts for them.
type SourceProvider interface {
	Source() Source
	FetchRecords(ctx context.Context, tenant string, from, to time.Time) (records []RawRecord, dropped int, err error)
}

package run

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shopintel/internal/aggregate"
	"shopintel/internal/catalog"
	"shopintel/internal/ledger"
	"shopintel/internal/metrics"
	"shopintel/internal/score"
	"shopintel/pkg/confidence"
	"shopintel/pkg/serrors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCatalog struct {
	nodes    []catalog.Node
	products []catalog.Product
	err      error
}

func (f *fakeCatalog) ListNodes(context.Context, string) ([]catalog.Node, error) {
	return f.nodes, f.err
}

func (f *fakeCatalog) ListProducts(context.Context, string) ([]catalog.Product, error) {
	return f.products, f.err
}

type fakeProvider struct {
	source  metrics.Source
	records []metrics.RawRecord
	dropped int
	err     error
}

func (f *fakeProvider) Source() metrics.Source { return f.source }

func (f *fakeProvider) FetchRecords(context.Context, string, time.Time, time.Time) ([]metrics.RawRecord, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	// Return a copy: the orchestrator filters in place.
	out := make([]metrics.RawRecord, len(f.records))
	copy(out, f.records)
	return out, f.dropped, nil
}

type fakeSink struct {
	metricsByDate map[time.Time][]*aggregate.NodeMetrics
	scores        []score.Opportunity
	unmatched     []ledger.UnmatchedRecord
	scoresErr     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{metricsByDate: make(map[time.Time][]*aggregate.NodeMetrics)}
}

func (f *fakeSink) SaveMetrics(_ context.Context, _ string, _ uuid.UUID, _ time.Time, date time.Time, rows []*aggregate.NodeMetrics) error {
	f.metricsByDate[date] = rows
	return nil
}

func (f *fakeSink) SaveScores(_ context.Context, _ string, _ uuid.UUID, _, _ time.Time, scores []score.Opportunity) error {
	if f.scoresErr != nil {
		return f.scoresErr
	}
	f.scores = scores
	return nil
}

func (f *fakeSink) SaveUnmatched(_ context.Context, _ string, _ uuid.UUID, records []ledger.UnmatchedRecord) error {
	f.unmatched = records
	return nil
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		nodes: []catalog.Node{
			{ID: "root", URL: "/shop", Path: "/shop", Depth: 0},
			{ID: "elec", ParentID: "root", URL: "/shop/electronics", Path: "/shop/electronics", Depth: 1, ProductCount: 3},
			{ID: "phones", ParentID: "elec", URL: "/shop/electronics/phones", Path: "/shop/electronics/phones", Depth: 2, ProductCount: 8},
		},
		products: []catalog.Product{
			{ID: "p1", URL: "/p/iphone-15", Codes: []string{"012345678905"}, NodeID: "phones"},
		},
	}
}

// Record dates sit inside the freshness window relative to the wall clock,
// so source coverage alone decides the confidence level under test.
var (
	day1 = time.Now().UTC().AddDate(0, 0, -10).Truncate(24 * time.Hour)
	day2 = time.Now().UTC().AddDate(0, 0, -9).Truncate(24 * time.Hour)
	from = time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	to   = time.Now().UTC().Truncate(24 * time.Hour)
)

func searchProvider() *fakeProvider {
	return &fakeProvider{
		source: metrics.SourceSearch,
		records: []metrics.RawRecord{
			{Source: metrics.SourceSearch, Identifier: "/shop/electronics/phones", Date: day1,
				Metrics: metrics.SearchMetrics{Impressions: 1000, Clicks: 30, Position: 6}},
			{Source: metrics.SourceSearch, Identifier: "/shop/electronics/phones", Date: day2,
				Metrics: metrics.SearchMetrics{Impressions: 500, Clicks: 10, Position: 8}},
			{Source: metrics.SourceSearch, Identifier: "", Date: day1, // malformed: no identifier
				Metrics: metrics.SearchMetrics{Impressions: 10}},
			{Source: metrics.SourceSearch, Identifier: "/blog/random-news", Date: day1, // unresolvable
				Metrics: metrics.SearchMetrics{Impressions: 50, Clicks: 1, Position: 3}},
		},
	}
}

func analyticsProvider() *fakeProvider {
	return &fakeProvider{
		source: metrics.SourceAnalytics,
		records: []metrics.RawRecord{
			{Source: metrics.SourceAnalytics, Identifier: "/shop/electronics/phones", Date: day1,
				Metrics: metrics.AnalyticsMetrics{Sessions: 200, Transactions: 4, Revenue: decimal.NewFromInt(400)}},
		},
	}
}

func pricingProvider() *fakeProvider {
	return &fakeProvider{
		source: metrics.SourcePricing,
		records: []metrics.RawRecord{
			// GTIN identifier: resolves to product p1, attributed to node phones.
			{Source: metrics.SourcePricing, Identifier: "012345678905", Date: day2,
				Metrics: metrics.PricingMetrics{MedianPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(80), CompetitorCount: 4}},
		},
	}
}

func newTestOrchestrator(cat *fakeCatalog, sink Sink, providers ...metrics.SourceProvider) *Orchestrator {
	return NewOrchestrator(cat, providers, nil, sink, quietLogger(), Options{Workers: 2})
}

func TestRun_FullPipeline(t *testing.T) {
	sink := newFakeSink()
	o := newTestOrchestrator(testCatalog(), sink, searchProvider(), analyticsProvider(), pricingProvider())

	summary, err := o.Run(context.Background(), "acme", from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Phase != PhaseDone {
		t.Fatalf("phase = %s, want done", summary.Phase)
	}

	ss := summary.Sources[metrics.SourceSearch]
	if ss.Total != 4 || ss.Malformed != 1 || ss.Matched != 2 || ss.Unmatched != 1 {
		t.Errorf("search summary = %+v", ss)
	}
	// Every matched record resolved via exact URL or GTIN at full confidence.
	if ss.MatchConfidence != 1 {
		t.Errorf("search match confidence = %v, want 1", ss.MatchConfidence)
	}
	if summary.MatchQuality != 1 {
		t.Errorf("run match quality = %v, want 1", summary.MatchQuality)
	}
	if summary.Sources[metrics.SourceAnalytics].Matched != 1 {
		t.Errorf("analytics summary = %+v", summary.Sources[metrics.SourceAnalytics])
	}
	if summary.Sources[metrics.SourcePricing].Matched != 1 {
		t.Errorf("pricing summary = %+v", summary.Sources[metrics.SourcePricing])
	}

	// phones has direct data; elec and root exist purely from roll-up.
	if summary.NodesWithData != 3 {
		t.Errorf("NodesWithData = %d, want 3", summary.NodesWithData)
	}
	if summary.ScoresComputed != 3 || len(sink.scores) != 3 {
		t.Errorf("scores = %d computed, %d persisted, want 3", summary.ScoresComputed, len(sink.scores))
	}

	// One row set per distinct date.
	if len(sink.metricsByDate) != 2 {
		t.Fatalf("persisted date partitions = %d, want 2", len(sink.metricsByDate))
	}
	day1Rows := rowsByNode(sink.metricsByDate[day1])
	if day1Rows["root"] == nil || day1Rows["root"].Impressions != 1000 {
		t.Errorf("day1 root row = %+v, want rolled-up 1000 impressions", day1Rows["root"])
	}
	if day1Rows["root"].Sessions != 200 || !day1Rows["root"].Revenue.Equal(decimal.NewFromInt(400)) {
		t.Errorf("day1 root analytics roll-up = %+v", day1Rows["root"])
	}

	if len(sink.unmatched) != 1 || sink.unmatched[0].Identifier != "/blog/random-news" {
		t.Errorf("unmatched ledger = %+v", sink.unmatched)
	}
}

func rowsByNode(rows []*aggregate.NodeMetrics) map[string]*aggregate.NodeMetrics {
	out := make(map[string]*aggregate.NodeMetrics, len(rows))
	for _, r := range rows {
		out[r.NodeID] = r
	}
	return out
}

func scoreFor(t *testing.T, scores []score.Opportunity, nodeID string) score.Opportunity {
	t.Helper()
	for _, s := range scores {
		if s.NodeID == nodeID {
			return s
		}
	}
	t.Fatalf("no score for node %s", nodeID)
	return score.Opportunity{}
}

func TestRun_ProductMatchAttributedToOwningNode(t *testing.T) {
	sink := newFakeSink()
	o := newTestOrchestrator(testCatalog(), sink, searchProvider(), analyticsProvider(), pricingProvider())

	if _, err := o.Run(context.Background(), "acme", from, to); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The GTIN pricing record lands on phones: underpriced 20% scores 40.
	phones := scoreFor(t, sink.scores, "phones")
	if phones.Factors.Pricing != 40 {
		t.Errorf("phones pricing factor = %v, want 40", phones.Factors.Pricing)
	}
	// Ancestors got no direct pricing observation and stay neutral.
	elec := scoreFor(t, sink.scores, "elec")
	if elec.Factors.Pricing != 50 {
		t.Errorf("elec pricing factor = %v, want neutral 50", elec.Factors.Pricing)
	}
}

func TestRun_AllSourcesFreshIsHighConfidence(t *testing.T) {
	sink := newFakeSink()
	o := newTestOrchestrator(testCatalog(), sink, searchProvider(), analyticsProvider(), pricingProvider())

	if _, err := o.Run(context.Background(), "acme", from, to); err != nil {
		t.Fatalf("Run: %v", err)
	}
	phones := scoreFor(t, sink.scores, "phones")
	if phones.Confidence != confidence.LevelHigh {
		t.Errorf("phones confidence = %s, want high with all three sources fresh", phones.Confidence)
	}
}

func TestRun_PricingOutageDegradesConfidence(t *testing.T) {
	sink := newFakeSink()
	broken := &fakeProvider{source: metrics.SourcePricing, err: errors.New("upstream 503")}
	o := newTestOrchestrator(testCatalog(), sink, searchProvider(), analyticsProvider(), broken)

	summary, err := o.Run(context.Background(), "acme", from, to)
	if err != nil {
		t.Fatalf("a source outage must not fail the run: %v", err)
	}
	if summary.Phase != PhaseDone {
		t.Fatalf("phase = %s, want done", summary.Phase)
	}
	if !summary.Sources[metrics.SourcePricing].Unavailable {
		t.Error("pricing source not marked unavailable")
	}

	// Two live sources left: medium, not high.
	phones := scoreFor(t, sink.scores, "phones")
	if phones.Confidence != confidence.LevelMedium {
		t.Errorf("phones confidence = %s, want medium with pricing absent", phones.Confidence)
	}
}

func TestRun_ProviderDroppedLinesCounted(t *testing.T) {
	sink := newFakeSink()
	p := searchProvider()
	p.dropped = 2 // undecodable export lines reported by the provider
	o := newTestOrchestrator(testCatalog(), sink, p)

	summary, err := o.Run(context.Background(), "acme", from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ss := summary.Sources[metrics.SourceSearch]
	if ss.Total != 6 {
		t.Errorf("total = %d, want 6 including dropped lines", ss.Total)
	}
	if ss.Malformed != 3 {
		t.Errorf("malformed = %d, want dropped lines plus the invalid record", ss.Malformed)
	}
}

func TestRun_MissingProviderMarkedUnavailable(t *testing.T) {
	sink := newFakeSink()
	o := newTestOrchestrator(testCatalog(), sink, searchProvider())

	summary, err := o.Run(context.Background(), "acme", from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Sources[metrics.SourceAnalytics].Unavailable || !summary.Sources[metrics.SourcePricing].Unavailable {
		t.Errorf("unconfigured sources not marked unavailable: %+v", summary.Sources)
	}
}

func TestRun_InconsistentCatalogFailsBeforeMatching(t *testing.T) {
	cat := testCatalog()
	cat.nodes[2].ParentID = "ghost"
	sink := newFakeSink()
	o := newTestOrchestrator(cat, sink, searchProvider())

	summary, err := o.Run(context.Background(), "acme", from, to)
	if err == nil {
		t.Fatal("expected failure on inconsistent catalog")
	}
	var se *serrors.SyncError
	if !errors.As(err, &se) || se.Code != serrors.ErrCodeInconsistentCatalog {
		t.Errorf("error = %v, want %s", err, serrors.ErrCodeInconsistentCatalog)
	}
	if summary.Phase != PhaseFailed {
		t.Errorf("phase = %s, want failed", summary.Phase)
	}
	if len(sink.scores) != 0 || len(sink.metricsByDate) != 0 {
		t.Error("sink received writes from a failed run")
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := newFakeSink()
	o := newTestOrchestrator(testCatalog(), sink, searchProvider())

	summary, err := o.Run(ctx, "acme", from, to)
	if err == nil {
		t.Fatal("expected abort on cancelled context")
	}
	var se *serrors.SyncError
	if !errors.As(err, &se) || se.Code != serrors.ErrCodeRunAborted {
		t.Errorf("error = %v, want %s", err, serrors.ErrCodeRunAborted)
	}
	if summary.Phase != PhaseFailed {
		t.Errorf("phase = %s, want failed", summary.Phase)
	}
	if len(sink.scores) != 0 {
		t.Error("scores persisted despite abort")
	}
}

func TestRun_PersistFailureFailsRun(t *testing.T) {
	sink := newFakeSink()
	sink.scoresErr = errors.New("warehouse down")
	o := newTestOrchestrator(testCatalog(), sink, searchProvider(), analyticsProvider())

	summary, err := o.Run(context.Background(), "acme", from, to)
	if err == nil {
		t.Fatal("expected persist failure to fail the run")
	}
	if summary.Phase != PhaseFailed {
		t.Errorf("phase = %s, want failed", summary.Phase)
	}
}

func TestRun_Idempotent(t *testing.T) {
	runOnce := func() (*fakeSink, *Summary) {
		sink := newFakeSink()
		o := newTestOrchestrator(testCatalog(), sink, searchProvider(), analyticsProvider(), pricingProvider())
		summary, err := o.Run(context.Background(), "acme", from, to)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return sink, summary
	}

	first, firstSummary := runOnce()
	second, secondSummary := runOnce()

	if firstSummary.NodesWithData != secondSummary.NodesWithData ||
		firstSummary.ScoresComputed != secondSummary.ScoresComputed {
		t.Fatalf("summaries diverged: %+v vs %+v", firstSummary, secondSummary)
	}

	sortScores := func(s []score.Opportunity) {
		sort.Slice(s, func(i, j int) bool { return s[i].NodeID < s[j].NodeID })
	}
	sortScores(first.scores)
	sortScores(second.scores)
	for i := range first.scores {
		a, b := first.scores[i], second.scores[i]
		if a.NodeID != b.NodeID || a.Score != b.Score || a.Label != b.Label || a.Confidence != b.Confidence {
			t.Errorf("score %d diverged: %+v vs %+v", i, a, b)
		}
		if !a.RevenueImpact.Equal(b.RevenueImpact) {
			t.Errorf("revenue impact for %s diverged: %s vs %s", a.NodeID, a.RevenueImpact, b.RevenueImpact)
		}
	}

	for date, rows := range first.metricsByDate {
		otherRows := rowsByNode(second.metricsByDate[date])
		for _, row := range rows {
			other := otherRows[row.NodeID]
			if other == nil {
				t.Fatalf("row for %s on %s missing in second run", row.NodeID, date.Format("2006-01-02"))
			}
			if row.Clicks != other.Clicks || row.Impressions != other.Impressions ||
				row.Sessions != other.Sessions || !row.Revenue.Equal(other.Revenue) {
				t.Errorf("row %s/%s diverged: %+v vs %+v", row.NodeID, date.Format("2006-01-02"), row, other)
			}
		}
	}
}

func TestRun_ObservedZeroProducesRow(t *testing.T) {
	sink := newFakeSink()
	zero := &fakeProvider{
		source: metrics.SourceSearch,
		records: []metrics.RawRecord{
			{Source: metrics.SourceSearch, Identifier: "/shop/electronics", Date: day1,
				Metrics: metrics.SearchMetrics{Impressions: 0, Clicks: 0}},
		},
	}
	o := newTestOrchestrator(testCatalog(), sink, zero)

	if _, err := o.Run(context.Background(), "acme", from, to); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows := rowsByNode(sink.metricsByDate[day1])
	if rows["elec"] == nil {
		t.Fatal("observed-zero record produced no row")
	}
	if rows["elec"].Impressions != 0 {
		t.Errorf("row = %+v, want zero counters", rows["elec"])
	}
	// The untouched sibling subtree stays absent.
	if rows["phones"] != nil {
		t.Error("node without data got a row")
	}
}

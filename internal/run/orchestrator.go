// Package run sequences one batch reconciliation run: load catalog, build
// indices, match each source's raw records, aggregate up the tree, score,
// persist. Data flows strictly forward; a failure in any phase moves the
// run to Failed.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"shopintel/internal/aggregate"
	"shopintel/internal/catalog"
	"shopintel/internal/ledger"
	"shopintel/internal/match"
	"shopintel/internal/metrics"
	"shopintel/internal/score"
	"shopintel/pkg/confidence"
	"shopintel/pkg/serrors"
)

// Sink persists a run's outputs. Writes happen once, at the persist phase,
// after all computation completes.
type Sink interface {
	SaveMetrics(ctx context.Context, tenant string, runID uuid.UUID, runAt time.Time, date time.Time, rows []*aggregate.NodeMetrics) error
	SaveScores(ctx context.Context, tenant string, runID uuid.UUID, runAt, expiresAt time.Time, scores []score.Opportunity) error
	SaveUnmatched(ctx context.Context, tenant string, runID uuid.UUID, records []ledger.UnmatchedRecord) error
}

// Options tune a run.
type Options struct {
	// Workers bounds per-source matching concurrency. Zero means NumCPU.
	Workers int
	// ScoreTTL is how long persisted opportunity scores stay before
	// expiry. Zero means 90 days.
	ScoreTTL time.Duration
	// Aliases are category segment aliases for hierarchy matching.
	Aliases map[string]string
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

func (o Options) scoreTTL() time.Duration {
	if o.ScoreTTL > 0 {
		return o.ScoreTTL
	}
	return 90 * 24 * time.Hour
}

// Orchestrator wires the engine's collaborators for repeated runs. All
// per-run state (indices, ledgers, accumulators) lives in runState and is
// discarded when a run finishes, so nothing leaks across tenants or runs.
type Orchestrator struct {
	catalog   catalog.Provider
	providers []metrics.SourceProvider
	mappings  match.MappingStore
	sink      Sink
	logger    *slog.Logger
	opts      Options
}

// NewOrchestrator creates a run orchestrator.
func NewOrchestrator(cat catalog.Provider, providers []metrics.SourceProvider, mappings match.MappingStore, sink Sink, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		catalog:   cat,
		providers: providers,
		mappings:  mappings,
		sink:      sink,
		logger:    logger,
		opts:      opts,
	}
}

// matched pairs a validated raw record with its resolved node.
type matched struct {
	rec    metrics.RawRecord
	nodeID string
}

// runState is the per-run context: built at Loading, discarded at Done.
type runState struct {
	idx     *catalog.Index
	matcher *match.Matcher
	ledger  *ledger.Ledger
	now     time.Time

	// bySource holds each matching phase's disjoint output, joined at the
	// aggregation barrier.
	bySource map[metrics.Source][]matched
}

// Run executes one batch run for a tenant over a date range.
func (o *Orchestrator) Run(ctx context.Context, tenant string, from, to time.Time) (*Summary, error) {
	summary := newSummary(tenant, from, to)
	logger := o.logger.With("run_id", summary.RunID, "tenant", tenant)
	logger.Info("sync run starting", "from", from, "to", to)

	st := &runState{
		ledger:   ledger.New(),
		now:      time.Now().UTC(),
		bySource: make(map[metrics.Source][]matched),
	}

	fail := func(phase Phase, err error) (*Summary, error) {
		summary.Phase = PhaseFailed
		summary.FinishedAt = time.Now().UTC()
		logger.Error("sync run failed", "phase", phase, "error", err)
		return summary, err
	}

	// Loading + Indexing build the read-only catalog indices; nothing may
	// match before they complete.
	nodes, products, err := o.load(ctx, tenant)
	if err != nil {
		return fail(PhaseLoading, err)
	}

	if err := o.checkpoint(ctx); err != nil {
		return fail(PhaseLoading, err)
	}
	summary.Phase = PhaseIndexing

	st.idx, err = catalog.BuildIndex(nodes, products, logger)
	if err != nil {
		return fail(PhaseIndexing, err)
	}
	st.matcher = match.NewMatcher(st.idx, tenant, logger,
		match.WithOverrides(o.mappings),
		match.WithAliases(o.opts.Aliases),
	)
	logger.Info("catalog indexed",
		"nodes", st.idx.NodeCount(),
		"products", st.idx.ProductCount(),
		"checksum_invalid_codes", st.idx.ChecksumInvalid)

	if err := o.checkpoint(ctx); err != nil {
		return fail(PhaseIndexing, err)
	}
	summary.Phase = PhaseMatching

	if err := o.matchSources(ctx, tenant, from, to, st, summary, logger); err != nil {
		return fail(PhaseMatching, err)
	}

	// Hard barrier: every source joined before aggregation starts.
	if err := o.checkpoint(ctx); err != nil {
		return fail(PhaseMatching, err)
	}
	summary.Phase = PhaseAggregating

	byDate, rangeTotals, pricingByNode := o.aggregatePhase(st)
	summary.NodesWithData = len(rangeTotals)

	if err := o.checkpoint(ctx); err != nil {
		return fail(PhaseAggregating, err)
	}
	summary.Phase = PhaseScoring

	scores := o.scorePhase(st, rangeTotals, pricingByNode, summary)
	summary.ScoresComputed = len(scores)

	if err := o.checkpoint(ctx); err != nil {
		return fail(PhaseScoring, err)
	}
	summary.Phase = PhasePersisting

	if err := o.persist(ctx, tenant, summary.RunID, st, byDate, scores); err != nil {
		return fail(PhasePersisting, err)
	}

	summary.Phase = PhaseDone
	summary.FinishedAt = time.Now().UTC()
	logger.Info("sync run complete",
		"nodes_with_data", summary.NodesWithData,
		"scores", summary.ScoresComputed,
		"unmatched", st.ledger.Len(),
		"duration", summary.FinishedAt.Sub(summary.StartedAt))
	return summary, nil
}

// checkpoint enforces phase-boundary cancellation.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &serrors.SyncError{
			Code:     serrors.ErrCodeRunAborted,
			Message:  err.Error(),
			Severity: serrors.SeverityError,
		}
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, tenant string) ([]catalog.Node, []catalog.Product, error) {
	nodes, err := o.catalog.ListNodes(ctx, tenant)
	if err != nil {
		return nil, nil, fmt.Errorf("list catalog nodes: %w", err)
	}
	products, err := o.catalog.ListProducts(ctx, tenant)
	if err != nil {
		return nil, nil, fmt.Errorf("list catalog products: %w", err)
	}
	return nodes, products, nil
}

// matchSources fetches and matches each source concurrently. Sources write
// disjoint outputs; a provider failure degrades that source to absent and
// never aborts its siblings.
func (o *Orchestrator) matchSources(ctx context.Context, tenant string, from, to time.Time, st *runState, summary *Summary, logger *slog.Logger) error {
	// Each source writes its own slot; slots are only read after Wait.
	outputs := make([][]matched, len(o.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range o.providers {
		i, provider := i, provider
		src := provider.Source()
		g.Go(func() error {
			out, err := o.matchOneSource(gctx, tenant, from, to, provider, st, summary.Sources[src])
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	provided := make(map[metrics.Source]bool, len(o.providers))
	for i, provider := range o.providers {
		src := provider.Source()
		st.bySource[src] = outputs[i]
		provided[src] = true
	}
	// A source with no provider at all is absent the same way an outage is.
	for _, src := range metrics.Sources {
		if !provided[src] {
			serr := serrors.NewSourceUnavailableError(string(src), nil)
			summary.Sources[src].Unavailable = true
			logger.Warn("no provider configured for source",
				"code", serr.Code, "source", src, "error", serr)
		}
	}

	// Run-level match quality: per-source confidence means weighted by how
	// many records each source matched.
	var quality, weights []float64
	for _, src := range metrics.Sources {
		ss := summary.Sources[src]
		if ss.Matched == 0 {
			continue
		}
		quality = append(quality, ss.MatchConfidence)
		weights = append(weights, float64(ss.Matched))
	}
	summary.MatchQuality = confidence.WeightedAverage(quality, weights)
	return nil
}

func (o *Orchestrator) matchOneSource(ctx context.Context, tenant string, from, to time.Time, provider metrics.SourceProvider, st *runState, ss *SourceSummary) ([]matched, error) {
	src := provider.Source()
	records, dropped, err := provider.FetchRecords(ctx, tenant, from, to)
	ss.Total = len(records) + dropped
	ss.Malformed = dropped
	if err != nil || len(records) == 0 {
		// Source outage: absent for this run, confidence degrades downstream.
		ss.Unavailable = true
		serr := serrors.NewSourceUnavailableError(string(src), err)
		o.logger.Warn("source unavailable for run",
			"code", serr.Code, "source", src, "error", serr)
		return nil, nil
	}

	valid := records[:0]
	for _, rec := range records {
		if rec.Source == "" {
			rec.Source = src
		}
		if verr := rec.Validate(); verr != nil {
			ss.Malformed++
			serr := serrors.NewMalformedInputError(verr.Error(), rec.Identifier)
			o.logger.Warn("skipping malformed record",
				"code", serr.Code, "source", src, "error", serr)
			continue
		}
		valid = append(valid, rec)
	}

	// Individual matches are independent; a bounded pool writes into an
	// index-addressed slice so outcome order never depends on scheduling.
	outcomes := make([]match.Result, len(valid))
	mg, mctx := errgroup.WithContext(ctx)
	mg.SetLimit(o.opts.workers())
	for i := range valid {
		i := i
		mg.Go(func() error {
			res, merr := st.matcher.Match(mctx, valid[i].Identifier)
			if merr != nil {
				return merr
			}
			outcomes[i] = res
			return nil
		})
	}
	if err := mg.Wait(); err != nil {
		return nil, fmt.Errorf("matching %s records: %w", src, err)
	}

	out := make([]matched, 0, len(valid))
	confs := make([]float64, 0, len(valid))
	for i, rec := range valid {
		res := outcomes[i]
		nodeID, ok := o.resolveNode(st.idx, res)
		if !ok {
			ss.Unmatched++
			st.ledger.Record(rec, st.now)
			continue
		}
		ss.Matched++
		confs = append(confs, res.Confidence)
		out = append(out, matched{rec: rec, nodeID: nodeID})
	}
	// Geometric mean: one weak fuzzy match drags the source's confidence
	// harder than an arithmetic mean would.
	ss.MatchConfidence = confidence.Aggregate(confs)
	return out, nil
}

// resolveNode attributes a match to a category node: node matches map
// directly, product matches roll into the owning node. A single raw record
// therefore resolves to exactly one entity, so aggregation never needs to
// deduplicate.
func (o *Orchestrator) resolveNode(idx *catalog.Index, res match.Result) (string, bool) {
	switch res.EntityType {
	case match.EntityNode:
		return res.EntityID, true
	case match.EntityProduct:
		if p, ok := idx.Product(res.EntityID); ok {
			return p.NodeID, true
		}
	}
	return "", false
}

// leafAccumulator folds matched records for one (node, date) cell.
type leafAccumulator struct {
	aggregate.LeafMetrics
	positionWeighted float64
	positionWeight   int64
}

func (a *leafAccumulator) finish() aggregate.LeafMetrics {
	lm := a.LeafMetrics
	if a.positionWeight > 0 {
		pos := a.positionWeighted / float64(a.positionWeight)
		lm.Position = &pos
	}
	if lm.Sessions > 0 {
		cr := float64(lm.Transactions) / float64(lm.Sessions)
		lm.ConversionRate = &cr
	}
	return lm
}

// aggregatePhase joins the per-source outputs into leaf metrics and rolls
// them up: one aggregation per date for persistence, one over the whole
// range for scoring. Pricing metrics skip the roll-up and feed the scorer
// directly per node.
func (o *Orchestrator) aggregatePhase(st *runState) (map[time.Time]map[string]*aggregate.NodeMetrics, map[string]*aggregate.NodeMetrics, map[string]*metrics.PricingMetrics) {
	type cellKey struct {
		date   time.Time
		nodeID string
	}
	cells := make(map[cellKey]*leafAccumulator)
	rangeCells := make(map[string]*leafAccumulator)
	pricingByNode := make(map[string]*metrics.PricingMetrics)
	pricingDate := make(map[string]time.Time)

	fold := func(acc *leafAccumulator, rec metrics.RawRecord) {
		switch m := rec.Metrics.(type) {
		case metrics.SearchMetrics:
			acc.Clicks += m.Clicks
			acc.Impressions += m.Impressions
			if m.Impressions > 0 {
				acc.positionWeighted += m.Position * float64(m.Impressions)
				acc.positionWeight += m.Impressions
			}
		case metrics.AnalyticsMetrics:
			acc.Sessions += m.Sessions
			acc.Transactions += m.Transactions
			acc.Revenue = acc.Revenue.Add(m.Revenue)
		}
	}

	for _, out := range st.bySource {
		for _, m := range out {
			if pm, ok := m.rec.Metrics.(metrics.PricingMetrics); ok {
				// Latest pricing observation per node wins.
				if prev, seen := pricingDate[m.nodeID]; !seen || m.rec.Date.After(prev) {
					pmCopy := pm
					pricingByNode[m.nodeID] = &pmCopy
					pricingDate[m.nodeID] = m.rec.Date
				}
				continue
			}

			day := m.rec.Date.UTC().Truncate(24 * time.Hour)
			key := cellKey{date: day, nodeID: m.nodeID}
			acc, ok := cells[key]
			if !ok {
				acc = &leafAccumulator{}
				cells[key] = acc
			}
			fold(acc, m.rec)

			racc, ok := rangeCells[m.nodeID]
			if !ok {
				racc = &leafAccumulator{}
				rangeCells[m.nodeID] = racc
			}
			fold(racc, m.rec)
		}
	}

	byDate := make(map[time.Time]map[string]*aggregate.NodeMetrics)
	leavesByDate := make(map[time.Time]map[string]aggregate.LeafMetrics)
	for key, acc := range cells {
		if leavesByDate[key.date] == nil {
			leavesByDate[key.date] = make(map[string]aggregate.LeafMetrics)
		}
		leavesByDate[key.date][key.nodeID] = acc.finish()
	}
	for date, leaves := range leavesByDate {
		byDate[date] = aggregate.Aggregate(st.idx, leaves)
	}

	rangeLeaves := make(map[string]aggregate.LeafMetrics, len(rangeCells))
	for nodeID, acc := range rangeCells {
		rangeLeaves[nodeID] = acc.finish()
	}
	rangeTotals := aggregate.Aggregate(st.idx, rangeLeaves)

	return byDate, rangeTotals, pricingByNode
}

// source presence bits for per-entity confidence.
const (
	bitSearch = 1 << iota
	bitAnalytics
	bitPricing
)

func sourceBit(s metrics.Source) int {
	switch s {
	case metrics.SourceSearch:
		return bitSearch
	case metrics.SourceAnalytics:
		return bitAnalytics
	case metrics.SourcePricing:
		return bitPricing
	}
	return 0
}

// scorePhase derives tenant baselines from the run itself, computes
// per-entity confidence from source coverage and freshness, and scores
// every node that aggregated data.
func (o *Orchestrator) scorePhase(st *runState, rangeTotals map[string]*aggregate.NodeMetrics, pricingByNode map[string]*metrics.PricingMetrics, summary *Summary) []score.Opportunity {
	presence := make(map[string]int)
	newest := make(map[string]time.Time)
	for src, out := range st.bySource {
		bit := sourceBit(src)
		for _, m := range out {
			if !m.rec.Metrics.NonTrivial() {
				continue
			}
			presence[m.nodeID] |= bit
			if m.rec.Date.After(newest[m.nodeID]) {
				newest[m.nodeID] = m.rec.Date
			}
		}
	}
	// Children fold into parents the same way their metrics do. DepthSorted
	// is deepest-first, so every child is final before its parent reads it.
	for _, nodeID := range st.idx.DepthSorted {
		for _, childID := range st.idx.Children(nodeID) {
			presence[nodeID] |= presence[childID]
			if newest[childID].After(newest[nodeID]) {
				newest[nodeID] = newest[childID]
			}
		}
	}

	baseline := deriveBaseline(st.idx, rangeTotals)

	scores := make([]score.Opportunity, 0, len(rangeTotals))
	for _, nodeID := range st.idx.DepthSorted {
		agg, ok := rangeTotals[nodeID]
		if !ok {
			continue
		}
		level := confidence.ForEntity(countBits(presence[nodeID]), newest[nodeID], st.now)
		summary.Confidence.Add(level)
		scores = append(scores, score.Score(score.Input{
			NodeID:       nodeID,
			Aggregated:   agg,
			Pricing:      pricingByNode[nodeID],
			Baseline:     baseline,
			ProductCount: st.idx.DescendantProductCount(nodeID),
			Confidence:   level,
		}))
	}
	return scores
}

func countBits(mask int) int {
	n := 0
	for mask != 0 {
		n += mask & 1
		mask >>= 1
	}
	return n
}

// deriveBaseline computes the tenant-wide average conversion rate and
// order value from the run's root-level totals. Every node with data rolls
// up into its root's row, so summing roots counts each record once.
func deriveBaseline(idx *catalog.Index, rangeTotals map[string]*aggregate.NodeMetrics) score.Baseline {
	var sessions, transactions int64
	revenue := decimal.Zero
	for nodeID, m := range rangeTotals {
		n, ok := idx.Node(nodeID)
		if !ok || n.ParentID != "" {
			continue
		}
		sessions += m.Sessions
		transactions += m.Transactions
		revenue = revenue.Add(m.Revenue)
	}

	b := score.Baseline{}
	if sessions > 0 {
		b.AvgConversionRate = float64(transactions) / float64(sessions)
	}
	if transactions > 0 {
		b.AvgOrderValue = revenue.DivRound(decimal.NewFromInt(transactions), 4)
	}
	return b
}

func (o *Orchestrator) persist(ctx context.Context, tenant string, runID uuid.UUID, st *runState, byDate map[time.Time]map[string]*aggregate.NodeMetrics, scores []score.Opportunity) error {
	runAt := st.now

	for date, rows := range byDate {
		flat := make([]*aggregate.NodeMetrics, 0, len(rows))
		for _, row := range rows {
			flat = append(flat, row)
		}
		if err := o.sink.SaveMetrics(ctx, tenant, runID, runAt, date, flat); err != nil {
			return fmt.Errorf("persist metrics for %s: %w", date.Format("2006-01-02"), err)
		}
	}

	expiresAt := runAt.Add(o.opts.scoreTTL())
	if err := o.sink.SaveScores(ctx, tenant, runID, runAt, expiresAt, scores); err != nil {
		return fmt.Errorf("persist scores: %w", err)
	}

	if err := o.sink.SaveUnmatched(ctx, tenant, runID, st.ledger.Drain()); err != nil {
		return fmt.Errorf("persist unmatched ledger: %w", err)
	}
	return nil
}

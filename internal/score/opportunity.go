// Package score turns aggregated node metrics and market pricing into a
// 0-100 opportunity score, a categorical label, and a revenue impact
// estimate for dashboard prioritization.
package score

import (
	"math"

	"github.com/shopspring/decimal"

	"shopintel/internal/aggregate"
	"shopintel/internal/metrics"
	"shopintel/pkg/confidence"
)

// Label buckets a node for prioritization.
type Label string

const (
	LabelQuickWin    Label = "quick-win"
	LabelStrategic   Label = "strategic"
	LabelIncremental Label = "incremental"
	LabelLongTerm    Label = "long-term"
	LabelMaintain    Label = "maintain"
)

// Composite factor weights. Fixed, not tenant-tunable.
const (
	weightTraffic     = 0.25
	weightRevenue     = 0.30
	weightPricing     = 0.25
	weightCompetitive = 0.10
	weightContent     = 0.10
)

// neutralScore is the stand-in for a factor whose inputs are unavailable;
// it keeps the composite defined instead of breaking the computation.
const neutralScore = 50.0

// Decision-table thresholds for labeling.
const (
	highScoreThreshold = 70.0
	midScoreThreshold  = 40.0
	highEffortProducts = 30
)

// The revenue factor blends the conversion and order-value gaps into a
// 0-100 band scaled by revenueGapScale, leaving headroom so the
// monetization-gap bonus for traffic-without-revenue nodes survives the
// final clamp instead of saturating against it.
const (
	revenueGapScale      = 0.6
	monetizationGapBonus = 40.0
)

// Pricing factor constants: overpriced nodes get a flat signal, at-market
// nodes a low fixed score. Underpricing scores proportionally.
const (
	overpricedScore = 30.0
	atMarketScore   = 10.0
	atMarketBand    = 0.05
)

// Baseline carries the tenant-wide averages the revenue factor compares
// against.
type Baseline struct {
	AvgConversionRate float64
	AvgOrderValue     decimal.Decimal
}

// Factors holds the named 0-100 sub-scores behind a composite.
type Factors struct {
	Traffic     float64 `json:"traffic"`
	Revenue     float64 `json:"revenue"`
	Pricing     float64 `json:"pricing"`
	Competitive float64 `json:"competitive"`
	Content     float64 `json:"content"`
}

// Opportunity is one scored node.
type Opportunity struct {
	NodeID        string           `json:"node_id"`
	Score         float64          `json:"score"`
	Factors       Factors          `json:"factors"`
	Label         Label            `json:"label"`
	Confidence    confidence.Level `json:"confidence"`
	RevenueImpact decimal.Decimal  `json:"revenue_impact"`
}

// Input bundles everything the scorer needs for one node.
type Input struct {
	NodeID       string
	Aggregated   *aggregate.NodeMetrics
	Pricing      *metrics.PricingMetrics
	Baseline     Baseline
	ProductCount int
	Confidence   confidence.Level
}

// Score computes the composite opportunity for one node. Every ratio-based
// sub-score has an explicit zero-denominator fallback; the result is never
// NaN or infinite.
func Score(in Input) Opportunity {
	f := Factors{
		Traffic:     trafficPotential(in.Aggregated),
		Revenue:     revenuePotential(in.Aggregated, in.Baseline),
		Pricing:     pricingOpportunity(in.Pricing),
		Competitive: competitiveGap(in.Pricing),
		Content:     neutralScore, // no content signal feeds this engine yet
	}

	composite := f.Traffic*weightTraffic +
		f.Revenue*weightRevenue +
		f.Pricing*weightPricing +
		f.Competitive*weightCompetitive +
		f.Content*weightContent

	return Opportunity{
		NodeID:        in.NodeID,
		Score:         clamp(composite),
		Factors:       f,
		Label:         label(clamp(composite), in.ProductCount),
		Confidence:    in.Confidence,
		RevenueImpact: revenueImpact(in.Aggregated, in.Baseline),
	}
}

// expectedCTRTable maps integer search position to the expected organic
// click-through rate. Monotonically decreasing; positions past 20 floor
// at one percent.
var expectedCTRTable = map[int]float64{
	1:  0.28,
	2:  0.15,
	3:  0.094,
	4:  0.064,
	5:  0.049,
	6:  0.037,
	7:  0.027,
	8:  0.017,
	9:  0.014,
	10: 0.013,
	11: 0.012,
	12: 0.012,
	13: 0.011,
	14: 0.011,
	15: 0.011,
	16: 0.011,
	17: 0.010,
	18: 0.010,
	19: 0.010,
	20: 0.010,
}

// ExpectedCTR returns the expected click-through rate for an average
// search position.
func ExpectedCTR(position float64) float64 {
	if position <= 0 {
		return 0
	}
	p := int(math.Round(position))
	if p < 1 {
		p = 1
	}
	if p > 20 {
		return 0.01
	}
	return expectedCTRTable[p]
}

// trafficPotential combines the gap between expected and observed CTR with
// a position-improvement term. Positions 1-3 are near-optimal, 4-10 carry
// the most headroom, and the term decays again past 50.
func trafficPotential(agg *aggregate.NodeMetrics) float64 {
	if agg == nil || agg.Position == nil {
		return neutralScore
	}
	pos := *agg.Position

	ctrGap := 0.0
	expected := ExpectedCTR(pos)
	if agg.Impressions > 0 && expected > 0 {
		observed := float64(agg.Clicks) / float64(agg.Impressions)
		ctrGap = clamp((expected - observed) / expected * 100)
	}

	var positionTerm float64
	switch {
	case pos < 4:
		positionTerm = 10
	case pos <= 10:
		positionTerm = 80
	case pos <= 20:
		positionTerm = 60
	case pos <= 50:
		positionTerm = 40
	default:
		positionTerm = 15
	}

	return clamp(0.5*ctrGap + 0.5*positionTerm)
}

// revenuePotential measures how far the node lags the tenant-wide
// conversion rate and order value, with a large fixed bonus for nodes that
// see traffic but monetize nothing.
func revenuePotential(agg *aggregate.NodeMetrics, baseline Baseline) float64 {
	if agg == nil {
		return neutralScore
	}

	convGap := neutralScore
	if baseline.AvgConversionRate > 0 {
		nodeCR := 0.0
		if agg.ConversionRate != nil {
			nodeCR = *agg.ConversionRate
		}
		convGap = clamp((baseline.AvgConversionRate - nodeCR) / baseline.AvgConversionRate * 100)
	}

	aovGap := neutralScore
	if baseline.AvgOrderValue.IsPositive() {
		nodeAOV := decimal.Zero
		if agg.Transactions > 0 {
			nodeAOV = agg.Revenue.Div(decimal.NewFromInt(agg.Transactions))
		}
		gap, _ := baseline.AvgOrderValue.Sub(nodeAOV).
			Div(baseline.AvgOrderValue).
			Mul(decimal.NewFromInt(100)).Float64()
		aovGap = clamp(gap)
	}

	s := revenueGapScale * (0.5*convGap + 0.5*aovGap)

	hasTraffic := agg.Sessions > 0 || agg.Clicks > 0
	if hasTraffic && agg.Revenue.IsZero() {
		s += monetizationGapBonus
	}
	return clamp(s)
}

// pricingOpportunity scores the node's price position against the market
// median. Underpricing scores proportionally to the relative gap;
// overpricing yields a flat signal (a known product-policy gap, kept as
// specified); at-market pricing yields a low fixed score.
func pricingOpportunity(p *metrics.PricingMetrics) float64 {
	if p == nil {
		return neutralScore
	}
	// Missing either price is a zero-denominator case: fall back to the
	// at-market floor rather than an undefined ratio.
	if p.MedianPrice.IsZero() || p.CurrentPrice.IsZero() {
		return atMarketScore
	}

	rel, _ := p.MedianPrice.Sub(p.CurrentPrice).Div(p.MedianPrice).Float64()
	switch {
	case rel > atMarketBand: // priced below market
		return clamp(rel * 200)
	case rel < -atMarketBand: // priced above market
		return overpricedScore
	default:
		return atMarketScore
	}
}

// competitiveGap derives a coarse signal from competitor density when
// pricing data carries it, else stays neutral.
func competitiveGap(p *metrics.PricingMetrics) float64 {
	if p == nil || p.CompetitorCount <= 0 {
		return neutralScore
	}
	return clamp(float64(p.CompetitorCount) * 10)
}

// label applies the 2x2 decision table over score and estimated effort.
func label(score float64, productCount int) Label {
	highEffort := productCount >= highEffortProducts
	switch {
	case score >= highScoreThreshold && !highEffort:
		return LabelQuickWin
	case score >= highScoreThreshold:
		return LabelStrategic
	case score > midScoreThreshold && !highEffort:
		return LabelIncremental
	case score > midScoreThreshold:
		return LabelLongTerm
	default:
		return LabelMaintain
	}
}

// revenueImpact estimates the monthly revenue unlocked by closing the CTR
// gap: missed clicks priced at the tenant's average order economics.
func revenueImpact(agg *aggregate.NodeMetrics, baseline Baseline) decimal.Decimal {
	if agg == nil || agg.Position == nil || agg.Impressions == 0 {
		return decimal.Zero
	}
	expected := ExpectedCTR(*agg.Position)
	observed := float64(agg.Clicks) / float64(agg.Impressions)
	gap := expected - observed
	if gap <= 0 {
		return decimal.Zero
	}

	missedClicks := gap * float64(agg.Impressions)
	impact := decimal.NewFromFloat(missedClicks * baseline.AvgConversionRate).
		Mul(baseline.AvgOrderValue)
	if impact.IsNegative() {
		return decimal.Zero
	}
	return impact.Round(2)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

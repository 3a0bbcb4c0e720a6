// Package aggregate rolls leaf-level metrics up the category tree to
// produce per-node composite rows. Nodes are processed in a depth-sorted
// flat list, deepest first, so every node is folded after all its children
// and no recursion touches the tree.
package aggregate

import (
	"github.com/shopspring/decimal"

	"shopintel/internal/catalog"
)

// LeafMetrics is the directly-matched contribution for one node on one
// date, before any roll-up. Rate fields are pointers: nil means "no data",
// which must stay distinguishable from an observed zero.
type LeafMetrics struct {
	Clicks       int64
	Impressions  int64
	Sessions     int64
	Transactions int64
	Revenue      decimal.Decimal

	Position       *float64
	ConversionRate *float64
}

// NodeMetrics is one aggregated row per (node, date). Counters are sums
// over the node and every descendant with data; rates are weighted
// averages (position by impressions, conversion rate by sessions).
type NodeMetrics struct {
	NodeID       string
	Clicks       int64
	Impressions  int64
	Sessions     int64
	Transactions int64
	Revenue      decimal.Decimal

	Position       *float64
	ConversionRate *float64

	// IsAggregated is true when any value was rolled up from children
	// rather than observed directly at this node.
	IsAggregated bool
	// LeafCount is the number of directly-matched contributions folded
	// into this row.
	LeafCount int
}

// weighted is one (rate, weight) pair awaiting the final division.
type weighted struct {
	rate   float64
	weight int64
}

// Aggregate walks the tree bottom-up and returns one row per node that has
// either direct metrics or at least one descendant with data. Nodes with
// neither get no entry at all: absence means "no data", a zero row means
// "observed zero activity".
func Aggregate(idx *catalog.Index, leafByNode map[string]LeafMetrics) map[string]*NodeMetrics {
	result := make(map[string]*NodeMetrics, len(leafByNode))

	for _, nodeID := range idx.DepthSorted {
		var acc *NodeMetrics
		var positions, conversions []weighted

		if direct, ok := leafByNode[nodeID]; ok {
			acc = &NodeMetrics{
				NodeID:       nodeID,
				Clicks:       direct.Clicks,
				Impressions:  direct.Impressions,
				Sessions:     direct.Sessions,
				Transactions: direct.Transactions,
				Revenue:      direct.Revenue,
				LeafCount:    1,
			}
			if direct.Position != nil {
				positions = append(positions, weighted{*direct.Position, direct.Impressions})
			}
			if direct.ConversionRate != nil {
				conversions = append(conversions, weighted{*direct.ConversionRate, direct.Sessions})
			}
		}

		for _, childID := range idx.Children(nodeID) {
			child, ok := result[childID]
			if !ok {
				continue
			}
			if acc == nil {
				acc = &NodeMetrics{NodeID: nodeID, Revenue: decimal.Zero}
			}
			acc.Clicks += child.Clicks
			acc.Impressions += child.Impressions
			acc.Sessions += child.Sessions
			acc.Transactions += child.Transactions
			acc.Revenue = acc.Revenue.Add(child.Revenue)
			acc.LeafCount += child.LeafCount
			// Any child contribution marks the row as rolled-up, whether
			// or not the node also had direct metrics (mixed counts too).
			acc.IsAggregated = true

			if child.Position != nil {
				positions = append(positions, weighted{*child.Position, child.Impressions})
			}
			if child.ConversionRate != nil {
				conversions = append(conversions, weighted{*child.ConversionRate, child.Sessions})
			}
		}

		if acc == nil {
			continue
		}
		acc.Position = weightedAverage(positions)
		acc.ConversionRate = weightedAverage(conversions)
		result[nodeID] = acc
	}

	return result
}

// weightedAverage computes sum(rate*weight)/sum(weight), skipping
// zero-weight pairs. Returns nil when no weight remains.
func weightedAverage(pairs []weighted) *float64 {
	var sum float64
	var total int64
	for _, p := range pairs {
		if p.weight == 0 {
			continue
		}
		sum += p.rate * float64(p.weight)
		total += p.weight
	}
	if total == 0 {
		return nil
	}
	avg := sum / float64(total)
	return &avg
}

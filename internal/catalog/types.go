// Package catalog holds the tenant's category tree and product data, the
// ground truth every external record is reconciled against.
package catalog

import "context"

// Node is one category in the tenant's hierarchy. The parent/child graph is
// a forest: roots have ParentID == "" and every other node has exactly one
// parent at depth-1.
type Node struct {
	ID           string   `json:"id"`
	ParentID     string   `json:"parent_id,omitempty"`
	URL          string   `json:"url"`
	Path         string   `json:"path"`
	Depth        int      `json:"depth"`
	Children     []string `json:"children,omitempty"`
	ProductCount int      `json:"product_count"`
}

// Product is a sellable item owned by one category node. Codes carries the
// raw GTIN/EAN codes as reported; checksum-invalid codes are kept for
// display but never used for exact matching.
type Product struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Codes  []string `json:"codes,omitempty"`
	NodeID string   `json:"node_id"`
}

// Provider supplies the catalog for one tenant. Implementations are assumed
// internally consistent; the engine validates structure while indexing and
// aborts the run on violations.
type Provider interface {
	ListNodes(ctx context.Context, tenant string) ([]Node, error)
	ListProducts(ctx context.Context, tenant string) ([]Product, error)
}

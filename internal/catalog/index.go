package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"shopintel/internal/normalize"
	"shopintel/pkg/serrors"
)

// Index is the read-only lookup structure built once per run during the
// Indexing phase. After Build returns, no writer exists: every matching
// worker reads it concurrently without locking.
type Index struct {
	nodes    map[string]*Node
	products map[string]*Product

	nodeByURL    map[string]string // normalized URL -> node ID
	productByURL map[string]string // normalized URL -> product ID
	productByRef map[string]string // product ID / valid GTIN -> product ID
	gtinToProd   map[string]string // valid GTIN -> product ID
	nodeByPath   map[string]string // normalized path string -> node ID

	pathSegments map[string][]string // node ID -> normalized path segments
	children     map[string][]string // node ID -> child IDs

	// Node IDs sorted by descending depth; the aggregator's iteration order.
	DepthSorted []string

	// ChecksumInvalid counts product codes rejected during indexing.
	ChecksumInvalid int
}

// BuildIndex validates tree structure and constructs all lookup tables.
// A structural violation (dangling parent, cycle, broken depth chain) is
// fatal: aggregating over a malformed tree silently corrupts every number
// above the offending node.
func BuildIndex(nodes []Node, products []Product, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{
		nodes:        make(map[string]*Node, len(nodes)),
		products:     make(map[string]*Product, len(products)),
		nodeByURL:    make(map[string]string, len(nodes)),
		productByURL: make(map[string]string, len(products)),
		productByRef: make(map[string]string),
		gtinToProd:   make(map[string]string),
		nodeByPath:   make(map[string]string, len(nodes)),
		pathSegments: make(map[string][]string, len(nodes)),
		children:     make(map[string][]string),
	}

	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return nil, serrors.NewInconsistentCatalogError("node with empty identifier")
		}
		if _, dup := idx.nodes[n.ID]; dup {
			return nil, serrors.NewInconsistentCatalogError("duplicate node identifier", n.ID)
		}
		idx.nodes[n.ID] = n
	}

	if err := idx.validateTree(logger); err != nil {
		return nil, err
	}

	for id, n := range idx.nodes {
		if u := normalize.URL(n.URL); u != "" && u != "/" {
			keepSmallest(idx.nodeByURL, u, id)
		}
		segs := normalize.Path(n.Path)
		idx.pathSegments[id] = segs
		if p := normalize.PathString(segs); p != "" {
			keepSmallest(idx.nodeByPath, p, id)
		}
		if n.ParentID != "" {
			idx.children[n.ParentID] = append(idx.children[n.ParentID], id)
		}
	}

	for i := range products {
		p := &products[i]
		if p.ID == "" {
			return nil, serrors.NewInconsistentCatalogError("product with empty identifier")
		}
		idx.products[p.ID] = p
		if u := normalize.URL(p.URL); u != "" && u != "/" {
			keepSmallest(idx.productByURL, u, p.ID)
		}
		keepSmallest(idx.productByRef, strings.ToLower(p.ID), p.ID)
		for _, raw := range p.Codes {
			code, valid := normalize.GTIN(raw)
			if !valid {
				// Kept for display, excluded from exact matching.
				idx.ChecksumInvalid++
				logger.Warn("product code failed checksum validation",
					"code", serrors.ErrCodeChecksumInvalid,
					"product_id", p.ID,
					"raw_code", raw)
				continue
			}
			keepSmallest(idx.gtinToProd, code, p.ID)
			keepSmallest(idx.productByRef, code, p.ID)
		}
	}

	idx.DepthSorted = make([]string, 0, len(idx.nodes))
	for id := range idx.nodes {
		idx.DepthSorted = append(idx.DepthSorted, id)
	}
	sort.Slice(idx.DepthSorted, func(i, j int) bool {
		a, b := idx.nodes[idx.DepthSorted[i]], idx.nodes[idx.DepthSorted[j]]
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		return a.ID < b.ID // deterministic order within a depth
	})

	return idx, nil
}

// keepSmallest inserts id under key, keeping the smaller ID when two
// entries collide so lookups never depend on map iteration order.
func keepSmallest(m map[string]string, key, id string) {
	if prev, ok := m[key]; ok && prev <= id {
		return
	}
	m[key] = id
}

// validateTree enforces the forest invariants: every parent exists, depth
// increases by exactly one per level, and no parent chain cycles.
func (idx *Index) validateTree(logger *slog.Logger) error {
	for id, n := range idx.nodes {
		if n.ParentID == "" {
			continue
		}
		parent, ok := idx.nodes[n.ParentID]
		if !ok {
			logger.Error("catalog node cites nonexistent parent",
				"node_id", id, "parent_id", n.ParentID)
			return serrors.NewInconsistentCatalogError(
				fmt.Sprintf("node %s cites nonexistent parent %s", id, n.ParentID), id)
		}
		if n.Depth != parent.Depth+1 {
			logger.Error("catalog node depth does not match parent",
				"node_id", id, "depth", n.Depth, "parent_depth", parent.Depth)
			return serrors.NewInconsistentCatalogError(
				fmt.Sprintf("node %s depth %d inconsistent with parent depth %d", id, n.Depth, parent.Depth), id)
		}
	}

	// Cycle check: walk each parent chain; more hops than nodes means a loop.
	limit := len(idx.nodes)
	for id := range idx.nodes {
		cur := idx.nodes[id]
		for hops := 0; cur.ParentID != ""; hops++ {
			if hops > limit {
				logger.Error("catalog parent chain contains a cycle", "node_id", id)
				return serrors.NewInconsistentCatalogError(
					fmt.Sprintf("parent chain starting at node %s contains a cycle", id), id)
			}
			cur = idx.nodes[cur.ParentID]
		}
	}
	return nil
}

// Node returns a node by ID.
func (idx *Index) Node(id string) (*Node, bool) {
	n, ok := idx.nodes[id]
	return n, ok
}

// Product returns a product by ID.
func (idx *Index) Product(id string) (*Product, bool) {
	p, ok := idx.products[id]
	return p, ok
}

// NodeCount reports how many nodes are indexed.
func (idx *Index) NodeCount() int { return len(idx.nodes) }

// ProductCount reports how many products are indexed.
func (idx *Index) ProductCount() int { return len(idx.products) }

// NodeByURL resolves a normalized URL to a node ID.
func (idx *Index) NodeByURL(u string) (string, bool) {
	id, ok := idx.nodeByURL[u]
	return id, ok
}

// ProductByURL resolves a normalized URL to a product ID.
func (idx *Index) ProductByURL(u string) (string, bool) {
	id, ok := idx.productByURL[u]
	return id, ok
}

// ProductByRef resolves a product identifier (stable ID or checksum-valid
// GTIN) to a product ID.
func (idx *Index) ProductByRef(ref string) (string, bool) {
	id, ok := idx.productByRef[strings.ToLower(ref)]
	return id, ok
}

// ProductByGTIN resolves a checksum-valid GTIN to a product ID.
func (idx *Index) ProductByGTIN(code string) (string, bool) {
	id, ok := idx.gtinToProd[code]
	return id, ok
}

// NodeByPath resolves an exact normalized path string to a node ID.
func (idx *Index) NodeByPath(p string) (string, bool) {
	id, ok := idx.nodeByPath[p]
	return id, ok
}

// LongestPathPrefix finds the node whose normalized path is contained in
// the given normalized URL. The longest node path wins; equal-length paths
// break the tie on the smaller node ID so repeated lookups never flip.
func (idx *Index) LongestPathPrefix(u string) (string, bool) {
	bestID, bestLen := "", 0
	for path, id := range idx.nodeByPath {
		if !strings.Contains(u, path) {
			continue
		}
		switch {
		case len(path) > bestLen:
			bestID, bestLen = id, len(path)
		case len(path) == bestLen && id < bestID:
			bestID = id
		}
	}
	return bestID, bestID != ""
}

// PathSegments returns a node's normalized path segments.
func (idx *Index) PathSegments(id string) []string {
	return idx.pathSegments[id]
}

// Children returns the indexed child IDs of a node.
func (idx *Index) Children(id string) []string {
	return idx.children[id]
}

// EachNodePath iterates all (node ID, normalized path) pairs. Used by the
// category-hierarchy and fuzzy strategies.
func (idx *Index) EachNodePath(fn func(id, path string)) {
	for path, id := range idx.nodeByPath {
		fn(id, path)
	}
}

// EachProductURL iterates all (product ID, normalized URL) pairs.
func (idx *Index) EachProductURL(fn func(id, url string)) {
	for u, id := range idx.productByURL {
		fn(id, u)
	}
}

// DescendantProductCount sums ProductCount over a node and all nodes below
// it, the effort input for opportunity labeling.
func (idx *Index) DescendantProductCount(id string) int {
	total := 0
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n, ok := idx.nodes[cur]; ok {
			total += n.ProductCount
		}
		stack = append(stack, idx.children[cur]...)
	}
	return total
}

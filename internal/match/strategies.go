package match

import (
	"sort"
	"strings"

	"shopintel/internal/catalog"
	"shopintel/internal/normalize"
	"shopintel/pkg/confidence"
)

// exactURLStrategy matches a normalized raw URL against the normalized
// canonical URL of a node or product.
type exactURLStrategy struct{}

func (exactURLStrategy) Name() string { return "exact_url" }

func (exactURLStrategy) TryMatch(identifier string, idx *catalog.Index) (Result, bool) {
	u := normalize.URL(identifier)
	if u == "" || u == "/" {
		return NoMatch(), false
	}
	if nodeID, ok := idx.NodeByURL(u); ok {
		return Result{EntityNode, nodeID, confidence.ExactMatch, "exact_url"}, true
	}
	if productID, ok := idx.ProductByURL(u); ok {
		return Result{EntityProduct, productID, confidence.ExactMatch, "exact_url"}, true
	}
	return NoMatch(), false
}

// productInURLStrategy matches when the URL's last path segment is a known
// product identifier (stable ID or checksum-valid GTIN).
type productInURLStrategy struct{}

func (productInURLStrategy) Name() string { return "product_in_url" }

func (productInURLStrategy) TryMatch(identifier string, idx *catalog.Index) (Result, bool) {
	last := normalize.LastSegment(normalize.URL(identifier))
	if last == "" {
		return NoMatch(), false
	}
	if productID, ok := idx.ProductByRef(last); ok {
		return Result{EntityProduct, productID, confidence.ProductInURL, "product_in_url"}, true
	}
	return NoMatch(), false
}

// pathPrefixStrategy matches when a node's normalized path appears inside
// the normalized raw URL. The longest matching node path wins on ties.
type pathPrefixStrategy struct{}

func (pathPrefixStrategy) Name() string { return "path_prefix" }

func (pathPrefixStrategy) TryMatch(identifier string, idx *catalog.Index) (Result, bool) {
	u := normalize.URL(identifier)
	if u == "" || u == "/" {
		return NoMatch(), false
	}
	if nodeID, ok := idx.LongestPathPrefix(u); ok {
		return Result{EntityNode, nodeID, confidence.PathPrefix, "path_prefix"}, true
	}
	return NoMatch(), false
}

// categoryPathStrategy matches a category path string segment-by-segment
// against node paths, consulting known segment aliases.
type categoryPathStrategy struct {
	aliases map[string]string
}

func (categoryPathStrategy) Name() string { return "category_path" }

func (s *categoryPathStrategy) TryMatch(identifier string, idx *catalog.Index) (Result, bool) {
	segs := normalize.Path(identifier)
	if len(segs) == 0 {
		return NoMatch(), false
	}

	canonical := make([]string, len(segs))
	for i, seg := range segs {
		canonical[i] = s.canonicalize(seg)
	}

	// Exact path hit is cheapest; try it before segment-wise scanning.
	if nodeID, ok := idx.NodeByPath(normalize.PathString(canonical)); ok {
		return Result{EntityNode, nodeID, confidence.CategoryPath, "category_path"}, true
	}

	matched, found := "", false
	idx.EachNodePath(func(id, _ string) {
		nodeSegs := idx.PathSegments(id)
		if len(nodeSegs) != len(canonical) {
			return
		}
		for i := range nodeSegs {
			if s.canonicalize(nodeSegs[i]) != canonical[i] {
				return
			}
		}
		// Deterministic winner when several alias-equivalent paths exist.
		if !found || id < matched {
			matched, found = id, true
		}
	})
	if found {
		return Result{EntityNode, matched, confidence.CategoryPath, "category_path"}, true
	}
	return NoMatch(), false
}

func (s *categoryPathStrategy) canonicalize(seg string) string {
	if s.aliases == nil {
		return seg
	}
	if canonical, ok := s.aliases[seg]; ok {
		return canonical
	}
	return seg
}

// fuzzyStrategy scores token overlap between the normalized identifier and
// every node path and product URL, accepting the single best candidate at
// or above the threshold.
type fuzzyStrategy struct {
	threshold float64
}

func (fuzzyStrategy) Name() string { return "fuzzy" }

func (s *fuzzyStrategy) TryMatch(identifier string, idx *catalog.Index) (Result, bool) {
	query := tokenize(identifier)
	if len(query) == 0 {
		return NoMatch(), false
	}

	type candidate struct {
		entityType EntityType
		id         string
		score      float64
	}
	var best candidate

	consider := func(entityType EntityType, id, key string) {
		score := diceCoefficient(query, tokenize(key))
		if score < s.threshold {
			return
		}
		// Deterministic tie-break: higher score, then smaller ID.
		if score > best.score || (score == best.score && best.id != "" && id < best.id) {
			best = candidate{entityType, id, score}
		}
	}

	idx.EachNodePath(func(id, path string) { consider(EntityNode, id, path) })
	idx.EachProductURL(func(id, url string) { consider(EntityProduct, id, url) })

	if best.id == "" {
		return NoMatch(), false
	}
	// Fuzzy confidence is the similarity score, capped below the
	// category-hierarchy strategy so the chain stays monotonic.
	conf := confidence.Clamp(best.score)
	if conf > confidence.CategoryPath {
		conf = confidence.CategoryPath
	}
	return Result{best.entityType, best.id, conf, "fuzzy"}, true
}

// tokenize splits a normalized identifier into comparison tokens.
func tokenize(s string) []string {
	s = strings.ToLower(s)
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case '/', '-', '_', '.', ' ', '?', '&', '=', ':':
			return true
		}
		return false
	})
	sort.Strings(tokens)
	return tokens
}

// diceCoefficient computes 2*|A∩B| / (|A|+|B|) over token sets.
func diceCoefficient(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	overlap := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(setA)+len(setB))
}

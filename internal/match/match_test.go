package match

import (
	"context"
	"log/slog"
	"testing"

	"shopintel/internal/catalog"
)

// testIndex builds a small two-level catalog:
//
//	electronics (/electronics)
//	└── phones  (/electronics/phones)
//	    └── product iphone-15 with a valid GTIN
func testIndex(t *testing.T) *catalog.Index {
	t.Helper()
	nodes := []catalog.Node{
		{ID: "n-electronics", URL: "https://x.com/c/electronics", Path: "/electronics", Depth: 0},
		{ID: "n-phones", ParentID: "n-electronics", URL: "https://x.com/c/electronics-phones", Path: "/electronics/phones", Depth: 1},
	}
	products := []catalog.Product{
		{ID: "p-iphone", URL: "https://x.com/p/iphone-15", Codes: []string{"012345678905"}, NodeID: "n-phones"},
	}
	idx, err := catalog.BuildIndex(nodes, products, slog.Default())
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	return idx
}

func newTestMatcher(t *testing.T, idx *catalog.Index, opts ...Option) *Matcher {
	t.Helper()
	return NewMatcher(idx, "tenant-1", slog.Default(), opts...)
}

func TestExactURLMatch(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "https://x.com/c/electronics-phones?utm=1")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityID != "n-phones" || res.Strategy != "exact_url" || res.Confidence != 1.0 {
		t.Errorf("got %+v, want n-phones via exact_url at 1.0", res)
	}
}

func TestProductInURLMatch(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "https://x.com/buy/p-iphone")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityType != EntityProduct || res.EntityID != "p-iphone" {
		t.Fatalf("got %+v, want product p-iphone", res)
	}
	if res.Strategy != "product_in_url" || res.Confidence != 0.9 {
		t.Errorf("got strategy %s conf %f, want product_in_url at 0.9", res.Strategy, res.Confidence)
	}
}

func TestPathPrefixMatch_Scenario(t *testing.T) {
	// Raw search URL with query noise must prefix-match the phones node
	// at 0.8 even though no canonical URL equals it.
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "https://x.com/electronics/phones/?ref=ads")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityID != "n-phones" || res.Strategy != "path_prefix" {
		t.Fatalf("got %+v, want n-phones via path_prefix", res)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %f, want 0.8", res.Confidence)
	}
}

func TestPathPrefixMatch_LongestWins(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "https://x.com/electronics/phones/cases/slim")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	// Both /electronics and /electronics/phones are contained; the longer
	// node path must win.
	if res.EntityID != "n-phones" {
		t.Errorf("got %s, want n-phones (longest path)", res.EntityID)
	}
}

func TestCategoryPathMatch(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "Electronics > Phones")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityID != "n-phones" || res.Strategy != "category_path" || res.Confidence != 0.7 {
		t.Errorf("got %+v, want n-phones via category_path at 0.7", res)
	}
}

func TestCategoryPathMatch_Aliases(t *testing.T) {
	m := newTestMatcher(t, testIndex(t), WithAliases(map[string]string{"mobiles": "phones"}))
	res, err := m.Match(context.Background(), "electronics/mobiles")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityID != "n-phones" {
		t.Errorf("alias segment did not resolve: %+v", res)
	}
}

func TestFuzzyMatch_AboveThreshold(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	// Tokens {electronics, phones, best} against node {electronics, phones}:
	// dice = 2*2/5 = 0.8 >= 0.6.
	res, err := m.Match(context.Background(), "best-electronics-phones")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityID != "n-phones" || res.Strategy != "fuzzy" {
		t.Fatalf("got %+v, want fuzzy n-phones", res)
	}
	if res.Confidence < 0.6 {
		t.Errorf("accepted fuzzy confidence %f below floor", res.Confidence)
	}
}

func TestFuzzyMatch_BelowThresholdIsNoMatch(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "garden-furniture-outdoor-bench")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Matched() {
		t.Errorf("expected no match, got %+v", res)
	}
}

func TestGTINMatch_ValidChecksum(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "012345678905")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityID != "p-iphone" || res.Strategy != "gtin" || res.Confidence != 1.0 {
		t.Errorf("got %+v, want p-iphone via gtin at 1.0", res)
	}
}

func TestGTINMatch_InvalidChecksumNeverMatches(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	res, err := m.Match(context.Background(), "012345678900")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Matched() {
		t.Errorf("checksum-invalid code matched: %+v", res)
	}
}

func TestGTINPath_NeverFallsBackToFuzzy(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	// A valid-looking code absent from the index stays unmatched instead
	// of drifting into the URL/path chain.
	res, err := m.Match(context.Background(), "4006381333931")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Matched() {
		t.Errorf("unknown GTIN matched via fallback: %+v", res)
	}
}

func TestOverridePrecedence(t *testing.T) {
	overrides := StaticMappings{
		"https://x.com/c/electronics-phones": {
			RawIdentifier: "https://x.com/c/electronics-phones",
			EntityType:    EntityNode,
			EntityID:      "n-electronics",
		},
	}
	m := newTestMatcher(t, testIndex(t), WithOverrides(overrides))
	// Exact URL would resolve to n-phones; the manual mapping must win.
	res, err := m.Match(context.Background(), "https://x.com/c/electronics-phones")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.EntityID != "n-electronics" || res.Strategy != "manual" || res.Confidence != 1.0 {
		t.Errorf("got %+v, want manual override to n-electronics at 1.0", res)
	}
}

func TestMatchDeterminism(t *testing.T) {
	m := newTestMatcher(t, testIndex(t))
	first, err := m.Match(context.Background(), "https://x.com/electronics/phones/?ref=ads")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	for i := 0; i < 50; i++ {
		res, err := m.Match(context.Background(), "https://x.com/electronics/phones/?ref=ads")
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if res != first {
			t.Fatalf("iteration %d diverged: %+v vs %+v", i, res, first)
		}
	}
}

func TestConfidenceMonotonicity(t *testing.T) {
	idx := testIndex(t)
	cases := []struct {
		identifier string
		strategy   string
	}{
		{"https://x.com/c/electronics-phones", "exact_url"},
		{"https://x.com/buy/p-iphone", "product_in_url"},
		{"https://x.com/electronics/phones/?ref=ads", "path_prefix"},
		{"electronics > phones", "category_path"},
		{"best-electronics-phones", "fuzzy"},
	}
	m := newTestMatcher(t, idx)

	prev := 1.1
	for _, tc := range cases {
		res, err := m.Match(context.Background(), tc.identifier)
		if err != nil {
			t.Fatalf("Match(%s): %v", tc.identifier, err)
		}
		if res.Strategy != tc.strategy {
			t.Fatalf("%s resolved via %s, want %s", tc.identifier, res.Strategy, tc.strategy)
		}
		if res.Confidence > prev {
			t.Errorf("%s confidence %f exceeds higher-priority strategy %f", tc.strategy, res.Confidence, prev)
		}
		if res.Strategy == "fuzzy" && res.Confidence < 0.6 {
			t.Errorf("accepted fuzzy below floor: %f", res.Confidence)
		}
		prev = res.Confidence
	}
}

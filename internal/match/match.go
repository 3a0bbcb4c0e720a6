// Package match resolves raw external identifiers to catalog entities
// through a fixed-priority chain of strategies. The first strategy that
// produces a result wins; confidences are never compared across strategies.
package match

import (
	"context"
	"fmt"
	"log/slog"

	"shopintel/internal/catalog"
	"shopintel/internal/normalize"
	"shopintel/pkg/confidence"
	"shopintel/pkg/serrors"
)

// EntityType identifies what kind of catalog entity a match resolved to.
type EntityType string

const (
	EntityNode    EntityType = "node"
	EntityProduct EntityType = "product"
	EntityNone    EntityType = "none"
)

// Result is the outcome of attempting to resolve one raw identifier.
type Result struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id,omitempty"`
	Confidence float64    `json:"confidence"`
	Strategy   string     `json:"strategy"`
}

// Matched reports whether the result resolved to an entity.
func (r Result) Matched() bool { return r.EntityType != EntityNone && r.EntityID != "" }

// NoMatch is the zero outcome for an unresolved identifier.
func NoMatch() Result { return Result{EntityType: EntityNone} }

// Strategy maps one raw identifier to zero-or-one catalog entity. Pure:
// the same identifier and index always yield the same result.
type Strategy interface {
	Name() string
	TryMatch(identifier string, idx *catalog.Index) (Result, bool)
}

// Matcher runs overrides, the GTIN path, and the strategy chain in that
// order against one run's catalog index.
type Matcher struct {
	idx        *catalog.Index
	overrides  MappingStore
	tenant     string
	strategies []Strategy
	logger     *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithOverrides attaches a manual mapping store.
func WithOverrides(store MappingStore) Option {
	return func(m *Matcher) { m.overrides = store }
}

// WithAliases installs segment aliases for the category-hierarchy strategy.
func WithAliases(aliases map[string]string) Option {
	return func(m *Matcher) {
		for i, s := range m.strategies {
			if cp, ok := s.(*categoryPathStrategy); ok {
				cp.aliases = aliases
				m.strategies[i] = cp
			}
		}
	}
}

// WithStrategies replaces the default chain. Order is priority order.
func WithStrategies(strategies []Strategy) Option {
	return func(m *Matcher) { m.strategies = strategies }
}

// NewMatcher builds a matcher over a run's index with the default
// strategy chain.
func NewMatcher(idx *catalog.Index, tenant string, logger *slog.Logger, opts ...Option) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{
		idx:        idx,
		tenant:     tenant,
		logger:     logger,
		strategies: DefaultChain(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultChain returns the fixed priority order: exact URL, product
// identifier in URL, path prefix, category hierarchy, fuzzy.
func DefaultChain() []Strategy {
	return []Strategy{
		&exactURLStrategy{},
		&productInURLStrategy{},
		&pathPrefixStrategy{},
		&categoryPathStrategy{},
		&fuzzyStrategy{threshold: confidence.FuzzyFloor},
	}
}

// Match resolves one raw identifier. An exhausted chain is not an error;
// the caller routes the no-match outcome to the unmatched ledger.
func (m *Matcher) Match(ctx context.Context, rawIdentifier string) (Result, error) {
	if m.overrides != nil {
		mapping, err := m.overrides.Lookup(ctx, m.tenant, rawIdentifier)
		if err != nil {
			return NoMatch(), fmt.Errorf("override lookup: %w", err)
		}
		if mapping != nil {
			return Result{
				EntityType: mapping.EntityType,
				EntityID:   mapping.EntityID,
				Confidence: confidence.ManualMatch,
				Strategy:   "manual",
			}, nil
		}
	}

	// Identifier codes take the single-strategy GTIN path and never fall
	// back to the URL/path chain.
	if code, isCode := gtinCandidate(rawIdentifier); isCode {
		return m.matchGTIN(rawIdentifier, code), nil
	}

	for _, s := range m.strategies {
		if res, ok := s.TryMatch(rawIdentifier, m.idx); ok {
			return res, nil
		}
	}
	return NoMatch(), nil
}

func (m *Matcher) matchGTIN(raw, code string) Result {
	cleaned, valid := normalize.GTIN(code)
	if !valid {
		m.logger.Warn("identifier code failed checksum validation",
			"code", serrors.ErrCodeChecksumInvalid,
			"identifier", raw)
		return NoMatch()
	}
	if productID, ok := m.idx.ProductByGTIN(cleaned); ok {
		return Result{
			EntityType: EntityProduct,
			EntityID:   productID,
			Confidence: confidence.ExactMatch,
			Strategy:   "gtin",
		}
	}
	return NoMatch()
}

// gtinCandidate reports whether a raw identifier looks like a GTIN/EAN
// code: digits (plus spacing/dashes) of a valid GTIN length.
func gtinCandidate(raw string) (string, bool) {
	digits := 0
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-':
		default:
			return "", false
		}
	}
	switch digits {
	case 8, 12, 13, 14:
		return raw, true
	}
	return "", false
}

package match

import (
	"context"
	"time"
)

// ManualMapping pins a raw identifier to a specific catalog entity. Authored
// by humans in the triage UI, usually by promoting an unmatched record.
// Always takes precedence over every automatic strategy.
type ManualMapping struct {
	RawIdentifier string     `json:"raw_identifier"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MappingStore looks up manual mappings by exact raw identifier.
type MappingStore interface {
	Lookup(ctx context.Context, tenant, rawIdentifier string) (*ManualMapping, error)
}

// StaticMappings is an in-memory MappingStore keyed by raw identifier.
type StaticMappings map[string]ManualMapping

func (s StaticMappings) Lookup(_ context.Context, _ string, raw string) (*ManualMapping, error) {
	if m, ok := s[raw]; ok {
		return &m, nil
	}
	return nil, nil
}

package run

import (
	"time"

	"github.com/google/uuid"

	"shopintel/internal/metrics"
	"shopintel/pkg/confidence"
)

// Phase names the orchestrator's state machine steps.
type Phase string

const (
	PhaseLoading     Phase = "loading"
	PhaseIndexing    Phase = "indexing"
	PhaseMatching    Phase = "matching"
	PhaseAggregating Phase = "aggregating"
	PhaseScoring     Phase = "scoring"
	PhasePersisting  Phase = "persisting"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// SourceSummary reports one source's contribution to a run.
type SourceSummary struct {
	Source    metrics.Source `json:"source"`
	Total     int            `json:"total"`
	Malformed int            `json:"malformed"`
	Matched   int            `json:"matched"`
	Unmatched int            `json:"unmatched"`
	// MatchConfidence is the combined strategy confidence over the
	// source's matched records, 0 when nothing matched.
	MatchConfidence float64 `json:"match_confidence"`
	// Unavailable is set when the provider failed or returned nothing;
	// the source is treated as absent, not as a run failure.
	Unavailable bool `json:"unavailable"`
}

// Summary is the run report consumed by the operational dashboard.
type Summary struct {
	RunID      uuid.UUID `json:"run_id"`
	Tenant     string    `json:"tenant"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Phase      Phase     `json:"phase"`

	Sources map[metrics.Source]*SourceSummary `json:"sources"`

	NodesWithData  int `json:"nodes_with_data"`
	ScoresComputed int `json:"scores_computed"`
	// MatchQuality averages the per-source match confidences weighted by
	// matched record counts; an operator's single-number matching health.
	MatchQuality float64                 `json:"match_quality"`
	Confidence   confidence.Distribution `json:"confidence"`
}

func newSummary(tenant string, from, to time.Time) *Summary {
	s := &Summary{
		RunID:     uuid.New(),
		Tenant:    tenant,
		From:      from,
		To:        to,
		StartedAt: time.Now().UTC(),
		Phase:     PhaseLoading,
		Sources:   make(map[metrics.Source]*SourceSummary, len(metrics.Sources)),
	}
	for _, src := range metrics.Sources {
		s.Sources[src] = &SourceSummary{Source: src}
	}
	return s
}

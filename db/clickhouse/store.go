// Package clickhouse persists the engine's analytic outputs: aggregated
// node metrics, opportunity scores, and the unmatched ledger. Columnar
// storage fits the write pattern (bulk per-run inserts) and the dashboard
// read pattern (per-tenant scans over node/date ranges).
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shopintel/internal/aggregate"
	"shopintel/internal/ledger"
	"shopintel/internal/score"
	"shopintel/pkg/confidence"
	"shopintel/pkg/platform"
)

// Config holds ClickHouse connection configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig reads connection settings from the environment with
// development defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:     platform.GetEnv("CLICKHOUSE_HOST", "localhost"),
		Port:     platform.GetEnvInt("CLICKHOUSE_PORT", 9000),
		Database: platform.GetEnv("CLICKHOUSE_DATABASE", "shopintel"),
		Username: platform.GetEnv("CLICKHOUSE_USER", "default"),
		Password: platform.GetEnv("CLICKHOUSE_PASSWORD", ""),
		Debug:    platform.GetEnvBool("CLICKHOUSE_DEBUG", false),
	}
}

// Store writes run outputs to ClickHouse. It implements the orchestrator's
// Sink contract.
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore opens a connection to ClickHouse.
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Migrate creates the output tables. ReplacingMergeTree keyed by run_at
// gives last-writer-wins semantics when two runs overwrite the same
// (node, date, tenant) row; the scores table carries a TTL so superseded
// runs age out.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS aggregated_metrics (
			tenant          String,
			node_id         String,
			date            Date,
			run_id          UUID,
			run_at          DateTime,
			clicks          Int64,
			impressions     Int64,
			sessions        Int64,
			transactions    Int64,
			revenue         Decimal(18, 4),
			position        Nullable(Float64),
			conversion_rate Nullable(Float64),
			is_aggregated   UInt8,
			leaf_count      Int32
		) ENGINE = ReplacingMergeTree(run_at)
		ORDER BY (tenant, node_id, date)`,

		`CREATE TABLE IF NOT EXISTS opportunity_scores (
			tenant             String,
			node_id            String,
			run_id             UUID,
			run_at             DateTime,
			expires_at         DateTime,
			composite          Float64,
			factor_traffic     Float64,
			factor_revenue     Float64,
			factor_pricing     Float64,
			factor_competitive Float64,
			factor_content     Float64,
			label              String,
			confidence         String,
			revenue_impact     Decimal(18, 2)
		) ENGINE = MergeTree()
		ORDER BY (tenant, node_id, run_at)
		TTL expires_at`,

		`CREATE TABLE IF NOT EXISTS unmatched_records (
			tenant      String,
			source      String,
			identifier  String,
			run_id      UUID,
			recorded_at DateTime,
			metrics     String
		) ENGINE = ReplacingMergeTree(recorded_at)
		ORDER BY (tenant, source, identifier)`,
	}

	for _, stmt := range ddl {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// SaveMetrics batch-inserts one date's aggregated rows.
func (s *Store) SaveMetrics(ctx context.Context, tenant string, runID uuid.UUID, runAt time.Time, date time.Time, rows []*aggregate.NodeMetrics) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO aggregated_metrics (
			tenant, node_id, date, run_id, run_at,
			clicks, impressions, sessions, transactions, revenue,
			position, conversion_rate, is_aggregated, leaf_count
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			tenant, row.NodeID, date, runID, runAt,
			row.Clicks, row.Impressions, row.Sessions, row.Transactions, row.Revenue,
			row.Position, row.ConversionRate, boolToUInt8(row.IsAggregated), int32(row.LeafCount),
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	return batch.Send()
}

// SaveScores batch-inserts one run's opportunity scores with their expiry.
func (s *Store) SaveScores(ctx context.Context, tenant string, runID uuid.UUID, runAt, expiresAt time.Time, scores []score.Opportunity) error {
	if len(scores) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO opportunity_scores (
			tenant, node_id, run_id, run_at, expires_at,
			composite, factor_traffic, factor_revenue, factor_pricing,
			factor_competitive, factor_content, label, confidence, revenue_impact
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, sc := range scores {
		if err := batch.Append(
			tenant, sc.NodeID, runID, runAt, expiresAt,
			sc.Score, sc.Factors.Traffic, sc.Factors.Revenue, sc.Factors.Pricing,
			sc.Factors.Competitive, sc.Factors.Content,
			string(sc.Label), string(sc.Confidence), sc.RevenueImpact,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	return batch.Send()
}

// SaveUnmatched batch-inserts the run's unmatched ledger. The raw metrics
// bag is serialized so the triage UI can display what was reported.
func (s *Store) SaveUnmatched(ctx context.Context, tenant string, runID uuid.UUID, records []ledger.UnmatchedRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO unmatched_records (
			tenant, source, identifier, run_id, recorded_at, metrics
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		raw, err := json.Marshal(rec.Metrics)
		if err != nil {
			raw = []byte("{}")
		}
		if err := batch.Append(
			tenant, string(rec.Source), rec.Identifier, runID, rec.RecordedAt, string(raw),
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	return batch.Send()
}

// TopScores reads the latest run's highest-scoring nodes for a tenant,
// the dashboard's primary query.
func (s *Store) TopScores(ctx context.Context, tenant string, limit int) ([]score.Opportunity, error) {
	query := `
		SELECT node_id, composite, factor_traffic, factor_revenue, factor_pricing,
			   factor_competitive, factor_content, label, confidence, revenue_impact
		FROM opportunity_scores
		WHERE tenant = ? AND run_at = (
			SELECT max(run_at) FROM opportunity_scores WHERE tenant = ?
		)
		ORDER BY composite DESC
		LIMIT ?
	`
	rows, err := s.conn.Query(ctx, query, tenant, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	var out []score.Opportunity
	for rows.Next() {
		var sc score.Opportunity
		var label, conf string
		var impact decimal.Decimal
		if err := rows.Scan(
			&sc.NodeID, &sc.Score, &sc.Factors.Traffic, &sc.Factors.Revenue,
			&sc.Factors.Pricing, &sc.Factors.Competitive, &sc.Factors.Content,
			&label, &conf, &impact,
		); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		sc.Label = score.Label(label)
		sc.Confidence = confidence.Level(conf)
		sc.RevenueImpact = impact
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UnmatchedRow is one unresolved identifier as read back for triage. The
// metrics bag stays raw JSON; the triage UI renders it as-is.
type UnmatchedRow struct {
	Source     string          `json:"source"`
	Identifier string          `json:"identifier"`
	Metrics    json.RawMessage `json:"metrics"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// ListUnmatched reads a tenant's unresolved identifiers, newest first. The
// triage UI promotes entries from here into manual mappings.
func (s *Store) ListUnmatched(ctx context.Context, tenant string, limit int) ([]UnmatchedRow, error) {
	query := `
		SELECT source, identifier, metrics, recorded_at
		FROM unmatched_records FINAL
		WHERE tenant = ?
		ORDER BY recorded_at DESC, source, identifier
		LIMIT ?
	`
	rows, err := s.conn.Query(ctx, query, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unmatched records: %w", err)
	}
	defer rows.Close()

	var out []UnmatchedRow
	for rows.Next() {
		var r UnmatchedRow
		var raw string
		if err := rows.Scan(&r.Source, &r.Identifier, &raw, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unmatched record: %w", err)
		}
		r.Metrics = json.RawMessage(raw)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Package postgres backs the catalog provider and the manual mapping store.
// The category tree and product records are row-oriented OLTP data, kept
// apart from the columnar analytics in ClickHouse.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"shopintel/internal/catalog"
	"shopintel/internal/match"
)

// Store reads catalog data and manual mappings from Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres connection pool from a DSN.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListNodes returns the tenant's full category tree.
func (s *Store) ListNodes(ctx context.Context, tenant string) ([]catalog.Node, error) {
	query := `
		SELECT id, COALESCE(parent_id, ''), url, path, depth, product_count
		FROM catalog_nodes
		WHERE tenant = $1
		ORDER BY depth, id
	`
	rows, err := s.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog nodes: %w", err)
	}
	defer rows.Close()

	var nodes []catalog.Node
	for rows.Next() {
		var n catalog.Node
		if err := rows.Scan(&n.ID, &n.ParentID, &n.URL, &n.Path, &n.Depth, &n.ProductCount); err != nil {
			return nil, fmt.Errorf("failed to scan catalog node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListProducts returns the tenant's products with their identifier codes.
func (s *Store) ListProducts(ctx context.Context, tenant string) ([]catalog.Product, error) {
	query := `
		SELECT id, url, COALESCE(codes, '{}'), node_id
		FROM catalog_products
		WHERE tenant = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog products: %w", err)
	}
	defer rows.Close()

	var products []catalog.Product
	for rows.Next() {
		var p catalog.Product
		var codes pq.StringArray
		if err := rows.Scan(&p.ID, &p.URL, &codes, &p.NodeID); err != nil {
			return nil, fmt.Errorf("failed to scan catalog product: %w", err)
		}
		p.Codes = []string(codes)
		products = append(products, p)
	}
	return products, rows.Err()
}

// Lookup returns the manual mapping for an exact raw identifier, or nil.
func (s *Store) Lookup(ctx context.Context, tenant, rawIdentifier string) (*match.ManualMapping, error) {
	query := `
		SELECT raw_identifier, entity_type, entity_id, created_by, created_at
		FROM manual_mappings
		WHERE tenant = $1 AND raw_identifier = $2
	`
	row := s.db.QueryRowContext(ctx, query, tenant, rawIdentifier)

	var m match.ManualMapping
	var entityType string
	err := row.Scan(&m.RawIdentifier, &entityType, &m.EntityID, &m.CreatedBy, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up manual mapping: %w", err)
	}
	m.EntityType = match.EntityType(entityType)
	return &m, nil
}

// CreateMapping stores a manual mapping, the promotion path the triage UI
// uses on unmatched records. The next run picks it up automatically.
func (s *Store) CreateMapping(ctx context.Context, tenant string, m match.ManualMapping) error {
	query := `
		INSERT INTO manual_mappings (tenant, raw_identifier, entity_type, entity_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant, raw_identifier)
		DO UPDATE SET entity_type = $3, entity_id = $4, created_by = $5, created_at = $6
	`
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		tenant, m.RawIdentifier, string(m.EntityType), m.EntityID, m.CreatedBy, createdAt)
	if err != nil {
		return fmt.Errorf("failed to create manual mapping: %w", err)
	}
	return nil
}

// ListMappings returns all manual mappings for a tenant.
func (s *Store) ListMappings(ctx context.Context, tenant string) ([]match.ManualMapping, error) {
	query := `
		SELECT raw_identifier, entity_type, entity_id, created_by, created_at
		FROM manual_mappings
		WHERE tenant = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list manual mappings: %w", err)
	}
	defer rows.Close()

	var mappings []match.ManualMapping
	for rows.Next() {
		var m match.ManualMapping
		var entityType string
		if err := rows.Scan(&m.RawIdentifier, &entityType, &m.EntityID, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan manual mapping: %w", err)
		}
		m.EntityType = match.EntityType(entityType)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// shopintel CLI - catalog reconciliation & opportunity engine
//
// Usage:
//   shopintel sync --tenant acme --from 2026-08-01 --to 2026-08-30 \
//       --search-file search.ndjson --analytics-file ga.ndjson --pricing-file prices.ndjson
//   shopintel catalog validate --tenant acme
//   shopintel serve --port 8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"shopintel/api"
	"shopintel/db/clickhouse"
	"shopintel/db/postgres"
	"shopintel/internal/catalog"
	"shopintel/internal/metrics"
	"shopintel/internal/run"
	"shopintel/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Optional .env for local development; absent file is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "shopintel",
		Usage:   "Reconcile search, analytics, and pricing data against the catalog and score category opportunities",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"SHOPINTEL_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Value:   "postgres://localhost:5432/shopintel?sslmode=disable",
				Usage:   "Postgres DSN for catalog and manual mappings",
				EnvVars: []string{"SHOPINTEL_POSTGRES_DSN"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Value:   "localhost",
				Usage:   "ClickHouse host",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "shopintel",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Value:   "",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
		},

		Commands: []*cli.Command{
			syncCommand(),
			catalogCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// SYNC COMMAND
// =============================================================================

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one reconciliation batch for a tenant and date range",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "tenant",
				Aliases:  []string{"t"},
				Usage:    "Tenant identifier",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "from",
				Usage: "Range start (YYYY-MM-DD, default 30 days ago)",
			},
			&cli.StringFlag{
				Name:  "to",
				Usage: "Range end (YYYY-MM-DD, default today)",
			},
			&cli.StringFlag{
				Name:  "search-file",
				Usage: "NDJSON export of organic-search records",
			},
			&cli.StringFlag{
				Name:  "analytics-file",
				Usage: "NDJSON export of web-analytics records",
			},
			&cli.StringFlag{
				Name:  "pricing-file",
				Usage: "NDJSON export of market-pricing records",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Per-source matching workers (default: CPU count)",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Create output tables before running",
			},
		},
		Action: runSync,
	}
}

func runSync(c *cli.Context) error {
	logger := platform.InitLogger(platform.ParseLevel(c.String("log-level")))
	ctx := c.Context

	from, to, err := parseRange(c.String("from"), c.String("to"))
	if err != nil {
		return err
	}

	pg, err := postgres.NewStore(c.String("postgres-dsn"))
	if err != nil {
		return err
	}
	defer pg.Close()

	ch, err := clickhouse.NewStore(&clickhouse.Config{
		Host:     c.String("clickhouse-host"),
		Port:     c.Int("clickhouse-port"),
		Database: c.String("clickhouse-database"),
		Username: c.String("clickhouse-user"),
		Password: c.String("clickhouse-password"),
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	if c.Bool("migrate") {
		if err := ch.Migrate(ctx); err != nil {
			return err
		}
	}

	providers := fileProviders(c)
	if len(providers) == 0 {
		log.Warn().Msg("no source export files given; run will record every source as unavailable")
	}

	orch := run.NewOrchestrator(pg, providers, pg, ch, logger, run.Options{
		Workers:  c.Int("workers"),
		ScoreTTL: platform.GetEnvDuration("SHOPINTEL_SCORE_TTL", 0),
	})

	summary, err := orch.Run(ctx, c.String("tenant"), from, to)
	if summary != nil {
		printSummary(summary)
	}
	return err
}

func fileProviders(c *cli.Context) []metrics.SourceProvider {
	var providers []metrics.SourceProvider
	if path := c.String("search-file"); path != "" {
		providers = append(providers, metrics.NewFileProvider(metrics.SourceSearch, path))
	}
	if path := c.String("analytics-file"); path != "" {
		providers = append(providers, metrics.NewFileProvider(metrics.SourceAnalytics, path))
	}
	if path := c.String("pricing-file"); path != "" {
		providers = append(providers, metrics.NewFileProvider(metrics.SourcePricing, path))
	}
	return providers
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	from, to := now.AddDate(0, 0, -30), now

	var err error
	if fromStr != "" {
		if from, err = time.Parse("2006-01-02", fromStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date: %w", err)
		}
	}
	if toStr != "" {
		if to, err = time.Parse("2006-01-02", toStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date: %w", err)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", toStr, fromStr)
	}
	return from, to, nil
}

func printSummary(summary *run.Summary) {
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to render run summary")
		return
	}
	fmt.Println(string(out))
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the dashboard read API (scores and manual mappings)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "HTTP listen port",
				EnvVars: []string{"SHOPINTEL_API_PORT"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger := platform.InitLogger(platform.ParseLevel(c.String("log-level")))

	pg, err := postgres.NewStore(c.String("postgres-dsn"))
	if err != nil {
		return err
	}
	defer pg.Close()

	ch, err := clickhouse.NewStore(&clickhouse.Config{
		Host:     c.String("clickhouse-host"),
		Port:     c.Int("clickhouse-port"),
		Database: c.String("clickhouse-database"),
		Username: c.String("clickhouse-user"),
		Password: c.String("clickhouse-password"),
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	config := api.DefaultConfig()
	config.Port = c.Int("port")
	return api.NewServer(ch, pg, logger, config).StartWithGracefulShutdown()
}

// =============================================================================
// CATALOG COMMAND
// =============================================================================

func catalogCommand() *cli.Command {
	return &cli.Command{
		Name:  "catalog",
		Usage: "Catalog operations",
		Subcommands: []*cli.Command{
			{
				Name:  "validate",
				Usage: "Load a tenant's catalog and check tree consistency",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "tenant",
						Aliases:  []string{"t"},
						Usage:    "Tenant identifier",
						Required: true,
					},
				},
				Action: runCatalogValidate,
			},
		},
	}
}

func runCatalogValidate(c *cli.Context) error {
	logger := platform.InitLogger(platform.ParseLevel(c.String("log-level")))
	ctx := context.Background()

	pg, err := postgres.NewStore(c.String("postgres-dsn"))
	if err != nil {
		return err
	}
	defer pg.Close()

	tenant := c.String("tenant")
	nodes, err := pg.ListNodes(ctx, tenant)
	if err != nil {
		return err
	}
	products, err := pg.ListProducts(ctx, tenant)
	if err != nil {
		return err
	}

	idx, err := catalog.BuildIndex(nodes, products, logger)
	if err != nil {
		return err
	}

	log.Info().
		Int("nodes", idx.NodeCount()).
		Int("products", idx.ProductCount()).
		Int("checksum_invalid_codes", idx.ChecksumInvalid).
		Msg("catalog is consistent")
	return nil
}

// Package config loads the API server configuration from the environment.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

const defaultAllowedTablesPath = "config/allowed_tables.json"

// Config is the resolved server configuration.
type Config struct {
	// Warehouse connection.
	MSSQLDSN     string
	QueryTimeout time.Duration

	// Conversation persistence. Empty disables it.
	PostgresDSN string

	// Vector search.
	WeaviateHost   string
	WeaviateScheme string
	WeaviateAPIKey string

	// Model selection. Empty lets the client pick its default.
	AnthropicModel string

	// Pipeline thresholds, environment overrides applied over the defaults.
	Pipeline nl2sql.Config

	// Allowed-values cache.
	AllowedValuesTTL        time.Duration
	AllowedValuesMaxEntries int

	// Paused clarification cache.
	MaxWorkflowCacheSize int

	// Tables dynamic SQL may read from.
	AllowedTables []string
}

var cfg Config

// Get returns the loaded configuration.
func Get() Config {
	return cfg
}

// Load reads the environment and the allowed-tables file. Missing required
// settings and an unreadable allow-list are fatal; malformed numeric
// overrides fall back to defaults with a warning.
func Load() error {
	cfg = Config{
		MSSQLDSN:       os.Getenv("MSSQL_DSN"),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		WeaviateHost:   envDefault("WEAVIATE_HOST", "localhost:8080"),
		WeaviateScheme: envDefault("WEAVIATE_SCHEME", "http"),
		WeaviateAPIKey: os.Getenv("WEAVIATE_API_KEY"),
		AnthropicModel: os.Getenv("ANTHROPIC_MODEL"),
		QueryTimeout:   time.Duration(envInt("QUERY_TIMEOUT_SECONDS", 30)) * time.Second,

		AllowedValuesTTL:        time.Duration(envInt("ALLOWED_VALUES_TTL_SECONDS", 600)) * time.Second,
		AllowedValuesMaxEntries: envInt("ALLOWED_VALUES_MAX_CACHE_ENTRIES", 500),
		MaxWorkflowCacheSize:    envInt("MAX_WORKFLOW_CACHE_SIZE", 100),
	}

	if cfg.MSSQLDSN == "" {
		return fmt.Errorf("MSSQL_DSN is required")
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	pipeline := nl2sql.NewConfig()
	pipeline.TemplateConfidenceThreshold = envFloat("QUERY_TEMPLATE_CONFIDENCE_THRESHOLD", pipeline.TemplateConfidenceThreshold)
	pipeline.TemplateAmbiguityGap = envFloat("QUERY_TEMPLATE_AMBIGUITY_GAP", pipeline.TemplateAmbiguityGap)
	pipeline.TableSearchThreshold = envFloat("TABLE_SEARCH_THRESHOLD", pipeline.TableSearchThreshold)
	pipeline.DynamicConfidenceThreshold = envFloat("DYNAMIC_CONFIDENCE_THRESHOLD", pipeline.DynamicConfidenceThreshold)
	cfg.Pipeline = pipeline

	tables, err := loadAllowedTables(envDefault("ALLOWED_TABLES_CONFIG", defaultAllowedTablesPath))
	if err != nil {
		return err
	}
	cfg.AllowedTables = tables

	return nil
}

// loadAllowedTables reads the table allow-list. An empty list is fatal: it
// would reject every generated query.
func loadAllowedTables(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowed tables config %s: %w", path, err)
	}
	var doc struct {
		AllowedTables []string `json:"allowed_tables"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse allowed tables config %s: %w", path, err)
	}
	if len(doc.AllowedTables) == 0 {
		return nil, fmt.Errorf("allowed tables config %s lists no tables", path)
	}
	return doc.AllowedTables, nil
}

// PgPool is the Postgres pool for conversation persistence. Nil when
// POSTGRES_DSN is unset.
var PgPool *pgxpool.Pool

// LoadPostgres connects the persistence pool. No DSN is not an error.
func LoadPostgres(ctx context.Context) error {
	if cfg.PostgresDSN == "" {
		slog.Warn("POSTGRES_DSN not set, conversation persistence disabled")
		return nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	PgPool = pool
	return nil
}

// ClosePostgres shuts the persistence pool down.
func ClosePostgres() {
	if PgPool != nil {
		PgPool.Close()
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer setting, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		slog.Warn("invalid threshold setting, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return f
}

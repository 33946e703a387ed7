// Package sqlexec executes validated, read-only SQL against SQL Server and
// returns rows in a JSON-safe form.
package sqlexec

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

// The legacy driver name accepts ordinal ? placeholders; the "sqlserver"
// name requires named @p parameters.
const driverName = "mssql"

// Executor implements nl2sql.Executor. Each call opens and closes its own
// connection; pooling happens in the driver if at all.
type Executor struct {
	dsn     string
	log     *slog.Logger
	timeout time.Duration
}

// Config for an Executor.
type Config struct {
	DSN     string
	Logger  *slog.Logger
	Timeout time.Duration
}

// New builds an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Executor{dsn: cfg.DSN, log: cfg.Logger, timeout: cfg.Timeout}, nil
}

// Execute runs one query and scans every row into a map.
func (e *Executor) Execute(ctx context.Context, query string, params ...any) (*nl2sql.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	db, err := sqlx.Open(driverName, e.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	start := time.Now()
	rows, err := db.QueryxContext(ctx, query, params...)
	if err != nil {
		e.log.Error("query failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &nl2sql.ExecResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			row[k] = toJSONSafe(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)

	e.log.Debug("query executed", "rows", result.RowCount, "duration", time.Since(start))
	return result, nil
}

// Ping verifies connectivity for readiness checks.
func (e *Executor) Ping(ctx context.Context) error {
	db, err := sqlx.Open(driverName, e.dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

// toJSONSafe converts driver values into types the JSON encoder accepts
// without surprises.
func toJSONSafe(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	default:
		return v
	}
}

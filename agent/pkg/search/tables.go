package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

const tableSearchLimit = 5

// TableSearch finds relevant tables with a hybrid vector+keyword query.
type TableSearch struct {
	client    *weaviate.Client
	log       *slog.Logger
	threshold float64
}

// NewTableSearch builds the table search adapter.
func NewTableSearch(client *weaviate.Client, cfg Config) *TableSearch {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.TableSearchThreshold
	if threshold <= 0 {
		threshold = 0.03
	}
	return &TableSearch{client: client, log: logger, threshold: threshold}
}

// SearchTables implements nl2sql.TableSearcher.
func (s *TableSearch) SearchTables(ctx context.Context, question string) (*nl2sql.TableSearchResult, error) {
	hybrid := s.client.GraphQL().HybridArgumentBuilder().
		WithQuery(question)

	fields := []graphql.Field{
		{Name: "tableId"},
		{Name: "name"},
		{Name: "description"},
		{Name: "columns"},
		{Name: "_additional { score }"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(tableClass).
		WithFields(fields...).
		WithHybrid(hybrid).
		WithLimit(tableSearchLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("table search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("table search: %s", result.Errors[0].Message)
	}

	tables := hydrateTables(result, s.log)
	return filterTables(tables, s.threshold), nil
}

// hydrateTables parses the raw GraphQL response into table metadata. The
// columns field is stored as stringified JSON; hybrid scores arrive as strings.
func hydrateTables(result *models.GraphQLResponse, log *slog.Logger) []nl2sql.TableMetadata {
	data, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := data[tableClass].([]any)
	if !ok {
		return nil
	}

	tables := make([]nl2sql.TableMetadata, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		table := nl2sql.TableMetadata{
			ID:          getString(m, "tableId"),
			Name:        getString(m, "name"),
			Description: getString(m, "description"),
			Score:       getHybridScore(m),
		}
		if raw := getString(m, "columns"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &table.Columns); err != nil {
				log.Warn("skipping table with malformed column metadata",
					"table", table.Name, "error", err)
				continue
			}
		}
		tables = append(tables, table)
	}
	return tables
}

// filterTables drops results below the relevance threshold.
func filterTables(tables []nl2sql.TableMetadata, threshold float64) *nl2sql.TableSearchResult {
	kept := make([]nl2sql.TableMetadata, 0, len(tables))
	for _, t := range tables {
		if t.Score >= threshold {
			kept = append(kept, t)
		}
	}
	return &nl2sql.TableSearchResult{
		HasMatches: len(kept) > 0,
		Tables:     kept,
		Threshold:  threshold,
	}
}

func getHybridScore(m map[string]any) float64 {
	additional, ok := m["_additional"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := additional["score"].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

package search

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

func templateResponse(objects []any) *models.GraphQLResponse {
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{templateClass: objects},
		},
	}
}

func tableResponse(objects []any) *models.GraphQLResponse {
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{tableClass: objects},
		},
	}
}

func TestHydrateTemplates(t *testing.T) {
	resp := templateResponse([]any{
		map[string]any{
			"templateId":      "orders_by_category",
			"intent":          "orders by customer category",
			"exampleQuestion": "top 5 supermarket customers",
			"sqlTemplate":     "SELECT TOP %{{limit}}% * FROM Sales.Orders",
			"parameters":      `[{"name":"limit","required":true,"validation":{"type":"integer"}}]`,
			"_additional":     map[string]any{"certainty": 0.93},
		},
		map[string]any{
			"templateId":  "broken",
			"parameters":  `{not json`,
			"_additional": map[string]any{"certainty": 0.88},
		},
	})

	templates := hydrateTemplates(resp, slog.Default())
	require.Len(t, templates, 1, "malformed parameter JSON drops the entry")
	require.Equal(t, "orders_by_category", templates[0].ID)
	require.Equal(t, 0.93, templates[0].Score)
	require.Len(t, templates[0].Params, 1)
	require.Equal(t, "limit", templates[0].Params[0].Name)
	require.Equal(t, "integer", templates[0].Params[0].Validation.Type)
}

func TestEvaluateTemplates(t *testing.T) {
	mk := func(scores ...float64) []nl2sql.Template {
		out := make([]nl2sql.Template, len(scores))
		for i, s := range scores {
			out[i] = nl2sql.Template{ID: string(rune('a' + i)), Score: s}
		}
		return out
	}

	tests := []struct {
		name      string
		templates []nl2sql.Template
		wantHigh  bool
		wantAmbig bool
	}{
		{"clear winner", mk(0.93, 0.88), true, false},
		{"ambiguous", mk(0.90, 0.89), false, true},
		{"below threshold", mk(0.70, 0.50), false, false},
		{"single high result", mk(0.92), true, false},
		{"empty", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := evaluateTemplates(tt.templates, 0.80, 0.03)
			require.Equal(t, tt.wantHigh, res.HasHighConfidenceMatch)
			require.Equal(t, tt.wantAmbig, res.IsAmbiguous)
			if tt.wantHigh {
				require.NotNil(t, res.Best)
			} else {
				require.Nil(t, res.Best)
			}
		})
	}
}

func TestHydrateTables_ScoreAsString(t *testing.T) {
	resp := tableResponse([]any{
		map[string]any{
			"tableId":     "t1",
			"name":        "Sales.Orders",
			"description": "customer orders",
			"columns":     `[{"name":"OrderID","is_primary_key":true}]`,
			"_additional": map[string]any{"score": "0.75"},
		},
		map[string]any{
			"tableId":     "t2",
			"name":        "Sales.Invoices",
			"columns":     `[]`,
			"_additional": map[string]any{"score": "0.01"},
		},
	})

	tables := hydrateTables(resp, slog.Default())
	require.Len(t, tables, 2)
	require.Equal(t, 0.75, tables[0].Score)
	require.True(t, tables[0].Columns[0].IsPK)

	res := filterTables(tables, 0.03)
	require.True(t, res.HasMatches)
	require.Len(t, res.Tables, 1)
	require.Equal(t, "Sales.Orders", res.Tables[0].Name)
}

func TestFilterTables_NoMatches(t *testing.T) {
	res := filterTables(nil, 0.03)
	require.False(t, res.HasMatches)
	require.Empty(t, res.Tables)
}

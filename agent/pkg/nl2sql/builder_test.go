package nl2sql

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilder_Build(t *testing.T) {
	client := &fakeLLM{responses: []string{
		"Here you go:\n```json\n" +
			`{"status":"success","completed_sql":"SELECT TOP (5) * FROM Sales.Orders","tables_used":["Sales.Orders"],"confidence":0.82,"reasoning":"recent orders"}` +
			"\n```",
	}}
	b := NewBuilder(nil, client)

	tables := []TableMetadata{{Name: "Sales.Orders", Columns: []ColumnDesc{{Name: "OrderID", IsPK: true}}}}
	d := b.Build(context.Background(), "recent orders", tables)

	require.Equal(t, StatusSuccess, d.Status)
	require.Equal(t, SourceDynamic, d.Source)
	require.Equal(t, "SELECT TOP (5) * FROM Sales.Orders", d.CompletedSQL)
	require.Equal(t, []string{"Sales.Orders"}, d.Tables)
	require.Equal(t, 0.82, d.Confidence)
	require.Equal(t, "recent orders", d.Reasoning)
	require.NotEmpty(t, d.TablesJSON)
	require.Contains(t, client.lastPrompt(), "Sales.Orders")
	require.Contains(t, client.lastPrompt(), "OrderID")
}

func TestBuilder_ModelErrorStatus(t *testing.T) {
	client := &fakeLLM{responses: []string{
		`{"status":"error","error":"no relevant tables"}`,
	}}
	b := NewBuilder(nil, client)

	d := b.Build(context.Background(), "q", nil)
	require.Equal(t, StatusError, d.Status)
	require.Equal(t, "no relevant tables", d.Err)
}

func TestBuilder_UnparseableResponse(t *testing.T) {
	client := &fakeLLM{responses: []string{"sorry, I can't"}}
	b := NewBuilder(nil, client)

	d := b.Build(context.Background(), "q", nil)
	require.Equal(t, StatusError, d.Status)
	require.NotEmpty(t, d.Err)
}

func TestClampConfidence(t *testing.T) {
	mk := func(s string) json.RawMessage { return json.RawMessage(s) }

	tests := []struct {
		name string
		raw  json.RawMessage
		want float64
	}{
		{"number", mk("0.7"), 0.7},
		{"string number", mk(`"0.7"`), 0.7},
		{"over one", mk("3"), 1},
		{"negative", mk("-1"), 0},
		{"missing", nil, 0.5},
		{"garbage", mk(`"high"`), 0.5},
		{"object", mk(`{"x":1}`), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, clampConfidence(tt.raw))
		})
	}
}

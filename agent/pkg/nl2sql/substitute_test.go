package nl2sql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name        string
		template    string
		params      map[string]any
		wantDisplay string
		wantExec    string
		wantParams  []any
	}{
		{
			name:        "numeric and quoted string",
			template:    "SELECT TOP %{{limit}}% * FROM Sales.Customers WHERE Category = '%{{category}}%'",
			params:      map[string]any{"limit": 5, "category": "Supermarket"},
			wantDisplay: "SELECT TOP 5 * FROM Sales.Customers WHERE Category = 'Supermarket'",
			wantExec:    "SELECT TOP (?) * FROM Sales.Customers WHERE Category = ?",
			wantParams:  []any{5, "Supermarket"},
		},
		{
			name:        "null value",
			template:    "SELECT * FROM T WHERE X = %{{x}}%",
			params:      map[string]any{"x": nil},
			wantDisplay: "SELECT * FROM T WHERE X = NULL",
			wantExec:    "SELECT * FROM T WHERE X = NULL",
			wantParams:  []any{},
		},
		{
			name:        "missing key treated as null",
			template:    "SELECT * FROM T WHERE X = %{{x}}%",
			params:      map[string]any{},
			wantDisplay: "SELECT * FROM T WHERE X = NULL",
			wantExec:    "SELECT * FROM T WHERE X = NULL",
			wantParams:  []any{},
		},
		{
			name:        "sort keyword inlined",
			template:    "SELECT * FROM T ORDER BY Name %{{dir}}%",
			params:      map[string]any{"dir": "desc"},
			wantDisplay: "SELECT * FROM T ORDER BY Name DESC",
			wantExec:    "SELECT * FROM T ORDER BY Name DESC",
			wantParams:  []any{},
		},
		{
			name:        "function call inlined",
			template:    "SELECT * FROM T WHERE D >= %{{since}}%",
			params:      map[string]any{"since": "DATEADD(day, -90, GETDATE())"},
			wantDisplay: "SELECT * FROM T WHERE D >= DATEADD(day, -90, GETDATE())",
			wantExec:    "SELECT * FROM T WHERE D >= DATEADD(day, -90, GETDATE())",
			wantParams:  []any{},
		},
		{
			name:        "boolean binds as integer",
			template:    "SELECT * FROM T WHERE Active = %{{active}}%",
			params:      map[string]any{"active": true},
			wantDisplay: "SELECT * FROM T WHERE Active = 1",
			wantExec:    "SELECT * FROM T WHERE Active = ?",
			wantParams:  []any{1},
		},
		{
			name:        "unquoted string binds raw",
			template:    "SELECT * FROM T WHERE City = %{{city}}%",
			params:      map[string]any{"city": "Seattle"},
			wantDisplay: "SELECT * FROM T WHERE City = Seattle",
			wantExec:    "SELECT * FROM T WHERE City = ?",
			wantParams:  []any{"Seattle"},
		},
		{
			name:        "quoted string escapes quotes in display",
			template:    "SELECT * FROM T WHERE Name = '%{{name}}%'",
			params:      map[string]any{"name": "O'Brien"},
			wantDisplay: "SELECT * FROM T WHERE Name = 'O''Brien'",
			wantExec:    "SELECT * FROM T WHERE Name = ?",
			wantParams:  []any{"O'Brien"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			display, exec, params := Substitute(tt.template, tt.params)
			require.Equal(t, tt.wantDisplay, display)
			require.Equal(t, tt.wantExec, exec)
			require.Equal(t, tt.wantParams, params)
		})
	}
}

func TestSubstitute_PlaceholderCountMatchesParams(t *testing.T) {
	templates := []struct {
		sql    string
		params map[string]any
	}{
		{"SELECT TOP %{{n}}% * FROM T WHERE A = '%{{a}}%' AND B = %{{b}}%",
			map[string]any{"n": 10, "a": "x", "b": 2.5}},
		{"SELECT * FROM T WHERE A = %{{a}}% ORDER BY B %{{dir}}%",
			map[string]any{"a": nil, "dir": "ASC"}},
		{"SELECT * FROM T WHERE A = '%{{a}}%' AND D > %{{d}}%",
			map[string]any{"a": "val", "d": "GETDATE()"}},
	}
	for _, tc := range templates {
		_, exec, params := Substitute(tc.sql, tc.params)
		require.Equal(t, strings.Count(exec, "?"), len(params), "exec=%s", exec)
	}
}

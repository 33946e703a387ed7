package nl2sql

import (
	"strings"
)

// Violation categories.
const (
	errCategoryDisallowed = "disallowed_tables"
	errCategorySyntax     = "syntax"
	errCategoryGeneric    = "generic"
)

// SchemaAreas is the closed set of schema prefixes that drive suggestions.
var SchemaAreas = []string{"application", "purchasing", "sales", "warehouse"}

var disallowedPatterns = []string{"not in the allowed", "not allowed", "disallowed", "allowlist"}
var syntaxPatterns = []string{"syntax", "unbalanced", "parenthes", "quote", "must start with select", "empty"}

var areaSuggestions = map[string][]Suggestion{
	"sales": {
		{Title: "Top customers", Prompt: "Who are the top 10 customers by total order value?"},
		{Title: "Recent orders", Prompt: "Show the most recent 20 orders"},
		{Title: "Sales by month", Prompt: "Show total sales by month for the last year"},
	},
	"purchasing": {
		{Title: "Top suppliers", Prompt: "Which suppliers do we buy the most from?"},
		{Title: "Open purchase orders", Prompt: "Show purchase orders that have not been received"},
		{Title: "Spend by supplier", Prompt: "Show total purchasing spend by supplier"},
	},
	"warehouse": {
		{Title: "Low stock", Prompt: "Which stock items are running low?"},
		{Title: "Stock by group", Prompt: "Show stock item counts by stock group"},
		{Title: "Cold room items", Prompt: "List items that require chilling"},
	},
	"application": {
		{Title: "Cities", Prompt: "How many cities do we track per state or province?"},
		{Title: "People", Prompt: "Show the people who are employees"},
	},
}

var genericSuggestions = []Suggestion{
	{Title: "Top customers", Prompt: "Who are the top 10 customers by total order value?"},
	{Title: "Recent orders", Prompt: "Show the most recent 20 orders"},
	{Title: "Stock overview", Prompt: "Show stock item counts by stock group"},
}

// ClassifyViolations buckets a violation list by substring match.
func ClassifyViolations(violations []string) string {
	for _, v := range violations {
		lower := strings.ToLower(v)
		for _, p := range disallowedPatterns {
			if strings.Contains(lower, p) {
				return errCategoryDisallowed
			}
		}
	}
	for _, v := range violations {
		lower := strings.ToLower(v)
		for _, p := range syntaxPatterns {
			if strings.Contains(lower, p) {
				return errCategorySyntax
			}
		}
	}
	return errCategoryGeneric
}

// SchemaArea extracts the lowercased schema prefix of a fully-qualified table
// name, restricted to the closed area set. Returns "" when unknown.
func SchemaArea(table string) string {
	i := strings.Index(table, ".")
	if i <= 0 {
		return ""
	}
	prefix := strings.ToLower(strings.Trim(table[:i], "[]"))
	for _, area := range SchemaAreas {
		if prefix == area {
			return area
		}
	}
	return ""
}

// BuildRecovery maps query-validation violations to a user-facing message and
// follow-up suggestions keyed on the schema area of the first table.
func BuildRecovery(violations, tables []string) (message string, suggestions []Suggestion) {
	area := ""
	if len(tables) > 0 {
		area = SchemaArea(tables[0])
	}

	switch ClassifyViolations(violations) {
	case errCategoryDisallowed:
		message = "The generated query referenced tables that are not available. Try one of these instead:"
	case errCategorySyntax:
		message = "I generated a query I couldn't validate. Try rephrasing, or start from one of these:"
	default:
		message = "I couldn't produce a safe query for that. Here are some questions I can answer:"
	}

	if s, ok := areaSuggestions[area]; ok {
		return message, s
	}
	return message, genericSuggestions
}

// SuggestionsForArea returns the canned follow-up list for a schema area, or
// nil when the area is unknown.
func SuggestionsForArea(area string) []Suggestion {
	return areaSuggestions[area]
}

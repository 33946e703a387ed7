package nl2sql

import (
	"regexp"
	"sort"
	"strings"
)

var columnSuffixes = []string{"name", "id", "date", "count", "number", "code"}

// RefineColumns drops columns that are empty in every row and, when the
// survivors exceed cap, ranks them by relevance to the user query and the
// executed SQL. Returns the visible and hidden column lists.
func RefineColumns(columns []string, rows []map[string]any, userQuery, sqlText string, cap int) (visible, hidden []string) {
	if cap <= 0 {
		cap = 8
	}

	survivors := dropEmptyColumns(columns, rows)
	if len(survivors) == 0 {
		survivors = columns
	}
	if len(survivors) <= cap {
		return survivors, nil
	}

	queryLower := strings.ToLower(userQuery)
	sqlLower := strings.ToLower(sqlText)

	type ranked struct {
		name string
		tier int
		pos  int
	}
	order := make([]ranked, len(survivors))
	for i, col := range survivors {
		order[i] = ranked{name: col, tier: columnTier(col, queryLower, sqlLower), pos: i}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].tier != order[j].tier {
			return order[i].tier < order[j].tier
		}
		return order[i].pos < order[j].pos
	})

	for i, r := range order {
		if i < cap {
			visible = append(visible, r.name)
		} else {
			hidden = append(hidden, r.name)
		}
	}
	return visible, hidden
}

func dropEmptyColumns(columns []string, rows []map[string]any) []string {
	if len(rows) == 0 {
		return columns
	}
	kept := make([]string, 0, len(columns))
	for _, col := range columns {
		empty := true
		for _, row := range rows {
			v, ok := row[col]
			if !ok || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			empty = false
			break
		}
		if !empty {
			kept = append(kept, col)
		}
	}
	return kept
}

// columnTier scores a column: 0 if the user asked about it by name, 1 if the
// SQL groups, orders, or aggregates on it, 2 for id/name columns, 3 otherwise.
func columnTier(col, queryLower, sqlLower string) int {
	lower := strings.ToLower(col)
	for _, variant := range nameVariants(lower) {
		if variant != "" && strings.Contains(queryLower, variant) {
			return 0
		}
	}
	if inAggregateContext(lower, sqlLower) {
		return 1
	}
	if strings.HasSuffix(lower, "id") || strings.HasSuffix(lower, "name") {
		return 2
	}
	return 3
}

// nameVariants yields the bare name, the alias-stripped name, and the name
// with a common suffix removed.
func nameVariants(lower string) []string {
	variants := []string{lower}
	if i := strings.LastIndex(lower, "."); i >= 0 {
		variants = append(variants, lower[i+1:])
	}
	for _, suffix := range columnSuffixes {
		base := lower
		if i := strings.LastIndex(base, "."); i >= 0 {
			base = base[i+1:]
		}
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			variants = append(variants, strings.TrimSuffix(base, suffix))
		}
	}
	return variants
}

func inAggregateContext(col, sqlLower string) bool {
	escaped := regexp.QuoteMeta(col)
	patterns := []string{
		`group\s+by\s+[^;]*\b` + escaped + `\b`,
		`order\s+by\s+[^;]*\b` + escaped + `\b`,
		`(?:sum|count|avg|min|max)\s*\(\s*[^)]*\b` + escaped + `\b`,
	}
	for _, p := range patterns {
		if matched, _ := regexp.MatchString(p, sqlLower); matched {
			return true
		}
	}
	return false
}

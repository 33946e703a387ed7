package session

import (
	"sort"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

// Enrich attaches follow-up suggestions to a successful response. The area's
// canned list rotates with exploration depth, and deeper sessions get nudged
// toward the alphabetically next area. Clarifications and errors stay bare.
func (s *Session) Enrich(resp *nl2sql.Response) {
	if resp == nil || resp.Error != "" || resp.NeedsClarification {
		return
	}

	if resp.RowCount == 0 {
		resp.Suggestions = append([]nl2sql.Suggestion{{
			Title:  "Try broader filters",
			Prompt: "Run the same question without the most restrictive filter",
		}}, resp.Suggestions...)
	}

	area := s.ctx.Area
	base := nl2sql.SuggestionsForArea(area)
	if len(base) == 0 {
		return
	}

	rotated := rotate(base, s.ctx.Depth-1)
	if s.ctx.Depth >= 3 {
		if next := nextArea(area); next != "" {
			if cross := nl2sql.SuggestionsForArea(next); len(cross) > 0 {
				rotated[len(rotated)-1] = cross[0]
			}
		}
	}
	resp.Suggestions = append(resp.Suggestions, rotated...)
}

func rotate(s []nl2sql.Suggestion, by int) []nl2sql.Suggestion {
	n := len(s)
	out := make([]nl2sql.Suggestion, n)
	if n == 0 {
		return out
	}
	by = ((by % n) + n) % n
	for i := range s {
		out[i] = s[(i+by)%n]
	}
	return out
}

// nextArea returns the alphabetically next schema area, wrapping around.
func nextArea(area string) string {
	areas := append([]string(nil), nl2sql.SchemaAreas...)
	sort.Strings(areas)
	for i, a := range areas {
		if a == area {
			return areas[(i+1)%len(areas)]
		}
	}
	return ""
}

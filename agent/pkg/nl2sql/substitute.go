package nl2sql

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	tokenRe    = regexp.MustCompile(`%\{\{(\w+)\}\}%`)
	funcCallRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*\s*\(`)
	topMarkRe  = regexp.MustCompile(`(?i)\bTOP\s+\?`)
)

// Substitute replaces %{{name}}% tokens in a SQL template, producing a display
// form with literals inlined, an execution form with ? placeholders, and the
// ordered bind parameters. SQL keywords and function-call expressions are
// inlined in both forms and never bound.
func Substitute(template string, params map[string]any) (displaySQL, execSQL string, execParams []any) {
	var display, exec strings.Builder
	execParams = make([]any, 0, len(params))

	last := 0
	for _, loc := range tokenRe.FindAllStringSubmatchIndex(template, -1) {
		start, end := loc[0], loc[1]
		name := template[loc[2]:loc[3]]

		quoted := start > 0 && end < len(template) &&
			template[start-1] == '\'' && template[end] == '\''

		segStart := last
		segEnd := start
		if quoted {
			// The surrounding quotes belong to the token, not the SQL.
			segEnd = start - 1
		}
		display.WriteString(template[segStart:segEnd])
		exec.WriteString(template[segStart:segEnd])
		last = end
		if quoted {
			last = end + 1
		}

		value, ok := params[name]
		if !ok {
			value = nil
		}

		dispRepl, execRepl, bind, hasBind := renderValue(value, quoted)
		display.WriteString(dispRepl)
		exec.WriteString(execRepl)
		if hasBind {
			execParams = append(execParams, bind)
		}
	}
	display.WriteString(template[last:])
	exec.WriteString(template[last:])

	displaySQL = display.String()
	// SQL Server requires parentheses around a bound TOP argument.
	execSQL = topMarkRe.ReplaceAllString(exec.String(), "TOP (?)")
	return displaySQL, execSQL, execParams
}

// renderValue decides how one token value appears in each SQL form.
func renderValue(value any, quoted bool) (display, exec string, bind any, hasBind bool) {
	switch v := value.(type) {
	case nil:
		return "NULL", "NULL", nil, false
	case bool:
		n := 0
		if v {
			n = 1
		}
		return fmt.Sprintf("%d", n), "?", n, true
	case string:
		upper := strings.ToUpper(strings.TrimSpace(v))
		if upper == "ASC" || upper == "DESC" || upper == "NULL" {
			return upper, upper, nil, false
		}
		if funcCallRe.MatchString(v) {
			return v, v, nil, false
		}
		if quoted {
			return "'" + strings.ReplaceAll(v, "'", "''") + "'", "?", v, true
		}
		return v, "?", v, true
	case float64:
		return formatNumber(v), "?", v, true
	case float32:
		return formatNumber(float64(v)), "?", v, true
	case int:
		return fmt.Sprintf("%d", v), "?", v, true
	case int32:
		return fmt.Sprintf("%d", v), "?", v, true
	case int64:
		return fmt.Sprintf("%d", v), "?", v, true
	default:
		s := fmt.Sprintf("%v", v)
		if quoted {
			return "'" + s + "'", "?", s, true
		}
		return s, "?", s, true
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

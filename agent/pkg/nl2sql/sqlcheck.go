package nl2sql

import (
	"fmt"
	"regexp"
	"strings"
)

var dangerousKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"EXEC", "EXECUTE", "GRANT", "REVOKE", "DENY", "BACKUP", "RESTORE",
	"SHUTDOWN", "DBCC",
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`;\s*--`),
	regexp.MustCompile(`(?i)'\s*OR\s*'[^']*'\s*=\s*'`),
	regexp.MustCompile(`(?i)\bUNION\s+SELECT\b`),
	regexp.MustCompile(`(?i)\bINTO\s+(OUTFILE|DUMPFILE)\b`),
	regexp.MustCompile(`(?i)\bLOAD_FILE\s*\(`),
	regexp.MustCompile(`(?i)\bxp_cmdshell\b`),
	regexp.MustCompile(`(?i)\bsp_executesql\b`),
	regexp.MustCompile(`(?i)\bEXEC\s*\(`),
	regexp.MustCompile(`(?i)\bEXECUTE\s*\(`),
	regexp.MustCompile(`@@version`),
	regexp.MustCompile(`(?i)\bINFORMATION_SCHEMA\b`),
	regexp.MustCompile(`(?i)\bsys\.`),
	regexp.MustCompile(`(?i)\bWAITFOR\s+DELAY\b`),
	regexp.MustCompile(`(?i)\bBENCHMARK\s*\(`),
}

var tableRefRe = regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+([A-Za-z_]\w*(?:\.[A-Za-z_]\w*)?)(?:\s+(?:AS\s+)?([A-Za-z_]\w*))?`)

// Keywords that the table-reference regex can mistake for aliases.
var aliasStopWords = map[string]bool{
	"on": true, "where": true, "inner": true, "left": true, "right": true,
	"full": true, "cross": true, "join": true, "group": true, "order": true,
	"having": true, "union": true, "as": true, "with": true,
}

// ValidateQuery runs the four query checks (syntax, statement type, table
// allowlist, security) and accumulates violations. QueryValidated is set
// whether or not violations are present. The input draft is not mutated.
func ValidateQuery(d Draft, allowedTables []string) Draft {
	sql := d.CompletedSQL
	if sql == "" {
		sql = d.DisplaySQL
	}

	var violations, warnings []string
	violations = append(violations, checkSyntax(sql)...)
	violations = append(violations, checkStatement(sql)...)

	tv, tw := checkAllowlist(sql, allowedTables)
	violations = append(violations, tv...)
	warnings = append(warnings, tw...)

	violations = append(violations, checkSecurity(sql)...)

	d.QueryValidated = true
	d.QueryViolations = violations
	d.QueryWarnings = warnings
	if len(violations) > 0 {
		d.Status = StatusError
	}
	return d
}

func checkSyntax(sql string) []string {
	var violations []string
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return []string{"query is empty"}
	}
	if strings.Count(sql, "(") != strings.Count(sql, ")") {
		violations = append(violations, "query has unbalanced parentheses")
	}
	if strings.Count(sql, "'")%2 != 0 {
		violations = append(violations, "query has an unterminated quote")
	}
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		violations = append(violations, "query must start with SELECT")
	}
	return violations
}

func checkStatement(sql string) []string {
	var violations []string
	trimmed := strings.TrimSpace(sql)

	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		first := strings.ToUpper(strings.TrimRight(fields[0], ";"))
		if first != "SELECT" {
			violations = append(violations, fmt.Sprintf("only SELECT statements are permitted, got %s", first))
		}
	}

	// A single trailing semicolon is tolerated; any other is a second statement.
	body := strings.TrimSuffix(trimmed, ";")
	if strings.Contains(body, ";") {
		violations = append(violations, "multiple SQL statements are not permitted")
	}
	return violations
}

func checkAllowlist(sql string, allowedTables []string) (violations, warnings []string) {
	allowed := make(map[string]bool, len(allowedTables))
	for _, t := range allowedTables {
		allowed[strings.ToLower(t)] = true
	}

	aliases := map[string]bool{}
	type ref struct{ name string }
	var refs []ref

	for _, m := range tableRefRe.FindAllStringSubmatch(sql, -1) {
		name := m[2]
		alias := m[3]
		if alias != "" && !aliasStopWords[strings.ToLower(alias)] {
			aliases[strings.ToLower(alias)] = true
		}
		refs = append(refs, ref{name: name})
	}

	seen := map[string]bool{}
	for _, r := range refs {
		lower := strings.ToLower(r.name)
		if seen[lower] {
			continue
		}
		seen[lower] = true

		if !strings.Contains(lower, ".") {
			if aliases[lower] {
				continue
			}
			warnings = append(warnings, fmt.Sprintf("unqualified table reference %q cannot be checked against the allowlist", r.name))
			continue
		}
		if !allowed[lower] {
			violations = append(violations, fmt.Sprintf("table %q is not in the allowed tables list", r.name))
		}
	}
	return violations, warnings
}

func checkSecurity(sql string) []string {
	var violations []string
	upper := strings.ToUpper(sql)
	for _, kw := range dangerousKeywords {
		re := regexp.MustCompile(`\b` + kw + `\b`)
		if re.MatchString(upper) {
			violations = append(violations, fmt.Sprintf("dangerous keyword %s is not permitted", kw))
		}
	}
	for _, re := range injectionPatterns {
		if re.MatchString(sql) {
			violations = append(violations, fmt.Sprintf("query matches a blocked pattern: %s", re.String()))
		}
	}
	return violations
}

package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const extractionSystemPrompt = `You extract SQL query parameters from user questions.
Respond with a single JSON object and nothing else. The shape is:
{"status": "success" | "needs_clarification" | "error",
 "extracted_parameters": {"<name>": <value>, ...},
 "missing_parameters": ["<name>", ...],
 "clarification_prompt": "<question for the user>",
 "error": "<message>"}
Rules:
- Only extract values the question supports. Never invent values.
- Dates must be ISO formatted (YYYY-MM-DD) or a SQL expression using GETDATE/DATEADD.
- Relative dates ("last 30 days") are computed against the reference date given.
- If a required parameter cannot be determined, list it in missing_parameters
  and set status to needs_clarification with a short clarification_prompt.`

// buildExtractionPrompt assembles the user prompt for the LLM fallback step.
// The reference date is shifted back because the warehouse holds historical
// data.
func buildExtractionPrompt(userQuery string, tpl *Template, unresolved []ParamDef, now time.Time, offsetYears int) string {
	ref := now.AddDate(-offsetYears, 0, 0)

	var b strings.Builder
	fmt.Fprintf(&b, "Reference date: %s\n\n", ref.Format("2006-01-02"))
	fmt.Fprintf(&b, "User question: %s\n\n", userQuery)
	fmt.Fprintf(&b, "SQL template:\n%s\n\n", tpl.SQL)
	if tpl.Example != "" {
		fmt.Fprintf(&b, "Example question this template answers: %s\n\n", tpl.Example)
	}

	b.WriteString("Parameters to extract:\n")
	for _, def := range unresolved {
		fmt.Fprintf(&b, "- %s (required=%t, ask_if_missing=%t", def.Name, def.Required, def.AskIfMissing)
		if def.Default != nil {
			fmt.Fprintf(&b, ", default=%v", def.Default)
		}
		if def.Validation != nil {
			rules, _ := json.Marshal(def.Validation)
			fmt.Fprintf(&b, ", validation=%s", rules)
		}
		b.WriteString(")\n")
	}
	return b.String()
}

const builderSystemPrompt = `You write T-SQL SELECT queries for SQL Server from natural-language questions.
Respond with a single JSON object and nothing else. The shape is:
{"status": "success" | "error",
 "completed_sql": "<one SELECT statement>",
 "tables_used": ["Schema.Table", ...],
 "confidence": <0.0-1.0>,
 "reasoning": "<one sentence describing what the query does>"}
Rules:
- SELECT statements only. Use only the tables and columns provided.
- Always qualify tables as Schema.Table and bound result size with TOP.
- Confidence reflects how well the question maps onto the available tables.`

// buildDynamicPrompt assembles the user prompt for dynamic SQL generation.
func buildDynamicPrompt(userQuery string, tables []TableMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nAvailable tables:\n", userQuery)
	for _, t := range tables {
		dump, _ := json.Marshal(struct {
			Name        string       `json:"name"`
			Description string       `json:"description,omitempty"`
			Columns     []ColumnDesc `json:"columns"`
		}{t.Name, t.Description, t.Columns})
		b.WriteString(string(dump))
		b.WriteByte('\n')
	}
	return b.String()
}

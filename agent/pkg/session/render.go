package session

import (
	"fmt"
	"strings"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

const renderRowLimit = 10

// ToolCall is the structured payload the front-end renders alongside the text.
type ToolCall struct {
	SQL           string                `json:"sql,omitempty"`
	Rows          []map[string]any      `json:"rows,omitempty"`
	Columns       []string              `json:"columns,omitempty"`
	RowCount      int                   `json:"row_count"`
	Source        string                `json:"query_source,omitempty"`
	Confidence    float64               `json:"confidence_score,omitempty"`
	HiddenColumns []string              `json:"hidden_columns,omitempty"`
	DefaultsUsed  map[string]string     `json:"defaults_used,omitempty"`
	Error         string                `json:"error,omitempty"`
	Clarification *nl2sql.Clarification `json:"clarification,omitempty"`
	QuerySummary  string                `json:"query_summary,omitempty"`
	Suggestions   []nl2sql.Suggestion   `json:"suggestions,omitempty"`
	ErrorRecovery []nl2sql.Suggestion   `json:"error_recovery,omitempty"`
}

// RenderedTurn is what the orchestrator streams for a data turn.
type RenderedTurn struct {
	Text     string    `json:"text"`
	ThreadID string    `json:"thread_id"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Render produces the front-end payload for a pipeline response.
func (s *Session) Render(resp *nl2sql.Response) *RenderedTurn {
	turn := &RenderedTurn{
		ThreadID: s.ThreadID,
		ToolCall: &ToolCall{
			SQL:           resp.SQL,
			Rows:          resp.Rows,
			Columns:       resp.Columns,
			RowCount:      resp.RowCount,
			Source:        resp.Source,
			Confidence:    resp.Confidence,
			HiddenColumns: resp.HiddenColumns,
			DefaultsUsed:  resp.DefaultsUsed,
			Error:         resp.Error,
			Clarification: resp.Clarification,
			QuerySummary:  resp.QuerySummary,
			Suggestions:   resp.Suggestions,
			ErrorRecovery: resp.Recovery,
		},
	}
	turn.Text = renderText(resp)
	return turn
}

func renderText(resp *nl2sql.Response) string {
	var b strings.Builder

	switch {
	case resp.Error != "":
		b.WriteString(resp.Error)
		for _, s := range resp.Recovery {
			fmt.Fprintf(&b, "\n- %s", s.Prompt)
		}
		return b.String()
	case resp.NeedsClarification && resp.Clarification != nil:
		return resp.Clarification.Prompt
	case resp.NeedsClarification:
		fmt.Fprintf(&b, "I'm not fully confident in this query (%.0f%%): %s\n\nShould I run it?",
			resp.Confidence*100, resp.QuerySummary)
		return b.String()
	}

	if resp.RowCount == 0 {
		b.WriteString("No rows matched.\n")
	} else {
		b.WriteString(markdownTable(resp.Columns, resp.Rows))
		if resp.RowCount > renderRowLimit {
			fmt.Fprintf(&b, "\n_Showing %d of %d rows._\n", renderRowLimit, resp.RowCount)
		}
	}

	if resp.ConfirmationNote != "" {
		b.WriteString("\n")
		b.WriteString(resp.ConfirmationNote)
		b.WriteString("\n")
	}

	if resp.SQL != "" {
		fmt.Fprintf(&b, "\n<details><summary>SQL</summary>\n\n```sql\n%s\n```\n\n</details>\n", resp.SQL)
	}
	return b.String()
}

func markdownTable(columns []string, rows []map[string]any) string {
	if len(columns) == 0 {
		return ""
	}
	var b strings.Builder

	b.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(columns)) + "\n")

	limit := len(rows)
	if limit > renderRowLimit {
		limit = renderRowLimit
	}
	for _, row := range rows[:limit] {
		cells := make([]string, len(columns))
		for i, col := range columns {
			v := row[col]
			if v == nil {
				cells[i] = ""
				continue
			}
			cells[i] = strings.ReplaceAll(fmt.Sprintf("%v", v), "|", `\|`)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String()
}

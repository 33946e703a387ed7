package nl2sql

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/datawharf/askdb/agent/pkg/llm"
)

// Builder generates dynamic SQL from table metadata when no template matches.
type Builder struct {
	log *slog.Logger
	llm llm.Client
}

// NewBuilder builds a Builder.
func NewBuilder(logger *slog.Logger, client llm.Client) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{log: logger, llm: client}
}

// llmQuery is the JSON shape the model must return. Confidence is decoded
// loosely because models occasionally send it as a string.
type llmQuery struct {
	Status       string          `json:"status"`
	CompletedSQL string          `json:"completed_sql"`
	TablesUsed   []string        `json:"tables_used"`
	Confidence   json.RawMessage `json:"confidence"`
	Reasoning    string          `json:"reasoning"`
	Error        string          `json:"error"`
}

// Build produces a dynamic draft for the question against the given tables.
func (b *Builder) Build(ctx context.Context, userQuery string, tables []TableMetadata) Draft {
	d := Draft{
		Status:    StatusSuccess,
		Source:    SourceDynamic,
		UserQuery: userQuery,
	}
	if raw, err := json.Marshal(tables); err == nil {
		d.TablesJSON = string(raw)
	}

	prompt := buildDynamicPrompt(userQuery, tables)
	raw, err := b.llm.Complete(ctx, builderSystemPrompt, prompt)
	if err != nil {
		b.log.Warn("dynamic SQL generation failed", "error", err)
		d.Status = StatusError
		d.Err = "I couldn't generate a query for that question. Please try rephrasing it."
		return d
	}

	var parsed llmQuery
	if err := llm.ParseJSON(raw, &parsed); err != nil {
		b.log.Warn("dynamic SQL response unparseable", "error", err)
		d.Status = StatusError
		d.Err = "I couldn't generate a query for that question. Please try rephrasing it."
		return d
	}

	if parsed.Status == StatusError || parsed.CompletedSQL == "" {
		d.Status = StatusError
		d.Err = parsed.Error
		if d.Err == "" {
			d.Err = "I couldn't generate a query for that question. Please try rephrasing it."
		}
		return d
	}

	d.CompletedSQL = parsed.CompletedSQL
	d.DisplaySQL = parsed.CompletedSQL
	d.Tables = parsed.TablesUsed
	d.Reasoning = parsed.Reasoning
	d.Confidence = clampConfidence(parsed.Confidence)
	return d
}

// clampConfidence decodes a loose confidence value into [0,1], defaulting to
// 0.5 when missing or non-numeric.
func clampConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0.5
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0.5
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0.5
		}
		f = parsed
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

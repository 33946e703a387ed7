// Package session holds per-conversation state between the streaming
// orchestrator and the pipeline: intent classification, prior-turn context,
// follow-up suggestions, and response rendering.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"

	"github.com/datawharf/askdb/agent/pkg/llm"
	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

// Context is the inter-turn state. Exactly one side (template or dynamic) is
// populated after a successful data turn.
type Context struct {
	// Template side.
	TemplateJSON string
	Params       map[string]any
	DefaultsUsed map[string]string

	// Dynamic side.
	PrevSQL    string
	TablesJSON string

	// Shared.
	Question string
	Area     string
	Depth    int
}

// HasPrior reports whether any prior query context exists.
func (c *Context) HasPrior() bool {
	return c.TemplateJSON != "" || c.PrevSQL != ""
}

// Session mediates one conversation thread.
type Session struct {
	ThreadID string

	log *slog.Logger
	llm llm.Client
	ctx Context
}

// New builds a Session for a thread.
func New(threadID string, logger *slog.Logger, client llm.Client) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{ThreadID: threadID, log: logger, llm: client}
}

// Context returns a copy of the current inter-turn state.
func (s *Session) Context() Context {
	return s.ctx
}

// BuildRequest turns a classified intent into a pipeline request, attaching
// the prior-turn context for refinements.
func (s *Session) BuildRequest(intent Intent) *nl2sql.Request {
	req := &nl2sql.Request{UserQuery: intent.Query}
	if intent.Kind != IntentRefinement {
		return req
	}

	req.IsRefinement = true
	if s.ctx.TemplateJSON != "" {
		req.PrevTemplateJSON = s.ctx.TemplateJSON
		req.PrevParams = s.ctx.Params
		req.ParamOverrides = intent.ParamOverrides
		return req
	}
	req.PrevSQL = s.ctx.PrevSQL
	req.PrevTablesJSON = s.ctx.TablesJSON
	req.PrevQuestion = s.ctx.Question
	return req
}

var fromTableRe = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z_]\w*\.[A-Za-z_]\w*)`)

// UpdateContext records a successful pipeline response as the prior-turn
// context, clearing the opposite side and tracking the exploration area.
func (s *Session) UpdateContext(resp *nl2sql.Response) {
	if resp == nil || resp.Error != "" || resp.NeedsClarification {
		return
	}

	switch resp.Source {
	case nl2sql.SourceTemplate:
		s.ctx.TemplateJSON = resp.TemplateJSON
		s.ctx.Params = resp.Params
		s.ctx.DefaultsUsed = resp.DefaultsUsed
		s.ctx.PrevSQL = ""
		s.ctx.TablesJSON = ""
	case nl2sql.SourceDynamic:
		s.ctx.PrevSQL = resp.PrevSQL
		s.ctx.TablesJSON = resp.TablesJSON
		s.ctx.TemplateJSON = ""
		s.ctx.Params = nil
		s.ctx.DefaultsUsed = nil
	default:
		return
	}
	s.ctx.Question = resp.Question

	area := detectArea(resp)
	if area == "" {
		s.ctx.Area = ""
		s.ctx.Depth = 0
		return
	}
	if area == s.ctx.Area {
		s.ctx.Depth++
	} else {
		s.ctx.Area = area
		s.ctx.Depth = 1
	}
}

// detectArea finds the schema area of the response's first table.
func detectArea(resp *nl2sql.Response) string {
	if resp.TablesJSON != "" {
		var tables []nl2sql.TableMetadata
		if err := json.Unmarshal([]byte(resp.TablesJSON), &tables); err == nil && len(tables) > 0 {
			if area := nl2sql.SchemaArea(tables[0].Name); area != "" {
				return area
			}
		}
	}
	if m := fromTableRe.FindStringSubmatch(resp.SQL); m != nil {
		return nl2sql.SchemaArea(m[1])
	}
	return ""
}

const conversationSystemPrompt = `You are a helpful data assistant for a retail and wholesale analytics database.
Answer briefly and conversationally. If the user seems to want data, suggest a
concrete question they could ask, such as "top 10 customers by order value".
Do not invent data values.`

// Converse handles a non-data turn with a plain completion.
func (s *Session) Converse(ctx context.Context, message string) (string, error) {
	return s.llm.Complete(ctx, conversationSystemPrompt, message)
}

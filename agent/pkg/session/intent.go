package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/datawharf/askdb/agent/pkg/llm"
)

// Intent kinds.
const (
	IntentDataQuery    = "data_query"
	IntentRefinement   = "refinement"
	IntentConversation = "conversation"
)

// Intent is the classifier's output for one user message.
type Intent struct {
	Kind           string
	Query          string
	ParamOverrides map[string]any
}

const intentSystemPrompt = `You classify user messages for a natural-language SQL assistant.
Respond with a single JSON object and nothing else, in one of three shapes:
{"intent": "data_query", "query": "<standalone question>"}
{"intent": "refinement", "query": "<refinement described as a standalone instruction>", "param_overrides": {"<name>": <value>}}
{"intent": "conversation"}
Rules:
- "refinement" means the message modifies the previous query (different value,
  different limit, different time range). Include param_overrides only when the
  message maps cleanly onto a named parameter of the previous query.
- "data_query" means a new question answerable from the database.
- "conversation" means greetings, thanks, questions about the assistant, or
  anything else that is not a data request.`

type intentReply struct {
	Intent         string         `json:"intent"`
	Query          string         `json:"query"`
	ParamOverrides map[string]any `json:"param_overrides"`
}

// ClassifyIntent asks the model what the message is. Any failure degrades to
// conversation; a refinement without prior context degrades to a fresh data
// query.
func (s *Session) ClassifyIntent(ctx context.Context, message string) Intent {
	prompt := s.buildIntentPrompt(message)

	raw, err := s.llm.Complete(ctx, intentSystemPrompt, prompt)
	if err != nil {
		s.log.Warn("intent classification failed", "error", err)
		return Intent{Kind: IntentConversation}
	}

	var reply intentReply
	if err := llm.ParseJSON(raw, &reply); err != nil {
		s.log.Warn("intent classification unparseable", "error", err)
		return Intent{Kind: IntentConversation}
	}

	intent := Intent{
		Kind:           reply.Intent,
		Query:          reply.Query,
		ParamOverrides: reply.ParamOverrides,
	}
	if intent.Query == "" {
		intent.Query = message
	}

	switch intent.Kind {
	case IntentDataQuery, IntentConversation:
		return intent
	case IntentRefinement:
		if !s.ctx.HasPrior() {
			intent.Kind = IntentDataQuery
			intent.ParamOverrides = nil
		}
		return intent
	default:
		return Intent{Kind: IntentConversation}
	}
}

// buildIntentPrompt enumerates the prior-turn context so the model can tell a
// refinement from a fresh question.
func (s *Session) buildIntentPrompt(message string) string {
	var b strings.Builder

	if s.ctx.TemplateJSON != "" {
		b.WriteString("Previous query used a stored template with parameters:\n")
		if len(s.ctx.Params) > 0 {
			params, _ := json.Marshal(s.ctx.Params)
			fmt.Fprintf(&b, "  current values: %s\n", params)
		}
		if len(s.ctx.DefaultsUsed) > 0 {
			defaults, _ := json.Marshal(s.ctx.DefaultsUsed)
			fmt.Fprintf(&b, "  defaulted values: %s\n", defaults)
		}
		fmt.Fprintf(&b, "Previous question: %s\n\n", s.ctx.Question)
	} else if s.ctx.PrevSQL != "" {
		fmt.Fprintf(&b, "Previous SQL:\n%s\n", s.ctx.PrevSQL)
		fmt.Fprintf(&b, "Previous question: %s\n\n", s.ctx.Question)
	} else {
		b.WriteString("No previous query in this conversation.\n\n")
	}

	fmt.Fprintf(&b, "User message: %s", message)
	return b.String()
}

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func (f *fakeLLM) Complete(_ context.Context, _ string, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, userPrompt)
	if len(f.responses) == 0 {
		return "", fmt.Errorf("fake llm: no responses left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakePipeline struct {
	mu       sync.Mutex
	requests []*nl2sql.Request
	outcomes []*nl2sql.Outcome
	steps    []string
}

func (f *fakePipeline) ProcessQuery(_ context.Context, req *nl2sql.Request, reporter nl2sql.StepReporter) *nl2sql.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	out := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	steps := f.steps
	f.mu.Unlock()

	for _, step := range steps {
		reporter.StepStarted(step)
		reporter.StepCompleted(step, 5*time.Millisecond)
	}
	return out
}

func (f *fakePipeline) request(i int) *nl2sql.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// streamFrames runs one ChatStream request and decodes every SSE data frame.
func streamFrames(t *testing.T, params url.Values) []map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/stream?"+params.Encode(), nil)
	rec := httptest.NewRecorder()

	ChatStream(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	var frames []map[string]any
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &frame))
		frames = append(frames, frame)
	}
	return frames
}

func findFrame(frames []map[string]any, key string) map[string]any {
	for _, f := range frames {
		if _, ok := f[key]; ok {
			return f
		}
	}
	return nil
}

func collectText(frames []map[string]any) string {
	var b strings.Builder
	for _, f := range frames {
		if text, ok := f["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

func TestChatStream_DataTurn(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"intent":"data_query","query":"top 5 customers"}`}}
	pipe := &fakePipeline{
		steps: []string{nl2sql.StepTemplateSearch, nl2sql.StepExecution},
		outcomes: []*nl2sql.Outcome{{Response: &nl2sql.Response{
			SQL:        "SELECT TOP (5) CustomerName FROM Sales.Customers",
			Columns:    []string{"CustomerName"},
			Rows:       []map[string]any{{"CustomerName": "Tailspin Toys"}},
			RowCount:   1,
			Source:     nl2sql.SourceTemplate,
			Confidence: 0.92,
		}}},
	}
	InitChat(pipe, client, nil, 100)

	frames := streamFrames(t, url.Values{"message": {"show me the top 5 customers"}, "thread_id": {"t1"}})

	require.Equal(t, "top 5 customers", pipe.request(0).UserQuery)
	require.False(t, pipe.request(0).IsRefinement)

	var started, completed []string
	for _, f := range frames {
		step, ok := f["step"].(string)
		if !ok {
			continue
		}
		switch f["status"] {
		case "started":
			started = append(started, step)
		case "completed":
			completed = append(completed, step)
			require.Contains(t, f, "duration_ms")
		}
	}
	require.Equal(t, []string{nl2sql.StepTemplateSearch, nl2sql.StepExecution}, started)
	require.Equal(t, started, completed)

	toolCall := findFrame(frames, "tool_call")
	require.NotNil(t, toolCall)
	payload := toolCall["tool_call"].(map[string]any)
	require.Equal(t, "SELECT TOP (5) CustomerName FROM Sales.Customers", payload["sql"])
	require.Equal(t, float64(1), payload["row_count"])

	require.Contains(t, collectText(frames), "Tailspin Toys")
	require.NotNil(t, findFrame(frames, "steps_complete"))

	done := findFrame(frames, "done")
	require.NotNil(t, done)
	require.Equal(t, "t1", done["thread_id"])
}

func TestChatStream_Conversation(t *testing.T) {
	client := &fakeLLM{responses: []string{
		`{"intent":"conversation"}`,
		"Hello! Try asking about your top customers.",
	}}
	pipe := &fakePipeline{}
	InitChat(pipe, client, nil, 100)

	frames := streamFrames(t, url.Values{"message": {"hi there"}, "thread_id": {"t2"}})

	require.Empty(t, pipe.requests, "conversation turns never reach the pipeline")
	require.Nil(t, findFrame(frames, "tool_call"))
	require.Equal(t, "Hello! Try asking about your top customers.", collectText(frames))
	require.NotNil(t, findFrame(frames, "done"))
}

func TestChatStream_ClarificationPauseAndResume(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"intent":"data_query","query":"supermarket customers"}`}}
	pipe := &fakePipeline{
		outcomes: []*nl2sql.Outcome{
			{Clarification: &nl2sql.Clarification{
				ParamName:        "category",
				Prompt:           "Which category did you mean?",
				AllowedValues:    []string{"Supermarket", "Corporate"},
				OriginalQuestion: "supermarket customers",
				TemplateJSON:     `{"id":"customers_by_category"}`,
				Params:           map[string]any{"limit": float64(10)},
			}},
			{Response: &nl2sql.Response{
				SQL:      "SELECT CustomerName FROM Sales.Customers WHERE Category = ?",
				Columns:  []string{"CustomerName"},
				Rows:     []map[string]any{{"CustomerName": "Wingtip Toys"}},
				RowCount: 1,
				Source:   nl2sql.SourceTemplate,
			}},
		},
	}
	InitChat(pipe, client, nil, 100)

	frames := streamFrames(t, url.Values{"message": {"supermarket customers"}, "thread_id": {"t3"}})

	frame := findFrame(frames, "needs_clarification")
	require.NotNil(t, frame)
	clar := frame["clarification"].(map[string]any)
	require.Equal(t, "category", clar["parameter_name"])
	require.Equal(t, "Which category did you mean?", clar["prompt"])
	requestID := clar["request_id"].(string)
	require.NotEmpty(t, requestID)
	require.Equal(t, "t3", frame["thread_id"])
	require.Equal(t, 1, paused.Len())

	resumed := streamFrames(t, url.Values{
		"message":    {"Supermarket"},
		"thread_id":  {"t3"},
		"request_id": {requestID},
	})

	req := pipe.request(1)
	require.True(t, req.IsRefinement)
	require.Equal(t, "supermarket customers", req.UserQuery)
	require.Equal(t, `{"id":"customers_by_category"}`, req.PrevTemplateJSON)
	require.Equal(t, map[string]any{"category": "Supermarket"}, req.ParamOverrides)
	require.Equal(t, 1, client.callCount(), "resume skips intent classification")

	require.Contains(t, collectText(resumed), "Wingtip Toys")
	require.Equal(t, 0, paused.Len(), "the paused entry is consumed")
}

func TestChatStream_ExpiredClarification(t *testing.T) {
	InitChat(&fakePipeline{}, &fakeLLM{}, nil, 100)

	frames := streamFrames(t, url.Values{
		"message":    {"Supermarket"},
		"thread_id":  {"t4"},
		"request_id": {"gone"},
	})

	frame := findFrame(frames, "error")
	require.NotNil(t, frame)
	require.Contains(t, frame["error"], "expired")
	require.Equal(t, true, frame["done"])
	require.NotEmpty(t, frame["correlation_id"])
}

func TestChatStream_GateThenYes(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"intent":"data_query","query":"orders with complex join"}`}}
	pipe := &fakePipeline{
		outcomes: []*nl2sql.Outcome{
			{Response: &nl2sql.Response{
				NeedsClarification: true,
				QuerySummary:       "Join orders to invoices by customer",
				Confidence:         0.45,
				Source:             nl2sql.SourceDynamic,
				SQL:                "SELECT o.OrderID FROM Sales.Orders o JOIN Sales.Invoices i ON i.OrderID = o.OrderID",
				TablesJSON:         `[{"name":"Sales.Orders"}]`,
				Question:           "orders with complex join",
			}},
			{Response: &nl2sql.Response{
				SQL:      "SELECT o.OrderID FROM Sales.Orders o JOIN Sales.Invoices i ON i.OrderID = o.OrderID",
				Columns:  []string{"OrderID"},
				Rows:     []map[string]any{{"OrderID": 1}},
				RowCount: 1,
				Source:   nl2sql.SourceDynamic,
			}},
		},
	}
	InitChat(pipe, client, nil, 100)

	frames := streamFrames(t, url.Values{"message": {"orders with complex join"}, "thread_id": {"t5"}})
	require.Contains(t, collectText(frames), "Should I run it?")

	confirmed := streamFrames(t, url.Values{"message": {"yes"}, "thread_id": {"t5"}})

	req := pipe.request(1)
	require.True(t, req.IsRefinement)
	require.Contains(t, req.PrevSQL, "FROM Sales.Orders")
	require.Equal(t, `[{"name":"Sales.Orders"}]`, req.PrevTablesJSON)
	require.Equal(t, 1, client.callCount(), "the go-ahead skips intent classification")
	require.Contains(t, collectText(confirmed), "OrderID")
}

func TestChatStream_MissingMessage(t *testing.T) {
	InitChat(&fakePipeline{}, &fakeLLM{}, nil, 100)

	frames := streamFrames(t, url.Values{"thread_id": {"t6"}})
	frame := findFrame(frames, "error")
	require.NotNil(t, frame)
	require.Equal(t, true, frame["done"])
}

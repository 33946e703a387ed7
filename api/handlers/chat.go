package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/datawharf/askdb/agent/pkg/llm"
	"github.com/datawharf/askdb/agent/pkg/nl2sql"
	"github.com/datawharf/askdb/agent/pkg/session"
	"github.com/datawharf/askdb/api/metrics"
)

const (
	sessionTTL        = 30 * time.Minute
	clarificationTTL  = 5 * time.Minute
	defaultSessionCap = 1000

	heartbeatInterval = 15 * time.Second
	textChunkSize     = 50
	textChunkDelay    = 15 * time.Millisecond
)

// queryPipeline is the slice of the pipeline the chat handler needs.
type queryPipeline interface {
	ProcessQuery(ctx context.Context, req *nl2sql.Request, reporter nl2sql.StepReporter) *nl2sql.Outcome
}

// chatState is the per-thread server-side state: the conversation session and,
// when the last turn proposed a low-confidence dynamic query, the pending
// proposal a plain "yes" should execute.
type chatState struct {
	mu   sync.Mutex
	sess *session.Session
	gate *pendingGate
}

// pendingGate holds a generated-but-unexecuted dynamic query awaiting the
// user's go-ahead.
type pendingGate struct {
	Question   string
	SQL        string
	TablesJSON string
}

var (
	chatPipeline queryPipeline
	chatLLM      llm.Client
	chatLog      = slog.Default()

	sessions *ttlCache[*chatState]
	paused   *ttlCache[*nl2sql.Clarification]
)

// InitChat wires the chat endpoints. workflowCap bounds how many paused
// clarifications are held at once.
func InitChat(p queryPipeline, client llm.Client, logger *slog.Logger, workflowCap int) {
	if logger != nil {
		chatLog = logger
	}
	chatPipeline = p
	chatLLM = client
	clock := clockwork.NewRealClock()
	sessions = newTTLCache[*chatState](clock, sessionTTL, defaultSessionCap)
	paused = newTTLCache[*nl2sql.Clarification](clock, clarificationTTL, workflowCap)
}

var affirmativeRe = regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|sure|ok|okay|run it|go ahead|do it|please do)[.!]*\s*$`)

// ChatStream handles GET /api/chat/stream. It classifies the message, runs
// the query pipeline, and streams progress and results as SSE data frames.
func ChatStream(w http.ResponseWriter, r *http.Request) {
	message := strings.TrimSpace(r.URL.Query().Get("message"))
	threadID := r.URL.Query().Get("thread_id")
	title := r.URL.Query().Get("title")
	requestID := r.URL.Query().Get("request_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	send := func(payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			chatLog.Error("marshal sse frame", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if threadID == "" {
		threadID = uuid.NewString()
	}
	if message == "" {
		send(errorFrame("Message is required."))
		return
	}

	ctx := r.Context()
	state := threadState(threadID)
	recordUserMessage(ctx, threadID, title, message)

	frames := make(chan any, 16)
	go func() {
		defer close(frames)
		runTurn(ctx, state, threadID, requestID, message, frames)
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			send(map[string]any{"heartbeat": true})
		case frame, ok := <-frames:
			if !ok {
				return
			}
			send(frame)
		}
	}
}

// threadState returns the cached state for a thread, creating it on first use.
func threadState(threadID string) *chatState {
	if state, ok := sessions.Get(threadID); ok {
		metrics.RecordCacheLookup("session", true)
		return state
	}
	metrics.RecordCacheLookup("session", false)
	state := &chatState{sess: session.New(threadID, chatLog, chatLLM)}
	sessions.Put(threadID, state)
	return state
}

// runTurn produces the frame sequence for one user message.
func runTurn(ctx context.Context, state *chatState, threadID, requestID, message string, frames chan<- any) {
	reporter := newStreamReporter(ctx, frames)

	// Resuming a paused clarification: the message is the answer.
	if requestID != "" {
		clar, ok := paused.Take(requestID)
		metrics.RecordCacheLookup("clarification", ok)
		if !ok {
			metrics.RecordChatTurn("error")
			emit(ctx, frames, errorFrame("That clarification has expired. Please ask your question again."))
			return
		}
		req := &nl2sql.Request{
			UserQuery:        clar.OriginalQuestion,
			IsRefinement:     true,
			PrevTemplateJSON: clar.TemplateJSON,
			PrevParams:       clar.Params,
			ParamOverrides:   map[string]any{clar.ParamName: message},
		}
		finishDataTurn(ctx, state, threadID, chatPipeline.ProcessQuery(ctx, req, reporter), frames, reporter)
		return
	}

	state.mu.Lock()
	gate := state.gate
	state.gate = nil // one shot: any follow-up message consumes or discards it
	sess := state.sess
	state.mu.Unlock()

	if gate != nil && affirmativeRe.MatchString(message) {
		req := &nl2sql.Request{
			UserQuery:      "Execute the proposed query exactly as written.",
			IsRefinement:   true,
			PrevSQL:        gate.SQL,
			PrevTablesJSON: gate.TablesJSON,
			PrevQuestion:   gate.Question,
		}
		finishDataTurn(ctx, state, threadID, chatPipeline.ProcessQuery(ctx, req, reporter), frames, reporter)
		return
	}

	intent := sess.ClassifyIntent(ctx, message)
	if intent.Kind == session.IntentConversation {
		reply, err := sess.Converse(ctx, message)
		if err != nil {
			metrics.RecordChatTurn("error")
			chatLog.Error("conversation turn failed", "error", err)
			emit(ctx, frames, errorFrame("I couldn't process that message. Please try again."))
			return
		}
		streamText(ctx, frames, reply)
		emit(ctx, frames, map[string]any{"done": true, "thread_id": threadID})
		metrics.RecordChatTurn("conversation")
		recordAssistantMessage(ctx, threadID, reply, nil)
		return
	}

	finishDataTurn(ctx, state, threadID, chatPipeline.ProcessQuery(ctx, sess.BuildRequest(intent), reporter), frames, reporter)
}

// finishDataTurn turns a pipeline outcome into its frame sequence.
func finishDataTurn(ctx context.Context, state *chatState, threadID string, outcome *nl2sql.Outcome, frames chan<- any, reporter streamReporter) {
	if outcome.Clarification != nil {
		clar := outcome.Clarification
		requestID := uuid.NewString()
		paused.Put(requestID, clar)
		emit(ctx, frames, map[string]any{
			"needs_clarification": true,
			"clarification": map[string]any{
				"request_id":     requestID,
				"parameter_name": clar.ParamName,
				"prompt":         clar.Prompt,
				"allowed_values": clar.AllowedValues,
			},
			"thread_id": threadID,
		})
		if reporter.sawSteps() {
			emit(ctx, frames, map[string]any{"steps_complete": true})
		}
		emit(ctx, frames, map[string]any{"done": true, "thread_id": threadID})
		metrics.RecordChatTurn("clarification")
		recordAssistantMessage(ctx, threadID, clar.Prompt, nil)
		return
	}

	resp := outcome.Response

	state.mu.Lock()
	sess := state.sess
	state.mu.Unlock()

	sess.UpdateContext(resp)
	sess.Enrich(resp)
	turn := sess.Render(resp)

	if resp.NeedsClarification && resp.Clarification == nil {
		// Low-confidence dynamic proposal: remember it so "yes" can run it.
		state.mu.Lock()
		state.gate = &pendingGate{
			Question:   resp.Question,
			SQL:        resp.SQL,
			TablesJSON: resp.TablesJSON,
		}
		state.mu.Unlock()
	}

	emit(ctx, frames, map[string]any{"tool_call": turn.ToolCall})
	streamText(ctx, frames, turn.Text)
	if reporter.sawSteps() {
		emit(ctx, frames, map[string]any{"steps_complete": true})
	}
	emit(ctx, frames, map[string]any{"done": true, "thread_id": threadID})

	switch {
	case resp.Error != "":
		metrics.RecordChatTurn("error")
	case resp.NeedsClarification:
		metrics.RecordChatTurn("clarification")
	default:
		metrics.RecordChatTurn("answered")
	}
	recordAssistantMessage(ctx, threadID, turn.Text, turn.ToolCall)
}

// streamText emits the answer in small chunks so the front-end can render it
// progressively.
func streamText(ctx context.Context, frames chan<- any, text string) {
	runes := []rune(text)
	for start := 0; start < len(runes); start += textChunkSize {
		end := start + textChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if !emit(ctx, frames, map[string]any{"text": string(runes[start:end])}) {
			return
		}
		time.Sleep(textChunkDelay)
	}
}

func errorFrame(message string) map[string]any {
	return map[string]any{
		"error":          message,
		"done":           true,
		"correlation_id": uuid.NewString(),
	}
}

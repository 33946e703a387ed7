package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// threadPool is the Postgres pool for conversation persistence. Nil means
// persistence is disabled and chat still works, just without history.
var threadPool *pgxpool.Pool

// SetThreadPool wires the Postgres pool for the thread endpoints.
func SetThreadPool(pool *pgxpool.Pool) {
	threadPool = pool
}

// Thread is one persisted conversation.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadMessage is one persisted chat turn.
type ThreadMessage struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCall  json.RawMessage `json:"tool_call,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// recordUserMessage upserts the thread row and appends the user's message.
// Persistence failures are logged, never surfaced: losing history must not
// break the stream.
func recordUserMessage(ctx context.Context, threadID, title, message string) {
	if threadPool == nil {
		return
	}
	if title == "" {
		title = message
		if len(title) > 80 {
			title = title[:80]
		}
	}
	_, err := threadPool.Exec(ctx, `
		INSERT INTO threads (id, title, status, created_at, updated_at)
		VALUES ($1, $2, 'active', now(), now())
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`,
		threadID, title)
	if err != nil {
		chatLog.Error("persist thread", "thread_id", threadID, "error", err)
		return
	}
	insertMessage(ctx, threadID, "user", message, nil)
}

// recordAssistantMessage appends the assistant's rendered turn.
func recordAssistantMessage(ctx context.Context, threadID, content string, toolCall any) {
	if threadPool == nil {
		return
	}
	var raw []byte
	if toolCall != nil {
		raw, _ = json.Marshal(toolCall)
	}
	insertMessage(ctx, threadID, "assistant", content, raw)
}

func insertMessage(ctx context.Context, threadID, role, content string, toolCall []byte) {
	_, err := threadPool.Exec(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_call, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.NewString(), threadID, role, content, toolCall)
	if err != nil {
		chatLog.Error("persist message", "thread_id", threadID, "role", role, "error", err)
	}
}

// ListThreads handles GET /api/threads.
func ListThreads(w http.ResponseWriter, r *http.Request) {
	if threadPool == nil {
		writeJSON(w, http.StatusOK, []Thread{})
		return
	}
	rows, err := threadPool.Query(r.Context(), `
		SELECT id, title, status, created_at, updated_at
		FROM threads
		ORDER BY updated_at DESC
		LIMIT 200`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to list threads", err))
		return
	}
	defer rows.Close()

	threads := []Thread{}
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, internalError("Failed to list threads", err))
			return
		}
		threads = append(threads, t)
	}
	writeJSON(w, http.StatusOK, threads)
}

// GetThread handles GET /api/threads/{id}.
func GetThread(w http.ResponseWriter, r *http.Request) {
	if threadPool == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	id := chi.URLParam(r, "id")

	var t Thread
	err := threadPool.QueryRow(r.Context(), `
		SELECT id, title, status, created_at, updated_at FROM threads WHERE id = $1`, id).
		Scan(&t.ID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to load thread", err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetThreadMessages handles GET /api/threads/{id}/messages.
func GetThreadMessages(w http.ResponseWriter, r *http.Request) {
	if threadPool == nil {
		writeJSON(w, http.StatusOK, []ThreadMessage{})
		return
	}
	id := chi.URLParam(r, "id")

	rows, err := threadPool.Query(r.Context(), `
		SELECT id, thread_id, role, content, tool_call, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at ASC`, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to load messages", err))
		return
	}
	defer rows.Close()

	messages := []ThreadMessage{}
	for rows.Next() {
		var m ThreadMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ToolCall, &m.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, internalError("Failed to load messages", err))
			return
		}
		messages = append(messages, m)
	}
	writeJSON(w, http.StatusOK, messages)
}

var threadStatuses = map[string]bool{"active": true, "archived": true}

// UpdateThread handles PATCH /api/threads/{id}: title and/or status.
func UpdateThread(w http.ResponseWriter, r *http.Request) {
	if threadPool == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	id := chi.URLParam(r, "id")

	var body struct {
		Title  *string `json:"title"`
		Status *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Title == nil && body.Status == nil {
		writeError(w, http.StatusBadRequest, "title or status is required")
		return
	}
	if body.Title != nil && strings.TrimSpace(*body.Title) == "" {
		writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}
	if body.Status != nil && !threadStatuses[*body.Status] {
		writeError(w, http.StatusBadRequest, "status must be active or archived")
		return
	}

	tag, err := threadPool.Exec(r.Context(), `
		UPDATE threads
		SET title = COALESCE($1, title), status = COALESCE($2, status), updated_at = now()
		WHERE id = $3`,
		trimmed(body.Title), body.Status, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to update thread", err))
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	GetThread(w, r)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

// DeleteThread handles DELETE /api/threads/{id}. Messages go with the thread.
func DeleteThread(w http.ResponseWriter, r *http.Request) {
	if threadPool == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := threadPool.Exec(r.Context(), `DELETE FROM messages WHERE thread_id = $1`, id); err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to delete thread", err))
		return
	}
	tag, err := threadPool.Exec(r.Context(), `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to delete thread", err))
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	sessions.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

const titleSystemPrompt = `Write a short title (at most six words) for a conversation that starts with the given message.
Respond with the title only, no quotes.`

// GenerateThreadTitle handles POST /api/threads/{id}/title: asks the model
// for a title based on the thread's first user message.
func GenerateThreadTitle(w http.ResponseWriter, r *http.Request) {
	if threadPool == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	id := chi.URLParam(r, "id")

	var first string
	err := threadPool.QueryRow(r.Context(), `
		SELECT content FROM messages
		WHERE thread_id = $1 AND role = 'user'
		ORDER BY created_at ASC
		LIMIT 1`, id).Scan(&first)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "thread has no messages")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to load thread", err))
		return
	}

	title, err := chatLLM.Complete(r.Context(), titleSystemPrompt, first)
	if err != nil {
		writeError(w, http.StatusBadGateway, internalError("Failed to generate title", err))
		return
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		writeError(w, http.StatusBadGateway, "Failed to generate title")
		return
	}

	if _, err := threadPool.Exec(r.Context(), `
		UPDATE threads SET title = $1, updated_at = now() WHERE id = $2`, title, id); err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to rename thread", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "title": title})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

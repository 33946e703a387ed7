package nl2sql

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeLLM returns canned responses in order and records prompts.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (f *fakeLLM) Complete(_ context.Context, _ string, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("fake llm: no responses left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// fakeValues serves fixed allowed values per table.column key.
type fakeValues struct {
	sets map[string]*ValueSet
	err  error
}

func (f *fakeValues) Get(_ context.Context, table, column string) (*ValueSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sets[table+"."+column], nil
}

// fakeExec records queries and returns fixed rows.
type fakeExec struct {
	mu      sync.Mutex
	queries []string
	params  [][]any
	result  *ExecResult
	err     error
}

func (f *fakeExec) Execute(_ context.Context, sql string, params ...any) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ExecResult{Columns: []string{"A"}, Rows: []map[string]any{{"A": 1}}, RowCount: 1}, nil
}

// fakeTemplateSearch returns a fixed result.
type fakeTemplateSearch struct {
	result *TemplateSearchResult
	err    error
}

func (f *fakeTemplateSearch) SearchTemplates(context.Context, string) (*TemplateSearchResult, error) {
	return f.result, f.err
}

// fakeTableSearch returns a fixed result.
type fakeTableSearch struct {
	result *TableSearchResult
	err    error
}

func (f *fakeTableSearch) SearchTables(context.Context, string) (*TableSearchResult, error) {
	return f.result, f.err
}

// recordingReporter captures step events in order.
type recordingReporter struct {
	mu        sync.Mutex
	started   []string
	completed []string
}

func (r *recordingReporter) StepStarted(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, step)
}

func (r *recordingReporter) StepCompleted(step string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, step)
}

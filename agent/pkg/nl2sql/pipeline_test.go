package nl2sql

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var pipelineAllowedTables = []string{"Sales.Orders", "Sales.Customers", "Warehouse.StockItems"}

type pipelineFixture struct {
	templates *fakeTemplateSearch
	tables    *fakeTableSearch
	exec      *fakeExec
	llm       *fakeLLM
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		templates: &fakeTemplateSearch{result: &TemplateSearchResult{}},
		tables:    &fakeTableSearch{result: &TableSearchResult{}},
		exec:      &fakeExec{},
		llm:       &fakeLLM{},
	}
	extractor := NewExtractor(ExtractorConfig{
		LLM:   f.llm,
		Clock: clockwork.NewFakeClock(),
	})
	f.pipeline = NewPipeline(PipelineConfig{
		Templates:     f.templates,
		Tables:        f.tables,
		Extractor:     extractor,
		Builder:       NewBuilder(nil, f.llm),
		Executor:      f.exec,
		AllowedTables: pipelineAllowedTables,
	})
	return f
}

func TestPipeline_TemplateFastPath(t *testing.T) {
	f := newPipelineFixture(t)
	tpl := categoryTemplate()
	tpl.Score = 0.93
	f.templates.result = &TemplateSearchResult{
		HasHighConfidenceMatch: true,
		Best:                   tpl,
		ConfidenceScore:        0.93,
		AmbiguityGap:           0.05,
	}
	f.exec.result = &ExecResult{
		Columns:  []string{"CustomerName"},
		Rows:     []map[string]any{{"CustomerName": "Tailspin Toys"}},
		RowCount: 1,
	}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "top 5 supermarket customers"}, nil)

	require.Nil(t, out.Clarification)
	resp := out.Response
	require.Empty(t, resp.Error)
	require.Equal(t, SourceTemplate, resp.Source)
	require.Equal(t, 0.92, resp.Confidence)
	require.Equal(t, 1, resp.RowCount)
	require.Empty(t, resp.HiddenColumns)

	require.Len(t, f.exec.queries, 1)
	require.Equal(t, "SELECT TOP (?) CustomerName FROM Sales.Customers WHERE Category = ?", f.exec.queries[0])
	require.Equal(t, []any{5, "Supermarket"}, f.exec.params[0])
}

func TestPipeline_DynamicConfidenceGate(t *testing.T) {
	f := newPipelineFixture(t)
	f.tables.result = &TableSearchResult{
		HasMatches: true,
		Tables:     []TableMetadata{{Name: "Sales.Orders"}},
	}
	f.llm.responses = []string{
		`{"status":"success","completed_sql":"SELECT TOP (10) * FROM Sales.Orders","tables_used":["Sales.Orders"],"confidence":0.45,"reasoning":"Show a sample of recent orders"}`,
	}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "show something interesting"}, nil)

	resp := out.Response
	require.True(t, resp.NeedsClarification)
	require.Equal(t, "Show a sample of recent orders", resp.QuerySummary)
	require.Equal(t, 0.45, resp.Confidence)
	require.Equal(t, SourceDynamic, resp.Source)
	require.Empty(t, f.exec.queries, "low-confidence drafts must not execute")
	require.NotEmpty(t, resp.TablesJSON)
	require.Equal(t, "show something interesting", resp.Question)
}

func TestPipeline_ClarificationRoundTrip(t *testing.T) {
	f := newPipelineFixture(t)
	tpl := categoryTemplate()
	f.templates.result = &TemplateSearchResult{HasHighConfidenceMatch: true, Best: tpl}
	// The model returns a category that fails local validation, scoring 0.30.
	f.llm.responses = []string{
		`{"status":"success","extracted_parameters":{"category":"Hypermarket"}}`,
	}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "show orders for that category"}, nil)

	require.Nil(t, out.Response)
	clar := out.Clarification
	require.NotNil(t, clar)
	require.Equal(t, "category", clar.ParamName)
	require.Contains(t, clar.AllowedValues, "Supermarket")
	require.Equal(t, "show orders for that category", clar.OriginalQuestion)
	require.NotEmpty(t, clar.TemplateJSON)
	require.Contains(t, clar.Prompt, "Hypermarket")

	// Second turn: the user answers, the pipeline resumes via a refinement.
	resume := &Request{
		UserQuery:        clar.OriginalQuestion,
		IsRefinement:     true,
		PrevTemplateJSON: clar.TemplateJSON,
		PrevParams:       clar.Params,
		ParamOverrides:   map[string]any{"category": "Supermarket"},
	}
	out = f.pipeline.ProcessQuery(context.Background(), resume, nil)

	require.NotNil(t, out.Response)
	require.Empty(t, out.Response.Error)
	require.Equal(t, SourceTemplate, out.Response.Source)
	require.Len(t, f.exec.queries, 1)
	require.Contains(t, f.exec.params[0], "Supermarket")
}

func TestPipeline_AmbiguousTemplates(t *testing.T) {
	f := newPipelineFixture(t)
	f.templates.result = &TemplateSearchResult{
		IsAmbiguous:     true,
		ConfidenceScore: 0.90,
		AmbiguityGap:    0.01,
		All: []Template{
			{ID: "orders_by_city", Score: 0.90},
			{ID: "orders_by_customer", Score: 0.89},
		},
	}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "show orders"}, nil)

	resp := out.Response
	require.Contains(t, resp.Error, "Your question could match multiple query types")
	require.Contains(t, resp.Error, "'orders_by_city'")
	require.Contains(t, resp.Error, "'orders_by_customer'")
	require.Contains(t, resp.Error, "more specific")
	require.Empty(t, f.exec.queries)
}

func TestPipeline_RefinementWithOverrides(t *testing.T) {
	f := newPipelineFixture(t)
	tpl := &Template{
		ID:  "orders_by_city",
		SQL: "SELECT * FROM Sales.Orders WHERE City = '%{{city}}%'",
		Params: []ParamDef{
			{Name: "city", Required: true, Validation: &Validation{Type: "string"}},
		},
	}
	tplJSON, err := json.Marshal(tpl)
	require.NoError(t, err)

	out := f.pipeline.ProcessQuery(context.Background(), &Request{
		UserQuery:        "change city to Portland",
		IsRefinement:     true,
		PrevTemplateJSON: string(tplJSON),
		PrevParams:       map[string]any{"city": "Seattle"},
		ParamOverrides:   map[string]any{"city": "Portland"},
	}, nil)

	require.NotNil(t, out.Response)
	require.Empty(t, out.Response.Error)
	require.Equal(t, map[string]any{"city": "Portland"}, out.Response.Params)
	require.Len(t, f.exec.queries, 1)
	require.Equal(t, []any{"Portland"}, f.exec.params[0])
}

func TestPipeline_RetryAfterQueryValidation(t *testing.T) {
	f := newPipelineFixture(t)
	f.tables.result = &TableSearchResult{
		HasMatches: true,
		Tables:     []TableMetadata{{Name: "Sales.Orders"}},
	}
	f.llm.responses = []string{
		`{"status":"success","completed_sql":"SELECT TOP (10) * FROM HR.Employees","tables_used":["HR.Employees"],"confidence":0.9,"reasoning":"employee listing"}`,
		`{"status":"success","completed_sql":"SELECT TOP (10) * FROM Sales.Orders","tables_used":["Sales.Orders"],"confidence":0.9,"reasoning":"order listing"}`,
	}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "list employees"}, nil)

	require.NotNil(t, out.Response)
	require.Empty(t, out.Response.Error)
	require.Len(t, f.llm.prompts, 2)
	require.Contains(t, f.llm.prompts[1], "[IMPORTANT: Your previous query was rejected for validation errors:")
	require.Len(t, f.exec.queries, 1)
	require.Equal(t, "SELECT TOP (10) * FROM Sales.Orders", f.exec.queries[0])
}

func TestPipeline_RetryExhaustedReturnsRecovery(t *testing.T) {
	f := newPipelineFixture(t)
	f.tables.result = &TableSearchResult{
		HasMatches: true,
		Tables:     []TableMetadata{{Name: "Sales.Orders"}},
	}
	bad := `{"status":"success","completed_sql":"SELECT * FROM HR.Employees","tables_used":["HR.Employees"],"confidence":0.9,"reasoning":"r"}`
	f.llm.responses = []string{bad, bad}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "list employees"}, nil)

	resp := out.Response
	require.NotEmpty(t, resp.Error)
	require.NotEmpty(t, resp.Recovery)
	require.Empty(t, f.exec.queries)
}

func TestPipeline_NoTablesFound(t *testing.T) {
	f := newPipelineFixture(t)
	f.tables.result = &TableSearchResult{HasMatches: false}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "what is the meaning of life"}, nil)
	require.Contains(t, out.Response.Error, "couldn't find a matching query pattern")
}

func TestPipeline_AllDefaultsNeedConfirmation(t *testing.T) {
	f := newPipelineFixture(t)
	tpl := &Template{
		ID:  "recent_orders",
		SQL: "SELECT TOP %{{limit}}% * FROM Sales.Orders",
		Params: []ParamDef{
			{Name: "limit", Required: true, Default: 10, Validation: &Validation{Type: "integer"}},
		},
	}
	f.templates.result = &TemplateSearchResult{HasHighConfidenceMatch: true, Best: tpl}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "recent orders"}, nil)

	resp := out.Response
	require.Empty(t, resp.Error)
	require.NotEmpty(t, resp.ConfirmationNote)
	require.Contains(t, resp.ConfirmationNote, "limit=**10**")
	require.Contains(t, resp.ConfirmationNote, "Want me to adjust?")
}

func TestPipeline_EmptyRowsIsNotAnError(t *testing.T) {
	f := newPipelineFixture(t)
	tpl := categoryTemplate()
	f.templates.result = &TemplateSearchResult{HasHighConfidenceMatch: true, Best: tpl}
	f.exec.result = &ExecResult{Columns: []string{"CustomerName"}, Rows: []map[string]any{}, RowCount: 0}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "top 5 supermarket customers"}, nil)
	require.Empty(t, out.Response.Error)
	require.Equal(t, 0, out.Response.RowCount)
}

func TestPipeline_DynamicRefinementSkipsGate(t *testing.T) {
	f := newPipelineFixture(t)
	tablesJSON, err := json.Marshal([]TableMetadata{{Name: "Sales.Orders"}})
	require.NoError(t, err)
	f.llm.responses = []string{
		`{"status":"success","completed_sql":"SELECT TOP (20) * FROM Sales.Orders","tables_used":["Sales.Orders"],"confidence":0.4,"reasoning":"more rows"}`,
	}

	out := f.pipeline.ProcessQuery(context.Background(), &Request{
		UserQuery:      "now show 20 instead",
		IsRefinement:   true,
		PrevSQL:        "SELECT TOP (10) * FROM Sales.Orders",
		PrevTablesJSON: string(tablesJSON),
		PrevQuestion:   "recent orders",
	}, nil)

	resp := out.Response
	require.Empty(t, resp.Error)
	require.False(t, resp.NeedsClarification, "refinements bypass the confidence gate")
	require.Len(t, f.exec.queries, 1)
	require.Contains(t, f.llm.prompts[0], "Modify this previous query")
	require.Contains(t, f.llm.prompts[0], "recent orders")
	require.Contains(t, f.llm.prompts[0], "SELECT TOP (10) * FROM Sales.Orders")
}

func TestPipeline_ReporterSeesSteps(t *testing.T) {
	f := newPipelineFixture(t)
	tpl := categoryTemplate()
	f.templates.result = &TemplateSearchResult{HasHighConfidenceMatch: true, Best: tpl}

	rec := &recordingReporter{}
	out := f.pipeline.ProcessQuery(context.Background(), &Request{UserQuery: "top 5 supermarket customers"}, rec)
	require.Empty(t, out.Response.Error)

	require.Equal(t, []string{StepTemplateSearch, StepParameterExtraction, StepValidation, StepExecution}, rec.started)
	require.Equal(t, rec.started, rec.completed)
}

package nl2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Step names reported through the StepReporter.
const (
	StepTemplateSearch      = "template_search"
	StepParameterExtraction = "parameter_extraction"
	StepSQLGeneration       = "sql_generation"
	StepValidation          = "validation"
	StepExecution           = "execution"
)

const noMatchMessage = "I couldn't find a matching query pattern or relevant tables for your question. " +
	"Try asking about sales, purchasing, warehouse, or application data."

// Pipeline routes a request between the template and dynamic paths and runs
// extraction, validation, substitution, and execution.
type Pipeline struct {
	log           *slog.Logger
	cfg           Config
	templates     TemplateSearcher
	tables        TableSearcher
	extractor     *Extractor
	builder       *Builder
	exec          Executor
	allowedTables []string
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Logger        *slog.Logger
	Config        Config
	Templates     TemplateSearcher
	Tables        TableSearcher
	Extractor     *Extractor
	Builder       *Builder
	Executor      Executor
	AllowedTables []string
}

// NewPipeline builds a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config == (Config{}) {
		cfg.Config = NewConfig()
	}
	return &Pipeline{
		log:           cfg.Logger,
		cfg:           cfg.Config,
		templates:     cfg.Templates,
		tables:        cfg.Tables,
		extractor:     cfg.Extractor,
		builder:       cfg.Builder,
		exec:          cfg.Executor,
		allowedTables: cfg.AllowedTables,
	}
}

// ProcessQuery runs one turn. It never returns a Go error: user-level
// failures come back as tagged responses, and a clarification outcome pauses
// the turn until the user answers.
func (p *Pipeline) ProcessQuery(ctx context.Context, req *Request, reporter StepReporter) *Outcome {
	if reporter == nil {
		reporter = NopReporter{}
	}

	if req.IsRefinement && req.PrevTemplateJSON != "" {
		return p.templateRefinement(ctx, req, reporter)
	}
	if req.IsRefinement && req.PrevSQL != "" {
		return p.dynamicRefinement(ctx, req, reporter)
	}

	reporter.StepStarted(StepTemplateSearch)
	start := time.Now()
	res, err := p.templates.SearchTemplates(ctx, req.UserQuery)
	reporter.StepCompleted(StepTemplateSearch, time.Since(start))
	if err != nil {
		p.log.Warn("template search failed, falling back to dynamic path", "error", err)
		return p.dynamicFresh(ctx, req, reporter)
	}

	switch {
	case res.HasHighConfidenceMatch:
		return p.runTemplate(ctx, reporter, req.UserQuery, res.Best, nil)
	case res.IsAmbiguous:
		return responseOutcome(&Response{
			Error: ambiguousMessage(res.All, p.cfg.TemplateConfidenceThreshold),
		})
	default:
		return p.dynamicFresh(ctx, req, reporter)
	}
}

// templateRefinement re-runs the template path with the prior turn's
// parameters plus the user's overrides.
func (p *Pipeline) templateRefinement(ctx context.Context, req *Request, reporter StepReporter) *Outcome {
	var tpl Template
	if err := json.Unmarshal([]byte(req.PrevTemplateJSON), &tpl); err != nil {
		p.log.Warn("previous template context unparseable, starting fresh", "error", err)
		fresh := *req
		fresh.IsRefinement = false
		fresh.PrevTemplateJSON = ""
		return p.ProcessQuery(ctx, &fresh, reporter)
	}

	previous := map[string]any{}
	for k, v := range req.PrevParams {
		previous[k] = v
	}
	for k, v := range req.ParamOverrides {
		previous[k] = v
	}

	query := req.UserQuery
	if len(req.ParamOverrides) > 0 {
		query = query + " Use these values: " + formatOverrides(req.ParamOverrides)
	}
	return p.runTemplate(ctx, reporter, query, &tpl, previous)
}

// runTemplate is the shared inner template pipeline for fresh matches and
// refinements.
func (p *Pipeline) runTemplate(ctx context.Context, reporter StepReporter, userQuery string, tpl *Template, previous map[string]any) *Outcome {
	reporter.StepStarted(StepParameterExtraction)
	start := time.Now()
	d := p.extractor.Extract(ctx, userQuery, tpl, previous)
	reporter.StepCompleted(StepParameterExtraction, time.Since(start))

	d = p.routeByConfidence(d, tpl)

	if d.Status == StatusNeedsClarification {
		return &Outcome{Clarification: p.buildClarification(&d, tpl, userQuery)}
	}

	if d.CompletedSQL == "" && len(d.Params) > 0 {
		d.DisplaySQL, d.ExecSQL, d.ExecParams = Substitute(tpl.SQL, d.Params)
		d.CompletedSQL = d.DisplaySQL
	}

	reporter.StepStarted(StepValidation)
	start = time.Now()
	d = ValidateParams(d, tpl.Params)
	if len(d.ParamViolations) > 0 {
		reporter.StepCompleted(StepValidation, time.Since(start))
		return responseOutcome(&Response{
			Error: "Parameter validation failed: " + strings.Join(d.ParamViolations, "; "),
		})
	}
	d = ValidateQuery(d, p.allowedTables)
	reporter.StepCompleted(StepValidation, time.Since(start))
	if len(d.QueryViolations) > 0 {
		return responseOutcome(recoveryResponse(&d))
	}

	result, execErr := p.execute(ctx, reporter, d.ExecSQL, d.ExecParams)
	if execErr != nil {
		return responseOutcome(&Response{
			Error: "Query execution failed. Please try again or rephrase your question.",
		})
	}

	resp := &Response{
		SQL:          d.DisplaySQL,
		Rows:         result.Rows,
		Columns:      result.Columns,
		RowCount:     result.RowCount,
		Source:       SourceTemplate,
		Confidence:   MeanConfidence(d.Confidences),
		DefaultsUsed: d.DefaultsUsed,
		TemplateJSON: d.TemplateJSON,
		Params:       d.Params,
		Question:     userQuery,
	}
	if d.NeedsConfirmation {
		resp.ConfirmationNote = confirmationNote(&d)
	}
	return responseOutcome(resp)
}

// routeByConfidence applies the template-path confidence rules: the single
// lowest-confidence parameter below the low threshold becomes a
// clarification; a minimum in the middle band flags confirmation.
func (p *Pipeline) routeByConfidence(d Draft, tpl *Template) Draft {
	if d.Status != StatusSuccess || len(d.Confidences) == 0 {
		return d
	}

	minName := ""
	minConf := 1.1
	for name, conf := range d.Confidences {
		if conf < minConf || (conf == minConf && name < minName) {
			minName, minConf = name, conf
		}
	}

	switch {
	case minConf < p.cfg.LowParamConfidence:
		mp := MissingParam{
			Name:            minName,
			BestGuess:       d.Params[minName],
			GuessConfidence: minConf,
		}
		if def := findParam(tpl.Params, minName); def != nil && def.Validation != nil {
			mp.Alternatives = alternativesExcluding(def.Validation.AllowedValues, mp.BestGuess, 5)
		}
		d.Status = StatusNeedsClarification
		d.Missing = []MissingParam{mp}
	case minConf < p.cfg.HighParamConfidence:
		d.NeedsConfirmation = true
	}
	return d
}

// buildClarification turns the draft's first missing parameter into a
// user-facing question, carrying enough state to resume next turn.
func (p *Pipeline) buildClarification(d *Draft, tpl *Template, userQuery string) *Clarification {
	var mp MissingParam
	if len(d.Missing) > 0 {
		mp = d.Missing[0]
	}

	allowed := mp.Alternatives
	if def := findParam(tpl.Params, mp.Name); def != nil && def.Validation != nil && len(def.Validation.AllowedValues) > 0 {
		allowed = capAlternatives(def.Validation.AllowedValues, 5)
	}

	return &Clarification{
		ParamName:        mp.Name,
		Prompt:           clarificationPrompt(mp),
		AllowedValues:    allowed,
		OriginalQuestion: userQuery,
		TemplateID:       tpl.ID,
		TemplateJSON:     d.TemplateJSON,
		Params:           d.Params,
	}
}

// dynamicFresh generates SQL from table metadata and gates low-confidence
// drafts behind a user confirmation.
func (p *Pipeline) dynamicFresh(ctx context.Context, req *Request, reporter StepReporter) *Outcome {
	tables, errResp := p.findTables(ctx, req.UserQuery)
	if errResp != nil {
		return responseOutcome(errResp)
	}

	d, errResp := p.generateAndValidate(ctx, reporter, req.UserQuery, tables)
	if errResp != nil {
		return responseOutcome(errResp)
	}

	if d.Confidence < p.cfg.DynamicConfidenceThreshold {
		summary := d.Reasoning
		if summary == "" {
			summary = "Execute: " + truncate(d.CompletedSQL, 150)
		}
		return responseOutcome(&Response{
			NeedsClarification: true,
			QuerySummary:       summary,
			Confidence:         d.Confidence,
			Source:             SourceDynamic,
			SQL:                d.DisplaySQL,
			TablesJSON:         d.TablesJSON,
			Question:           req.UserQuery,
		})
	}

	return p.executeDynamic(ctx, reporter, req.UserQuery, &d)
}

// dynamicRefinement modifies the previous dynamic query. The confidence gate
// is skipped: the user has already seen the prior query.
func (p *Pipeline) dynamicRefinement(ctx context.Context, req *Request, reporter StepReporter) *Outcome {
	var tables []TableMetadata
	if req.PrevTablesJSON != "" {
		if err := json.Unmarshal([]byte(req.PrevTablesJSON), &tables); err != nil {
			p.log.Warn("previous table context unparseable", "error", err)
			tables = nil
		}
	}
	if len(tables) == 0 {
		found, errResp := p.findTables(ctx, req.UserQuery)
		if errResp != nil {
			return responseOutcome(errResp)
		}
		tables = found
	}

	enriched := fmt.Sprintf(
		"Modify this previous query based on the user's request.\n\nPrevious question: %s\nPrevious SQL: %s\n\nUser's refinement request: %s",
		req.PrevQuestion, req.PrevSQL, req.UserQuery)

	d, errResp := p.generateAndValidate(ctx, reporter, enriched, tables)
	if errResp != nil {
		return responseOutcome(errResp)
	}
	return p.executeDynamic(ctx, reporter, req.UserQuery, &d)
}

func (p *Pipeline) findTables(ctx context.Context, question string) ([]TableMetadata, *Response) {
	res, err := p.tables.SearchTables(ctx, question)
	if err != nil {
		p.log.Warn("table search failed", "error", err)
		return nil, &Response{Error: noMatchMessage}
	}
	if !res.HasMatches {
		return nil, &Response{Error: noMatchMessage}
	}
	return res.Tables, nil
}

// generateAndValidate runs the builder and the query validator, retrying
// generation once with the violations folded into the prompt.
func (p *Pipeline) generateAndValidate(ctx context.Context, reporter StepReporter, query string, tables []TableMetadata) (Draft, *Response) {
	reporter.StepStarted(StepSQLGeneration)
	start := time.Now()
	d := p.builder.Build(ctx, query, tables)
	reporter.StepCompleted(StepSQLGeneration, time.Since(start))
	if d.Status == StatusError {
		return d, &Response{Error: d.Err}
	}

	reporter.StepStarted(StepValidation)
	start = time.Now()
	d = ValidateQuery(d, p.allowedTables)
	reporter.StepCompleted(StepValidation, time.Since(start))
	if len(d.QueryViolations) == 0 {
		return d, nil
	}

	// One retry with the violations folded into the prompt.
	retryQuery := fmt.Sprintf("%s\n\n[IMPORTANT: Your previous query was rejected for validation errors: %s]",
		query, strings.Join(d.QueryViolations, "; "))

	reporter.StepStarted(StepSQLGeneration)
	start = time.Now()
	retried := p.builder.Build(ctx, retryQuery, tables)
	reporter.StepCompleted(StepSQLGeneration, time.Since(start))
	retried.RetryCount = d.RetryCount + 1
	if retried.Status == StatusError {
		return retried, &Response{Error: retried.Err}
	}

	reporter.StepStarted(StepValidation)
	start = time.Now()
	retried = ValidateQuery(retried, p.allowedTables)
	reporter.StepCompleted(StepValidation, time.Since(start))
	if len(retried.QueryViolations) > 0 {
		return retried, recoveryResponse(&retried)
	}
	return retried, nil
}

func (p *Pipeline) executeDynamic(ctx context.Context, reporter StepReporter, userQuery string, d *Draft) *Outcome {
	result, err := p.execute(ctx, reporter, d.CompletedSQL, nil)
	if err != nil {
		return responseOutcome(&Response{
			Error: "Query execution failed. Please try again or rephrase your question.",
		})
	}

	visible, hidden := RefineColumns(result.Columns, result.Rows, userQuery, d.CompletedSQL, p.cfg.ColumnCap)

	return responseOutcome(&Response{
		SQL:           d.CompletedSQL,
		Rows:          result.Rows,
		Columns:       visible,
		RowCount:      result.RowCount,
		Source:        SourceDynamic,
		Confidence:    d.Confidence,
		HiddenColumns: hidden,
		PrevSQL:       d.CompletedSQL,
		TablesJSON:    d.TablesJSON,
		Question:      userQuery,
	})
}

func (p *Pipeline) execute(ctx context.Context, reporter StepReporter, sql string, params []any) (*ExecResult, error) {
	reporter.StepStarted(StepExecution)
	start := time.Now()
	result, err := p.exec.Execute(ctx, sql, params...)
	reporter.StepCompleted(StepExecution, time.Since(start))
	if err != nil {
		p.log.Error("query execution failed", "error", err)
	}
	return result, err
}

func responseOutcome(r *Response) *Outcome {
	return &Outcome{Response: r}
}

func recoveryResponse(d *Draft) *Response {
	message, suggestions := BuildRecovery(d.QueryViolations, d.Tables)
	return &Response{Error: message, Recovery: suggestions}
}

func ambiguousMessage(templates []Template, threshold float64) string {
	intents := make([]string, 0, len(templates))
	for _, t := range templates {
		if t.Score < threshold {
			continue
		}
		intents = append(intents, "'"+t.ID+"'")
	}
	return fmt.Sprintf("Your question could match multiple query types: %s. Could you please be more specific about what you'd like to see?",
		strings.Join(intents, ", "))
}

func clarificationPrompt(mp MissingParam) string {
	if mp.BestGuess != nil {
		if len(mp.Alternatives) > 0 {
			alts := make([]string, 0, 2)
			for _, a := range mp.Alternatives {
				alts = append(alts, fmt.Sprintf("**%s**", a))
				if len(alts) == 2 {
					break
				}
			}
			return fmt.Sprintf("It looks like you want **%v** for %s. Is that correct, or did you mean %s?",
				mp.BestGuess, mp.Name, strings.Join(alts, " or "))
		}
		return fmt.Sprintf("It looks like you want **%v** for %s. Is that correct?", mp.BestGuess, mp.Name)
	}
	if len(mp.Alternatives) > 0 {
		return fmt.Sprintf("What value would you like for %s? Options: %s",
			mp.Name, strings.Join(mp.Alternatives, ", "))
	}
	if mp.Description != "" {
		return mp.Description
	}
	return fmt.Sprintf("What value would you like for %s?", mp.Name)
}

func confirmationNote(d *Draft) string {
	type kv struct {
		name string
		conf float64
	}
	var medium []kv
	for name, conf := range d.Confidences {
		if conf < 0.85 {
			medium = append(medium, kv{name, conf})
		}
	}
	if len(medium) == 0 {
		return ""
	}
	sort.Slice(medium, func(i, j int) bool { return medium[i].name < medium[j].name })

	parts := make([]string, 0, len(medium))
	for _, m := range medium {
		parts = append(parts, fmt.Sprintf("%s=**%v**", m.name, d.Params[m.name]))
	}
	return fmt.Sprintf("I assumed %s for these results. Want me to adjust?", strings.Join(parts, ", "))
}

func findParam(defs []ParamDef, name string) *ParamDef {
	for i := range defs {
		if defs[i].Name == name {
			return &defs[i]
		}
	}
	return nil
}

func alternativesExcluding(values []string, guess any, max int) []string {
	guessStr := fmt.Sprintf("%v", guess)
	out := make([]string, 0, max)
	for _, v := range values {
		if strings.EqualFold(v, guessStr) {
			continue
		}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}

func formatOverrides(overrides map[string]any) string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, overrides[k]))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package nl2sql turns a natural-language question into a validated, read-only
// SQL query. It holds the pipeline's data model, the deterministic utilities
// (substitution, column refinement, error recovery), both validators, the
// parameter extractor, the dynamic query builder, and the routing pipeline.
package nl2sql

import (
	"context"
	"time"
)

// Draft status values.
const (
	StatusSuccess            = "success"
	StatusNeedsClarification = "needs_clarification"
	StatusError              = "error"
)

// Query sources.
const (
	SourceTemplate = "template"
	SourceDynamic  = "dynamic"
)

// Extraction methods, in the order the extractor attempts them.
const (
	MethodExactMatch          = "exact_match"
	MethodFuzzyMatch          = "fuzzy_match"
	MethodNumericPattern      = "numeric_pattern"
	MethodLLMValidated        = "llm_validated"
	MethodDefaultValue        = "default_value"
	MethodDefaultPolicy       = "default_policy"
	MethodLLMUnvalidated      = "llm_unvalidated"
	MethodLLMFailedValidation = "llm_failed_validation"
)

// Validation holds the optional per-parameter value rules.
type Validation struct {
	Type          string   `json:"type,omitempty"`
	Min           any      `json:"min,omitempty"`
	Max           any      `json:"max,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
}

// ParamDef describes one template parameter.
type ParamDef struct {
	Name             string      `json:"name"`
	Column           string      `json:"column,omitempty"`
	Required         bool        `json:"required"`
	AskIfMissing     bool        `json:"ask_if_missing"`
	Default          any         `json:"default_value,omitempty"`
	DefaultPolicy    string      `json:"default_policy,omitempty"`
	ConfidenceWeight float64     `json:"confidence_weight,omitempty"`
	Validation       *Validation `json:"validation,omitempty"`
	ValuesSource     string      `json:"allowed_values_source,omitempty"`
	ValuesTable      string      `json:"allowed_values_table,omitempty"`
	ValuesColumn     string      `json:"allowed_values_column,omitempty"`
}

// Weight returns the confidence weight, defaulting to 1.0 when unset.
func (p ParamDef) Weight() float64 {
	if p.ConfidenceWeight <= 0 {
		return 1.0
	}
	return p.ConfidenceWeight
}

// Template is a stored SQL pattern with %{{name}}% tokens.
type Template struct {
	ID        string     `json:"id"`
	Intent    string     `json:"intent"`
	Example   string     `json:"example_question"`
	SQL       string     `json:"sql_template"`
	Reasoning string     `json:"reasoning,omitempty"`
	Params    []ParamDef `json:"parameters"`
	Score     float64    `json:"score,omitempty"`
}

// ColumnDesc describes one column of a searchable table.
type ColumnDesc struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	DataType    string `json:"data_type,omitempty"`
	IsPK        bool   `json:"is_primary_key,omitempty"`
	IsFK        bool   `json:"is_foreign_key,omitempty"`
	FKTarget    string `json:"foreign_key_target,omitempty"`
}

// TableMetadata describes one searchable table.
type TableMetadata struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Columns     []ColumnDesc `json:"columns"`
	Score       float64      `json:"score,omitempty"`
}

// MissingParam is one unresolved parameter surfaced to the user.
type MissingParam struct {
	Name            string   `json:"name"`
	BestGuess       any      `json:"best_guess,omitempty"`
	GuessConfidence float64  `json:"guess_confidence,omitempty"`
	Alternatives    []string `json:"alternatives,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// Draft is the pipeline's running state for one turn.
type Draft struct {
	Status    string
	Source    string
	UserQuery string

	DisplaySQL   string
	ExecSQL      string
	ExecParams   []any
	CompletedSQL string

	TemplateID   string
	TemplateJSON string

	Params      map[string]any
	Confidences map[string]float64

	NeedsConfirmation bool
	Missing           []MissingParam

	ParamsValidated bool
	ParamViolations []string
	QueryValidated  bool
	QueryViolations []string
	QueryWarnings   []string

	Tables     []string
	TablesJSON string
	Reasoning  string
	Confidence float64
	RetryCount int

	DefaultsUsed map[string]string
	PartialCache []string

	Err string
}

// Request is the pipeline input for one turn.
type Request struct {
	UserQuery    string
	IsRefinement bool

	// Template-side prior context.
	PrevTemplateJSON string
	PrevParams       map[string]any
	ParamOverrides   map[string]any

	// Dynamic-side prior context.
	PrevSQL        string
	PrevTablesJSON string
	PrevQuestion   string
}

// Suggestion is a follow-up the UI can offer after a turn.
type Suggestion struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

// Clarification asks the user for exactly one parameter value. It carries
// enough state to resume extraction on the next turn.
type Clarification struct {
	ParamName        string         `json:"parameter_name"`
	Prompt           string         `json:"prompt"`
	AllowedValues    []string       `json:"allowed_values,omitempty"`
	OriginalQuestion string         `json:"original_question"`
	TemplateID       string         `json:"template_id"`
	TemplateJSON     string         `json:"template_json"`
	Params           map[string]any `json:"extracted_parameters,omitempty"`
}

// Response is the pipeline output for one turn.
type Response struct {
	SQL        string           `json:"sql,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Columns    []string         `json:"columns,omitempty"`
	RowCount   int              `json:"row_count"`
	Source     string           `json:"query_source,omitempty"`
	Confidence float64          `json:"confidence_score,omitempty"`

	HiddenColumns    []string          `json:"hidden_columns,omitempty"`
	DefaultsUsed     map[string]string `json:"defaults_used,omitempty"`
	ConfirmationNote string            `json:"confirmation_note,omitempty"`

	NeedsClarification bool           `json:"needs_clarification,omitempty"`
	Clarification      *Clarification `json:"clarification,omitempty"`
	QuerySummary       string         `json:"query_summary,omitempty"`

	Error    string       `json:"error,omitempty"`
	Recovery []Suggestion `json:"error_recovery,omitempty"`

	// Context for the next turn.
	TemplateJSON string         `json:"template_json,omitempty"`
	Params       map[string]any `json:"extracted_params,omitempty"`
	PrevSQL      string         `json:"previous_sql,omitempty"`
	TablesJSON   string         `json:"tables_json,omitempty"`
	Question     string         `json:"original_question,omitempty"`

	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Outcome is the pipeline's tagged return: exactly one side is set.
type Outcome struct {
	Response      *Response
	Clarification *Clarification
}

// ExecResult carries rows back from the SQL executor.
type ExecResult struct {
	Columns  []string
	Rows     []map[string]any
	RowCount int
}

// Executor runs read-only SQL against the warehouse.
type Executor interface {
	Execute(ctx context.Context, sql string, params ...any) (*ExecResult, error)
}

// TemplateSearchResult is the hydrated, thresholded template lookup result.
type TemplateSearchResult struct {
	HasHighConfidenceMatch bool
	IsAmbiguous            bool
	Best                   *Template
	All                    []Template
	ConfidenceScore        float64
	AmbiguityGap           float64
	Message                string
}

// TableSearchResult is the hydrated, thresholded table lookup result.
type TableSearchResult struct {
	HasMatches bool
	Tables     []TableMetadata
	Threshold  float64
}

// TemplateSearcher finds stored query templates for a question.
type TemplateSearcher interface {
	SearchTemplates(ctx context.Context, question string) (*TemplateSearchResult, error)
}

// TableSearcher finds relevant tables for a question.
type TableSearcher interface {
	SearchTables(ctx context.Context, question string) (*TableSearchResult, error)
}

// ValueSet is one allowed-values lookup result. Partial means the value list
// was truncated at the provider's cap.
type ValueSet struct {
	Values  []string
	Partial bool
}

// ValuesProvider resolves database-sourced allowed values. A (nil, nil)
// return means the values are unavailable and the caller should fall back to
// LLM-only validation.
type ValuesProvider interface {
	Get(ctx context.Context, table, column string) (*ValueSet, error)
}

// StepReporter receives step-level progress from the pipeline.
type StepReporter interface {
	StepStarted(step string)
	StepCompleted(step string, d time.Duration)
}

// NopReporter discards all progress events.
type NopReporter struct{}

func (NopReporter) StepStarted(string)                  {}
func (NopReporter) StepCompleted(string, time.Duration) {}

// Config carries the pipeline thresholds. NewConfig returns the defaults.
type Config struct {
	TemplateConfidenceThreshold float64
	TemplateAmbiguityGap        float64
	TableSearchThreshold        float64
	DynamicConfidenceThreshold  float64
	LowParamConfidence          float64
	HighParamConfidence         float64
	ColumnCap                   int
	ReferenceDateOffsetYears    int
}

// NewConfig returns the default thresholds.
func NewConfig() Config {
	return Config{
		TemplateConfidenceThreshold: 0.80,
		TemplateAmbiguityGap:        0.03,
		TableSearchThreshold:        0.03,
		DynamicConfidenceThreshold:  0.70,
		LowParamConfidence:          0.60,
		HighParamConfidence:         0.85,
		ColumnCap:                   8,
		ReferenceDateOffsetYears:    12,
	}
}

package nl2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/datawharf/askdb/agent/pkg/llm"
)

var (
	hintedNumberRe = regexp.MustCompile(`(?i)\b(?:top|last|first|for)\s+(\d+)\b`)
	anyNumberRe    = regexp.MustCompile(`\b(\d+)\b`)
)

// methodScore fixes the confidence base and floor per extraction method.
// LLM methods carry no floor.
var methodScores = map[string]struct {
	base     float64
	floor    float64
	hasFloor bool
}{
	MethodExactMatch:          {base: 1.00, floor: 0.85, hasFloor: true},
	MethodFuzzyMatch:          {base: 0.85, floor: 0.60, hasFloor: true},
	MethodNumericPattern:      {base: 0.85, floor: 0.60, hasFloor: true},
	MethodLLMValidated:        {base: 0.75},
	MethodDefaultValue:        {base: 0.70, floor: 0.60, hasFloor: true},
	MethodDefaultPolicy:       {base: 0.70, floor: 0.60, hasFloor: true},
	MethodLLMUnvalidated:      {base: 0.65},
	MethodLLMFailedValidation: {base: 0.30},
}

// MethodScore computes a parameter confidence from its extraction method and
// the parameter's configured weight. Floored methods never score below their
// floor.
func MethodScore(method string, weight float64) float64 {
	s, ok := methodScores[method]
	if !ok {
		return 0
	}
	score := s.base * weight
	if s.hasFloor && score < s.floor {
		score = s.floor
	}
	if score > 1 {
		score = 1
	}
	return score
}

// MeanConfidence averages parameter confidences, truncated to two decimals.
// An empty map counts as full confidence.
func MeanConfidence(confidences map[string]float64) float64 {
	if len(confidences) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return math.Trunc(sum/float64(len(confidences))*100) / 100
}

// Extractor resolves template parameters deterministically where possible and
// falls back to the LLM for what remains.
type Extractor struct {
	log    *slog.Logger
	llm    llm.Client
	values ValuesProvider
	clock  clockwork.Clock
	cfg    Config
}

// ExtractorConfig wires an Extractor.
type ExtractorConfig struct {
	Logger *slog.Logger
	LLM    llm.Client
	Values ValuesProvider
	Clock  clockwork.Clock
	Config Config
}

// NewExtractor builds an Extractor.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Config == (Config{}) {
		cfg.Config = NewConfig()
	}
	return &Extractor{
		log:    cfg.Logger,
		llm:    cfg.LLM,
		values: cfg.Values,
		clock:  cfg.Clock,
		cfg:    cfg.Config,
	}
}

// llmExtraction is the JSON shape the model must return.
type llmExtraction struct {
	Status              string         `json:"status"`
	ExtractedParams     map[string]any `json:"extracted_parameters"`
	MissingParams       []string       `json:"missing_parameters"`
	ClarificationPrompt string         `json:"clarification_prompt"`
	Error               string         `json:"error"`
}

// Extract produces a template-sourced draft for the question. Previously
// extracted parameters from a prior turn take precedence over re-extraction.
func (e *Extractor) Extract(ctx context.Context, userQuery string, tpl *Template, previous map[string]any) Draft {
	d := Draft{
		Status:       StatusSuccess,
		Source:       SourceTemplate,
		UserQuery:    userQuery,
		TemplateID:   tpl.ID,
		Params:       map[string]any{},
		Confidences:  map[string]float64{},
		DefaultsUsed: map[string]string{},
	}
	if raw, err := json.Marshal(tpl); err == nil {
		d.TemplateJSON = string(raw)
	}

	defs := e.hydrateAllowedValues(ctx, tpl.Params, &d)

	var unresolved []ParamDef
	for _, def := range defs {
		value, method, ok := e.resolveDeterministic(userQuery, def, previous)
		if !ok {
			unresolved = append(unresolved, def)
			continue
		}
		d.Params[def.Name] = value
		d.Confidences[def.Name] = MethodScore(method, def.Weight())
		switch method {
		case MethodDefaultValue:
			d.DefaultsUsed[def.Name] = fmt.Sprintf("%v", value)
		case MethodDefaultPolicy:
			d.DefaultsUsed[def.Name] = def.DefaultPolicy
		}
	}

	requiredUnresolved := false
	for _, def := range unresolved {
		if def.Required {
			requiredUnresolved = true
			break
		}
	}
	if requiredUnresolved {
		e.runLLMFallback(ctx, userQuery, tpl, unresolved, &d)
	}

	// Anything still unresolved and required becomes a clarification.
	alreadyMissing := map[string]bool{}
	for _, mp := range d.Missing {
		alreadyMissing[mp.Name] = true
	}
	var missing []MissingParam
	for _, def := range unresolved {
		if _, done := d.Params[def.Name]; done {
			continue
		}
		if !def.Required || alreadyMissing[def.Name] {
			continue
		}
		mp := MissingParam{Name: def.Name}
		if def.Validation != nil {
			mp.Alternatives = capAlternatives(def.Validation.AllowedValues, 5)
		}
		missing = append(missing, mp)
	}
	d.Missing = append(d.Missing, missing...)
	if len(d.Missing) > 0 {
		d.Status = StatusNeedsClarification
	}
	return d
}

// hydrateAllowedValues loads database-sourced allowed values into each
// definition's validation block, recording truncated loads on the draft.
func (e *Extractor) hydrateAllowedValues(ctx context.Context, defs []ParamDef, d *Draft) []ParamDef {
	out := make([]ParamDef, len(defs))
	copy(out, defs)

	for i := range out {
		def := &out[i]
		if def.ValuesSource != "database" || e.values == nil {
			continue
		}
		vs, err := e.values.Get(ctx, def.ValuesTable, def.ValuesColumn)
		if err != nil || vs == nil {
			if err != nil {
				e.log.Warn("allowed-values lookup failed", "parameter", def.Name, "error", err)
			}
			continue
		}
		if def.Validation == nil {
			def.Validation = &Validation{Type: "string"}
		} else {
			cloned := *def.Validation
			def.Validation = &cloned
		}
		def.Validation.AllowedValues = vs.Values
		if vs.Partial {
			d.PartialCache = append(d.PartialCache, def.Name)
		}
	}
	return out
}

// resolveDeterministic attempts the non-LLM extraction methods in priority
// order.
func (e *Extractor) resolveDeterministic(userQuery string, def ParamDef, previous map[string]any) (value any, method string, ok bool) {
	if previous != nil {
		if v, has := previous[def.Name]; has && v != nil {
			return v, MethodExactMatch, true
		}
	}

	var allowed []string
	if def.Validation != nil {
		allowed = def.Validation.AllowedValues
	}

	queryLower := strings.ToLower(userQuery)
	for _, candidate := range allowed {
		if candidate != "" && strings.Contains(queryLower, strings.ToLower(candidate)) {
			return candidate, MethodExactMatch, true
		}
	}
	for _, candidate := range allowed {
		stem := stemWord(candidate)
		if stem != "" && strings.Contains(stemWords(queryLower), stem) {
			return candidate, MethodFuzzyMatch, true
		}
	}

	if def.Validation != nil && strings.EqualFold(def.Validation.Type, "integer") {
		if m := hintedNumberRe.FindStringSubmatch(userQuery); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n, MethodNumericPattern, true
			}
		}
		if m := anyNumberRe.FindStringSubmatch(userQuery); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n, MethodNumericPattern, true
			}
		}
	}

	if def.Default != nil {
		return def.Default, MethodDefaultValue, true
	}
	if def.DefaultPolicy != "" {
		return def.DefaultPolicy, MethodDefaultPolicy, true
	}
	return nil, "", false
}

// runLLMFallback asks the model for the remaining parameters and re-validates
// its answers locally.
func (e *Extractor) runLLMFallback(ctx context.Context, userQuery string, tpl *Template, unresolved []ParamDef, d *Draft) {
	prompt := buildExtractionPrompt(userQuery, tpl, unresolved, e.clock.Now(), e.cfg.ReferenceDateOffsetYears)

	raw, err := e.llm.Complete(ctx, extractionSystemPrompt, prompt)
	if err != nil {
		e.log.Warn("parameter extraction model call failed", "error", err)
		return
	}
	var parsed llmExtraction
	if err := llm.ParseJSON(raw, &parsed); err != nil {
		e.log.Warn("parameter extraction response unparseable", "error", err)
		return
	}

	byName := map[string]ParamDef{}
	for _, def := range unresolved {
		byName[def.Name] = def
	}

	for name, value := range parsed.ExtractedParams {
		def, known := byName[name]
		if !known || value == nil {
			continue
		}
		method := MethodLLMUnvalidated
		if def.Validation != nil {
			if vs := checkValue(def.Name, value, def.Validation, false); len(vs) == 0 {
				method = MethodLLMValidated
			} else {
				// Keep the value; the low score routes it to clarification.
				method = MethodLLMFailedValidation
			}
		}
		d.Params[name] = value
		d.Confidences[name] = MethodScore(method, def.Weight())
	}

	for _, name := range parsed.MissingParams {
		def, known := byName[name]
		if !known {
			continue
		}
		if _, done := d.Params[name]; done {
			continue
		}
		mp := MissingParam{Name: name, Description: parsed.ClarificationPrompt}
		if def.Validation != nil {
			mp.Alternatives = capAlternatives(def.Validation.AllowedValues, 5)
		}
		d.Missing = append(d.Missing, mp)
	}
}

func capAlternatives(values []string, max int) []string {
	if len(values) <= max {
		return append([]string(nil), values...)
	}
	return append([]string(nil), values[:max]...)
}

// stemWord lowercases and strips plural endings.
func stemWord(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "es") && len(s) > 2:
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && len(s) > 1:
		return s[:len(s)-1]
	}
	return s
}

// stemWords applies stemWord to every word of a phrase.
func stemWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = stemWord(strings.Trim(w, ",.!?"))
	}
	return strings.Join(words, " ")
}

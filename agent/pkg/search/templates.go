package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

const templateSearchLimit = 3

// TemplateSearch finds stored query templates by semantic similarity and
// applies the confidence and ambiguity thresholds.
type TemplateSearch struct {
	client              *weaviate.Client
	log                 *slog.Logger
	confidenceThreshold float64
	ambiguityGap        float64
}

// NewTemplateSearch builds the template search adapter.
func NewTemplateSearch(client *weaviate.Client, cfg Config) *TemplateSearch {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.TemplateConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.80
	}
	gap := cfg.TemplateAmbiguityGap
	if gap <= 0 {
		gap = 0.03
	}
	return &TemplateSearch{
		client:              client,
		log:                 logger,
		confidenceThreshold: threshold,
		ambiguityGap:        gap,
	}
}

// SearchTemplates implements nl2sql.TemplateSearcher.
func (s *TemplateSearch) SearchTemplates(ctx context.Context, question string) (*nl2sql.TemplateSearchResult, error) {
	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{question})

	fields := []graphql.Field{
		{Name: "templateId"},
		{Name: "intent"},
		{Name: "exampleQuestion"},
		{Name: "sqlTemplate"},
		{Name: "reasoning"},
		{Name: "parameters"},
		{Name: "_additional { certainty }"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(templateClass).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(templateSearchLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("template search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("template search: %s", result.Errors[0].Message)
	}

	templates := hydrateTemplates(result, s.log)
	return evaluateTemplates(templates, s.confidenceThreshold, s.ambiguityGap), nil
}

// hydrateTemplates parses the raw GraphQL response into template objects. The
// parameters field is stored as stringified JSON in the index.
func hydrateTemplates(result *models.GraphQLResponse, log *slog.Logger) []nl2sql.Template {
	data, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := data[templateClass].([]any)
	if !ok {
		return nil
	}

	templates := make([]nl2sql.Template, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		tpl := nl2sql.Template{
			ID:        getString(m, "templateId"),
			Intent:    getString(m, "intent"),
			Example:   getString(m, "exampleQuestion"),
			SQL:       getString(m, "sqlTemplate"),
			Reasoning: getString(m, "reasoning"),
			Score:     getCertainty(m),
		}
		if raw := getString(m, "parameters"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &tpl.Params); err != nil {
				log.Warn("skipping template with malformed parameter definitions",
					"template_id", tpl.ID, "error", err)
				continue
			}
		}
		templates = append(templates, tpl)
	}
	return templates
}

// evaluateTemplates applies the confidence and ambiguity thresholds to the
// hydrated, score-ordered result set.
func evaluateTemplates(templates []nl2sql.Template, threshold, ambiguityGap float64) *nl2sql.TemplateSearchResult {
	res := &nl2sql.TemplateSearchResult{All: templates}
	if len(templates) == 0 {
		res.Message = "no matching query templates"
		return res
	}

	top := templates[0].Score
	gap := top
	if len(templates) > 1 {
		gap = top - templates[1].Score
	}
	res.ConfidenceScore = top
	res.AmbiguityGap = gap

	switch {
	case top >= threshold && gap >= ambiguityGap:
		res.HasHighConfidenceMatch = true
		res.Best = &templates[0]
		res.Message = fmt.Sprintf("matched template %q with score %.2f", templates[0].ID, top)
	case top >= threshold:
		res.IsAmbiguous = true
		res.Message = fmt.Sprintf("ambiguous match: top score %.2f, gap %.3f", top, gap)
	default:
		res.Message = fmt.Sprintf("best template score %.2f below threshold %.2f", top, threshold)
	}
	return res
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getCertainty(m map[string]any) float64 {
	additional, ok := m["_additional"].(map[string]any)
	if !ok {
		return 0
	}
	c, _ := additional["certainty"].(float64)
	return c
}

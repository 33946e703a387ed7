// Package search wraps the external vector index behind the pipeline's
// template and table search interfaces.
package search

import (
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

const (
	templateClass = "QueryTemplate"
	tableClass    = "TableMetadata"
)

// Config for the two search adapters.
type Config struct {
	Host   string // host:port of the vector index
	Scheme string // http or https
	APIKey string // optional
	Logger *slog.Logger

	TemplateConfidenceThreshold float64
	TemplateAmbiguityGap        float64
	TableSearchThreshold        float64
}

// NewClient builds the underlying vector-index client.
func NewClient(cfg Config) (*weaviate.Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("vector index host is required")
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	wcfg := weaviate.Config{
		Host:   cfg.Host,
		Scheme: scheme,
	}
	if cfg.APIKey != "" {
		wcfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	return weaviate.NewClient(wcfg)
}

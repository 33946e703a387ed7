package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseJSON decodes a model reply into v, tolerating prose around the JSON.
// It tries the raw text first, then the contents of a fenced code block, then
// the outermost brace-delimited span.
func ParseJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty model response")
	}

	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), v); err == nil {
			return nil
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no parseable JSON in model response")
}

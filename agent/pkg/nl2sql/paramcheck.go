package nl2sql

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"01/02/2006",
	"01/02/2006 15:04:05",
	"02/01/2006",
	"02/01/2006 15:04:05",
}

var sqlDateFuncs = []string{"GETDATE", "DATEADD", "DATEDIFF", "CURRENT_DATE", "NOW"}

// ValidateParams checks every extracted parameter against its definition's
// validation rules and flags required parameters left without a value. The
// input draft is not mutated. Parameters loaded from a truncated allowed-values
// cache skip the allowed-value containment check.
func ValidateParams(d Draft, defs []ParamDef) Draft {
	var violations []string

	for _, def := range defs {
		value, has := d.Params[def.Name]

		if !has || value == nil {
			if def.Required && def.Default == nil && def.DefaultPolicy == "" && !def.AskIfMissing {
				violations = append(violations, fmt.Sprintf("required parameter %q has no value and no default", def.Name))
			}
			continue
		}
		if def.Validation == nil {
			continue
		}

		skipAllowed := slices.Contains(d.PartialCache, def.Name)
		if vs := checkValue(def.Name, value, def.Validation, skipAllowed); vs != nil {
			violations = append(violations, vs...)
		}
	}

	if len(violations) > 0 {
		d.Status = StatusError
		d.ParamViolations = violations
		return d
	}
	d.ParamsValidated = true
	return d
}

func checkValue(name string, value any, rules *Validation, skipAllowed bool) []string {
	switch strings.ToLower(rules.Type) {
	case "integer":
		return checkInteger(name, value, rules)
	case "float", "decimal", "number":
		return checkFloat(name, value, rules)
	case "string":
		return checkString(name, value, rules, skipAllowed)
	case "date":
		return checkDate(name, value, rules)
	}
	return nil
}

func checkInteger(name string, value any, rules *Validation) []string {
	f, ok := toFloat(value)
	if !ok {
		return []string{fmt.Sprintf("parameter %q must be an integer, got %v", name, value)}
	}
	if f != math.Trunc(f) {
		return []string{fmt.Sprintf("parameter %q must be an integer, got %v", name, value)}
	}
	return checkRange(name, f, rules)
}

func checkFloat(name string, value any, rules *Validation) []string {
	f, ok := toFloat(value)
	if !ok {
		return []string{fmt.Sprintf("parameter %q must be numeric, got %v", name, value)}
	}
	return checkRange(name, f, rules)
}

func checkRange(name string, f float64, rules *Validation) []string {
	var violations []string
	if min, ok := toFloat(rules.Min); ok && rules.Min != nil && f < min {
		violations = append(violations, fmt.Sprintf("parameter %q value %v is below minimum %v", name, f, min))
	}
	if max, ok := toFloat(rules.Max); ok && rules.Max != nil && f > max {
		violations = append(violations, fmt.Sprintf("parameter %q value %v is above maximum %v", name, f, max))
	}
	return violations
}

func checkString(name string, value any, rules *Validation, skipAllowed bool) []string {
	s := fmt.Sprintf("%v", value)
	var violations []string

	if len(rules.AllowedValues) > 0 && !skipAllowed {
		found := false
		for _, allowed := range rules.AllowedValues {
			if strings.EqualFold(allowed, s) {
				found = true
				break
			}
		}
		if !found {
			violations = append(violations, fmt.Sprintf("parameter %q value %q is not one of the allowed values", name, s))
		}
	}

	if rules.Pattern != "" {
		pattern := rules.Pattern
		if !strings.HasPrefix(pattern, "^") {
			pattern = "^" + pattern
		}
		if !strings.HasSuffix(pattern, "$") {
			pattern = pattern + "$"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			violations = append(violations, fmt.Sprintf("parameter %q has an invalid validation pattern", name))
		} else if !re.MatchString(s) {
			violations = append(violations, fmt.Sprintf("parameter %q value %q does not match the required pattern", name, s))
		}
	}
	return violations
}

func checkDate(name string, value any, rules *Validation) []string {
	s := strings.TrimSpace(fmt.Sprintf("%v", value))
	upper := strings.ToUpper(s)
	for _, fn := range sqlDateFuncs {
		if strings.Contains(upper, fn) {
			// SQL date expressions pass through unparsed.
			return nil
		}
	}

	var parsed time.Time
	ok := false
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			parsed = t
			ok = true
			break
		}
	}
	if !ok {
		return []string{fmt.Sprintf("parameter %q value %q is not a recognised date", name, s)}
	}

	var violations []string
	if min := parseDateBound(rules.Min); min != nil && parsed.Before(*min) {
		violations = append(violations, fmt.Sprintf("parameter %q date %s is before minimum %s", name, s, min.Format("2006-01-02")))
	}
	if max := parseDateBound(rules.Max); max != nil && parsed.After(*max) {
		violations = append(violations, fmt.Sprintf("parameter %q date %s is after maximum %s", name, s, max.Format("2006-01-02")))
	}
	return violations
}

func parseDateBound(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

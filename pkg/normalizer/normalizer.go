package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meridianos/chartmerge/pkg/terminology"
)

// FieldIssue is a single per-field problem. Issues are collected, never
// thrown: one bad field must not sink the rest of the record.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Errors            []FieldIssue           `json:"errors,omitempty"`
	Warnings          []FieldIssue           `json:"warnings,omitempty"`
	NormalizedChanges map[string]interface{} `json:"normalized_changes,omitempty"`
}

func (v *ValidationResult) addError(field, message string) {
	v.Errors = append(v.Errors, FieldIssue{Field: field, Message: message})
}

func (v *ValidationResult) addWarning(field, message string) {
	v.Warnings = append(v.Warnings, FieldIssue{Field: field, Message: message})
}

func (v *ValidationResult) recordChange(field string, value interface{}) {
	if v.NormalizedChanges == nil {
		v.NormalizedChanges = make(map[string]interface{})
	}
	v.NormalizedChanges[field] = value
}

// Accepted incoming date layouts, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02-01-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"2006/01/02",
}

const canonicalDateLayout = "2006-01-02"

var minClinicalDate = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

type Normalizer struct {
	catalog terminology.Catalog
	now     func() time.Time
}

func New(cat terminology.Catalog) *Normalizer {
	return &Normalizer{catalog: cat, now: func() time.Time { return time.Now().UTC() }}
}

// Normalize cleans a raw field map in place-ish: it returns a new map holding
// every field that normalized (or passed through), plus the collected issues.
// Date-like fields become canonical YYYY-MM-DD strings, names are re-cased,
// codes gain a detected coding system, and numeric fields are validated.
// Unparseable dates are dropped rather than defaulted; a document with no
// usable date stays undated instead of acquiring today's date and polluting
// the patient timeline.
func (n *Normalizer) Normalize(fields map[string]interface{}) (map[string]interface{}, ValidationResult) {
	result := ValidationResult{}
	if fields == nil {
		return map[string]interface{}{}, result
	}

	out := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		switch {
		case isDateField(key):
			if normalized, ok := n.normalizeDate(key, value, &result); ok {
				out[key] = normalized
			}
		case isNameField(key):
			out[key] = n.normalizeName(key, value, &result)
		case isCodeField(key):
			out[key] = value
			if system := n.detectCodeSystem(value); system != "" {
				out["codeSystem"] = system
				result.recordChange("codeSystem", system)
			}
		case isNumericField(key):
			if normalized, ok := n.normalizeNumeric(key, value, &result); ok {
				out[key] = normalized
			}
		default:
			out[key] = value
		}
	}

	if _, coded := out["code"]; !coded {
		n.enrichCode(out, &result)
	}

	return out, result
}

// Fields whose text can name a catalog concept, checked in order.
var conceptFields = []string{"description", "concept", "medication", "substance", "name"}

// enrichCode backfills a missing code from the terminology catalog when a
// descriptive field names a known concept.
func (n *Normalizer) enrichCode(out map[string]interface{}, result *ValidationResult) {
	for _, key := range conceptFields {
		text, ok := out[key].(string)
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		concept, found := n.catalog.Lookup(strings.TrimSpace(text))
		if !found {
			continue
		}
		code, system := concept.PreferredCode()
		if code == "" {
			return
		}
		out["code"] = code
		out["codeSystem"] = system
		result.recordChange("code", code)
		result.recordChange("codeSystem", system)
		return
	}
}

// NormalizeDate exposes date parsing for callers that hold a single value.
func (n *Normalizer) NormalizeDate(field string, value interface{}) (string, *FieldIssue) {
	result := ValidationResult{}
	normalized, ok := n.normalizeDate(field, value, &result)
	if !ok {
		if len(result.Warnings) > 0 {
			issue := result.Warnings[0]
			return "", &issue
		}
		return "", &FieldIssue{Field: field, Message: "unparseable date"}
	}
	return normalized, nil
}

func (n *Normalizer) normalizeDate(field string, value interface{}, result *ValidationResult) (string, bool) {
	raw := strings.TrimSpace(stringValue(value))
	if raw == "" {
		return "", false
	}

	var parsed time.Time
	var ok bool
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			parsed = t
			ok = true
			break
		}
	}
	if !ok {
		result.addWarning(field, fmt.Sprintf("unrecognized date format %q", raw))
		return "", false
	}

	if parsed.Before(minClinicalDate) {
		result.addWarning(field, fmt.Sprintf("date %s predates 1900", parsed.Format(canonicalDateLayout)))
		return "", false
	}
	if parsed.After(n.now()) {
		result.addWarning(field, fmt.Sprintf("date %s is in the future", parsed.Format(canonicalDateLayout)))
		return "", false
	}

	canonical := parsed.Format(canonicalDateLayout)
	if canonical != raw {
		result.recordChange(field, canonical)
	}
	return canonical, true
}

func (n *Normalizer) normalizeName(field string, value interface{}, result *ValidationResult) string {
	raw := strings.TrimSpace(stringValue(value))
	if raw == "" {
		return raw
	}

	cased := caseName(raw)
	if cased != raw {
		result.recordChange(field, cased)
	}
	return cased
}

// caseName title-cases a person name while keeping particles like hyphens and
// apostrophes intact ("o'brien-smith" -> "O'Brien-Smith").
func caseName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	upperNext := true
	for _, r := range lower {
		switch {
		case r == ' ' || r == '-' || r == '\'':
			b.WriteRune(r)
			upperNext = true
		case upperNext:
			b.WriteString(strings.ToUpper(string(r)))
			upperNext = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (n *Normalizer) detectCodeSystem(value interface{}) string {
	code := strings.TrimSpace(stringValue(value))
	if code == "" {
		return ""
	}
	return terminology.DetectSystem(code)
}

func (n *Normalizer) normalizeNumeric(field string, value interface{}, result *ValidationResult) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		cleaned := strings.TrimSpace(v)
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			result.addError(field, fmt.Sprintf("numeric value %q contaminated with non-numeric characters", v))
			return 0, false
		}
		result.recordChange(field, parsed)
		return parsed, true
	default:
		result.addError(field, fmt.Sprintf("value of type %T is not numeric", value))
		return 0, false
	}
}

func isDateField(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "date") || strings.HasSuffix(k, "time") || k == "onset" || k == "performed" || k == "recorded"
}

func isNameField(key string) bool {
	k := strings.ToLower(key)
	return k == "name" || strings.HasSuffix(k, "name") || k == "practitioner" || k == "performer"
}

func isCodeField(key string) bool {
	k := strings.ToLower(key)
	return k == "code"
}

func isNumericField(key string) bool {
	k := strings.ToLower(key)
	return k == "value" || k == "quantity" || k == "amount"
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return ""
	}
}

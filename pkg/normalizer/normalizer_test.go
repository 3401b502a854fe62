package normalizer

import (
	"testing"
	"time"

	"github.com/meridianos/chartmerge/pkg/terminology"
)

func newTestNormalizer() *Normalizer {
	n := New(terminology.DefaultCatalog())
	n.now = func() time.Time {
		return time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	}
	return n
}

func TestNormalizeDateFormats(t *testing.T) {
	n := newTestNormalizer()

	cases := map[string]string{
		"2024-03-15":           "2024-03-15",
		"03/15/2024":           "2024-03-15",
		"March 15, 2024":       "2024-03-15",
		"15 March 2024":        "2024-03-15",
		"2024-03-15T10:30:00Z": "2024-03-15",
	}
	for raw, want := range cases {
		got, issue := n.NormalizeDate("onsetDate", raw)
		if issue != nil {
			t.Fatalf("NormalizeDate(%q) issue: %s", raw, issue.Message)
		}
		if got != want {
			t.Fatalf("NormalizeDate(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeDateRejectsImplausible(t *testing.T) {
	n := newTestNormalizer()

	for _, raw := range []string{"1899-12-31", "2030-01-01", "not a date"} {
		if got, issue := n.NormalizeDate("onsetDate", raw); issue == nil {
			t.Fatalf("NormalizeDate(%q) = %q, expected an issue", raw, got)
		}
	}
}

func TestNormalizeDropsBadDateKeepsRecord(t *testing.T) {
	n := newTestNormalizer()

	fields, result := n.Normalize(map[string]interface{}{
		"description": "Hypertension",
		"onsetDate":   "garbled",
	})

	if _, ok := fields["onsetDate"]; ok {
		t.Fatal("expected unparseable onsetDate to be dropped")
	}
	if fields["description"] != "Hypertension" {
		t.Fatal("expected remaining fields to survive")
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
}

func TestNormalizeNameCasing(t *testing.T) {
	n := newTestNormalizer()

	fields, _ := n.Normalize(map[string]interface{}{
		"familyName": "o'brien-smith",
	})
	if fields["familyName"] != "O'Brien-Smith" {
		t.Fatalf("familyName = %v", fields["familyName"])
	}
}

func TestNormalizeDetectsCodeSystem(t *testing.T) {
	n := newTestNormalizer()

	fields, result := n.Normalize(map[string]interface{}{
		"code": "I10",
	})
	if fields["codeSystem"] != terminology.SystemICD10 {
		t.Fatalf("codeSystem = %v", fields["codeSystem"])
	}
	if result.NormalizedChanges["codeSystem"] != terminology.SystemICD10 {
		t.Fatal("expected codeSystem recorded as a normalized change")
	}
}

func TestNormalizeEnrichesCodeFromCatalog(t *testing.T) {
	n := newTestNormalizer()

	fields, result := n.Normalize(map[string]interface{}{
		"description": "Hypertension",
		"status":      "active",
	})
	if fields["code"] != "I10" {
		t.Fatalf("code = %v", fields["code"])
	}
	if fields["codeSystem"] != terminology.SystemICD10 {
		t.Fatalf("codeSystem = %v", fields["codeSystem"])
	}
	if result.NormalizedChanges["code"] != "I10" {
		t.Fatal("expected backfilled code recorded as a normalized change")
	}

	// An extracted code always wins over the catalog.
	fields, _ = n.Normalize(map[string]interface{}{
		"description": "Hypertension",
		"code":        "I10.9",
	})
	if fields["code"] != "I10.9" {
		t.Fatalf("code = %v", fields["code"])
	}

	// Unknown concepts pass through untouched.
	fields, _ = n.Normalize(map[string]interface{}{
		"description": "Chronic fatigue",
	})
	if _, ok := fields["code"]; ok {
		t.Fatalf("unexpected code for unknown concept: %v", fields["code"])
	}
}

func TestNormalizeEnrichesMedicationCode(t *testing.T) {
	n := newTestNormalizer()

	fields, _ := n.Normalize(map[string]interface{}{
		"medication": "Metformin",
		"dosage":     "500mg",
	})
	if fields["code"] != "6809" {
		t.Fatalf("code = %v", fields["code"])
	}
	if fields["codeSystem"] != terminology.SystemRxNorm {
		t.Fatalf("codeSystem = %v", fields["codeSystem"])
	}
}

func TestNormalizeNumericContamination(t *testing.T) {
	n := newTestNormalizer()

	fields, result := n.Normalize(map[string]interface{}{
		"value": "120 mmHg",
	})
	if _, ok := fields["value"]; ok {
		t.Fatal("expected contaminated numeric to be dropped")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one error, got %v", result.Errors)
	}

	fields, result = n.Normalize(map[string]interface{}{
		"value": "120.5",
	})
	if fields["value"] != 120.5 {
		t.Fatalf("value = %v", fields["value"])
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
}

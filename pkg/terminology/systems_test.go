package terminology

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectSystem(t *testing.T) {
	cases := map[string]string{
		"2339-0":    SystemLOINC,
		"85354-9":   SystemLOINC,
		"I10":       SystemICD10,
		"E11.9":     SystemICD10,
		"99213":     SystemCPT,
		"59621000":  SystemSNOMED,
		"44054006":  SystemSNOMED,
		"6809":      SystemRxNorm,
		"":          SystemUnknown,
		"not-code!": SystemUnknown,
	}
	for code, want := range cases {
		if got := DetectSystem(code); got != want {
			t.Fatalf("DetectSystem(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestCatalogLookupCaseInsensitive(t *testing.T) {
	cat := DefaultCatalog()

	concept, ok := cat.Lookup("Hypertension")
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if concept.ICD10 != "I10" || concept.SNOMED != "59621000" {
		t.Fatalf("unexpected concept: %+v", concept)
	}

	if _, ok := cat.Lookup("unknown condition"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestCatalogLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `concepts:
  asthma:
    display: Asthma
    icd10: J45.909
    snomed: "195967001"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing catalog: %v", err)
	}

	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	concept, ok := cat.Lookup("Asthma")
	if !ok {
		t.Fatal("expected loaded concept to resolve")
	}
	code, system := concept.PreferredCode()
	if code != "J45.909" || system != SystemICD10 {
		t.Fatalf("PreferredCode = %q, %q", code, system)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing catalog file")
	}
}

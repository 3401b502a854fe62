package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Concept struct {
	Display string `yaml:"display" json:"display"`
	SNOMED  string `yaml:"snomed" json:"snomed"`
	LOINC   string `yaml:"loinc" json:"loinc"`
	ICD10   string `yaml:"icd10" json:"icd10"`
	RxNorm  string `yaml:"rxnorm" json:"rxnorm"`
}

type Catalog struct {
	Concepts map[string]Concept `yaml:"concepts" json:"concepts"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Concepts) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog empty")
	}
	return cat, nil
}

// PreferredCode returns the concept's leading code and the system it belongs
// to, empty when the concept carries no coding at all.
func (c Concept) PreferredCode() (string, string) {
	switch {
	case c.ICD10 != "":
		return c.ICD10, SystemICD10
	case c.LOINC != "":
		return c.LOINC, SystemLOINC
	case c.RxNorm != "":
		return c.RxNorm, SystemRxNorm
	case c.SNOMED != "":
		return c.SNOMED, SystemSNOMED
	default:
		return "", ""
	}
}

func (c Catalog) Lookup(key string) (Concept, bool) {
	if c.Concepts == nil {
		return Concept{}, false
	}
	concept, ok := c.Concepts[strings.ToLower(key)]
	if ok {
		return concept, true
	}
	for k, v := range c.Concepts {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return Concept{}, false
}

func DefaultCatalog() Catalog {
	return Catalog{Concepts: map[string]Concept{
		"hypertension": {
			Display: "Essential Hypertension",
			SNOMED:  "59621000",
			ICD10:   "I10",
		},
		"type 2 diabetes": {
			Display: "Type 2 Diabetes Mellitus",
			SNOMED:  "44054006",
			ICD10:   "E11.9",
		},
		"blood-glucose": {
			Display: "Blood Glucose",
			SNOMED:  "271062007",
			LOINC:   "2339-0",
			ICD10:   "R73.9",
		},
		"blood-pressure": {
			Display: "Blood Pressure",
			SNOMED:  "75367002",
			LOINC:   "85354-9",
			ICD10:   "I10",
		},
		"metformin": {
			Display: "Metformin",
			RxNorm:  "6809",
		},
	}}
}

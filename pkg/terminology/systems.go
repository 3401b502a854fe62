package terminology

import (
	"regexp"
	"strings"
)

// Coding systems recognised by shape-based detection.
const (
	SystemICD10   = "ICD10"
	SystemLOINC   = "LOINC"
	SystemSNOMED  = "SNOMED"
	SystemCPT     = "CPT"
	SystemRxNorm  = "RXNORM"
	SystemUnknown = ""
)

var (
	icd10Pattern = regexp.MustCompile(`^[A-TV-Z][0-9]{2}(\.[0-9A-Z]{1,4})?$`)
	loincPattern = regexp.MustCompile(`^[0-9]{1,7}-[0-9]$`)
	cptPattern   = regexp.MustCompile(`^[0-9]{5}$`)
	// SNOMED CT identifiers are 6-18 digit integers; anything shorter that is
	// all digits is far more likely a CPT or RxNorm code.
	snomedPattern = regexp.MustCompile(`^[0-9]{6,18}$`)
	rxnormPattern = regexp.MustCompile(`^[0-9]{1,7}$`)
)

// DetectSystem classifies a medical code into a coding system purely from its
// shape. The upstream extractor frequently drops the system attribution, so
// the normalizer reconstructs it here. Ambiguous all-digit codes resolve to
// the longest-match system.
func DetectSystem(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return SystemUnknown
	}

	switch {
	case loincPattern.MatchString(code):
		return SystemLOINC
	case icd10Pattern.MatchString(code):
		return SystemICD10
	case cptPattern.MatchString(code):
		return SystemCPT
	case snomedPattern.MatchString(code):
		return SystemSNOMED
	case rxnormPattern.MatchString(code):
		return SystemRxNorm
	default:
		return SystemUnknown
	}
}

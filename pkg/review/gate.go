package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/meridianos/chartmerge/pkg/conflict"
)

const (
	// Confidence above which a thin extraction (few resources) is still
	// trusted without review.
	thinExtractionConfidence = 0.95
	nameSimilarityThreshold  = 0.80
)

// Gate classifies a merge operation for human review. It is a pure function
// over already-computed data: no I/O, no effect on whether the merge runs.
type Gate struct {
	confidenceThreshold float64
	minResourceCount    int
}

func NewGate(confidenceThreshold float64, minResourceCount int) *Gate {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.80
	}
	if minResourceCount <= 0 {
		minResourceCount = 3
	}
	return &Gate{confidenceThreshold: confidenceThreshold, minResourceCount: minResourceCount}
}

// Classify returns flagged when any risk signal fires, auto_approved
// otherwise. The decision is attached to the merge operation; the merge
// itself always proceeds.
func (g *Gate) Classify(extraction models.ExtractionResult, conflicts []models.ConflictRecord, identity *models.PatientIdentity) models.ReviewDecision {
	var reasons []string

	if extraction.OverallConfidence < g.confidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("extraction confidence %.2f below threshold %.2f", extraction.OverallConfidence, g.confidenceThreshold))
	}
	if extraction.ModelUsed == models.ModelFallback {
		reasons = append(reasons, "fallback extraction model was used")
	}

	resourceCount := len(extraction.Records)
	if resourceCount == 0 {
		reasons = append(reasons, "no resources extracted")
	} else if resourceCount < g.minResourceCount && extraction.OverallConfidence < thinExtractionConfidence {
		reasons = append(reasons, fmt.Sprintf("only %d resources extracted with confidence %.2f", resourceCount, extraction.OverallConfidence))
	}

	if reason := g.identityMismatch(extraction, conflicts, identity); reason != "" {
		reasons = append(reasons, reason)
	}

	if len(reasons) > 0 {
		return models.ReviewDecision{
			AutoApproved: false,
			FlagReason:   strings.Join(reasons, "; "),
			ReviewStatus: models.ReviewFlagged,
		}
	}

	return models.ReviewDecision{
		AutoApproved: true,
		ReviewStatus: models.ReviewAutoApproved,
	}
}

func (g *Gate) identityMismatch(extraction models.ExtractionResult, conflicts []models.ConflictRecord, identity *models.PatientIdentity) string {
	for _, c := range conflicts {
		if isBirthDateField(c.Field) {
			return "date of birth conflicts with existing patient identity"
		}
	}

	if identity == nil {
		return ""
	}

	extractedName, extractedDOB := demographics(extraction)

	if identity.BirthDate != nil && extractedDOB != nil && !identity.BirthDate.Equal(*extractedDOB) {
		return "date of birth conflicts with existing patient identity"
	}

	if known := identity.FullName(); known != "" && extractedName != "" {
		if conflict.Similarity(known, extractedName) < nameSimilarityThreshold {
			return fmt.Sprintf("patient name %q does not match existing identity", extractedName)
		}
	}

	return ""
}

// demographics pulls the patient name and birth date out of the extraction's
// demographic records, if any.
func demographics(extraction models.ExtractionResult) (string, *time.Time) {
	var name string
	var dob *time.Time

	for _, record := range extraction.Records {
		category := strings.ToLower(record.Category)
		if category != "patient" && category != "demographics" {
			continue
		}
		given, _ := record.Fields["givenName"].Value.(string)
		family, _ := record.Fields["familyName"].Value.(string)
		name = strings.TrimSpace(given + " " + family)
		if full, ok := record.Fields["name"].Value.(string); ok && name == "" {
			name = strings.TrimSpace(full)
		}
		if raw, ok := record.Fields["birthDate"].Value.(string); ok {
			if parsed, err := time.Parse("2006-01-02", strings.TrimSpace(raw)); err == nil {
				dob = &parsed
			}
		}
	}

	return name, dob
}

func isBirthDateField(field string) bool {
	lower := strings.ToLower(field)
	return lower == "birthdate" || lower == "dateofbirth" || lower == "dob"
}

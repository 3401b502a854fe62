package conflict

import (
	"testing"
	"time"

	"github.com/meridianos/chartmerge/pkg/common/models"
)

func newTestDetector() *Detector {
	return NewDetector(0.80, 14, DefaultSeverityRules())
}

func entry(id, resourceType, source string, fields map[string]interface{}) models.ResourceEntry {
	return models.ResourceEntry{
		ID:           id,
		ResourceType: resourceType,
		Fields:       fields,
		Meta: models.Meta{
			Source:      source,
			VersionID:   1,
			LastUpdated: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
			Status:      models.StatusActive,
		},
	}
}

func bundleWith(entries ...models.ResourceEntry) *models.PatientBundle {
	return &models.PatientBundle{PatientID: "patient-1", VersionID: 1, Entries: entries}
}

func TestDetectUnmatchedResourceAppends(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourceCondition, "doc-2", map[string]interface{}{
		"description": "Asthma",
	})
	existing := entry("ex-1", models.ResourceCondition, "doc-1", map[string]interface{}{
		"description": "Hypertension",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(existing))
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].ExistingID != "" {
		t.Fatalf("expected no existing match, got %s", matches[0].ExistingID)
	}
	if matches[0].HasConflicts() {
		t.Fatalf("unexpected conflicts: %v", matches[0].Conflicts)
	}
}

func TestDetectSimilarDescriptionsMatch(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourceCondition, "doc-2", map[string]interface{}{
		"description": "Essential hypertension",
		"status":      "resolved",
	})
	existing := entry("ex-1", models.ResourceCondition, "doc-1", map[string]interface{}{
		"description": "Essential hypertension",
		"status":      "active",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(existing))
	if matches[0].ExistingID != "ex-1" {
		t.Fatal("expected the condition to match the existing entry")
	}
	if len(matches[0].Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %v", matches[0].Conflicts)
	}
	c := matches[0].Conflicts[0]
	if c.Category != models.ConflictStatus {
		t.Fatalf("Category = %s", c.Category)
	}
	if c.Severity != models.SeverityMedium {
		t.Fatalf("Severity = %s", c.Severity)
	}
}

func TestDetectDosageConflictIsHigh(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourceMedicationStatement, "doc-2", map[string]interface{}{
		"medication": "Metformin",
		"dosage":     "250mg",
	})
	existing := entry("ex-1", models.ResourceMedicationStatement, "doc-1", map[string]interface{}{
		"medication": "Metformin",
		"dosage":     "500mg",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(existing))
	if len(matches[0].Conflicts) != 1 {
		t.Fatalf("conflicts = %v", matches[0].Conflicts)
	}
	c := matches[0].Conflicts[0]
	if c.Category != models.ConflictDosage {
		t.Fatalf("Category = %s", c.Category)
	}
	if c.Severity != models.SeverityHigh {
		t.Fatalf("Severity = %s", c.Severity)
	}
}

func TestDetectBirthDateConflictIsCritical(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourcePatient, "doc-2", map[string]interface{}{
		"familyName": "Okafor",
		"birthDate":  "1961-04-12",
	})
	existing := entry("ex-1", models.ResourcePatient, "doc-1", map[string]interface{}{
		"familyName": "Okafor",
		"birthDate":  "1961-04-21",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(existing))
	var birthConflict *models.ConflictRecord
	for i := range matches[0].Conflicts {
		if matches[0].Conflicts[i].Field == "birthDate" {
			birthConflict = &matches[0].Conflicts[i]
		}
	}
	if birthConflict == nil {
		t.Fatalf("expected a birthDate conflict, got %v", matches[0].Conflicts)
	}
	if birthConflict.Severity != models.SeverityCritical {
		t.Fatalf("Severity = %s", birthConflict.Severity)
	}
}

func TestDetectPatientRecordsMatchDespiteNameMismatch(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourcePatient, "doc-2", map[string]interface{}{
		"familyName": "Higgins",
		"givenName":  "Bartholomew",
		"birthDate":  "1958-09-30",
	})
	existing := entry("ex-1", models.ResourcePatient, "doc-1", map[string]interface{}{
		"familyName": "Okafor",
		"givenName":  "Adaeze",
		"birthDate":  "1961-04-21",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(existing))
	if matches[0].ExistingID != "ex-1" {
		t.Fatal("demographics records in one bundle must always match each other")
	}
	if len(matches[0].Conflicts) != 3 {
		t.Fatalf("expected familyName, givenName and birthDate conflicts, got %v", matches[0].Conflicts)
	}
	for _, c := range matches[0].Conflicts {
		if c.Severity != models.SeverityCritical {
			t.Fatalf("conflict on %s: Severity = %s", c.Field, c.Severity)
		}
	}
}

func TestDetectIdenticalFactIsDuplicate(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourceCondition, "doc-2", map[string]interface{}{
		"description": "Hypertension",
		"code":        "I10",
	})
	existing := entry("ex-1", models.ResourceCondition, "doc-1", map[string]interface{}{
		"description": "Hypertension",
		"code":        "I10",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(existing))
	if !matches[0].Duplicate {
		t.Fatal("expected duplicate match")
	}
	if len(matches[0].Conflicts) != 1 || matches[0].Conflicts[0].Category != models.ConflictDuplicate {
		t.Fatalf("conflicts = %v", matches[0].Conflicts)
	}
}

func TestDetectTimeBoundReadingsOutsideWindowAreDistinct(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourceObservation, "doc-2", map[string]interface{}{
		"concept":       "blood glucose",
		"value":         9.1,
		"effectiveDate": "2025-03-01",
	})
	existing := entry("ex-1", models.ResourceObservation, "doc-1", map[string]interface{}{
		"concept":       "blood glucose",
		"value":         6.4,
		"effectiveDate": "2024-11-01",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(existing))
	if matches[0].ExistingID != "" {
		t.Fatal("readings four months apart should not match as the same fact")
	}
}

func TestDetectSkipsSameSourceAndEnteredInError(t *testing.T) {
	d := newTestDetector()

	sameSource := entry("ex-1", models.ResourceCondition, "doc-2", map[string]interface{}{
		"description": "Hypertension",
	})
	inError := entry("ex-2", models.ResourceCondition, "doc-1", map[string]interface{}{
		"description": "Hypertension",
	})
	inError.Meta.Status = models.StatusEnteredInError

	incoming := entry("in-1", models.ResourceCondition, "doc-2", map[string]interface{}{
		"description": "Hypertension",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith(sameSource, inError))
	if matches[0].ExistingID != "" {
		t.Fatalf("expected no match, got %s", matches[0].ExistingID)
	}
}

func TestDetectTemporalOrderingWithinResource(t *testing.T) {
	d := newTestDetector()

	incoming := entry("in-1", models.ResourceCondition, "doc-1", map[string]interface{}{
		"description":    "Pneumonia",
		"onsetDate":      "2025-02-01",
		"resolutionDate": "2025-01-15",
	})

	matches := d.Detect([]models.ResourceEntry{incoming}, bundleWith())
	if len(matches[0].Conflicts) != 1 {
		t.Fatalf("conflicts = %v", matches[0].Conflicts)
	}
	if matches[0].Conflicts[0].Category != models.ConflictTemporal {
		t.Fatalf("Category = %s", matches[0].Conflicts[0].Category)
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("hypertension", "hypertension"); got != 1.0 {
		t.Fatalf("identical strings = %v", got)
	}
	if got := Similarity("hypertension", "hypertensive disorder"); got < 0.80 {
		t.Fatalf("related terms = %v", got)
	}
	if got := Similarity("hypertension", "asthma"); got >= 0.80 {
		t.Fatalf("unrelated terms = %v", got)
	}
}

package conflict

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/common/models"
)

// Match pairs one incoming resource with the existing entry that represents
// the same clinical fact. ExistingID is empty when nothing matched and the
// resource should simply be appended.
type Match struct {
	IncomingID string
	ExistingID string
	Duplicate  bool
	Conflicts  []models.ConflictRecord
}

// HasConflicts reports whether any field-level disagreement was found.
func (m Match) HasConflicts() bool {
	return len(m.Conflicts) > 0
}

type Detector struct {
	similarityThreshold float64
	temporalWindow      time.Duration
	rules               SeverityRules
}

func NewDetector(similarityThreshold float64, temporalWindowDays int, rules SeverityRules) *Detector {
	if similarityThreshold <= 0 {
		similarityThreshold = 0.80
	}
	if temporalWindowDays <= 0 {
		temporalWindowDays = 14
	}
	if rules.Minimums == nil {
		rules = DefaultSeverityRules()
	}
	return &Detector{
		similarityThreshold: similarityThreshold,
		temporalWindow:      time.Duration(temporalWindowDays) * 24 * time.Hour,
		rules:               rules,
	}
}

// Resource types whose facts are bound to a point in time; two readings far
// apart are distinct facts, not a conflict.
var timeBound = map[string]bool{
	models.ResourceObservation:      true,
	models.ResourceEncounter:        true,
	models.ResourceProcedure:        true,
	models.ResourceDiagnosticReport: true,
}

// Fields that are extraction bookkeeping rather than clinical content.
var nonClinicalFields = map[string]bool{
	"sourceText": true,
	"codeSystem": true,
	"category":   true,
}

// Detect compares each incoming resource against the patient's current
// bundle. A detection problem on one resource fails open: that resource is
// reported as unmatched (append-as-new) rather than blocking the merge.
func (d *Detector) Detect(incoming []models.ResourceEntry, bundle *models.PatientBundle) []Match {
	matches := make([]Match, 0, len(incoming))
	for _, entry := range incoming {
		matches = append(matches, d.detectOne(entry, bundle))
	}
	return matches
}

func (d *Detector) detectOne(incoming models.ResourceEntry, bundle *models.PatientBundle) Match {
	match := Match{IncomingID: incoming.ID}

	// Internal temporal consistency is checked even when nothing matches.
	internal := d.temporalOrdering(incoming)

	var existing *models.ResourceEntry
	for i := range bundle.Entries {
		candidate := &bundle.Entries[i]
		if candidate.ResourceType != incoming.ResourceType {
			continue
		}
		if candidate.Meta.Status == models.StatusEnteredInError {
			continue
		}
		// Same-source entries are handled by the idempotent update path,
		// not conflict detection.
		if candidate.Meta.Source == incoming.Meta.Source {
			continue
		}
		if d.sameFact(incoming, *candidate) {
			existing = candidate
			break
		}
	}

	if existing == nil {
		match.Conflicts = internal
		return match
	}

	match.ExistingID = existing.ID
	fieldConflicts := d.compareFields(incoming, *existing)
	if len(fieldConflicts) == 0 {
		// Identical facts still need an explicit dedup decision on record.
		match.Duplicate = true
		dup := d.record(incoming, *existing, "", description(*existing), description(incoming), models.ConflictDuplicate)
		fieldConflicts = append(fieldConflicts, dup)
	}
	match.Conflicts = append(internal, fieldConflicts...)
	return match
}

// sameFact decides whether two resources plausibly describe the same clinical
// fact: an exact code match, or descriptions above the similarity threshold,
// and for time-bound facts an overlapping or near time window.
func (d *Detector) sameFact(incoming, existing models.ResourceEntry) bool {
	// A bundle holds a single patient, so any two demographics records
	// describe the same person; a name or birth date disagreement between
	// them must surface as a conflict, not as a failure to match.
	if incoming.ResourceType == models.ResourcePatient {
		return true
	}

	codeA := stringField(incoming.Fields, "code")
	codeB := stringField(existing.Fields, "code")
	descMatch := false
	if codeA != "" && codeA == codeB {
		descMatch = true
	} else {
		descA := description(incoming)
		descB := description(existing)
		if descA != "" && descB != "" && Similarity(descA, descB) >= d.similarityThreshold {
			descMatch = true
		}
	}
	if !descMatch {
		return false
	}

	if !timeBound[incoming.ResourceType] {
		return true
	}

	timeA, okA := clinicalDate(incoming)
	timeB, okB := clinicalDate(existing)
	if !okA || !okB {
		// Undated time-bound facts cannot be separated by time; treat as
		// the same fact so the disagreement surfaces as a conflict.
		return true
	}
	diff := timeA.Sub(timeB)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d.temporalWindow
}

func (d *Detector) compareFields(incoming, existing models.ResourceEntry) []models.ConflictRecord {
	var conflicts []models.ConflictRecord

	for field, newValue := range incoming.Fields {
		if nonClinicalFields[field] {
			continue
		}
		existingValue, present := existing.Fields[field]
		if !present {
			continue
		}
		if valuesEqual(existingValue, newValue) {
			continue
		}

		category := d.classify(incoming.ResourceType, field)
		conflicts = append(conflicts, d.record(incoming, existing, field, existingValue, newValue, category))
	}

	return conflicts
}

// temporalOrdering flags dates inside one resource that are out of order,
// e.g. a resolution recorded before the onset.
func (d *Detector) temporalOrdering(entry models.ResourceEntry) []models.ConflictRecord {
	pairs := [][2]string{
		{"onsetDate", "resolutionDate"},
		{"onsetDate", "abatementDate"},
		{"startDate", "endDate"},
	}

	var conflicts []models.ConflictRecord
	for _, pair := range pairs {
		start, okStart := dateField(entry.Fields, pair[0])
		end, okEnd := dateField(entry.Fields, pair[1])
		if !okStart || !okEnd {
			continue
		}
		if end.Before(start) {
			record := d.record(entry, entry, pair[1], entry.Fields[pair[0]], entry.Fields[pair[1]], models.ConflictTemporal)
			record.Rationale = fmt.Sprintf("%s precedes %s", pair[1], pair[0])
			conflicts = append(conflicts, record)
		}
	}
	return conflicts
}

func (d *Detector) record(incoming, existing models.ResourceEntry, field string, existingValue, newValue interface{}, category string) models.ConflictRecord {
	return models.ConflictRecord{
		ID:                 uuid.New().String(),
		ResourceType:       incoming.ResourceType,
		Field:              field,
		ExistingValue:      existingValue,
		NewValue:           newValue,
		Category:           category,
		Severity:           d.severity(incoming.ResourceType, field, category),
		ExistingResourceID: existing.ID,
		IncomingResourceID: incoming.ID,
	}
}

func (d *Detector) classify(resourceType, field string) string {
	lower := strings.ToLower(field)
	switch {
	case resourceType == models.ResourceMedicationStatement && (lower == "dosage" || lower == "frequency" || lower == "route"):
		return models.ConflictDosage
	case lower == "unit":
		return models.ConflictUnit
	case lower == "status" || strings.HasSuffix(lower, "status"):
		return models.ConflictStatus
	case strings.Contains(lower, "date") || strings.HasSuffix(lower, "time"):
		return models.ConflictTemporal
	default:
		return models.ConflictValue
	}
}

// severity is deterministic and safety-prioritized: dosage and allergy value
// mismatches never classify below high, demographic mismatches are critical.
func (d *Detector) severity(resourceType, field, category string) string {
	severity := models.SeverityLow

	switch category {
	case models.ConflictDosage:
		severity = models.SeverityHigh
	case models.ConflictStatus:
		severity = models.SeverityMedium
	case models.ConflictUnit:
		severity = models.SeverityMedium
	case models.ConflictTemporal:
		severity = models.SeverityMedium
	case models.ConflictValue:
		if resourceType == models.ResourceObservation {
			severity = models.SeverityLow
		} else {
			severity = models.SeverityMedium
		}
	}

	if resourceType == models.ResourceAllergyIntolerance && category != models.ConflictDuplicate {
		if models.SeverityRank(severity) < models.SeverityRank(models.SeverityHigh) {
			severity = models.SeverityHigh
		}
	}
	if isDemographic(resourceType, field) {
		severity = models.SeverityCritical
	}

	return d.rules.Apply(category, severity)
}

func isDemographic(resourceType, field string) bool {
	lower := strings.ToLower(field)
	if lower == "birthdate" || lower == "dateofbirth" || lower == "dob" {
		return true
	}
	return resourceType == models.ResourcePatient && (lower == "givenname" || lower == "familyname" || lower == "gender")
}

func description(entry models.ResourceEntry) string {
	for _, key := range []string{"description", "concept", "medication", "substance", "name", "type", "service"} {
		if v := stringField(entry.Fields, key); v != "" {
			return v
		}
	}
	return ""
}

func clinicalDate(entry models.ResourceEntry) (time.Time, bool) {
	for _, key := range []string{"effectiveDate", "performedDate", "issuedDate", "startDate", "recordedDate", "onsetDate"} {
		if t, ok := dateField(entry.Fields, key); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func dateField(fields map[string]interface{}, key string) (time.Time, bool) {
	raw := stringField(fields, key)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func stringField(fields map[string]interface{}, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Extraction frequently re-types numerics across runs.
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	if okA && okB {
		return fa == fb
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}

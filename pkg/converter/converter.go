package converter

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/meridianos/chartmerge/pkg/normalizer"
)

// categoryTypes maps extraction categories to clinical resource types.
var categoryTypes = map[string]string{
	"condition":         models.ResourceCondition,
	"diagnosis":         models.ResourceCondition,
	"medication":        models.ResourceMedicationStatement,
	"prescription":      models.ResourceMedicationStatement,
	"observation":       models.ResourceObservation,
	"lab_result":        models.ResourceObservation,
	"vital":             models.ResourceObservation,
	"procedure":         models.ResourceProcedure,
	"encounter":         models.ResourceEncounter,
	"visit":             models.ResourceEncounter,
	"service_request":   models.ResourceServiceRequest,
	"referral":          models.ResourceServiceRequest,
	"diagnostic_report": models.ResourceDiagnosticReport,
	"imaging":           models.ResourceDiagnosticReport,
	"practitioner":      models.ResourcePractitioner,
	"allergy":           models.ResourceAllergyIntolerance,
	"patient":           models.ResourcePatient,
	"demographics":      models.ResourcePatient,
}

// requiredFields lists the field every variant is expected to carry. A record
// missing it still converts, with a warning, rather than being dropped.
var requiredFields = map[string]string{
	models.ResourceCondition:           "description",
	models.ResourceMedicationStatement: "medication",
	models.ResourceObservation:         "concept",
	models.ResourceProcedure:           "description",
	models.ResourceEncounter:           "type",
	models.ResourceServiceRequest:      "service",
	models.ResourceDiagnosticReport:    "name",
	models.ResourcePractitioner:        "name",
	models.ResourceAllergyIntolerance:  "substance",
	models.ResourcePatient:             "familyName",
}

type Converter struct {
	normalizer *normalizer.Normalizer
	now        func() time.Time
}

func New(n *normalizer.Normalizer) *Converter {
	return &Converter{normalizer: n, now: func() time.Time { return time.Now().UTC() }}
}

// Convert maps an extraction result into resource entries stamped with the
// source document. Conversion problems are per-record: a bad record yields a
// warning and a best-effort partial resource, never an aborted batch.
func (c *Converter) Convert(extraction models.ExtractionResult) ([]models.ResourceEntry, []string) {
	var entries []models.ResourceEntry
	var warnings []string

	for i, record := range extraction.Records {
		entry, recordWarnings := c.convertRecord(record, extraction.DocumentID)
		for _, w := range recordWarnings {
			warnings = append(warnings, fmt.Sprintf("record %d (%s): %s", i, record.Category, w))
		}
		entries = append(entries, entry)
	}

	return entries, warnings
}

func (c *Converter) convertRecord(record models.ExtractedRecord, documentID string) (models.ResourceEntry, []string) {
	var warnings []string

	resourceType, ok := categoryTypes[strings.ToLower(strings.TrimSpace(record.Category))]
	if !ok {
		// Unknown category degrades to a generic observation so the
		// extracted data is still retained and reviewable.
		resourceType = models.ResourceObservation
		warnings = append(warnings, fmt.Sprintf("unknown category %q, converted as observation", record.Category))
	}

	raw := make(map[string]interface{}, len(record.Fields))
	confidences := make(map[string]float64, len(record.Fields))
	citations := make(map[string]string)
	for name, field := range record.Fields {
		raw[name] = field.Value
		confidences[name] = field.Confidence
		if field.SourceText != "" {
			citations[name] = field.SourceText
		}
	}
	if origin, found := categoryTypes[strings.ToLower(record.Category)]; !found || origin != resourceType {
		raw["category"] = record.Category
	}

	fields, validation := c.normalizer.Normalize(raw)
	for _, issue := range validation.Errors {
		warnings = append(warnings, fmt.Sprintf("field %s: %s", issue.Field, issue.Message))
	}
	for _, issue := range validation.Warnings {
		warnings = append(warnings, fmt.Sprintf("field %s: %s", issue.Field, issue.Message))
	}

	if required, ok := requiredFields[resourceType]; ok {
		if _, present := fields[required]; !present {
			warnings = append(warnings, fmt.Sprintf("missing %s, converted with partial fields", required))
		}
	}
	if len(citations) > 0 {
		fields["sourceText"] = citations
	}

	entry := models.ResourceEntry{
		ID:           uuid.New().String(),
		ResourceType: resourceType,
		Fields:       fields,
		Confidences:  confidences,
		Meta: models.Meta{
			Source:      documentID,
			VersionID:   1,
			LastUpdated: c.now(),
			Status:      models.StatusActive,
		},
	}

	return entry, warnings
}

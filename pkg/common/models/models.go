package models

import (
	"time"

	"github.com/google/uuid"
)

// Clinical resource types produced by the converter.
const (
	ResourceCondition           = "Condition"
	ResourceMedicationStatement = "MedicationStatement"
	ResourceObservation         = "Observation"
	ResourceProcedure           = "Procedure"
	ResourceEncounter           = "Encounter"
	ResourceServiceRequest      = "ServiceRequest"
	ResourceDiagnosticReport    = "DiagnosticReport"
	ResourcePractitioner        = "Practitioner"
	ResourceAllergyIntolerance  = "AllergyIntolerance"
	ResourcePatient             = "Patient"
)

// Resource lifecycle statuses carried in Meta.Status.
const (
	StatusActive         = "active"
	StatusResolved       = "resolved"
	StatusStopped        = "stopped"
	StatusEnteredInError = "entered-in-error"
)

// Meta is the provenance block attached to every resource entry. Source is
// never empty: it links the entry to the document that produced it, which is
// what makes replays idempotent and rollback exact.
type Meta struct {
	Source      string    `json:"source"`
	VersionID   int       `json:"version_id"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"`
}

// ResourceEntry wraps one clinical fact inside a patient bundle. Confidences
// carries the per-field extraction confidence so a later document's values can
// be weighed against this one's during conflict resolution.
type ResourceEntry struct {
	ID           string                 `json:"id"`
	ResourceType string                 `json:"resource_type"`
	Fields       map[string]interface{} `json:"fields"`
	Confidences  map[string]float64     `json:"confidences,omitempty"`
	Meta         Meta                   `json:"meta"`
}

// Confidence returns the extraction confidence for one field, or 0 when the
// field was never scored.
func (r ResourceEntry) Confidence(field string) float64 {
	if r.Confidences == nil {
		return 0
	}
	return r.Confidences[field]
}

// PatientBundle is the cumulative clinical record for one patient. VersionID
// strictly increases on every successful merge or rollback.
type PatientBundle struct {
	PatientID   string          `json:"patient_id"`
	Entries     []ResourceEntry `json:"entries"`
	VersionID   int64           `json:"version_id"`
	LastUpdated time.Time       `json:"last_updated"`
}

// FindBySource returns indexes of entries stamped with the given document.
func (b *PatientBundle) FindBySource(documentID string) []int {
	var out []int
	for i, entry := range b.Entries {
		if entry.Meta.Source == documentID {
			out = append(out, i)
		}
	}
	return out
}

// Extraction input (produced by the upstream extraction service).

const (
	ModelPrimary  = "primary"
	ModelFallback = "fallback"
)

type ExtractedField struct {
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
	SourceText string      `json:"source_text,omitempty"`
}

type ExtractedRecord struct {
	Category string                    `json:"category"` // condition, medication, observation, ...
	Fields   map[string]ExtractedField `json:"fields"`
}

type ExtractionResult struct {
	DocumentID        string            `json:"document_id"`
	PatientID         string            `json:"patient_id"`
	OverallConfidence float64           `json:"overall_confidence"`
	ModelUsed         string            `json:"model_used,omitempty"`
	Records           []ExtractedRecord `json:"records"`
}

// Conflict classification.

const (
	ConflictValue     = "value"
	ConflictUnit      = "unit"
	ConflictTemporal  = "temporal"
	ConflictStatus    = "status"
	ConflictDosage    = "dosage"
	ConflictDuplicate = "duplicate"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities so escalation rules can only raise them.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

const (
	StrategyNewestWins      = "newest_wins"
	StrategyPreserveBoth    = "preserve_both"
	StrategyConfidenceBased = "confidence_based"
	StrategyManualReview    = "manual_review"
)

// ConflictRecord captures one field-level disagreement between an incoming
// resource and an existing one that represents the same clinical fact.
type ConflictRecord struct {
	ID                 string      `json:"id"`
	ResourceType       string      `json:"resource_type"`
	Field              string      `json:"field"`
	ExistingValue      interface{} `json:"existing_value"`
	NewValue           interface{} `json:"new_value"`
	Category           string      `json:"category"`
	Severity           string      `json:"severity"`
	ExistingResourceID string      `json:"existing_resource_id"`
	IncomingResourceID string      `json:"incoming_resource_id"`
	Strategy           string      `json:"strategy,omitempty"`
	Rationale          string      `json:"rationale,omitempty"`
	ChosenValue        interface{} `json:"chosen_value,omitempty"`
	Resolved           bool        `json:"resolved"`
	ResolvedBy         string      `json:"resolved_by,omitempty"`
}

// Review gating.

const (
	ReviewPending      = "pending"
	ReviewAutoApproved = "auto_approved"
	ReviewFlagged      = "flagged"
	ReviewReviewed     = "reviewed"
	ReviewRejected     = "rejected"
)

type ReviewDecision struct {
	AutoApproved bool   `json:"auto_approved"`
	FlagReason   string `json:"flag_reason,omitempty"`
	ReviewStatus string `json:"review_status"`
}

// Merge operation lifecycle.

const (
	OperationQueued     = "queued"
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
	OperationCancelled  = "cancelled"
)

type MergeCounts struct {
	Added             int `json:"added"`
	Updated           int `json:"updated"`
	Skipped           int `json:"skipped"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

type MergeOperation struct {
	ID           uuid.UUID      `json:"id"`
	PatientID    string         `json:"patient_id"`
	DocumentID   string         `json:"document_id"`
	Status       string         `json:"status"`
	Counts       MergeCounts    `json:"counts"`
	Review       ReviewDecision `json:"review"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// MergeResult is the terminal payload of a completed operation. Conflicts
// includes resolved and unresolved records so losing values stay auditable.
type MergeResult struct {
	OperationID   uuid.UUID        `json:"operation_id"`
	PatientID     string           `json:"patient_id"`
	DocumentID    string           `json:"document_id"`
	Counts        MergeCounts      `json:"counts"`
	Conflicts     []ConflictRecord `json:"conflicts,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	BundleVersion int64            `json:"bundle_version"`
	Review        ReviewDecision   `json:"review"`
}

// History actions recorded by the orchestrator and rollback manager.
const (
	HistoryUpdated    = "updated"
	HistorySuperseded = "superseded"
	HistoryRolledBack = "rolled_back"
)

// HistoryRecord preserves prior field values whenever a live entry changes.
// Nothing in the engine deletes these rows.
type HistoryRecord struct {
	ID              string                 `json:"id"`
	PatientID       string                 `json:"patient_id"`
	ResourceID      string                 `json:"resource_id"`
	ResourceType    string                 `json:"resource_type"`
	ResourceVersion int                    `json:"resource_version"`
	BundleVersion   int64                  `json:"bundle_version"`
	Action          string                 `json:"action"`
	PriorFields     map[string]interface{} `json:"prior_fields,omitempty"`
	Source          string                 `json:"source"`
	Reason          string                 `json:"reason,omitempty"`
	Actor           string                 `json:"actor,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// PatientIdentity is the demographic record the quality gate compares new
// documents against.
type PatientIdentity struct {
	PatientID  string     `json:"patient_id"`
	GivenName  string     `json:"given_name,omitempty"`
	FamilyName string     `json:"family_name,omitempty"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
}

func (p *PatientIdentity) FullName() string {
	switch {
	case p == nil:
		return ""
	case p.GivenName == "":
		return p.FamilyName
	case p.FamilyName == "":
		return p.GivenName
	default:
		return p.GivenName + " " + p.FamilyName
	}
}

// Event is the envelope published to the audit topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // merge_completed, merge_failed, rollback, review_transition
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

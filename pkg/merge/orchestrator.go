package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/bundle"
	"github.com/meridianos/chartmerge/pkg/common/logger"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/meridianos/chartmerge/pkg/conflict"
)

var (
	// ErrMergeFailed wraps persistence failures: the operation aborted with
	// no partial state change and is safe to retry.
	ErrMergeFailed = errors.New("merge failed")
)

// Outcome is what one merge pass produced inside the patient lock.
type Outcome struct {
	Counts        models.MergeCounts
	Conflicts     []models.ConflictRecord
	BundleVersion int64
	Review        models.ReviewDecision
}

// Classifier is the quality gate hook: called with the detected conflicts
// before the bundle is written, its verdict is attached to the outcome but
// never blocks the merge.
type Classifier func(conflicts []models.ConflictRecord) models.ReviewDecision

// Orchestrator owns all writes to patient bundles. Everything it calls
// between load and persist is pure and CPU-bound.
type Orchestrator struct {
	store    bundle.Store
	detector *conflict.Detector
	resolver *conflict.Resolver
	locks    *patientLocks
	now      func() time.Time
}

func NewOrchestrator(store bundle.Store, detector *conflict.Detector, resolver *conflict.Resolver) *Orchestrator {
	return &Orchestrator{
		store:    store,
		detector: detector,
		resolver: resolver,
		locks:    newPatientLocks(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MergeDocument applies one document's resources to the patient bundle.
// Replays of the same document converge on the same bundle state: resources
// already stamped with this document update in place instead of duplicating,
// and a merge that changes nothing leaves the bundle version untouched.
func (o *Orchestrator) MergeDocument(ctx context.Context, patientID, documentID string, resources []models.ResourceEntry, classify Classifier) (*Outcome, error) {
	unlock := o.locks.acquire(patientID)
	defer unlock()

	current, err := o.store.Load(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading bundle: %v", ErrMergeFailed, err)
	}
	loadedVersion := current.VersionID

	outcome := &Outcome{}
	var history []models.HistoryRecord
	changed := false

	// Position, per resource type, of each keyless resource within the
	// document. Replays present the same resources in the same order, so the
	// ordinal pairs a keyless retry with the entry its first merge produced.
	ordinals := map[string]int{}

	for _, incoming := range resources {
		incoming.Meta.Source = documentID

		key := naturalKey(incoming)
		ordinal := -1
		if key == "" {
			ordinal = ordinals[incoming.ResourceType]
			ordinals[incoming.ResourceType]++
		}

		// Idempotent path: a prior merge of this document already placed
		// this resource.
		if idx := o.findSameSource(current, incoming, key, ordinal); idx >= 0 {
			existing := &current.Entries[idx]
			if fieldsEqual(existing.Fields, incoming.Fields) {
				outcome.Counts.Updated++
				continue
			}
			history = append(history, o.historyFor(current, *existing, models.HistoryUpdated, "re-merge of source document", ""))
			existing.Fields = incoming.Fields
			existing.Confidences = incoming.Confidences
			existing.Meta.VersionID++
			existing.Meta.LastUpdated = o.now()
			outcome.Counts.Updated++
			changed = true
			continue
		}

		match := o.detector.Detect([]models.ResourceEntry{incoming}, current)[0]
		if len(match.Conflicts) == 0 {
			current.Entries = append(current.Entries, incoming)
			outcome.Counts.Added++
			changed = true
			continue
		}

		incomingByID := map[string]models.ResourceEntry{incoming.ID: incoming}
		existingByID := map[string]models.ResourceEntry{}
		if match.ExistingID != "" {
			if idx := indexByID(current, match.ExistingID); idx >= 0 {
				existingByID[match.ExistingID] = current.Entries[idx]
			}
		}
		resolvedConflicts := o.resolver.Resolve(match.Conflicts, incomingByID, existingByID)
		outcome.Conflicts = append(outcome.Conflicts, resolvedConflicts...)
		outcome.Counts.ConflictsDetected += len(resolvedConflicts)
		for _, c := range resolvedConflicts {
			if c.Resolved {
				outcome.Counts.ConflictsResolved++
			}
		}

		disposition := o.apply(current, incoming, match, resolvedConflicts, &history)
		switch disposition {
		case dispositionAppended:
			outcome.Counts.Added++
			changed = true
		case dispositionUpdated:
			outcome.Counts.Updated++
			changed = true
		case dispositionSkipped:
			outcome.Counts.Skipped++
		}
	}

	if changed {
		current.VersionID++
		current.LastUpdated = o.now()
		for i := range history {
			history[i].BundleVersion = current.VersionID
		}
		if err := o.store.Persist(ctx, current, loadedVersion, history); err != nil {
			return nil, fmt.Errorf("%w: persisting bundle: %v", ErrMergeFailed, err)
		}
	}
	outcome.BundleVersion = current.VersionID

	if classify != nil {
		outcome.Review = classify(outcome.Conflicts)
	}

	logger.WithFields(map[string]interface{}{
		"patient_id":  patientID,
		"document_id": documentID,
		"added":       outcome.Counts.Added,
		"updated":     outcome.Counts.Updated,
		"skipped":     outcome.Counts.Skipped,
		"conflicts":   outcome.Counts.ConflictsDetected,
		"version":     outcome.BundleVersion,
	}).Info("document merged")

	return outcome, nil
}

type disposition int

const (
	dispositionSkipped disposition = iota
	dispositionAppended
	dispositionUpdated
)

// apply decides what to do with an incoming resource whose conflicts have
// been through the resolver:
//   - duplicates are skipped, the existing entry stands;
//   - preserve-both and manual-review outcomes keep both values live, so the
//     incoming resource is appended (optimistic merge);
//   - fully resolved conflicts fold winning incoming values into the
//     existing entry, with the prior values preserved in history.
func (o *Orchestrator) apply(current *models.PatientBundle, incoming models.ResourceEntry, match conflict.Match, conflicts []models.ConflictRecord, history *[]models.HistoryRecord) disposition {
	if match.Duplicate {
		return dispositionSkipped
	}

	if match.ExistingID == "" {
		// Only internal temporal conflicts; the resource is still new.
		current.Entries = append(current.Entries, incoming)
		return dispositionAppended
	}

	for _, c := range conflicts {
		if c.Strategy == models.StrategyPreserveBoth || c.Strategy == models.StrategyManualReview {
			current.Entries = append(current.Entries, incoming)
			return dispositionAppended
		}
	}

	idx := indexByID(current, match.ExistingID)
	if idx < 0 {
		current.Entries = append(current.Entries, incoming)
		return dispositionAppended
	}
	existing := &current.Entries[idx]

	applied := false
	var recorded bool
	for _, c := range conflicts {
		if !c.Resolved || !valuesMatch(c.ChosenValue, c.NewValue) {
			continue
		}
		if valuesMatch(existing.Fields[c.Field], c.NewValue) {
			continue
		}
		if !recorded {
			*history = append(*history, o.historyFor(current, *existing, models.HistoryUpdated, "conflict resolution: "+c.Strategy, ""))
			recorded = true
		}
		existing.Fields[c.Field] = c.NewValue
		if incoming.Confidences != nil {
			if existing.Confidences == nil {
				existing.Confidences = map[string]float64{}
			}
			existing.Confidences[c.Field] = incoming.Confidences[c.Field]
		}
		applied = true
	}

	if applied {
		existing.Meta.VersionID++
		existing.Meta.LastUpdated = o.now()
		return dispositionUpdated
	}
	return dispositionSkipped
}

// ResolveManually applies a human-chosen value for one conflict to every live
// entry implicated in it.
func (o *Orchestrator) ResolveManually(ctx context.Context, patientID string, record models.ConflictRecord, chosenValue interface{}, reviewer string) (int64, error) {
	unlock := o.locks.acquire(patientID)
	defer unlock()

	current, err := o.store.Load(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("%w: loading bundle: %v", ErrMergeFailed, err)
	}
	loadedVersion := current.VersionID

	var history []models.HistoryRecord
	changed := false
	for _, id := range []string{record.ExistingResourceID, record.IncomingResourceID} {
		idx := indexByID(current, id)
		if idx < 0 {
			continue
		}
		entry := &current.Entries[idx]
		if valuesMatch(entry.Fields[record.Field], chosenValue) {
			continue
		}
		history = append(history, o.historyFor(current, *entry, models.HistoryUpdated, "manual conflict resolution", reviewer))
		entry.Fields[record.Field] = chosenValue
		entry.Meta.VersionID++
		entry.Meta.LastUpdated = o.now()
		changed = true
	}

	if !changed {
		return current.VersionID, nil
	}

	current.VersionID++
	current.LastUpdated = o.now()
	for i := range history {
		history[i].BundleVersion = current.VersionID
	}
	if err := o.store.Persist(ctx, current, loadedVersion, history); err != nil {
		return 0, fmt.Errorf("%w: persisting bundle: %v", ErrMergeFailed, err)
	}
	return current.VersionID, nil
}

// RollbackDocument removes every live resource stamped with the document and
// writes a tombstone history record for each. Rolling back a document that
// was never merged returns 0 and changes nothing.
func (o *Orchestrator) RollbackDocument(ctx context.Context, patientID, documentID, reason, actor string) (int, error) {
	unlock := o.locks.acquire(patientID)
	defer unlock()

	current, err := o.store.Load(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("rollback: loading bundle: %w", err)
	}
	loadedVersion := current.VersionID

	stamped := current.FindBySource(documentID)
	if len(stamped) == 0 {
		return 0, nil
	}
	removed := len(stamped)

	var history []models.HistoryRecord

	doomed := make(map[int]bool, len(stamped))
	for _, idx := range stamped {
		doomed[idx] = true
		history = append(history, o.historyFor(current, current.Entries[idx], models.HistoryRolledBack, reason, actor))
	}
	var kept []models.ResourceEntry
	for i, entry := range current.Entries {
		if !doomed[i] {
			kept = append(kept, entry)
		}
	}

	current.Entries = kept
	current.VersionID++
	current.LastUpdated = o.now()
	for i := range history {
		history[i].BundleVersion = current.VersionID
	}
	if err := o.store.Persist(ctx, current, loadedVersion, history); err != nil {
		return 0, fmt.Errorf("rollback: persisting bundle: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"patient_id":  patientID,
		"document_id": documentID,
		"removed":     removed,
	}).Info("document rolled back")

	return removed, nil
}

// Bundle returns the live view for a patient.
func (o *Orchestrator) Bundle(ctx context.Context, patientID string) (*models.PatientBundle, error) {
	return o.store.Load(ctx, patientID)
}

// History returns the append-only change log for a patient.
func (o *Orchestrator) History(ctx context.Context, patientID string) ([]models.HistoryRecord, error) {
	return o.store.History(ctx, patientID)
}

// findSameSource locates the entry a prior merge of this document produced
// for the same clinical fact: same source stamp, same resource type, same
// natural key. Keyless resources are matched by ordinal instead, their
// position among the document's keyless entries of that type, so a retry
// that minted fresh resource IDs still converges on the existing entry.
func (o *Orchestrator) findSameSource(current *models.PatientBundle, incoming models.ResourceEntry, key string, ordinal int) int {
	seen := 0
	for i, entry := range current.Entries {
		if entry.Meta.Source != incoming.Meta.Source || entry.ResourceType != incoming.ResourceType {
			continue
		}
		entryKey := naturalKey(entry)
		if key != "" {
			if entryKey == key {
				return i
			}
			continue
		}
		if entryKey != "" {
			continue
		}
		if seen == ordinal {
			return i
		}
		seen++
	}
	return -1
}

// naturalKey identifies a clinical fact within one document: its code when
// present, otherwise its leading description field. Resources carrying
// neither have no natural key; entry IDs are minted per submission and must
// never key idempotency.
func naturalKey(entry models.ResourceEntry) string {
	if code, ok := entry.Fields["code"].(string); ok && code != "" {
		return "code:" + strings.ToLower(strings.TrimSpace(code))
	}
	for _, key := range []string{"description", "concept", "medication", "substance", "name", "type", "service"} {
		if v, ok := entry.Fields[key].(string); ok && v != "" {
			return key + ":" + strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}

func (o *Orchestrator) historyFor(current *models.PatientBundle, entry models.ResourceEntry, action, reason, actor string) models.HistoryRecord {
	prior := make(map[string]interface{}, len(entry.Fields))
	for k, v := range entry.Fields {
		prior[k] = v
	}
	return models.HistoryRecord{
		ID:              uuid.New().String(),
		PatientID:       current.PatientID,
		ResourceID:      entry.ID,
		ResourceType:    entry.ResourceType,
		ResourceVersion: entry.Meta.VersionID,
		Action:          action,
		PriorFields:     prior,
		Source:          entry.Meta.Source,
		Reason:          reason,
		Actor:           actor,
		CreatedAt:       o.now(),
	}
}

func indexByID(current *models.PatientBundle, id string) int {
	for i, entry := range current.Entries {
		if entry.ID == id {
			return i
		}
	}
	return -1
}

func fieldsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesMatch(av, bv) {
			return false
		}
	}
	return true
}

func valuesMatch(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

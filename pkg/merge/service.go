package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/audit"
	"github.com/meridianos/chartmerge/pkg/common/logger"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/meridianos/chartmerge/pkg/converter"
	"github.com/meridianos/chartmerge/pkg/identity"
	"github.com/meridianos/chartmerge/pkg/observability/metrics"
	"github.com/meridianos/chartmerge/pkg/review"
)

var (
	ErrInvalidSubmission   = errors.New("invalid merge submission")
	ErrCancelNotAllowed    = errors.New("operation can only be cancelled while queued")
	ErrOperationNotDone    = errors.New("operation has not finished")
	ErrConflictNotFound    = errors.New("conflict not found on operation")
	ErrOperationFailed     = errors.New("operation failed")
	ErrOperationCancelled  = errors.New("operation was cancelled")
	ErrRollbackUnavailable = errors.New("rollback failed, no resources removed")
)

// Service is the engine's public surface: it accepts extraction results,
// runs merges asynchronously with per-patient serialization, and exposes the
// operation lifecycle to callers.
type Service struct {
	ops          OperationStore
	orchestrator *Orchestrator
	converter    *converter.Converter
	gate         *review.Gate
	identities   identity.Lookup
	sink         *audit.Sink
	cache        *StatusCache
	workerSem    chan struct{}
}

func NewService(ops OperationStore, orchestrator *Orchestrator, conv *converter.Converter, gate *review.Gate, identities identity.Lookup, sink *audit.Sink, cache *StatusCache, maxWorkers int) *Service {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Service{
		ops:          ops,
		orchestrator: orchestrator,
		converter:    conv,
		gate:         gate,
		identities:   identities,
		sink:         sink,
		cache:        cache,
		workerSem:    make(chan struct{}, maxWorkers),
	}
}

// Submit queues one document's extraction for merging and returns
// immediately. The merge itself runs on a worker; callers poll Get/Result.
// Retrying a submission for the same document is safe: the merge path is
// idempotent on the document's source stamp.
func (s *Service) Submit(ctx context.Context, extraction models.ExtractionResult) (models.MergeOperation, error) {
	if strings.TrimSpace(extraction.PatientID) == "" {
		return models.MergeOperation{}, fmt.Errorf("%w: patient id required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(extraction.DocumentID) == "" {
		return models.MergeOperation{}, fmt.Errorf("%w: document id required", ErrInvalidSubmission)
	}

	op := &StoredOperation{
		MergeOperation: models.MergeOperation{
			ID:         uuid.New(),
			PatientID:  extraction.PatientID,
			DocumentID: extraction.DocumentID,
			Status:     models.OperationQueued,
			Review:     models.ReviewDecision{ReviewStatus: models.ReviewPending},
			CreatedAt:  time.Now().UTC(),
		},
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return models.MergeOperation{}, fmt.Errorf("creating operation: %w", err)
	}

	s.cache.Set(ctx, op.MergeOperation)
	go s.run(op.ID, extraction)
	return op.MergeOperation, nil
}

func (s *Service) run(opID uuid.UUID, extraction models.ExtractionResult) {
	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()

	ctx := context.Background()
	log := logger.WithOperation(opID.String(), extraction.PatientID, extraction.DocumentID)

	// A cancel that won the race leaves the operation terminal; the CAS
	// makes sure a cancelled operation never starts processing.
	started, err := s.ops.TransitionStatus(ctx, opID, models.OperationQueued, models.OperationProcessing)
	if err != nil {
		log.WithError(err).Error("failed to mark operation processing")
		return
	}
	if !started {
		log.Info("operation no longer queued, skipping")
		return
	}

	resources, warnings := s.converter.Convert(extraction)

	existingIdentity, err := s.identities.Get(ctx, extraction.PatientID)
	if err != nil && !errors.Is(err, identity.ErrIdentityNotFound) {
		log.WithError(err).Warn("identity lookup failed, gating without demographics")
		existingIdentity = nil
	}

	classify := func(conflicts []models.ConflictRecord) models.ReviewDecision {
		return s.gate.Classify(extraction, conflicts, existingIdentity)
	}

	outcome, mergeErr := s.orchestrator.MergeDocument(ctx, extraction.PatientID, extraction.DocumentID, resources, classify)

	op, err := s.ops.Get(ctx, opID)
	if err != nil {
		log.WithError(err).Error("operation vanished mid-merge")
		return
	}

	if mergeErr != nil {
		s.finish(ctx, op, func() {
			op.Status = models.OperationFailed
			op.ErrorMessage = mergeErr.Error()
		})
		metrics.IncMergeFailed()
		s.sink.Publish(ctx, audit.EventMergeFailed, map[string]interface{}{
			"operation_id": opID.String(),
			"patient_id":   extraction.PatientID,
			"document_id":  extraction.DocumentID,
		})
		log.WithError(mergeErr).Error("merge failed")
		return
	}

	s.finish(ctx, op, func() {
		op.Status = models.OperationCompleted
		op.Counts = outcome.Counts
		op.Conflicts = outcome.Conflicts
		op.Warnings = warnings
		op.BundleVersion = outcome.BundleVersion
		op.Review = outcome.Review
	})

	s.recordIdentity(ctx, extraction, existingIdentity)

	metrics.IncMergeCompleted()
	metrics.AddConflictsDetected(outcome.Counts.ConflictsDetected)
	if outcome.Review.ReviewStatus == models.ReviewFlagged {
		metrics.IncMergeFlagged()
	}

	s.sink.Publish(ctx, audit.EventMergeCompleted, map[string]interface{}{
		"operation_id":       opID.String(),
		"patient_id":         extraction.PatientID,
		"document_id":        extraction.DocumentID,
		"added":              outcome.Counts.Added,
		"updated":            outcome.Counts.Updated,
		"skipped":            outcome.Counts.Skipped,
		"conflicts_detected": outcome.Counts.ConflictsDetected,
		"review_status":      outcome.Review.ReviewStatus,
	})
}

func (s *Service) finish(ctx context.Context, op *StoredOperation, mutate func()) {
	mutate()
	now := time.Now().UTC()
	op.CompletedAt = &now
	if err := s.ops.Save(ctx, op); err != nil {
		logger.Log.WithError(err).Error("failed to save operation result")
		return
	}
	s.cache.Set(ctx, op.MergeOperation)
}

// recordIdentity seeds the identity registry from the document's
// demographics when the patient has none on file.
func (s *Service) recordIdentity(ctx context.Context, extraction models.ExtractionResult, existing *models.PatientIdentity) {
	if existing != nil {
		return
	}
	demographic := extractionDemographics(extraction)
	if demographic == nil {
		return
	}
	demographic.PatientID = extraction.PatientID
	if err := s.identities.Upsert(ctx, *demographic); err != nil {
		logger.Log.WithError(err).Warn("failed to record patient identity")
	}
}

func extractionDemographics(extraction models.ExtractionResult) *models.PatientIdentity {
	for _, record := range extraction.Records {
		category := strings.ToLower(record.Category)
		if category != "patient" && category != "demographics" {
			continue
		}
		out := &models.PatientIdentity{}
		if given, ok := record.Fields["givenName"].Value.(string); ok {
			out.GivenName = strings.TrimSpace(given)
		}
		if family, ok := record.Fields["familyName"].Value.(string); ok {
			out.FamilyName = strings.TrimSpace(family)
		}
		if raw, ok := record.Fields["birthDate"].Value.(string); ok {
			if parsed, err := time.Parse("2006-01-02", strings.TrimSpace(raw)); err == nil {
				out.BirthDate = &parsed
			}
		}
		if out.GivenName == "" && out.FamilyName == "" && out.BirthDate == nil {
			return nil
		}
		return out
	}
	return nil
}

// Get returns the operation's current state, served from cache when fresh.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.MergeOperation, error) {
	if cached, ok := s.cache.Get(ctx, id); ok {
		return *cached, nil
	}
	op, err := s.ops.Get(ctx, id)
	if err != nil {
		return models.MergeOperation{}, err
	}
	s.cache.Set(ctx, op.MergeOperation)
	return op.MergeOperation, nil
}

// Result returns the terminal payload of a completed operation.
func (s *Service) Result(ctx context.Context, id uuid.UUID) (*models.MergeResult, error) {
	op, err := s.ops.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch op.Status {
	case models.OperationCompleted:
		return op.Result(), nil
	case models.OperationFailed:
		return nil, fmt.Errorf("%w: %s", ErrOperationFailed, op.ErrorMessage)
	case models.OperationCancelled:
		return nil, ErrOperationCancelled
	default:
		return nil, ErrOperationNotDone
	}
}

// Cancel aborts a queued operation. Once processing starts the merge runs to
// completion or failure; partial cancellation would leave the bundle in an
// inconsistent state.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (models.MergeOperation, error) {
	cancelled, err := s.ops.TransitionStatus(ctx, id, models.OperationQueued, models.OperationCancelled)
	if err != nil {
		return models.MergeOperation{}, err
	}
	op, getErr := s.ops.Get(ctx, id)
	if getErr != nil {
		return models.MergeOperation{}, getErr
	}
	if !cancelled {
		return op.MergeOperation, ErrCancelNotAllowed
	}
	s.cache.Set(ctx, op.MergeOperation)
	return op.MergeOperation, nil
}

// ResolveConflict applies a reviewer's chosen value for one conflict left in
// manual review, updates the bundle, and marks the conflict resolved on the
// operation.
func (s *Service) ResolveConflict(ctx context.Context, opID uuid.UUID, conflictID string, chosenValue interface{}, reviewer string) (*models.MergeResult, error) {
	op, err := s.ops.Get(ctx, opID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, c := range op.Conflicts {
		if c.ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrConflictNotFound
	}
	record := op.Conflicts[idx]

	version, err := s.orchestrator.ResolveManually(ctx, op.PatientID, record, chosenValue, reviewer)
	if err != nil {
		return nil, err
	}

	record.Resolved = true
	record.ChosenValue = chosenValue
	record.ResolvedBy = reviewer
	record.Rationale = "resolved by reviewer"
	op.Conflicts[idx] = record
	op.Counts.ConflictsResolved++
	op.BundleVersion = version

	if err := s.ops.Save(ctx, op); err != nil {
		return nil, err
	}
	s.cache.Set(ctx, op.MergeOperation)
	return op.Result(), nil
}

// TransitionReview moves the operation's review status through the state
// machine; invalid transitions are rejected.
func (s *Service) TransitionReview(ctx context.Context, opID uuid.UUID, newStatus, actor string) (models.MergeOperation, error) {
	op, err := s.ops.Get(ctx, opID)
	if err != nil {
		return models.MergeOperation{}, err
	}

	next, err := review.Transition(op.Review.ReviewStatus, newStatus)
	if err != nil {
		return models.MergeOperation{}, err
	}
	op.Review.ReviewStatus = next

	if err := s.ops.Save(ctx, op); err != nil {
		return models.MergeOperation{}, err
	}
	s.cache.Set(ctx, op.MergeOperation)

	s.sink.Publish(ctx, audit.EventReviewTransition, map[string]interface{}{
		"operation_id":  opID.String(),
		"patient_id":    op.PatientID,
		"document_id":   op.DocumentID,
		"review_status": next,
		"actor":         actor,
	})

	return op.MergeOperation, nil
}

// Rollback removes every resource a document contributed to its patient's
// bundle. A document that was never merged rolls back to 0, not an error.
func (s *Service) Rollback(ctx context.Context, documentID, reason, actor string) (int, error) {
	op, err := s.ops.GetByDocument(ctx, documentID)
	if errors.Is(err, ErrOperationNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed, err := s.orchestrator.RollbackDocument(ctx, op.PatientID, documentID, reason, actor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRollbackUnavailable, err)
	}

	metrics.IncRollback()
	s.sink.Publish(ctx, audit.EventRollback, map[string]interface{}{
		"patient_id":  op.PatientID,
		"document_id": documentID,
		"removed":     removed,
		"actor":       actor,
	})

	return removed, nil
}

// List returns recent operations, optionally filtered by patient.
func (s *Service) List(ctx context.Context, patientID string, limit int) ([]models.MergeOperation, error) {
	ops, err := s.ops.List(ctx, patientID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.MergeOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.MergeOperation)
	}
	return out, nil
}

// ReviewQueue returns flagged operations awaiting a human decision, oldest
// first.
func (s *Service) ReviewQueue(ctx context.Context, limit int) ([]models.MergeOperation, error) {
	ops, err := s.ops.ListByReviewStatus(ctx, models.ReviewFlagged, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.MergeOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.MergeOperation)
	}
	return out, nil
}

// Bundle and History expose the live view and the append-only change log.
func (s *Service) Bundle(ctx context.Context, patientID string) (*models.PatientBundle, error) {
	return s.orchestrator.Bundle(ctx, patientID)
}

func (s *Service) History(ctx context.Context, patientID string) ([]models.HistoryRecord, error) {
	return s.orchestrator.History(ctx, patientID)
}

package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/audit"
	"github.com/meridianos/chartmerge/pkg/bundle"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/meridianos/chartmerge/pkg/conflict"
	"github.com/meridianos/chartmerge/pkg/converter"
	"github.com/meridianos/chartmerge/pkg/identity"
	"github.com/meridianos/chartmerge/pkg/normalizer"
	"github.com/meridianos/chartmerge/pkg/review"
	"github.com/meridianos/chartmerge/pkg/terminology"
)

func newTestService() *Service {
	store := bundle.NewMemoryStore()
	orchestrator := NewOrchestrator(store, conflict.NewDetector(0.80, 14, conflict.DefaultSeverityRules()), conflict.NewResolver())
	return NewService(
		NewMemoryOperationStore(),
		orchestrator,
		converter.New(normalizer.New(terminology.DefaultCatalog())),
		review.NewGate(0.80, 3),
		identity.NewMemoryLookup(),
		audit.NewSink(nil),
		nil,
		2,
	)
}

func testExtraction(documentID string, confidence float64) models.ExtractionResult {
	return models.ExtractionResult{
		DocumentID:        documentID,
		PatientID:         "patient-1",
		OverallConfidence: confidence,
		ModelUsed:         models.ModelPrimary,
		Records: []models.ExtractedRecord{
			{
				Category: "diagnosis",
				Fields: map[string]models.ExtractedField{
					"description": {Value: "Hypertension", Confidence: confidence},
					"code":        {Value: "I10", Confidence: confidence},
				},
			},
			{
				Category: "medication",
				Fields: map[string]models.ExtractedField{
					"medication": {Value: "Metformin", Confidence: confidence},
					"dosage":     {Value: "500mg", Confidence: confidence},
				},
			},
			{
				Category: "observation",
				Fields: map[string]models.ExtractedField{
					"concept": {Value: "blood pressure", Confidence: confidence},
					"value":   {Value: 132.0, Confidence: confidence},
				},
			},
		},
	}
}

func waitTerminal(t *testing.T, s *Service, id uuid.UUID) models.MergeOperation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		switch op.Status {
		case models.OperationCompleted, models.OperationFailed, models.OperationCancelled:
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("operation never reached a terminal status")
	return models.MergeOperation{}
}

func TestSubmitCompletesAndAutoApproves(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	op, err := s.Submit(ctx, testExtraction("doc-1", 0.92))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != models.OperationQueued {
		t.Fatalf("Status = %s", op.Status)
	}

	done := waitTerminal(t, s, op.ID)
	if done.Status != models.OperationCompleted {
		t.Fatalf("Status = %s (%s)", done.Status, done.ErrorMessage)
	}
	if done.Counts.Added != 3 {
		t.Fatalf("Added = %d", done.Counts.Added)
	}
	if done.Review.ReviewStatus != models.ReviewAutoApproved {
		t.Fatalf("Review = %+v", done.Review)
	}

	result, err := s.Result(ctx, op.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.BundleVersion != 1 {
		t.Fatalf("BundleVersion = %d", result.BundleVersion)
	}

	b, err := s.Bundle(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if len(b.Entries) != 3 {
		t.Fatalf("entries = %d", len(b.Entries))
	}
}

func TestSubmitLowConfidenceFlagsButMerges(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	op, err := s.Submit(ctx, testExtraction("doc-1", 0.60))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitTerminal(t, s, op.ID)
	if done.Status != models.OperationCompleted {
		t.Fatalf("Status = %s", done.Status)
	}
	if done.Review.ReviewStatus != models.ReviewFlagged {
		t.Fatalf("Review = %+v", done.Review)
	}

	// Flagging gates the review, never the merge.
	b, _ := s.Bundle(ctx, "patient-1")
	if len(b.Entries) != 3 {
		t.Fatalf("entries = %d", len(b.Entries))
	}

	queue, err := s.ReviewQueue(ctx, 10)
	if err != nil {
		t.Fatalf("ReviewQueue: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != op.ID {
		t.Fatalf("queue = %+v", queue)
	}
}

func TestSubmitRejectsMissingIDs(t *testing.T) {
	s := newTestService()

	_, err := s.Submit(context.Background(), models.ExtractionResult{DocumentID: "doc-1"})
	if !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("err = %v", err)
	}

	_, err = s.Submit(context.Background(), models.ExtractionResult{PatientID: "patient-1"})
	if !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("err = %v", err)
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	op, err := s.Submit(ctx, testExtraction("doc-1", 0.92))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := s.Result(ctx, op.ID); err != nil && !errors.Is(err, ErrOperationNotDone) {
		t.Fatalf("err = %v", err)
	}
	waitTerminal(t, s, op.ID)
}

func TestCancelAfterStartIsRejected(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	op, err := s.Submit(ctx, testExtraction("doc-1", 0.92))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, s, op.ID)
	if done.Status != models.OperationCompleted {
		t.Fatalf("Status = %s", done.Status)
	}

	if _, err := s.Cancel(ctx, op.ID); !errors.Is(err, ErrCancelNotAllowed) {
		t.Fatalf("err = %v", err)
	}
}

func TestReviewTransitions(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	op, err := s.Submit(ctx, testExtraction("doc-1", 0.60))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, s, op.ID)
	if done.Review.ReviewStatus != models.ReviewFlagged {
		t.Fatalf("Review = %+v", done.Review)
	}

	updated, err := s.TransitionReview(ctx, op.ID, models.ReviewReviewed, "dr-reviewer")
	if err != nil {
		t.Fatalf("TransitionReview: %v", err)
	}
	if updated.Review.ReviewStatus != models.ReviewReviewed {
		t.Fatalf("ReviewStatus = %s", updated.Review.ReviewStatus)
	}

	if _, err := s.TransitionReview(ctx, op.ID, models.ReviewFlagged, "dr-reviewer"); !errors.Is(err, review.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveConflictThroughService(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	first, err := s.Submit(ctx, testExtraction("doc-1", 0.92))
	if err != nil {
		t.Fatalf("Submit doc-1: %v", err)
	}
	waitTerminal(t, s, first.ID)

	conflicting := testExtraction("doc-2", 0.92)
	conflicting.Records[1].Fields["dosage"] = models.ExtractedField{Value: "250mg", Confidence: 0.90}
	second, err := s.Submit(ctx, conflicting)
	if err != nil {
		t.Fatalf("Submit doc-2: %v", err)
	}
	waitTerminal(t, s, second.ID)

	result, err := s.Result(ctx, second.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	var dosageConflict *models.ConflictRecord
	for i := range result.Conflicts {
		if result.Conflicts[i].Category == models.ConflictDosage {
			dosageConflict = &result.Conflicts[i]
		}
	}
	if dosageConflict == nil {
		t.Fatalf("expected a dosage conflict, got %+v", result.Conflicts)
	}
	if dosageConflict.Strategy != models.StrategyManualReview {
		t.Fatalf("Strategy = %s", dosageConflict.Strategy)
	}

	resolved, err := s.ResolveConflict(ctx, second.ID, dosageConflict.ID, "500mg", "dr-reviewer")
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if resolved.Counts.ConflictsResolved != result.Counts.ConflictsResolved+1 {
		t.Fatalf("ConflictsResolved = %d", resolved.Counts.ConflictsResolved)
	}

	b, _ := s.Bundle(ctx, "patient-1")
	for _, e := range b.Entries {
		if e.ResourceType == models.ResourceMedicationStatement && e.Fields["dosage"] != "500mg" {
			t.Fatalf("dosage = %v", e.Fields["dosage"])
		}
	}
}

func TestRollbackThroughService(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	op, err := s.Submit(ctx, testExtraction("doc-1", 0.92))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, s, op.ID)

	removed, err := s.Rollback(ctx, "doc-1", "document misattributed", "ops")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d", removed)
	}

	b, _ := s.Bundle(ctx, "patient-1")
	if len(b.Entries) != 0 {
		t.Fatalf("entries = %d", len(b.Entries))
	}

	// Unknown documents roll back to zero, not an error.
	removed, err = s.Rollback(ctx, "doc-never-merged", "", "ops")
	if err != nil || removed != 0 {
		t.Fatalf("removed = %d, err = %v", removed, err)
	}
}

func TestListOperations(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	first, _ := s.Submit(ctx, testExtraction("doc-1", 0.92))
	waitTerminal(t, s, first.ID)
	second, _ := s.Submit(ctx, testExtraction("doc-2", 0.92))
	waitTerminal(t, s, second.ID)

	ops, err := s.List(ctx, "patient-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ops = %d", len(ops))
	}

	ops, err = s.List(ctx, "someone-else", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("ops = %d", len(ops))
	}
}

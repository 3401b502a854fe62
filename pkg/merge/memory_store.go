package merge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/common/models"
)

// MemoryOperationStore keeps operations in process memory with the same
// compare-and-swap semantics as the gorm store.
type MemoryOperationStore struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*StoredOperation
}

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{ops: make(map[uuid.UUID]*StoredOperation)}
}

func (s *MemoryOperationStore) Create(ctx context.Context, op *StoredOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *op
	s.ops[op.ID] = &copied
	return nil
}

func (s *MemoryOperationStore) Get(ctx context.Context, id uuid.UUID) (*StoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	copied := *op
	return &copied, nil
}

func (s *MemoryOperationStore) GetByDocument(ctx context.Context, documentID string) (*StoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *StoredOperation
	for _, op := range s.ops {
		if op.DocumentID != documentID {
			continue
		}
		if latest == nil || op.CreatedAt.After(latest.CreatedAt) {
			latest = op
		}
	}
	if latest == nil {
		return nil, ErrOperationNotFound
	}
	copied := *latest
	return &copied, nil
}

func (s *MemoryOperationStore) List(ctx context.Context, patientID string, limit int) ([]StoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []StoredOperation
	for _, op := range s.ops {
		if patientID != "" && op.PatientID != patientID {
			continue
		}
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOperationStore) ListByReviewStatus(ctx context.Context, reviewStatus string, limit int) ([]StoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []StoredOperation
	for _, op := range s.ops {
		if op.Review.ReviewStatus != reviewStatus {
			continue
		}
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOperationStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return false, ErrOperationNotFound
	}
	if op.Status != from {
		return false, nil
	}
	op.Status = to
	now := time.Now().UTC()
	switch to {
	case models.OperationProcessing:
		op.StartedAt = &now
	case models.OperationCompleted, models.OperationFailed, models.OperationCancelled:
		op.CompletedAt = &now
	}
	return true, nil
}

func (s *MemoryOperationStore) Save(ctx context.Context, op *StoredOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return ErrOperationNotFound
	}
	copied := *op
	s.ops[op.ID] = &copied
	return nil
}

package bundle

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/meridianos/chartmerge/pkg/common/models"
)

// MemoryStore holds bundles in process memory with the same optimistic
// version semantics as the gorm store. Used by tests and by deployments that
// run the engine without persistence.
type MemoryStore struct {
	mu      sync.Mutex
	bundles map[string]*models.PatientBundle
	history map[string][]models.HistoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles: make(map[string]*models.PatientBundle),
		history: make(map[string][]models.HistoryRecord),
	}
}

func (s *MemoryStore) Load(ctx context.Context, patientID string) (*models.PatientBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.bundles[patientID]
	if !ok {
		return EmptyBundle(patientID), nil
	}
	return cloneBundle(stored), nil
}

func (s *MemoryStore) Persist(ctx context.Context, bundle *models.PatientBundle, expectedVersion int64, history []models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	if stored, ok := s.bundles[bundle.PatientID]; ok {
		current = stored.VersionID
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	s.bundles[bundle.PatientID] = cloneBundle(bundle)
	s.history[bundle.PatientID] = append(s.history[bundle.PatientID], history...)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, patientID string) ([]models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.history[patientID]
	out := make([]models.HistoryRecord, len(records))
	copy(out, records)
	return out, nil
}

// cloneBundle deep-copies through JSON so callers can never alias the stored
// entry maps.
func cloneBundle(bundle *models.PatientBundle) *models.PatientBundle {
	data, err := json.Marshal(bundle)
	if err != nil {
		copied := *bundle
		return &copied
	}
	var out models.PatientBundle
	if err := json.Unmarshal(data, &out); err != nil {
		copied := *bundle
		return &copied
	}
	return &out
}

package bundle

import (
	"context"
	"errors"

	"github.com/meridianos/chartmerge/pkg/common/models"
)

var (
	// ErrVersionConflict means the bundle changed between load and persist.
	// The caller retries the whole load-modify-persist sequence.
	ErrVersionConflict = errors.New("bundle version conflict")
)

// Store is the patient bundle document store. Load returns an empty bundle at
// version 0 for unknown patients. Persist writes the bundle and its history
// records in one atomic step, guarded by an optimistic version check:
// expectedVersion must equal the currently stored version (0 for a new
// patient) or ErrVersionConflict is returned and nothing is written.
type Store interface {
	Load(ctx context.Context, patientID string) (*models.PatientBundle, error)
	Persist(ctx context.Context, bundle *models.PatientBundle, expectedVersion int64, history []models.HistoryRecord) error
	History(ctx context.Context, patientID string) ([]models.HistoryRecord, error)
}

// EmptyBundle is the starting state for a patient with no merged documents.
func EmptyBundle(patientID string) *models.PatientBundle {
	return &models.PatientBundle{
		PatientID: patientID,
		Entries:   []models.ResourceEntry{},
		VersionID: 0,
	}
}

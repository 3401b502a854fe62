package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrOperationNotFound = errors.New("merge operation not found")

// StoredOperation is a merge operation together with its result payload.
// Conflicts are persisted with the operation so losing values stay
// retrievable after the live bundle view has moved on.
type StoredOperation struct {
	models.MergeOperation
	Conflicts     []models.ConflictRecord
	Warnings      []string
	BundleVersion int64
}

// Result materializes the terminal payload for a stored operation.
func (s *StoredOperation) Result() *models.MergeResult {
	return &models.MergeResult{
		OperationID:   s.ID,
		PatientID:     s.PatientID,
		DocumentID:    s.DocumentID,
		Counts:        s.Counts,
		Conflicts:     s.Conflicts,
		Warnings:      s.Warnings,
		BundleVersion: s.BundleVersion,
		Review:        s.Review,
	}
}

// OperationStore persists merge operations. TransitionStatus is a
// compare-and-swap: it succeeds only when the operation is still in the
// expected state, which is what makes cancel racing a starting worker safe.
type OperationStore interface {
	Create(ctx context.Context, op *StoredOperation) error
	Get(ctx context.Context, id uuid.UUID) (*StoredOperation, error)
	GetByDocument(ctx context.Context, documentID string) (*StoredOperation, error)
	List(ctx context.Context, patientID string, limit int) ([]StoredOperation, error)
	ListByReviewStatus(ctx context.Context, reviewStatus string, limit int) ([]StoredOperation, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	Save(ctx context.Context, op *StoredOperation) error
}

type OperationModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	PatientID         string    `gorm:"index"`
	DocumentID        string    `gorm:"index"`
	Status            string    `gorm:"index"`
	Added             int
	Updated           int
	Skipped           int
	ConflictsDetected int
	ConflictsResolved int
	AutoApproved      bool
	FlagReason        string
	ReviewStatus      string `gorm:"index"`
	Conflicts         datatypes.JSON
	Warnings          datatypes.JSON
	BundleVersion     int64
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

func (OperationModel) TableName() string {
	return "merge_operations"
}

type GormOperationStore struct {
	db *gorm.DB
}

func NewGormOperationStore(db *gorm.DB) *GormOperationStore {
	return &GormOperationStore{db: db}
}

func (r *GormOperationStore) AutoMigrate() error {
	return r.db.AutoMigrate(&OperationModel{})
}

func (r *GormOperationStore) Create(ctx context.Context, op *StoredOperation) error {
	row, err := toModel(op)
	if err != nil {
		return err
	}
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormOperationStore) Get(ctx context.Context, id uuid.UUID) (*StoredOperation, error) {
	var row OperationModel
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&row)
}

func (r *GormOperationStore) GetByDocument(ctx context.Context, documentID string) (*StoredOperation, error) {
	var row OperationModel
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&row)
}

func (r *GormOperationStore) List(ctx context.Context, patientID string, limit int) ([]StoredOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if patientID != "" {
		query = query.Where("patient_id = ?", patientID)
	}
	var rows []OperationModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromModels(rows)
}

func (r *GormOperationStore) ListByReviewStatus(ctx context.Context, reviewStatus string, limit int) ([]StoredOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []OperationModel
	err := r.db.WithContext(ctx).
		Where("review_status = ?", reviewStatus).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromModels(rows)
}

func (r *GormOperationStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	switch to {
	case models.OperationProcessing:
		updates["started_at"] = time.Now().UTC()
	case models.OperationCompleted, models.OperationFailed, models.OperationCancelled:
		updates["completed_at"] = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).Model(&OperationModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormOperationStore) Save(ctx context.Context, op *StoredOperation) error {
	row, err := toModel(op)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC()
	// Select("*") so zero-valued columns (cleared flags, empty reasons) are
	// written too; gorm skips them by default on struct updates.
	result := r.db.WithContext(ctx).Model(&OperationModel{}).Select("*").Where("id = ?", op.ID).Updates(row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func toModel(op *StoredOperation) (*OperationModel, error) {
	conflicts, err := json.Marshal(op.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("encoding conflicts: %w", err)
	}
	warnings, err := json.Marshal(op.Warnings)
	if err != nil {
		return nil, fmt.Errorf("encoding warnings: %w", err)
	}
	return &OperationModel{
		ID:                op.ID,
		PatientID:         op.PatientID,
		DocumentID:        op.DocumentID,
		Status:            op.Status,
		Added:             op.Counts.Added,
		Updated:           op.Counts.Updated,
		Skipped:           op.Counts.Skipped,
		ConflictsDetected: op.Counts.ConflictsDetected,
		ConflictsResolved: op.Counts.ConflictsResolved,
		AutoApproved:      op.Review.AutoApproved,
		FlagReason:        op.Review.FlagReason,
		ReviewStatus:      op.Review.ReviewStatus,
		Conflicts:         conflicts,
		Warnings:          warnings,
		BundleVersion:     op.BundleVersion,
		ErrorMessage:      op.ErrorMessage,
		CreatedAt:         op.CreatedAt,
		StartedAt:         op.StartedAt,
		CompletedAt:       op.CompletedAt,
	}, nil
}

func fromModel(row *OperationModel) (*StoredOperation, error) {
	op := &StoredOperation{
		MergeOperation: models.MergeOperation{
			ID:         row.ID,
			PatientID:  row.PatientID,
			DocumentID: row.DocumentID,
			Status:     row.Status,
			Counts: models.MergeCounts{
				Added:             row.Added,
				Updated:           row.Updated,
				Skipped:           row.Skipped,
				ConflictsDetected: row.ConflictsDetected,
				ConflictsResolved: row.ConflictsResolved,
			},
			Review: models.ReviewDecision{
				AutoApproved: row.AutoApproved,
				FlagReason:   row.FlagReason,
				ReviewStatus: row.ReviewStatus,
			},
			ErrorMessage: row.ErrorMessage,
			CreatedAt:    row.CreatedAt,
			StartedAt:    row.StartedAt,
			CompletedAt:  row.CompletedAt,
		},
		BundleVersion: row.BundleVersion,
	}
	if len(row.Conflicts) > 0 {
		if err := json.Unmarshal(row.Conflicts, &op.Conflicts); err != nil {
			return nil, fmt.Errorf("decoding conflicts: %w", err)
		}
	}
	if len(row.Warnings) > 0 {
		if err := json.Unmarshal(row.Warnings, &op.Warnings); err != nil {
			return nil, fmt.Errorf("decoding warnings: %w", err)
		}
	}
	return op, nil
}

func fromModels(rows []OperationModel) ([]StoredOperation, error) {
	out := make([]StoredOperation, 0, len(rows))
	for i := range rows {
		op, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, nil
}

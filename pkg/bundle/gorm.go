package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianos/chartmerge/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BundleModel struct {
	PatientID   string         `gorm:"primaryKey;column:patient_id"`
	VersionID   int64          `gorm:"column:version_id"`
	Entries     datatypes.JSON `gorm:"column:entries"`
	LastUpdated time.Time      `gorm:"column:last_updated"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (BundleModel) TableName() string {
	return "patient_bundles"
}

type HistoryModel struct {
	ID              string            `gorm:"primaryKey;column:id"`
	PatientID       string            `gorm:"column:patient_id;index"`
	ResourceID      string            `gorm:"column:resource_id;index"`
	ResourceType    string            `gorm:"column:resource_type"`
	ResourceVersion int               `gorm:"column:resource_version"`
	BundleVersion   int64             `gorm:"column:bundle_version"`
	Action          string            `gorm:"column:action"`
	PriorFields     datatypes.JSONMap `gorm:"column:prior_fields"`
	Source          string            `gorm:"column:source;index"`
	Reason          string            `gorm:"column:reason"`
	Actor           string            `gorm:"column:actor"`
	CreatedAt       time.Time         `gorm:"column:created_at"`
}

func (HistoryModel) TableName() string {
	return "bundle_history"
}

// GormStore persists bundles as single JSON documents with an optimistic
// version column, and history as append-only rows in the same transaction.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&BundleModel{}, &HistoryModel{})
}

func (s *GormStore) Load(ctx context.Context, patientID string) (*models.PatientBundle, error) {
	var row BundleModel
	err := s.db.WithContext(ctx).Where("patient_id = ?", patientID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EmptyBundle(patientID), nil
	}
	if err != nil {
		return nil, err
	}

	var entries []models.ResourceEntry
	if len(row.Entries) > 0 {
		if err := json.Unmarshal(row.Entries, &entries); err != nil {
			return nil, fmt.Errorf("decoding bundle entries: %w", err)
		}
	}

	return &models.PatientBundle{
		PatientID:   row.PatientID,
		Entries:     entries,
		VersionID:   row.VersionID,
		LastUpdated: row.LastUpdated,
	}, nil
}

func (s *GormStore) Persist(ctx context.Context, bundle *models.PatientBundle, expectedVersion int64, history []models.HistoryRecord) error {
	entries, err := json.Marshal(bundle.Entries)
	if err != nil {
		return fmt.Errorf("encoding bundle entries: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expectedVersion == 0 {
			row := BundleModel{
				PatientID:   bundle.PatientID,
				VersionID:   bundle.VersionID,
				Entries:     entries,
				LastUpdated: bundle.LastUpdated,
				CreatedAt:   time.Now().UTC(),
				UpdatedAt:   time.Now().UTC(),
			}
			if err := tx.Create(&row).Error; err != nil {
				// A concurrent writer created the row first.
				return ErrVersionConflict
			}
		} else {
			result := tx.Model(&BundleModel{}).
				Where("patient_id = ? AND version_id = ?", bundle.PatientID, expectedVersion).
				Updates(map[string]interface{}{
					"version_id":   bundle.VersionID,
					"entries":      entries,
					"last_updated": bundle.LastUpdated,
					"updated_at":   time.Now().UTC(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrVersionConflict
			}
		}

		for _, record := range history {
			row := HistoryModel{
				ID:              record.ID,
				PatientID:       record.PatientID,
				ResourceID:      record.ResourceID,
				ResourceType:    record.ResourceType,
				ResourceVersion: record.ResourceVersion,
				BundleVersion:   record.BundleVersion,
				Action:          record.Action,
				PriorFields:     datatypes.JSONMap(record.PriorFields),
				Source:          record.Source,
				Reason:          record.Reason,
				Actor:           record.Actor,
				CreatedAt:       record.CreatedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *GormStore) History(ctx context.Context, patientID string) ([]models.HistoryRecord, error) {
	var rows []HistoryModel
	if err := s.db.WithContext(ctx).Where("patient_id = ?", patientID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]models.HistoryRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.HistoryRecord{
			ID:              row.ID,
			PatientID:       row.PatientID,
			ResourceID:      row.ResourceID,
			ResourceType:    row.ResourceType,
			ResourceVersion: row.ResourceVersion,
			BundleVersion:   row.BundleVersion,
			Action:          row.Action,
			PriorFields:     map[string]interface{}(row.PriorFields),
			Source:          row.Source,
			Reason:          row.Reason,
			Actor:           row.Actor,
			CreatedAt:       row.CreatedAt,
		})
	}
	return records, nil
}

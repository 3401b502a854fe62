package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/meridianos/chartmerge/pkg/common/models"
	"gorm.io/gorm"
)

var ErrIdentityNotFound = errors.New("patient identity not found")

// Lookup is what the quality gate and merge service need from the identity
// registry; the gorm repository and the in-memory test double both satisfy it.
type Lookup interface {
	Get(ctx context.Context, patientID string) (*models.PatientIdentity, error)
	Upsert(ctx context.Context, identity models.PatientIdentity) error
}

type IdentityModel struct {
	PatientID  string `gorm:"primaryKey;column:patient_id"`
	GivenName  string `gorm:"column:given_name"`
	FamilyName string `gorm:"column:family_name"`
	BirthDate  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (IdentityModel) TableName() string {
	return "patient_identities"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&IdentityModel{})
}

func (r *Repository) Get(ctx context.Context, patientID string) (*models.PatientIdentity, error) {
	var row IdentityModel
	err := r.db.WithContext(ctx).Where("patient_id = ?", patientID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.PatientIdentity{
		PatientID:  row.PatientID,
		GivenName:  row.GivenName,
		FamilyName: row.FamilyName,
		BirthDate:  row.BirthDate,
	}, nil
}

func (r *Repository) Upsert(ctx context.Context, identity models.PatientIdentity) error {
	row := IdentityModel{
		PatientID:  strings.TrimSpace(identity.PatientID),
		GivenName:  identity.GivenName,
		FamilyName: identity.FamilyName,
		BirthDate:  identity.BirthDate,
		UpdatedAt:  time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Save(&row).Error
}

// MemoryLookup is the in-memory identity registry used in tests and when the
// engine runs without a database.
type MemoryLookup struct {
	mu         sync.RWMutex
	identities map[string]models.PatientIdentity
}

func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{identities: make(map[string]models.PatientIdentity)}
}

func (m *MemoryLookup) Get(ctx context.Context, patientID string) (*models.PatientIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[patientID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	copy := identity
	return &copy, nil
}

func (m *MemoryLookup) Upsert(ctx context.Context, identity models.PatientIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.PatientID] = identity
	return nil
}

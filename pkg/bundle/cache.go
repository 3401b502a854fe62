package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianos/chartmerge/pkg/common/logger"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// CachedStore is a read-through cache in front of another Store. Cache
// problems are logged and degrade to the inner store; they never fail a merge.
type CachedStore struct {
	inner Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, redis: client, ttl: ttl}
}

func bundleKey(patientID string) string {
	return fmt.Sprintf("bundle:%s", patientID)
}

func (s *CachedStore) Load(ctx context.Context, patientID string) (*models.PatientBundle, error) {
	if data, err := s.redis.Get(ctx, bundleKey(patientID)).Bytes(); err == nil {
		var cached models.PatientBundle
		if err := json.Unmarshal(data, &cached); err == nil {
			return &cached, nil
		}
		logger.Log.WithField("patient_id", patientID).Warn("dropping undecodable cached bundle")
		s.redis.Del(ctx, bundleKey(patientID))
	}

	bundle, err := s.inner.Load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	s.populate(ctx, bundle)
	return bundle, nil
}

func (s *CachedStore) Persist(ctx context.Context, bundle *models.PatientBundle, expectedVersion int64, history []models.HistoryRecord) error {
	if err := s.inner.Persist(ctx, bundle, expectedVersion, history); err != nil {
		// The write may or may not have landed; a stale cache entry here
		// would serve old versions to the retry, so drop it.
		s.redis.Del(ctx, bundleKey(bundle.PatientID))
		return err
	}
	s.populate(ctx, bundle)
	return nil
}

func (s *CachedStore) History(ctx context.Context, patientID string) ([]models.HistoryRecord, error) {
	return s.inner.History(ctx, patientID)
}

func (s *CachedStore) populate(ctx context.Context, bundle *models.PatientBundle) {
	data, err := json.Marshal(bundle)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, bundleKey(bundle.PatientID), data, s.ttl).Err(); err != nil {
		logger.Log.WithError(err).WithField("patient_id", bundle.PatientID).Warn("failed to cache bundle")
	}
}

package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridianos/chartmerge/pkg/common/logger"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// StatusCache keeps recent operation states in redis so status polling by the
// upstream pipeline does not hit the database. A nil cache is a no-op.
type StatusCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{redis: client, ttl: ttl}
}

func operationKey(id uuid.UUID) string {
	return fmt.Sprintf("mergeop:%s", id)
}

func (c *StatusCache) Get(ctx context.Context, id uuid.UUID) (*models.MergeOperation, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, operationKey(id)).Bytes()
	if err != nil {
		return nil, false
	}
	var op models.MergeOperation
	if err := json.Unmarshal(data, &op); err != nil {
		c.redis.Del(ctx, operationKey(id))
		return nil, false
	}
	return &op, true
}

func (c *StatusCache) Set(ctx context.Context, op models.MergeOperation) {
	if c == nil || c.redis == nil {
		return
	}
	data, err := json.Marshal(op)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, operationKey(op.ID), data, c.ttl).Err(); err != nil {
		logger.Log.WithError(err).Debug("failed to cache operation status")
	}
}

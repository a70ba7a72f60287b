package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/serial"
	"github.com/mmdatafocus/imei_backend/utils"
	"github.com/sirupsen/logrus"
)

const statusCacheBatch = 500

// RedisStatusCache keeps ledger answers in Redis. Runs invalidate the
// identifiers they persist; the TTL bounds staleness for everything else.
type RedisStatusCache struct {
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisStatusCache(ttl time.Duration) *RedisStatusCache {
	return &RedisStatusCache{ttl: ttl, logger: config.GetLogger()}
}

func statusCacheKey(identifier string) string {
	return "imei:status:" + serial.Normalize(identifier)
}

func (c *RedisStatusCache) Get(ctx context.Context, identifier string) (*ValidationStatus, bool) {
	var st ValidationStatus
	found, err := config.GetRedisObject(ctx, statusCacheKey(identifier), &st)
	if err != nil {
		config.LogError(c.logger, "workflow", "RedisStatusCache.Get", "read cached status", identifier, err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &st, true
}

func (c *RedisStatusCache) Set(ctx context.Context, st ValidationStatus) {
	if err := config.SetRedisObject(ctx, statusCacheKey(st.Identifier), st, c.ttl); err != nil {
		config.LogError(c.logger, "workflow", "RedisStatusCache.Set", "cache status", st.Identifier, err)
	}
}

func (c *RedisStatusCache) Invalidate(ctx context.Context, identifiers ...string) {
	keys := make([]string, 0, len(identifiers))
	for _, ident := range identifiers {
		keys = append(keys, statusCacheKey(ident))
	}
	for _, chunk := range chunkStrings(keys, statusCacheBatch) {
		if err := config.RemoveRedisKey(ctx, chunk...); err != nil {
			runId, _ := utils.GetRunIdFromContext(ctx)
			config.LogError(c.logger, "workflow", "RedisStatusCache.Invalidate", "drop cached statuses", map[string]interface{}{"run_id": runId, "keys": len(chunk)}, err)
		}
	}
}

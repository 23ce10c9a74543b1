package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iago/crm-automation/internal/domain"
)

const redisKeyPrefix = "automation:rules:"

// setIfCurrent writes the data key only while the version counter still
// holds the version the caller read.
var setIfCurrent = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisRuleCache shares rule lists between processes. Each namespace has a
// version counter; data keys embed the version and expire on their own.
type RedisRuleCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRuleCache(client *redis.Client, ttl time.Duration) *RedisRuleCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisRuleCache{client: client, ttl: ttl}
}

func (c *RedisRuleCache) Get(ctx context.Context, ruleDomain domain.RuleDomain, companyID int64) (Lookup, error) {
	version, err := c.client.Get(ctx, versionKey(ruleDomain, companyID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lookup{}, errors.Wrap(err, "get rule cache version")
	}

	payload, err := c.client.Get(ctx, dataKey(ruleDomain, companyID, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Lookup{Version: version}, nil
		}
		return Lookup{}, errors.Wrap(err, "get cached rules")
	}
	return Lookup{Payload: payload, Found: true, Version: version}, nil
}

func (c *RedisRuleCache) Set(
	ctx context.Context,
	ruleDomain domain.RuleDomain,
	companyID int64,
	version int64,
	payload []byte,
) error {
	err := setIfCurrent.Run(ctx, c.client,
		[]string{versionKey(ruleDomain, companyID), dataKey(ruleDomain, companyID, version)},
		version, payload, c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return errors.Wrap(err, "set cached rules")
	}
	return nil
}

func (c *RedisRuleCache) Invalidate(ctx context.Context, ruleDomain domain.RuleDomain, companyID int64) error {
	if err := c.client.Incr(ctx, versionKey(ruleDomain, companyID)).Err(); err != nil {
		return errors.Wrap(err, "bump rule cache version")
	}
	return nil
}

func dataKey(ruleDomain domain.RuleDomain, companyID, version int64) string {
	return redisKeyPrefix + versionedKey(namespace(ruleDomain, companyID), version)
}

func versionKey(ruleDomain domain.RuleDomain, companyID int64) string {
	return redisKeyPrefix + "version:" + namespace(ruleDomain, companyID)
}

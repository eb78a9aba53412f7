package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQuota caps how many annotations an owner may push per UTC day.
type RedisQuota struct {
	rdb   redis.UniversalClient
	limit int
	now   func() time.Time
}

func NewRedisQuota(rdb redis.UniversalClient, dailyLimit int) *RedisQuota {
	return &RedisQuota{rdb: rdb, limit: dailyLimit, now: time.Now}
}

// takes n from the day's allowance only if all n fit
var reserveScript = redis.NewScript(`
-- KEYS[1] = quotaKey(ownerID, day)
-- ARGV[1] = n, ARGV[2] = limit, ARGV[3] = ttl seconds
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if used + n > tonumber(ARGV[2]) then
	return 0
end
redis.call("INCRBY", KEYS[1], n)
if used == 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// AllowPush reserves items from ownerID's allowance. A denied push takes
// nothing. Reserved items are not given back if the push later fails.
func (q *RedisQuota) AllowPush(ctx context.Context, ownerID string, items int) (bool, error) {
	if q.limit <= 0 || items <= 0 {
		return true, nil
	}
	day := q.now().UTC().Format("20060102")
	ok, err := reserveScript.Run(ctx, q.rdb, []string{quotaKey(ownerID, day)},
		items, q.limit, int64((48 * time.Hour).Seconds())).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

// Used reports how much of today's allowance ownerID has taken.
func (q *RedisQuota) Used(ctx context.Context, ownerID string) (int, error) {
	day := q.now().UTC().Format("20060102")
	n, err := q.rdb.Get(ctx, quotaKey(ownerID, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

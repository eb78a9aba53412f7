package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, docID, ownerID, username string, ttl time.Duration) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	OwnerID  string `json:"ownerId"`
	Username string `json:"username"`
}

// redisPresence keeps a logical TTL per member in a sorted set.
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember also refreshes an existing member's TTL.
func (p *redisPresence) AddMember(ctx context.Context, docID, ownerID, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: ownerID})
	tx.HSet(ctx, namesKey(docID), ownerID, username)
	_, err := tx.Exec(ctx)
	return err
}

// drops members whose expireAt <= now from both keys
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = namesKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	_, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{OwnerID: id, Username: name})
	}
	return members, nil
}

// NopPresence is used when no redis address is configured.
type NopPresence struct{}

func (NopPresence) AddMember(context.Context, string, string, string, time.Duration) error {
	return nil
}

func (NopPresence) GetAliveMembersWithNames(context.Context, string) ([]PresenceMember, error) {
	return nil, nil
}

package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Each set is a hash of member to total count across instances. Every
// instance also keeps its own share in a held hash so that the share of an
// instance that stops heartbeating can be subtracted by the survivors.
var (
	acquireScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
redis.call('SADD', KEYS[3], KEYS[1])
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

	releaseScript = redis.NewScript(`
local held = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if held <= 0 then
	return tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
end
if held == 1 then
	redis.call('HDEL', KEYS[2], ARGV[1])
else
	redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
end
local count = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if count <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 0
end
return count
`)

	reapScript = redis.NewScript(`
local held = redis.call('HGETALL', KEYS[2])
local gone = {}
for i = 1, #held, 2 do
	local count = redis.call('HINCRBY', KEYS[1], held[i], -tonumber(held[i + 1]))
	if count <= 0 then
		redis.call('HDEL', KEYS[1], held[i])
		table.insert(gone, held[i])
	end
end
redis.call('DEL', KEYS[2])
return gone
`)
)

// Acquire adds one reference for member in set and returns the new total.
func (r *RedisClient) Acquire(ctx context.Context, set, member string) (int64, error) {
	keys := []string{set, heldKey(set, r.instance), heldSetsKey(r.instance)}
	return acquireScript.Run(ctx, r.client, keys, member).Int64()
}

// Release drops one reference held by this instance. The field is removed
// once the total reaches zero so HGETALL only ever returns live members.
func (r *RedisClient) Release(ctx context.Context, set, member string) (int64, error) {
	keys := []string{set, heldKey(set, r.instance)}
	return releaseScript.Run(ctx, r.client, keys, member).Int64()
}

// Heartbeat marks this instance alive for ttl.
func (r *RedisClient) Heartbeat(ctx context.Context, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, aliveKey(r.instance), "1", ttl)
		pipe.SAdd(ctx, instancesKey, r.instance)
		return nil
	})
	return err
}

// ReapDead releases every reference held by instances whose heartbeat has
// expired and returns, per set, the members whose total dropped to zero.
// Concurrent reapers are safe: each held hash is drained exactly once.
func (r *RedisClient) ReapDead(ctx context.Context) (map[string][]string, error) {
	instances, err := r.client.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	released := make(map[string][]string)
	for _, instance := range instances {
		if instance == r.instance {
			continue
		}
		alive, err := r.client.Exists(ctx, aliveKey(instance)).Result()
		if err != nil {
			return released, err
		}
		if alive > 0 {
			continue
		}

		sets, err := r.client.SMembers(ctx, heldSetsKey(instance)).Result()
		if err != nil {
			return released, err
		}
		for _, set := range sets {
			raw, err := reapScript.Run(ctx, r.client, []string{set, heldKey(set, instance)}).Result()
			if err != nil {
				return released, fmt.Errorf("reap %s of %s: %w", set, instance, err)
			}
			items, _ := raw.([]interface{})
			for _, item := range items {
				if member, ok := item.(string); ok {
					released[set] = append(released[set], member)
				}
			}
		}

		if err := r.client.Del(ctx, heldSetsKey(instance)).Err(); err != nil {
			return released, err
		}
		if err := r.client.SRem(ctx, instancesKey, instance).Err(); err != nil {
			return released, err
		}
	}
	return released, nil
}

func (r *RedisClient) Members(ctx context.Context, set string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, set).Result()
	if err != nil {
		return nil, err
	}

	members := make(map[string]int64, len(raw))
	for member, value := range raw {
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil || count <= 0 {
			continue
		}
		members[member] = count
	}
	return members, nil
}

func (r *RedisClient) Count(ctx context.Context, set, member string) (int64, error) {
	count, err := r.client.HGet(ctx, set, member).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

func (r *RedisClient) SetLabel(ctx context.Context, member, label string) error {
	return r.client.HSet(ctx, namesKey, member, label).Err()
}

func (r *RedisClient) Labels(ctx context.Context, members []string) (map[string]string, error) {
	labels := make(map[string]string, len(members))
	if len(members) == 0 {
		return labels, nil
	}

	values, err := r.client.HMGet(ctx, namesKey, members...).Result()
	if err != nil {
		return nil, err
	}
	for i, value := range values {
		if name, ok := value.(string); ok {
			labels[members[i]] = name
		}
	}
	return labels, nil
}

func (r *RedisClient) SetTyping(ctx context.Context, chatID int64, member string, ttl time.Duration) error {
	return r.client.Set(ctx, fmt.Sprintf(typingFmt, chatID, member), "1", ttl).Err()
}

func (r *RedisClient) ClearTyping(ctx context.Context, chatID int64, member string) error {
	return r.client.Del(ctx, fmt.Sprintf(typingFmt, chatID, member)).Err()
}

func (r *RedisClient) TypingMembers(ctx context.Context, chatID int64) ([]string, error) {
	prefix := fmt.Sprintf("chat:%d:typing:", chatID)

	var (
		members []string
		cursor  uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if len(key) > len(prefix) {
				members = append(members, key[len(prefix):])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return members, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

package deferral

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the sorted set holding deferred entries.
const DefaultRedisKey = "courier:deferred"

// popDue removes and returns due members in one step so two pumps never
// release the same entry.
var popDue = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #members > 0 then
	redis.call('ZREM', KEYS[1], unpack(members))
end
return members
`)

// RedisStore keeps deferred entries in a Redis sorted set scored by due time
// in unix milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to the Redis server described by a redis:// URL.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, DefaultRedisKey), nil
}

func NewRedisStoreWithClient(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}

	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Defer(ctx context.Context, entry Entry, at time.Time) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(member),
	}).Err()
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultPumpBatch
	}

	members, err := popDue.Run(ctx, s.client, []string{s.key},
		strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("pop due entries: %w", err)
	}

	out := make([]Entry, 0, len(members))

	for _, m := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			return out, fmt.Errorf("decode deferred entry %q: %w", m, err)
		}

		out = append(out, entry)
	}

	return out, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()

	return int(n), err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

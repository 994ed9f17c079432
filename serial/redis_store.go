package serial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the keys of a RedisStore.
const DefaultRedisPrefix = "remotedb"

// incrementScript bumps a counter only if it was registered.
var incrementScript = redis.NewScript(`
	if redis.call("hexists", KEYS[1], ARGV[1]) == 1 then
		return redis.call("hincrby", KEYS[1], ARGV[1], 1)
	else
		return -1
	end
`)

// allocateScript maps a name to an id, taking the next value of the id
// sequence the first time the name is seen.
var allocateScript = redis.NewScript(`
	local id = redis.call("hget", KEYS[1], ARGV[1])
	if id then
		return tonumber(id)
	end
	if tonumber(redis.call("get", KEYS[3]) or "0") >= tonumber(ARGV[2]) then
		return -1
	end
	id = redis.call("incr", KEYS[3])
	redis.call("hset", KEYS[1], ARGV[1], id)
	redis.call("hset", KEYS[2], id, ARGV[1])
	return id
`)

// RedisStore keeps the counters in a Redis hash, so several server
// processes share them.
type RedisStore struct {
	client  *redis.Client
	serials string
	names   string
	ids     string
	lastID  string
}

// NewRedisStore returns a store using client. An empty prefix selects
// DefaultRedisPrefix.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := serial.NewRedisStore(client, "")
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		serials: prefix + ":serials",
		names:   prefix + ":tables",
		ids:     prefix + ":ids",
		lastID:  prefix + ":lastid",
	}
}

func field(id int32) string { return strconv.FormatInt(int64(id), 10) }

// Allocate returns the id of name, assigning the next one on first use.
func (s *RedisStore) Allocate(ctx context.Context, name string) (Table, error) {
	keys := []string{s.ids, s.names, s.lastID}
	id, err := allocateScript.Run(ctx, s.client, keys, name, math.MaxInt32).Int64()
	if err != nil {
		return Table{}, fmt.Errorf("serial: redis allocate: %w", err)
	}
	if id < 0 {
		return Table{}, ErrIDsExhausted
	}
	return Table{ID: int32(id), Name: name}, nil
}

// Table returns the table allocated with id.
func (s *RedisStore) Table(ctx context.Context, id int32) (Table, bool, error) {
	name, err := s.client.HGet(ctx, s.names, field(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Table{}, false, nil
	}
	if err != nil {
		return Table{}, false, fmt.Errorf("serial: redis hget: %w", err)
	}
	return Table{ID: id, Name: name}, true, nil
}

// Serial returns the counter for id, or Unknown.
func (s *RedisStore) Serial(ctx context.Context, id int32) (int64, error) {
	v, err := s.client.HGet(ctx, s.serials, field(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, fmt.Errorf("serial: redis hget: %w", err)
	}
	return v, nil
}

// Serials reads all counters in one HMGET.
func (s *RedisStore) Serials(ctx context.Context, ids []int32) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}

	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = field(id)
	}

	vals, err := s.client.HMGet(ctx, s.serials, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("serial: redis hmget: %w", err)
	}

	out := make([]int64, len(ids))
	for i, v := range vals {
		out[i] = Unknown
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("serial: bad counter for %s: %w", fields[i], err)
		}
		out[i] = n
	}
	return out, nil
}

// Register creates the counter with HSETNX.
func (s *RedisStore) Register(ctx context.Context, t Table) error {
	if err := s.client.HSetNX(ctx, s.serials, field(t.ID), 0).Err(); err != nil {
		return fmt.Errorf("serial: redis register: %w", err)
	}
	return nil
}

// Increment bumps a registered counter.
func (s *RedisStore) Increment(ctx context.Context, id int32) (int64, error) {
	v, err := incrementScript.Run(ctx, s.client, []string{s.serials}, field(id)).Int64()
	if err != nil {
		return Unknown, fmt.Errorf("serial: redis increment: %w", err)
	}
	if v == Unknown {
		return Unknown, ErrUnknownTable
	}
	return v, nil
}

// Snapshot returns every registered counter.
func (s *RedisStore) Snapshot(ctx context.Context) (map[int32]int64, error) {
	all, err := s.client.HGetAll(ctx, s.serials).Result()
	if err != nil {
		return nil, fmt.Errorf("serial: redis hgetall: %w", err)
	}

	out := make(map[int32]int64, len(all))
	for k, v := range all {
		id, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[int32(id)] = n
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against Redis/Valkey/DragonflyDB, mirroring
// the teacher's RedisRepository connection and key-prefix conventions.
// Versioning is layered on top with a Lua-backed CAS since redis has no
// native optimistic-concurrency primitive for a value+version pair.
type RedisStore struct {
	client *redis.Client
}

const kvKeyPrefix = "kv:"

// NewRedisStore parses url (redis://...) and verifies connectivity before
// returning, same as the teacher's NewRedisRepository.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kvstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// casPutScript stores value and version as two fields of a redis hash so both
// can be read and compared atomically.
var casPutScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local value = ARGV[2]
local cur = redis.call('HGET', key, 'version')
local curVersion = 0
if cur then curVersion = tonumber(cur) end
if curVersion ~= expected then
	return {curVersion, 0}
end
local newVersion = curVersion + 1
redis.call('HSET', key, 'value', value, 'version', newVersion)
return {newVersion, 1}
`)

var casDeleteScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local cur = redis.call('HGET', key, 'version')
local curVersion = 0
if cur then curVersion = tonumber(cur) end
if curVersion == 0 then
	return 1
end
if curVersion ~= expected then
	return 0
end
redis.call('DEL', key)
return 1
`)

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	full := kvKeyPrefix + key
	res, err := s.client.HMGet(ctx, full, "value", "version").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	if res[0] == nil || res[1] == nil {
		return Entry{}, ErrNotFound
	}
	value, _ := res[0].(string)
	versionStr, _ := res[1].(string)
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("kvstore: corrupt version for %s: %w", key, err)
	}
	return Entry{Value: []byte(value), Version: version}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	full := kvKeyPrefix + key
	res, err := casPutScript.Run(ctx, s.client, []string{full}, expectedVersion, value).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore: put %s: %w", key, err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, fmt.Errorf("kvstore: unexpected CAS reply for %s", key)
	}
	currentVersion, _ := pair[0].(int64)
	ok2, _ := pair[1].(int64)
	if ok2 != 1 {
		return 0, conflictErr(key, expectedVersion, currentVersion)
	}
	return currentVersion, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	full := kvKeyPrefix + key
	res, err := casDeleteScript.Run(ctx, s.client, []string{full}, expectedVersion).Result()
	if err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	ok, _ := res.(int64)
	if ok != 1 {
		cur, getErr := s.Get(ctx, key)
		if getErr != nil && errors.Is(getErr, ErrNotFound) {
			return nil
		}
		return conflictErr(key, expectedVersion, cur.Version)
	}
	return nil
}

// Close releases the underlying redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

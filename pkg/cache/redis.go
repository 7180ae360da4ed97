package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is the key prefix for every store namespace in Redis.
const DefaultPrefix = "intercept-cache"

// Lua scripts keep the entry, its metadata and the total counter in step.
// KEYS: entries hash, meta hash, total counter.
var (
	putScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[2], ARGV[1])
local oldSize = 0
if old then
  oldSize = tonumber(string.match(old, '^(%d+):'))
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3] .. ':' .. ARGV[4])
return redis.call('INCRBY', KEYS[3], tonumber(ARGV[3]) - oldSize)
`)

	deleteScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[2], ARGV[1])
if not old then
  return tonumber(redis.call('GET', KEYS[3]) or '0')
end
local size = tonumber(string.match(old, '^(%d+):'))
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return redis.call('DECRBY', KEYS[3], size)
`)
)

// RedisStore is a Redis-backed Store. A namespace holds three keys:
//
//	<prefix>:<version>:entries  hash of key -> JSON entry
//	<prefix>:<version>:meta     hash of key -> "<size>:<storedAtUnixNano>"
//	<prefix>:<version>:total    integer sum of sizes
type RedisStore struct {
	redis   *redis.Client
	ns      string
	quota   int64
	scanCnt int64
}

// NewRedisStore creates a store for one version namespace.
// quota is reported by Estimate when Redis has no maxmemory configured.
func NewRedisStore(redisClient *redis.Client, prefix, version string, quota int64) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{
		redis:   redisClient,
		ns:      prefix + ":" + version,
		quota:   quota,
		scanCnt: 100,
	}
}

func (s *RedisStore) entriesKey() string { return s.ns + ":entries" }
func (s *RedisStore) metaKey() string    { return s.ns + ":meta" }
func (s *RedisStore) totalKey() string   { return s.ns + ":total" }

func (s *RedisStore) keys() []string {
	return []string{s.entriesKey(), s.metaKey(), s.totalKey()}
}

// Put stores entry, adjusting the total by the size delta of any previous value.
func (s *RedisStore) Put(ctx context.Context, entry *CacheEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	total, err := putScript.Run(ctx, s.redis, s.keys(),
		entry.Key.String(), data, entry.SizeBytes, entry.StoredAt.UnixNano()).Int64()
	if err != nil {
		return storageFault("put", err)
	}

	CacheSize.Set(float64(total))
	return nil
}

// Get retrieves an entry by key.
// Returns ErrCacheMiss if the key doesn't exist.
func (s *RedisStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := s.redis.HGet(ctx, s.entriesKey(), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, storageFault("get", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return nil, storageFault("get", err)
	}
	return entry, nil
}

// Delete removes a cache entry.
func (s *RedisStore) Delete(ctx context.Context, key CacheKey) error {
	total, err := deleteScript.Run(ctx, s.redis, s.keys(), key.String()).Int64()
	if err != nil {
		return storageFault("delete", err)
	}

	CacheSize.Set(float64(total))
	return nil
}

// Clear drops the whole namespace with a single DEL, which Redis applies atomically.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.keys()...).Err(); err != nil {
		return storageFault("clear", err)
	}

	CacheSize.Set(0)
	return nil
}

// ListAll returns every entry, scanning the entries hash incrementally.
func (s *RedisStore) ListAll(ctx context.Context) ([]*CacheEntry, error) {
	var out []*CacheEntry
	err := s.hscan(ctx, s.entriesKey(), func(field, value string) error {
		entry, err := decodeEntry([]byte(value))
		if err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, storageFault("list", err)
	}
	return out, nil
}

// ListMeta returns metadata for every entry without loading bodies.
func (s *RedisStore) ListMeta(ctx context.Context) ([]EntryMeta, error) {
	var out []EntryMeta
	err := s.hscan(ctx, s.metaKey(), func(field, value string) error {
		key, err := ParseKey(field)
		if err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrInvalidEntry, field, err)
		}
		size, storedAt, err := parseMeta(value)
		if err != nil {
			return err
		}
		out = append(out, EntryMeta{Key: key, SizeBytes: size, StoredAt: storedAt})
		return nil
	})
	if err != nil {
		return nil, storageFault("list", err)
	}
	return out, nil
}

// TotalSize returns the maintained size counter.
func (s *RedisStore) TotalSize(ctx context.Context) (int64, error) {
	total, err := s.redis.Get(ctx, s.totalKey()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, storageFault("size", err)
	}
	return total, nil
}

// Estimate reports Redis memory usage from INFO memory. When Redis has no
// maxmemory limit the configured quota is reported instead.
func (s *RedisStore) Estimate(ctx context.Context) (Estimate, error) {
	info, err := s.redis.Info(ctx, "memory").Result()
	if err != nil {
		return Estimate{}, storageFault("estimate", err)
	}

	fields := parseInfo(info)
	est := Estimate{Quota: s.quota}
	if v, err := strconv.ParseInt(fields["used_memory"], 10, 64); err == nil {
		est.Usage = v
	}
	if v, err := strconv.ParseInt(fields["maxmemory"], 10, 64); err == nil && v > 0 {
		est.Quota = v
	}
	return est, nil
}

func (s *RedisStore) hscan(ctx context.Context, key string, fn func(field, value string) error) error {
	var cursor uint64
	for {
		kv, next, err := s.redis.HScan(ctx, key, cursor, "", s.scanCnt).Result()
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(kv); i += 2 {
			if err := fn(kv[i], kv[i+1]); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func decodeEntry(data []byte) (*CacheEntry, error) {
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func parseMeta(value string) (int64, time.Time, error) {
	sizeStr, tsStr, ok := strings.Cut(value, ":")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("%w: meta %q", ErrInvalidEntry, value)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: meta size %q", ErrInvalidEntry, sizeStr)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: meta timestamp %q", ErrInvalidEntry, tsStr)
	}
	return size, time.Unix(0, ts), nil
}

func parseInfo(info string) map[string]string {
	fields := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	return fields
}

// RedisNamespaces manages version-tagged RedisStores under one prefix.
type RedisNamespaces struct {
	redis  *redis.Client
	prefix string
	quota  int64
}

// NewRedisNamespaces creates a namespace manager for prefix.
func NewRedisNamespaces(redisClient *redis.Client, prefix string, quota int64) *RedisNamespaces {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisNamespaces{redis: redisClient, prefix: prefix, quota: quota}
}

// Open returns the store for version.
func (n *RedisNamespaces) Open(version string) Store {
	return n.OpenRedis(version)
}

// OpenRedis is Open with the concrete return type.
func (n *RedisNamespaces) OpenRedis(version string) *RedisStore {
	return NewRedisStore(n.redis, n.prefix, version, n.quota)
}

// Versions lists the version tags that currently own keys under the prefix.
func (n *RedisNamespaces) Versions(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := n.scan(ctx, func(key, version string) error {
		seen[version] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, storageFault("list", err)
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	return out, nil
}

// Retire deletes every key under the prefix whose version segment differs
// from current. It returns the number of distinct versions removed.
func (n *RedisNamespaces) Retire(ctx context.Context, current string) (int, error) {
	retired := make(map[string]struct{})
	var stale []string
	err := n.scan(ctx, func(key, version string) error {
		if version == current {
			return nil
		}
		retired[version] = struct{}{}
		stale = append(stale, key)
		if len(stale) >= 100 {
			if err := n.redis.Del(ctx, stale...).Err(); err != nil {
				return err
			}
			stale = stale[:0]
		}
		return nil
	})
	if err == nil && len(stale) > 0 {
		err = n.redis.Del(ctx, stale...).Err()
	}
	if err != nil {
		return 0, storageFault("retire", err)
	}

	RetiredNamespaces.Add(float64(len(retired)))
	return len(retired), nil
}

func (n *RedisNamespaces) scan(ctx context.Context, fn func(key, version string) error) error {
	pattern := n.prefix + ":*"
	var cursor uint64
	for {
		keys, next, err := n.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			rest := strings.TrimPrefix(key, n.prefix+":")
			version, _, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			if err := fn(key, version); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

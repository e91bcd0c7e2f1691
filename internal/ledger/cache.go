package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "ledger:version"
	bumpChannel     = "ledger.bump"
)

// Cache stores ledger reads in Redis under a version counter. Bumping the
// version orphans every earlier entry, which then expires by TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX keeps a concurrent bump from being overwritten.
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// BuildKey joins parts and appends the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON decodes a cached value into dest, or runs loader and stores its
// result.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("ledger cache: loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached read and announces the new version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// CachedReader serves Reader calls from the cache and collapses concurrent
// identical loads into one database read.
type CachedReader struct {
	next  Reader
	cache *Cache
	group singleflight.Group
}

// NewCachedReader wraps next.
func NewCachedReader(next Reader, cache *Cache) *CachedReader {
	return &CachedReader{next: next, cache: cache}
}

// LinesByOrderNumbers implements Reader.
func (r *CachedReader) LinesByOrderNumbers(ctx context.Context, numbers []string) ([]Line, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), numbers...)
	sort.Strings(sorted)
	return r.lines(ctx, []string{"ledger", "orders", strings.Join(sorted, ",")}, func(ctx context.Context) ([]Line, error) {
		return r.next.LinesByOrderNumbers(ctx, sorted)
	})
}

// LinesInWindow implements Reader.
func (r *CachedReader) LinesInWindow(ctx context.Context, w Window) ([]Line, error) {
	parts := []string{"ledger", "window", strconv.FormatInt(w.VendorID, 10), w.From.Format("2006-01-02"), w.To.Format("2006-01-02")}
	return r.lines(ctx, parts, func(ctx context.Context) ([]Line, error) {
		return r.next.LinesInWindow(ctx, w)
	})
}

// Vendors implements Reader.
func (r *CachedReader) Vendors(ctx context.Context) ([]Vendor, error) {
	key, err := r.cache.BuildKey(ctx, "ledger", "vendors")
	if err != nil {
		return r.next.Vendors(ctx)
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		var out []Vendor
		err := r.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			return r.next.Vendors(ctx)
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]Vendor), nil
}

// Line reads through; single-line lookups are not cached.
func (r *CachedReader) Line(ctx context.Context, id int64) (Line, error) {
	return r.next.Line(ctx, id)
}

func (r *CachedReader) lines(ctx context.Context, parts []string, load func(context.Context) ([]Line, error)) ([]Line, error) {
	key, err := r.cache.BuildKey(ctx, parts...)
	if err != nil {
		// Redis trouble must not block matching.
		return load(ctx)
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		var out []Line
		err := r.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			return load(ctx)
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]Line), nil
}

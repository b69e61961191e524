// Package pdfcache keeps rendered PDFs in Redis, keyed by a digest of the
// document and its print settings.
package pdfcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pdfbridge/internal/logging"
	"pdfbridge/internal/render"
)

const (
	keyPrefix = "pdfcache:"
	opTimeout = time.Second
)

// Cache is a Redis backed PDF cache. A nil *Cache always misses.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New returns a cache writing entries with ttl. A non-positive ttl falls back
// to one minute.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Key derives the cache key for html printed with opts. Every field is
// length-prefixed so no document can collide with a different paper setting.
func Key(html string, opts render.Options) string {
	h := sha256.New()
	for _, field := range []string{
		html,
		strconv.FormatFloat(opts.Paper.Width, 'f', 2, 64),
		strconv.FormatFloat(opts.Paper.Height, 'f', 2, 64),
		strconv.FormatFloat(opts.Margin, 'f', 2, 64),
	} {
		h.Write([]byte(strconv.Itoa(len(field)) + ":"))
		h.Write([]byte(field))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached PDF for key. A miss returns nil, false and no error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.rdb == nil {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cached, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pdf cache read: %w", err)
	}
	logging.Info("PDF cache hit", "key", key)
	return cached, true, nil
}

// Set stores data under key.
func (c *Cache) Set(ctx context.Context, key string, data []byte) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("pdf cache write: %w", err)
	}
	return nil
}

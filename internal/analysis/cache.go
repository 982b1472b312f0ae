package analysis

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/GriffinCanCode/regionwatch/internal/trace"
)

// CacheStats are hit/miss counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Cache memoizes analyzer results by region and exact pixel content so that a
// region flipping back to content it already showed is not sent to the
// analyzer again. Only successful results are stored.
type Cache struct {
	inner Analyzer
	lru   *expirable.LRU[string, Result]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache wraps inner with a TTL-bounded LRU of the given size.
func NewCache(inner Analyzer, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		inner: inner,
		lru:   expirable.NewLRU[string, Result](size, nil, ttl),
	}
}

func (c *Cache) Analyze(ctx context.Context, img image.Image) (Result, error) {
	key, err := cacheKey(trace.ScopeFrom(ctx).RegionID, img)
	if err != nil {
		slog.Debug("image hash failed, bypassing cache", "error", err)
		return c.inner.Analyze(ctx, img)
	}

	if r, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return r, nil
	}
	c.misses.Add(1)

	r, err := c.inner.Analyze(ctx, img)
	if err != nil {
		return Result{}, err
	}
	c.lru.Add(key, r)
	return r, nil
}

// Stats returns the counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: c.lru.Len()}
}

// Purge drops every cached result.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// cacheKey is <region>:<w>x<h>:<md5 of the NRGBA pixels>.
func cacheKey(regionID string, img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("nil image")
	}
	px := imaging.Clone(img)
	sum := md5.Sum(px.Pix)
	size := px.Bounds().Size()
	return fmt.Sprintf("%s:%dx%d:%s", regionID, size.X, size.Y, hex.EncodeToString(sum[:])), nil
}

// Fingerprint is a perceptual hash of img. Visually identical frames share a
// fingerprint, so consumers can group repeated alerts for the same content.
func Fingerprint(img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("nil image")
	}
	h, err := goimagehash.ExtPerceptionHash(img, HashWidth, HashHeight)
	if err != nil {
		return "", err
	}
	return h.ToString(), nil
}

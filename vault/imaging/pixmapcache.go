package imaging

import (
	"image"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// PixmapCache is the contract the gallery's pixmap caches must satisfy.
// The engine publishes decoded thumbnails under the encrypted file's stored
// name and releases them when the entry goes away.
type PixmapCache interface {
	Publish(key string, img image.Image)
	Release(key string)
}

// LRUPixmapCache is the default PixmapCache, bounded by entry count with
// least-recently-used eviction.
type LRUPixmapCache struct {
	cache *lru.Cache
}

// NewLRUPixmapCache creates a cache holding up to size pixmaps.
func NewLRUPixmapCache(size int) (*LRUPixmapCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "imaging: pixmap cache")
	}
	return &LRUPixmapCache{cache: c}, nil
}

// Publish implements PixmapCache.
func (c *LRUPixmapCache) Publish(key string, img image.Image) {
	c.cache.Add(key, img)
}

// Release implements PixmapCache.
func (c *LRUPixmapCache) Release(key string) {
	c.cache.Remove(key)
}

// Get returns a published pixmap, if still cached.
func (c *LRUPixmapCache) Get(key string) (image.Image, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(image.Image), true
}

// Len returns the number of cached pixmaps.
func (c *LRUPixmapCache) Len() int {
	return c.cache.Len()
}

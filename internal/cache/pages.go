package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

// PageKey identifies one page of rows requested from the dataset hub.
type PageKey struct {
	Dataset string
	Config  string
	Split   mmlu.Split
	Offset  int
	Length  int
}

func (k PageKey) String() string {
	return fmt.Sprintf("%s/%s/%s[%d:+%d]", k.Dataset, k.Config, k.Split, k.Offset, k.Length)
}

// Page is a decoded page of records plus the split's total row count.
type Page struct {
	Records []mmlu.Question
	Total   int
}

// PageCache is a size-bounded LRU of decoded hub pages with optional TTL.
//
// A split is fetched page by page; when a later page fails and the split is fetched again,
// pages already decoded are served from memory instead of hitting the hub again.
type PageCache struct {
	cache  *lru.Cache[PageKey, *pageEntry]
	ttl    time.Duration
	mu     sync.Mutex
	hits   uint64
	misses uint64
}

type pageEntry struct {
	page      Page
	expiresAt time.Time
}

// NewPageCache creates a cache holding at most size pages. A zero ttl never expires entries.
func NewPageCache(size int, ttl time.Duration) (*PageCache, error) {
	c, err := lru.New[PageKey, *pageEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}
	return &PageCache{cache: c, ttl: ttl}, nil
}

// Get returns a cached page if present and not expired.
func (c *PageCache) Get(key PageKey) (Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(entry.expiresAt)) {
		if ok {
			c.cache.Remove(key)
		}
		c.misses++
		return Page{}, false
	}
	c.hits++
	return entry.page, true
}

// Put stores a page, evicting the least recently used page when full.
func (c *PageCache) Put(key PageKey, page Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(key, &pageEntry{page: page, expiresAt: expiresAt})
}

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// Stats returns current hit/miss counters.
func (c *PageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.cache.Len()}
}

package coordinator

import (
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// revCacheEntry is the reconstructed {state, rev} pair cached by
// revisionCache, mirroring nodestorage/v2/cache's layered-cache role but
// generalized from caching a whole cached document to caching a specific
// revision's reconstruction, since getDoc(atRev) results are immutable
// once computed (spec §4.4 getDoc).
type revCacheEntry struct {
	state interface{}
	rev   int64
}

// revisionCache is a read-through cache over getDoc reconstructions,
// keyed by "docID@rev".
type revisionCache struct {
	cache *lru.Cache[string, revCacheEntry]
}

func newRevisionCache(size int) *revisionCache {
	if size <= 0 {
		size = 512
	}
	c, _ := lru.New[string, revCacheEntry](size)
	return &revisionCache{cache: c}
}

func revCacheKey(docID string, rev int64) string {
	return docID + "@" + strconv.FormatInt(rev, 10)
}

func (c *revisionCache) get(docID string, rev int64) (interface{}, bool) {
	entry, ok := c.cache.Get(revCacheKey(docID, rev))
	if !ok {
		return nil, false
	}
	return entry.state, true
}

func (c *revisionCache) put(docID string, rev int64, state interface{}) {
	c.cache.Add(revCacheKey(docID, rev), revCacheEntry{state: state, rev: rev})
}

func (c *revisionCache) invalidate(docID string) {
	prefix := docID + "@"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

package collaborators

import (
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/Resinat/Resin/internal/request"
)

// appOpsResult is the cached outcome of one NoteOpNoThrow call.
type appOpsResult struct {
	allowed     bool
	lastUpdated time.Time
}

// CachingAppOps wraps an AppOpsHelper with a bounded, short-lived cache of
// its NoteOpNoThrow verdicts, keyed by (identity, permission level). A
// high-rate fine registration calls NoteOpNoThrow on every delivery; without
// caching, that is one app-op note per fix even though the verdict almost
// never changes between consecutive fixes for the same caller. Entries
// older than ttl are treated as a miss and re-checked against inner.
type CachingAppOps struct {
	inner AppOpsHelper
	ttl   time.Duration

	mu    sync.Mutex
	cache otter.Cache[string, appOpsResult]
}

// NewCachingAppOps returns a CachingAppOps bounded to maxEntries distinct
// (identity, level) keys, caching each verdict for ttl.
func NewCachingAppOps(inner AppOpsHelper, maxEntries int, ttl time.Duration) *CachingAppOps {
	cache, err := otter.MustBuilder[string, appOpsResult](maxEntries).
		Cost(func(_ string, _ appOpsResult) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("collaborators: failed to create app-ops cache: " + err.Error())
	}
	return &CachingAppOps{inner: inner, ttl: ttl, cache: cache}
}

func appOpsKey(level request.PermissionLevel, identity Identity) string {
	return fmt.Sprintf("%d/%s/%d", identity.UserID, identity.PackageName, level)
}

// NoteOpNoThrow returns the cached verdict for (level, identity) if it was
// computed within ttl; otherwise it delegates to inner and caches the
// result.
func (c *CachingAppOps) NoteOpNoThrow(level request.PermissionLevel, identity Identity) bool {
	key := appOpsKey(level, identity)
	now := time.Now()

	c.mu.Lock()
	if cached, found := c.cache.Get(key); found && now.Sub(cached.lastUpdated) < c.ttl {
		c.mu.Unlock()
		return cached.allowed
	}
	c.mu.Unlock()

	allowed := c.inner.NoteOpNoThrow(level, identity)

	c.mu.Lock()
	c.cache.Set(key, appOpsResult{allowed: allowed, lastUpdated: now})
	c.mu.Unlock()

	return allowed
}

// Invalidate drops every cached verdict, forcing the next NoteOpNoThrow for
// any key to re-check inner. Call this when a package's app-op mode changes
// out of band (e.g. the user flips a permission in settings).
func (c *CachingAppOps) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
}

// Package lastlocation implements the per-user four-slot last-location
// cache: fine/coarse crossed with normal/settings-bypass, each slot
// obeying its own freshness rule so that coarse consumers can never
// back-derive fine movement from repeated polling.
package lastlocation

import (
	"sync"

	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/request"
)

// MinCoarseIntervalNs is the minimum gap, in nanoseconds, between
// successive coarse-slot updates (spec's MIN_COARSE_INTERVAL_MS, 10 min).
const MinCoarseIntervalNs = int64(10 * 60 * 1e9)

// Cache holds the four slots for a single user. The zero value is a valid,
// empty cache. All methods are safe for concurrent use, though the
// multiplexer in practice serializes access under its own coarse lock and
// uses this type's own mutex only as a second line of defense for direct
// callers (e.g. tests).
type Cache struct {
	mu sync.Mutex

	fineNormal   *geopoint.Location
	coarseNormal *geopoint.Location
	fineBypass   *geopoint.Location
	coarseBypass *geopoint.Location
}

// New returns an empty per-user cache.
func New() *Cache {
	return &Cache{}
}

// Set updates the normal-permission slots (fine always, coarse subject to
// the 10-minute grid-snap) from a non-bypass fix.
func (c *Cache) Set(loc *geopoint.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fineNormal = updateFine(c.fineNormal, loc)
	c.coarseNormal = updateCoarse(c.coarseNormal, loc)
}

// SetBypass updates the settings-bypass slots from a fix gathered under a
// settings-ignored (bypass) registration.
func (c *Cache) SetBypass(loc *geopoint.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fineBypass = updateFine(c.fineBypass, loc)
	c.coarseBypass = updateCoarse(c.coarseBypass, loc)
}

// updateFine applies the fine-slot rule: strictly newer monotonic
// timestamp wins.
func updateFine(slot, candidate *geopoint.Location) *geopoint.Location {
	if candidate == nil {
		return slot
	}
	if slot == nil || candidate.ElapsedRealtimeNanos > slot.ElapsedRealtimeNanos {
		return candidate.Clone()
	}
	return slot
}

// updateCoarse applies the coarse-slot rule: candidate timestamp must be
// at least stored + MinCoarseIntervalNs — a grid-snap to a coarse time axis.
func updateCoarse(slot, candidate *geopoint.Location) *geopoint.Location {
	if candidate == nil {
		return slot
	}
	if slot == nil || candidate.ElapsedRealtimeNanos-slot.ElapsedRealtimeNanos >= MinCoarseIntervalNs {
		return candidate.Clone()
	}
	return slot
}

// Get returns the best available fix for the given permission level,
// honoring bypass. The returned Location is a caller-owned clone. Returns
// nil if no slot is populated.
func (c *Cache) Get(level request.PermissionLevel, ignoreSettings bool) *geopoint.Location {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidate *geopoint.Location
	if ignoreSettings {
		if level.IsFine() {
			candidate = c.fineBypass
		} else {
			candidate = c.coarseBypass
		}
		if candidate == nil {
			// Bypass registrations may still fall back to the normal slot: a
			// privileged caller is never worse off than a normal one.
			if level.IsFine() {
				candidate = c.fineNormal
			} else {
				candidate = c.coarseNormal
			}
		}
		return candidate.Clone()
	}

	if level.IsFine() {
		candidate = c.fineNormal
	} else {
		candidate = c.coarseNormal
	}
	return candidate.Clone()
}

// ClearNormal nulls the normal-permission slots, as happens on provider
// disable. Bypass slots persist.
func (c *Cache) ClearNormal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fineNormal = nil
	c.coarseNormal = nil
}

// ClearMock nulls any slot whose current contents came from a mock
// provider, across all four slots.
func (c *Cache) ClearMock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fineNormal = clearIfMock(c.fineNormal)
	c.coarseNormal = clearIfMock(c.coarseNormal)
	c.fineBypass = clearIfMock(c.fineBypass)
	c.coarseBypass = clearIfMock(c.coarseBypass)
}

func clearIfMock(loc *geopoint.Location) *geopoint.Location {
	if loc != nil && loc.IsFromMockProvider {
		return nil
	}
	return loc
}

// InjectIfAbsent sets the fine-normal slot only if it is currently empty,
// implementing the multiplexer's injectLastLocation contract: it must
// never clobber a real fix with an injected one.
func (c *Cache) InjectIfAbsent(loc *geopoint.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fineNormal == nil {
		c.fineNormal = loc.Clone()
	}
}

// PruneStale nulls any slot whose fix is older than maxAgeNs relative to
// nowRealtimeNs, across all four slots. Returns true if anything was
// cleared, so a caller sweeping many per-user caches can skip a
// notification for untouched ones.
func (c *Cache) PruneStale(maxAgeNs, nowRealtimeNs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pruned bool
	c.fineNormal, pruned = pruneIfStale(c.fineNormal, maxAgeNs, nowRealtimeNs, pruned)
	c.coarseNormal, pruned = pruneIfStale(c.coarseNormal, maxAgeNs, nowRealtimeNs, pruned)
	c.fineBypass, pruned = pruneIfStale(c.fineBypass, maxAgeNs, nowRealtimeNs, pruned)
	c.coarseBypass, pruned = pruneIfStale(c.coarseBypass, maxAgeNs, nowRealtimeNs, pruned)
	return pruned
}

func pruneIfStale(loc *geopoint.Location, maxAgeNs, nowRealtimeNs int64, prunedSoFar bool) (*geopoint.Location, bool) {
	if loc != nil && nowRealtimeNs-loc.ElapsedRealtimeNanos > maxAgeNs {
		return nil, true
	}
	return loc, prunedSoFar
}

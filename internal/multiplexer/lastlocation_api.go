package multiplexer

import (
	"github.com/Resinat/Resin/internal/calleridentity"
	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/request"
)

// GetLastLocation implements getLastLocation: gated by blacklist, enable
// state, user-current, and app-op, returning a permission-leveled,
// caller-cloned fix (or nil).
func (mx *Multiplexer) GetLastLocation(id calleridentity.Identity, level request.PermissionLevel, ignoreSettings bool) *geopoint.Location {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	if !ignoreSettings {
		if mx.collab.Settings.Blacklisted(id.PackageName) {
			return nil
		}
		if !mx.userEnabledForLocked(id) {
			return nil
		}
		if !id.IsSystem && !id.MatchesUser(mx.collab.Users.CurrentUserID()) {
			return nil
		}
	}
	if !mx.collab.Permissions.HasLocationPermission(level, id) {
		return nil
	}
	if !mx.collab.AppOps.NoteOpNoThrow(level, id) {
		return nil
	}

	userID := id.UserID
	if id.IsAllUsers() {
		userID = mx.collab.Users.CurrentUserID()
	}
	return mx.cacheFor(userID).Get(level, ignoreSettings)
}

// PruneStaleLastLocations clears any per-user last-location slot older
// than maxAgeNs, across every user this Multiplexer has ever cached a fix
// for. Returns the number of users whose cache had at least one slot
// cleared, for sweep logging.
func (mx *Multiplexer) PruneStaleLastLocations(maxAgeNs, nowRealtimeNs int64) int {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	pruned := 0
	for _, cache := range mx.lastLocations {
		if cache.PruneStale(maxAgeNs, nowRealtimeNs) {
			pruned++
		}
	}
	return pruned
}

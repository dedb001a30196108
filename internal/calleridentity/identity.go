// Package calleridentity describes who is asking for location updates.
package calleridentity

// AllUsers is the sentinel UserID meaning "every running user", used by
// system-level registrations that are not scoped to one user.
const AllUsers = -1

// Identity identifies the caller behind a single registration. It is
// immutable after construction; every Registration carries exactly one.
type Identity struct {
	UserID         int
	UID            int
	PID            int
	PackageName    string
	AttributionTag string
	IsSystem       bool
}

// IsAllUsers reports whether this identity is scoped to every running user.
func (id Identity) IsAllUsers() bool {
	return id.UserID == AllUsers
}

// MatchesUser reports whether this identity applies to userID: either it is
// scoped to every user, or its UserID equals userID exactly.
func (id Identity) MatchesUser(userID int) bool {
	return id.IsAllUsers() || id.UserID == userID
}

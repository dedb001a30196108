package request

import (
	"encoding/binary"
	"strconv"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit content hash of a ProviderRequest, recorded
// with each request-change event in the event log so log readers can
// correlate identical merged requests. The multiplexer's own change
// detection uses ProviderRequest.Equal, not Fingerprint. Mirrors
// node.Hash's canonical-bytes-then-xxh3 approach.
type Fingerprint [16]byte

// Fingerprint computes a deterministic hash of r's fields. Two
// value-equal ProviderRequests (per Equal) always produce the same
// Fingerprint; the converse holds as long as WorkSource entries are
// canonicalized by UnionWorkSources first (ProviderRequest.WorkSource
// always is, since Merge is the only constructor).
func (r ProviderRequest) Fingerprint() Fingerprint {
	buf := make([]byte, 0, 64+len(r.WorkSource)*24)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(r.IntervalMs))
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(r.Quality))
	if r.LowPower {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if r.LocationSettingsIgnored {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	for _, e := range r.WorkSource {
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(e.UID)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, []byte(e.Package)...)
		buf = append(buf, 0)
	}
	h128 := xxh3.Hash128(buf)
	var out Fingerprint
	binary.LittleEndian.PutUint64(out[:8], h128.Lo)
	binary.LittleEndian.PutUint64(out[8:], h128.Hi)
	return out
}

// String renders the fingerprint as hex, for log lines.
func (f Fingerprint) String() string {
	return strconv.FormatUint(binary.LittleEndian.Uint64(f[:8]), 16) +
		strconv.FormatUint(binary.LittleEndian.Uint64(f[8:]), 16)
}

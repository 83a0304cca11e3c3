package upstream

import (
	"time"

	"github.com/halwerk/cadsync/internal/uid"
)

// msThreshold separates Unix-second from Unix-millisecond timestamps. The
// upstream emits both, undocumented; anything above 10^10 cannot be a
// plausible seconds value (year 2286) so it is read as milliseconds.
const msThreshold = int64(1e10)

// Credentials authenticate a session against the upstream API.
type Credentials struct {
	Username string
	Password string
}

// Entry is one child returned by a list operation, normalized from the raw
// API response — callers never see raw API data. Which fields are populated
// depends on the entity kind listed.
type Entry struct {
	ID        uid.ID
	Name      string
	Path      string // directories only: child path relative to the cursor
	ChangedAt time.Time

	// Project metadata.
	Customer    string
	OfferNumber string

	// Elevation geometry, millimeters. Zero when not reported.
	WidthMM  float64
	HeightMM float64

	// HasParts reports whether the upstream holds a parts list for this
	// elevation. Only meaningful for elevation entries.
	HasParts bool
}

// SessionToken is the bearer token returned by login, with its expiry.
type SessionToken struct {
	Token     string
	ExpiresAt time.Time
}

// ThumbnailOpts control thumbnail rendering.
type ThumbnailOpts struct {
	Width  int
	Height int
	Format string // "png" (default) or "jpeg"
}

// parseTimestamp converts an upstream Unix timestamp of unknown unit to
// time.Time. Values above 10^10 are milliseconds, otherwise seconds.
// Zero or negative input returns the zero time ("never changed").
func parseTimestamp(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}

	if v > msThreshold {
		return time.UnixMilli(v).UTC()
	}

	return time.Unix(v, 0).UTC()
}

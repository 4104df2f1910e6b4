package cache

import "time"

// Entry wraps a cached value with its logical expiry. Entries are stored
// without a physical TTL so they never evaporate; staleness is decided by
// ExpireAt alone. Replacement is whole-value: a rebuild overwrites the entire
// entry, never a field of it.
type Entry struct {
	Data     []byte    `json:"data"`
	ExpireAt time.Time `json:"expireAt"`
}

// Expired reports whether the entry's logical expiry is in the past.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpireAt.After(now)
}

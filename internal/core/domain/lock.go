package domain

import "time"

// LockToken records ownership of a resource key by one acquisition.
// Expiry is zero when the lock has no lease.
type LockToken struct {
	ResourceKey string
	HolderID    string
	Expiry      time.Time
}

func (t LockToken) HasLease() bool {
	return !t.Expiry.IsZero()
}

func (t LockToken) Expired(now time.Time) bool {
	return t.HasLease() && !now.Before(t.Expiry)
}

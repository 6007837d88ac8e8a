package ir

import "time"

// ResourceAccount is one externally rate-limited credential in a lock pool.
// InUse never exceeds Capacity.
type ResourceAccount struct {
	Pool     string `json:"pool"`
	Name     string `json:"name"`
	Secret   string `json:"-"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
}

// Available reports whether the account has a free slot.
func (a ResourceAccount) Available() bool {
	return a.InUse < a.Capacity
}

// LockToken describes one held slot on a ResourceAccount.
type LockToken struct {
	HandleID   string    `json:"handle_id"`
	Pool       string    `json:"pool"`
	Account    string    `json:"account"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

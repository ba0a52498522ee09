package types

import "time"

// LeaseKind names the class of resource a lease serializes access to.
type LeaseKind string

const (
	LeaseGroupWrite       LeaseKind = "group_write"
	LeaseMemberWrite      LeaseKind = "member_write"
	LeaseRotationAdvance  LeaseKind = "rotation_advance"
	LeaseSecurityDeposit  LeaseKind = "security_deposit"
	LeaseTransactionWrite LeaseKind = "transaction_write"
	LeaseDefaultHandling  LeaseKind = "default_handling"
	LeaseCycleClose       LeaseKind = "cycle_close"
)

// Lease is a short-lived exclusive claim on a (kind, resource) pair. At most
// one non-expired lease may exist per pair; expiry is the only guaranteed
// release.
type Lease struct {
	ID        string    `json:"id"`
	Kind      LeaseKind `json:"kind"`
	Resource  string    `json:"resource"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the lease has expired at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Key returns the (kind, resource) key the lease guards.
func (l *Lease) Key() string {
	return LeaseKey(l.Kind, l.Resource)
}

// LeaseKey builds the storage key for a (kind, resource) pair. Callers that
// take multiple leases order their acquisitions by this key to avoid
// deadlock.
func LeaseKey(kind LeaseKind, resource string) string {
	return string(kind) + "/" + resource
}

// Package iface defines the contract for the engine's state store. It is the
// only package allowed to import other storage implementations, and exists to
// keep command code free of any concrete database dependency.
package iface

import (
	"context"
	"io"
	"time"

	"github.com/chamalabs/chama/types"
)

// ReadOnlyDatabase defines the lockless read surface. Readers never block
// writers; consistency on mutation comes from version predicates, not read
// locks.
type ReadOnlyDatabase interface {
	Group(ctx context.Context, id string) (*types.Group, error)
	Groups(ctx context.Context) ([]*types.Group, error)
	Member(ctx context.Context, id string) (*types.Member, error)
	Members(ctx context.Context, groupID string) ([]*types.Member, error)
	// AllMembers walks the member bucket directly rather than the
	// group-members index, so rows whose group is gone are still returned.
	AllMembers(ctx context.Context) ([]*types.Member, error)
	MemberByUser(ctx context.Context, groupID, userRef string) (*types.Member, error)
	Transaction(ctx context.Context, id string) (*types.Transaction, error)
	Transactions(ctx context.Context, groupID string) ([]*types.Transaction, error)
	TransactionsByRotation(ctx context.Context, groupID string, rotationIndex int) ([]*types.Transaction, error)
	AuditEvents(ctx context.Context, groupID string) ([]*types.AuditEvent, error)
}

// Database is the full state-store port. Every Save* call is a conditional
// write: the record's Version must match the stored row (0 for inserts) or
// the call fails with a stale-write error, and on success the record's
// Version is bumped in place.
type Database interface {
	ReadOnlyDatabase
	io.Closer

	SaveGroup(ctx context.Context, g *types.Group) error
	SaveMember(ctx context.Context, m *types.Member) error
	// SaveTransaction additionally enforces that at most one
	// default_coverage row exists per (group, rotation index, defaulting
	// member).
	SaveTransaction(ctx context.Context, tx *types.Transaction) error
	SaveAuditEvent(ctx context.Context, ev *types.AuditEvent) error

	// AcquireLease inserts the lease if no live lease holds the same
	// (kind, resource) pair at the given instant.
	AcquireLease(ctx context.Context, l *types.Lease, now time.Time) error
	// ReleaseLease deletes the lease only when both the lease id and the
	// holder match, so a holder can never release a reassigned lease.
	ReleaseLease(ctx context.Context, id, holder string) error
	Leases(ctx context.Context) ([]*types.Lease, error)
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// CommitRotationAdvance writes the advanced group row and the payout
	// recipient's member row in a single store transaction.
	CommitRotationAdvance(ctx context.Context, g *types.Group, recipient *types.Member) error
	// CommitCycleClose writes the completed group, every member's released
	// deposit state and the deposit_return instructions in a single store
	// transaction so no partial return state is ever visible.
	CommitCycleClose(ctx context.Context, g *types.Group, members []*types.Member, returns []*types.Transaction) error

	DatabasePath() string
	ClearDB() error
}

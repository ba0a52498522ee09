package kv

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chamalabs/chama/types"
)

func testLease(kind types.LeaseKind, resource, holder string, expires time.Time) *types.Lease {
	return &types.Lease{
		ID:        uuid.NewString(),
		Kind:      kind,
		Resource:  resource,
		Holder:    holder,
		ExpiresAt: expires,
	}
}

func TestStore_AcquireLease_SingleHolder(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	l := testLease(types.LeaseGroupWrite, "g1", "worker-a", now.Add(time.Minute))
	require.NoError(t, s.AcquireLease(ctx, l, now))

	contender := testLease(types.LeaseGroupWrite, "g1", "worker-b", now.Add(time.Minute))
	require.ErrorIs(t, s.AcquireLease(ctx, contender, now), ErrAlreadyHeld)

	// A different resource is free.
	other := testLease(types.LeaseGroupWrite, "g2", "worker-b", now.Add(time.Minute))
	require.NoError(t, s.AcquireLease(ctx, other, now))

	// So is a different kind on the same resource.
	advance := testLease(types.LeaseRotationAdvance, "g1", "worker-b", now.Add(time.Minute))
	require.NoError(t, s.AcquireLease(ctx, advance, now))
}

func TestStore_AcquireLease_ExpiredRowIsFree(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testLease(types.LeaseCycleClose, "g1", "worker-a", now.Add(-time.Second))
	require.NoError(t, s.AcquireLease(ctx, stale, now.Add(-time.Minute)))

	takeover := testLease(types.LeaseCycleClose, "g1", "worker-b", now.Add(time.Minute))
	require.NoError(t, s.AcquireLease(ctx, takeover, now))
}

func TestStore_ReleaseLease_OnlyByHolder(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	l := testLease(types.LeaseMemberWrite, "m1", "worker-a", now.Add(time.Minute))
	require.NoError(t, s.AcquireLease(ctx, l, now))

	require.ErrorIs(t, s.ReleaseLease(ctx, l.ID, "worker-b"), ErrLeaseNotHeld)
	require.NoError(t, s.ReleaseLease(ctx, l.ID, "worker-a"))
	require.ErrorIs(t, s.ReleaseLease(ctx, l.ID, "worker-a"), ErrLeaseNotHeld)
}

func TestStore_DeleteExpiredLeases(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := testLease(types.LeaseGroupWrite, "g1", "worker-a", now.Add(time.Minute))
	dead1 := testLease(types.LeaseGroupWrite, "g2", "worker-a", now.Add(-time.Minute))
	dead2 := testLease(types.LeaseMemberWrite, "m1", "worker-a", now.Add(-time.Second))
	for _, l := range []*types.Lease{live, dead1, dead2} {
		require.NoError(t, s.AcquireLease(ctx, l, now.Add(-2*time.Minute)))
	}

	removed, err := s.DeleteExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	leases, err := s.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, live.ID, leases[0].ID)
}

package kv

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/chamalabs/chama/types"
)

// setupDB instantiates and returns a Store instance backed by a temp dir.
func setupDB(t testing.TB) *Store {
	s, err := NewKVStore(context.Background(), t.TempDir())
	require.NoError(t, err, "Failed to instantiate DB")
	t.Cleanup(func() {
		require.NoError(t, s.Close(), "Failed to close database")
	})
	return s
}

func testGroup() *types.Group {
	return &types.Group{
		ID:           uuid.NewString(),
		Name:         "friday savings",
		AdminRef:     "user:admin",
		Contribution: decimal.RequireFromString("1000"),
		Period:       types.PeriodWeekly,
		MemberLimit:  4,
		Multiplier:   decimal.NewFromInt(1),
		Tier:         "basic",
		Status:       types.GroupActive,
	}
}

func TestStore_GroupRoundTrip(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	g := testGroup()
	require.NoError(t, s.SaveGroup(ctx, g))
	require.Equal(t, uint64(1), g.Version)

	got, err := s.Group(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, g.Name, got.Name)
	require.Equal(t, uint64(1), got.Version)
	require.True(t, got.Contribution.Equal(g.Contribution))

	_, err = s.Group(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConditionalWriteRejectsStaleGroup(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	g := testGroup()
	require.NoError(t, s.SaveGroup(ctx, g))

	stale := g.Copy()
	stale.Version = 0
	require.ErrorIs(t, s.SaveGroup(ctx, stale), ErrStale)

	// An insert with a non-zero version is also stale.
	fresh := testGroup()
	fresh.Version = 3
	require.ErrorIs(t, s.SaveGroup(ctx, fresh), ErrStale)

	// The winner can keep writing.
	g.CurrentRotationIndex = 1
	require.NoError(t, s.SaveGroup(ctx, g))
	require.Equal(t, uint64(2), g.Version)
}

func TestStore_MembersIndexedByGroup(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	g := testGroup()
	other := testGroup()
	for i := 1; i <= 3; i++ {
		m := &types.Member{
			ID:            uuid.NewString(),
			GroupID:       g.ID,
			UserRef:       "user:" + uuid.NewString(),
			Position:      i,
			Deposit:       decimal.Zero,
			DepositStatus: types.DepositPending,
			Status:        types.MemberPending,
		}
		require.NoError(t, s.SaveMember(ctx, m))
	}
	stranger := &types.Member{ID: uuid.NewString(), GroupID: other.ID, UserRef: "user:x", Position: 1, Deposit: decimal.Zero}
	require.NoError(t, s.SaveMember(ctx, stranger))

	members, err := s.Members(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		require.Equal(t, g.ID, m.GroupID)
	}

	byUser, err := s.MemberByUser(ctx, other.ID, "user:x")
	require.NoError(t, err)
	require.Equal(t, stranger.ID, byUser.ID)
	_, err = s.MemberByUser(ctx, g.ID, "user:x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_TransactionsByRotation(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	groupID := uuid.NewString()
	for idx := 0; idx < 3; idx++ {
		txn := &types.Transaction{
			ID:            uuid.NewString(),
			GroupID:       groupID,
			Kind:          types.TxContribution,
			FromMember:    "m1",
			ToMember:      "m2",
			Amount:        decimal.RequireFromString("500"),
			Status:        types.TxPending,
			RotationIndex: idx,
		}
		require.NoError(t, s.SaveTransaction(ctx, txn))
	}

	for idx := 0; idx < 3; idx++ {
		txns, err := s.TransactionsByRotation(ctx, groupID, idx)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		require.Equal(t, idx, txns[0].RotationIndex)
	}

	all, err := s.Transactions(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestStore_DefaultCoverageUnique(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	groupID := uuid.NewString()
	cov := &types.Transaction{
		ID:            uuid.NewString(),
		GroupID:       groupID,
		Kind:          types.TxDefaultCoverage,
		FromMember:    "defaulter",
		ToMember:      "recipient",
		Amount:        decimal.RequireFromString("500"),
		Status:        types.TxBothConfirmed,
		RotationIndex: 2,
	}
	require.NoError(t, s.SaveTransaction(ctx, cov))

	dup := cov.Copy()
	dup.ID = uuid.NewString()
	dup.Version = 0
	require.ErrorIs(t, s.SaveTransaction(ctx, dup), ErrDuplicateCoverage)

	// A different rotation index is a different default.
	next := cov.Copy()
	next.ID = uuid.NewString()
	next.Version = 0
	next.RotationIndex = 3
	require.NoError(t, s.SaveTransaction(ctx, next))

	// Updating the original row is not a duplicate.
	cov.ExternalRef = "payout-123"
	require.NoError(t, s.SaveTransaction(ctx, cov))
}

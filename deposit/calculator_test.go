package deposit

import (
	"testing"
	"time"

	"github.com/chamalabs/chama/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRequired_FirstPosition(t *testing.T) {
	// Position 1 of N=5, c=1000, m=1 -> 4000.
	got, err := Required(dec("1000"), 5, dec("1"), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("4000")), "got %s", got)
}

func TestRequired_LastPositionIsZero(t *testing.T) {
	for _, n := range []int{3, 5, 12} {
		got, err := Required(dec("250"), n, dec("2.5"), n)
		require.NoError(t, err)
		assert.True(t, got.IsZero(), "position %d of %d: got %s", n, n, got)
	}
}

func TestRequired_FractionalRoundsUp(t *testing.T) {
	// c=33.33, N=3, p=1, m=1.1 -> 33.33*2*1.1 = 73.326 -> 73.33.
	got, err := Required(dec("33.33"), 3, dec("1.1"), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("73.33")), "got %s", got)
}

func TestRequired_Errors(t *testing.T) {
	_, err := Required(dec("1000"), 5, dec("1"), 0)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	_, err = Required(dec("1000"), 5, dec("1"), 6)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	_, err = Required(dec("1000"), 1, dec("1"), 1)
	assert.ErrorIs(t, err, ErrInvalidGroup)
	_, err = Required(dec("0"), 5, dec("1"), 1)
	assert.ErrorIs(t, err, ErrInvalidGroup)
}

func TestMaxLossIgnoresMultiplier(t *testing.T) {
	g := &types.Group{Contribution: dec("500"), MemberLimit: 5, Multiplier: dec("3")}
	got, err := MaxLossIfDefaults(g, 2)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("1500")), "got %s", got)
}

func TestValidateGroup(t *testing.T) {
	g := &types.Group{Contribution: dec("1000"), MemberLimit: 4, Multiplier: dec("1")}
	members := []*types.Member{
		{ID: "a", Position: 1, Deposit: dec("3000")},
		{ID: "b", Position: 2, Deposit: dec("1500")},
		{ID: "c", Position: 3, Deposit: dec("1000")},
		{ID: "d", Position: 4, Deposit: dec("0")},
	}
	report, err := ValidateGroup(g, members)
	require.NoError(t, err)
	assert.False(t, report.Sufficient)
	require.Len(t, report.PerMember, 4)
	// Member b is 500 short.
	assert.True(t, report.PerMember[1].Gap.Equal(dec("500")), "gap %s", report.PerMember[1].Gap)
	assert.True(t, report.SystemGap.Equal(dec("500")), "system gap %s", report.SystemGap)

	members[1].Deposit = dec("2000")
	report, err = ValidateGroup(g, members)
	require.NoError(t, err)
	assert.True(t, report.Sufficient)
	assert.True(t, report.SystemGap.IsZero())
}

func TestValidateGroup_SkipsRemoved(t *testing.T) {
	g := &types.Group{Contribution: dec("500"), MemberLimit: 5, Multiplier: dec("1"), RotationStartedAt: time.Unix(100, 0)}
	members := []*types.Member{
		{ID: "a", Position: 1, Deposit: dec("1500")},
		{ID: "b", Position: -1, Deposit: dec("0")},
		{ID: "c", Position: 2, Deposit: dec("1000")},
		{ID: "d", Position: 3, Deposit: dec("500")},
		{ID: "e", Position: 4, Deposit: dec("0")},
	}
	// After one removal the wheel is N=4; everyone still meets c*(N-p).
	report, err := ValidateGroup(g, members)
	require.NoError(t, err)
	assert.True(t, report.Sufficient, "system gap %s", report.SystemGap)
	assert.Len(t, report.PerMember, 4)
}

func TestRotationSize(t *testing.T) {
	g := &types.Group{MemberLimit: 5}
	assert.Equal(t, 5, RotationSize(g, nil))
	g.RotationStartedAt = time.Unix(100, 0)
	members := []*types.Member{{Position: 1}, {Position: -1}, {Position: 2}}
	assert.Equal(t, 2, RotationSize(g, members))
}

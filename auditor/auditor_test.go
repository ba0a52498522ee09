package auditor

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/chamalabs/chama/config/features"
	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db/kv"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/types"
)

type auditorTest struct {
	a     *Auditor
	store *kv.Store
	clock *clock.Mock
}

func setupAuditor(t *testing.T) *auditorTest {
	t.Helper()
	params.SetupTestConfigCleanup(t)
	store, err := kv.NewKVStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	a := New(context.Background(), &Config{Database: store, Bus: feed.NewBus(), Clock: mock})
	t.Cleanup(func() {
		require.NoError(t, a.Stop())
	})
	return &auditorTest{a: a, store: store, clock: mock}
}

func (at *auditorTest) seedGroup(t *testing.T) *types.Group {
	t.Helper()
	g := &types.Group{
		ID:           uuid.NewString(),
		Name:         "audited",
		AdminRef:     "user:admin",
		Contribution: decimal.RequireFromString("1000"),
		Period:       types.PeriodWeekly,
		MemberLimit:  4,
		Multiplier:   decimal.NewFromInt(1),
		Tier:         "basic",
		Status:       types.GroupActive,
	}
	require.NoError(t, at.store.SaveGroup(context.Background(), g))
	return g
}

func (at *auditorTest) seedMember(t *testing.T, g *types.Group, position int, dep string) *types.Member {
	t.Helper()
	m := &types.Member{
		ID:            uuid.NewString(),
		GroupID:       g.ID,
		UserRef:       "user:" + uuid.NewString(),
		Position:      position,
		Deposit:       decimal.RequireFromString(dep),
		DepositStatus: types.DepositConfirmed,
		Status:        types.MemberActive,
		CreatedAt:     at.clock.Now().UTC(),
	}
	require.NoError(t, at.store.SaveMember(context.Background(), m))
	return m
}

func findingCodes(r *Report) map[string]int {
	codes := make(map[string]int)
	for _, f := range r.Findings {
		codes[f.Code]++
	}
	return codes
}

func TestAuditor_CleanGroupHasNoFindings(t *testing.T) {
	at := setupAuditor(t)
	g := at.seedGroup(t)
	at.seedMember(t, g, 1, "3000")
	at.seedMember(t, g, 2, "2000")

	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.Empty(t, report.Findings)
	require.Equal(t, 1, report.GroupsScanned)
}

func TestAuditor_ClampsNegativeDeposit(t *testing.T) {
	at := setupAuditor(t)
	g := at.seedGroup(t)
	m := at.seedMember(t, g, 1, "3000")
	m.Deposit = decimal.RequireFromString("-250")
	require.NoError(t, at.store.SaveMember(context.Background(), m))

	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, findingCodes(report)["negative_deposit"], 1)
	require.GreaterOrEqual(t, report.Fixed, 1)

	fixed, err := at.store.Member(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, fixed.Deposit.IsZero())

	events, err := at.store.AuditEvents(context.Background(), g.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestAuditor_FixesConfirmationAsymmetry(t *testing.T) {
	at := setupAuditor(t)
	g := at.seedGroup(t)
	from := at.seedMember(t, g, 1, "3000")
	to := at.seedMember(t, g, 2, "2000")

	now := at.clock.Now().UTC()
	txn := &types.Transaction{
		ID:                   uuid.NewString(),
		GroupID:              g.ID,
		Kind:                 types.TxContribution,
		FromMember:           from.ID,
		ToMember:             to.ID,
		Amount:               g.Contribution,
		Status:               types.TxSenderConfirmed,
		SenderConfirmedAt:    &now,
		RecipientConfirmedAt: &now,
	}
	require.NoError(t, at.store.SaveTransaction(context.Background(), txn))

	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, 1, findingCodes(report)["confirmation_asymmetry"])

	fixed, err := at.store.Transaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Equal(t, types.TxBothConfirmed, fixed.Status)
}

func TestAuditor_AutoCorrectCanBeDisabled(t *testing.T) {
	at := setupAuditor(t)
	reset := features.InitWithReset(&features.Flags{DisableAutoCorrect: true})
	defer reset()

	g := at.seedGroup(t)
	m := at.seedMember(t, g, 1, "3000")
	m.Deposit = decimal.RequireFromString("-250")
	require.NoError(t, at.store.SaveMember(context.Background(), m))

	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, 0, report.Fixed)

	stored, err := at.store.Member(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, stored.Deposit.Equal(decimal.RequireFromString("-250")))
}

func TestAuditor_ReportsOrphansAndSkew(t *testing.T) {
	at := setupAuditor(t)
	g := at.seedGroup(t)
	from := at.seedMember(t, g, 1, "3000")

	now := at.clock.Now().UTC()
	orphan := &types.Transaction{
		ID:                   uuid.NewString(),
		GroupID:              g.ID,
		Kind:                 types.TxContribution,
		FromMember:           from.ID,
		ToMember:             "missing-member",
		Amount:               g.Contribution,
		Status:               types.TxBothConfirmed,
		SenderConfirmedAt:    &now,
		RecipientConfirmedAt: &now,
		CreatedAt:            now.Add(time.Hour),
	}
	require.NoError(t, at.store.SaveTransaction(context.Background(), orphan))

	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	codes := findingCodes(report)
	require.Equal(t, 1, codes["orphaned_transaction"])
	require.Equal(t, 1, codes["future_created_at"])
}

func TestAuditor_RecomputesReplenishmentDue(t *testing.T) {
	at := setupAuditor(t)
	g := at.seedGroup(t)
	// Position 1 of 4 at c=1000 requires 3000; the drawn-down deposit of
	// 1000 leaves 2000 to replenish, not the recorded 500.
	m := at.seedMember(t, g, 1, "1000")
	m.Status = types.MemberSuspended
	m.ReplenishmentDue = decimal.RequireFromString("500")
	require.NoError(t, at.store.SaveMember(context.Background(), m))

	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, 1, findingCodes(report)["stale_replenishment_due"])
	require.GreaterOrEqual(t, report.Fixed, 1)

	stored, err := at.store.Member(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, stored.ReplenishmentDue.Equal(decimal.RequireFromString("2000")))

	// A second pass finds the figure consistent.
	report, err = at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, 0, findingCodes(report)["stale_replenishment_due"])
}

func TestAuditor_FlagsOrphanedMembers(t *testing.T) {
	at := setupAuditor(t)
	g := at.seedGroup(t)
	at.seedMember(t, g, 1, "3000")

	orphan := &types.Member{
		ID:            uuid.NewString(),
		GroupID:       uuid.NewString(),
		UserRef:       "user:ghost",
		Position:      1,
		Deposit:       decimal.RequireFromString("500"),
		DepositStatus: types.DepositConfirmed,
		Status:        types.MemberActive,
		CreatedAt:     at.clock.Now().UTC(),
	}
	require.NoError(t, at.store.SaveMember(context.Background(), orphan))

	// A scoped scan walks one group's index and cannot see the row.
	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, 0, findingCodes(report)["orphaned_member"])

	// The full scan walks the member bucket itself and flags it, report-only.
	report, err = at.a.Audit(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, findingCodes(report)["orphaned_member"])
	require.Equal(t, 0, report.Fixed)
}

func TestAuditor_FlagsDepositShortfall(t *testing.T) {
	at := setupAuditor(t)
	g := at.seedGroup(t)
	// Position 1 of 4 at c=1000 requires 3000.
	at.seedMember(t, g, 1, "2000")

	report, err := at.a.Audit(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, 1, findingCodes(report)["deposit_below_required"])
}

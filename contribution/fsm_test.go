package contribution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db/kv"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/lock"
	"github.com/chamalabs/chama/types"
)

type fsmTest struct {
	fsm    *FSM
	store  *kv.Store
	bus    *feed.Bus
	clock  *clock.Mock
	events chan *feed.Event
}

func setupFSM(t *testing.T) *fsmTest {
	t.Helper()
	params.SetupTestConfigCleanup(t)
	store, err := kv.NewKVStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	locks := lock.NewManager(context.Background(), &lock.Config{Database: store, Clock: mock})
	t.Cleanup(func() {
		require.NoError(t, locks.Stop())
	})
	bus := feed.NewBus()
	events := make(chan *feed.Event, 32)
	sub := bus.Subscribe(events)
	t.Cleanup(sub.Unsubscribe)
	return &fsmTest{
		fsm:    NewFSM(&Config{Database: store, Locks: locks, Bus: bus, Clock: mock}),
		store:  store,
		bus:    bus,
		clock:  mock,
		events: events,
	}
}

func (ft *fsmTest) seedGroup(t *testing.T) (*types.Group, *types.Member, *types.Member) {
	t.Helper()
	ctx := context.Background()
	g := &types.Group{
		ID:                   uuid.NewString(),
		Name:                 "weekly pool",
		AdminRef:             "user:admin",
		Contribution:         decimal.RequireFromString("1000"),
		Period:               types.PeriodWeekly,
		MemberLimit:          4,
		Multiplier:           decimal.NewFromInt(1),
		Tier:                 "basic",
		Status:               types.GroupActive,
		CurrentRotationIndex: 1,
		RotationStartedAt:    ft.clock.Now().UTC(),
		MemberCount:          2,
	}
	require.NoError(t, ft.store.SaveGroup(ctx, g))
	sender := &types.Member{
		ID:            uuid.NewString(),
		GroupID:       g.ID,
		UserRef:       "user:sender",
		Position:      2,
		Deposit:       decimal.RequireFromString("2000"),
		DepositStatus: types.DepositConfirmed,
		Status:        types.MemberActive,
	}
	recipient := &types.Member{
		ID:                uuid.NewString(),
		GroupID:           g.ID,
		UserRef:           "user:recipient",
		Position:          1,
		Deposit:           decimal.RequireFromString("3000"),
		DepositStatus:     types.DepositLocked,
		HasReceivedPayout: true,
		IsLockedIn:        true,
		Status:            types.MemberActive,
	}
	require.NoError(t, ft.store.SaveMember(ctx, sender))
	require.NoError(t, ft.store.SaveMember(ctx, recipient))
	return g, sender, recipient
}

func (ft *fsmTest) drain(t *testing.T, want feed.EventType) *feed.Event {
	t.Helper()
	for {
		select {
		case ev := <-ft.events:
			if ev.Type == want {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event type %d", want)
		}
	}
}

func TestFSM_RecordSetsDeadlineFromRotationStart(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)

	txn, err := ft.fsm.Record(context.Background(), g, sender.ID, recipient.ID, g.Contribution, "mpesa:123")
	require.NoError(t, err)
	require.Equal(t, types.TxPending, txn.Status)
	require.Equal(t, g.CurrentRotationIndex, txn.RotationIndex)
	require.Equal(t, g.RotationStartedAt.Add(168*time.Hour), txn.DeadlineAt)

	ev := ft.drain(t, feed.ContributionRecorded)
	data := ev.Data.(*feed.ContributionData)
	require.Equal(t, txn.ID, data.TransactionID)
}

func TestFSM_RecordRejectsWrongAmount(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)

	_, err := ft.fsm.Record(context.Background(), g, sender.ID, recipient.ID, decimal.RequireFromString("999"), "")
	require.Equal(t, types.KindPrecondition, types.FaultKind(err))

	_, err = ft.fsm.Record(context.Background(), g, sender.ID, sender.ID, g.Contribution, "")
	require.Equal(t, types.KindValidation, types.FaultKind(err))
}

func TestFSM_ConfirmationsCommute(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)

	st, err := ft.fsm.Confirm(ctx, txn.ID, types.PartyRecipient, recipient.UserRef)
	require.NoError(t, err)
	require.Equal(t, types.TxRecipientConfirmed, st)

	st, err = ft.fsm.Confirm(ctx, txn.ID, types.PartySender, sender.UserRef)
	require.NoError(t, err)
	require.Equal(t, types.TxBothConfirmed, st)

	stored, err := ft.store.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SenderConfirmedAt)
	require.NotNil(t, stored.RecipientConfirmedAt)

	ft.drain(t, feed.ContributionCompleted)
	ft.drain(t, feed.RotationReadyToAdvance)
}

func TestFSM_ConcurrentConfirmationsSettleOnce(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)
	ft.drain(t, feed.ContributionRecorded)

	// Both parties confirm at once. Lease contention surfaces as a conflict
	// fault, which a caller retries.
	confirm := func(party types.Party, actorRef string) error {
		for {
			_, err := ft.fsm.Confirm(ctx, txn.ID, party, actorRef)
			if types.FaultKind(err) == types.KindConflict {
				time.Sleep(time.Millisecond)
				continue
			}
			return err
		}
	}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- confirm(types.PartySender, sender.UserRef)
	}()
	go func() {
		defer wg.Done()
		errs <- confirm(types.PartyRecipient, recipient.UserRef)
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := ft.store.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, types.TxBothConfirmed, stored.Status)
	require.NotNil(t, stored.SenderConfirmedAt)
	require.NotNil(t, stored.RecipientConfirmedAt)

	// Exactly one completion regardless of interleaving.
	completed := 0
	for loop := true; loop; {
		select {
		case ev := <-ft.events:
			if ev.Type == feed.ContributionCompleted {
				completed++
			}
		default:
			loop = false
		}
	}
	require.Equal(t, 1, completed)
}

func TestFSM_ConfirmIsIdempotent(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)

	st, err := ft.fsm.Confirm(ctx, txn.ID, types.PartySender, sender.UserRef)
	require.NoError(t, err)
	require.Equal(t, types.TxSenderConfirmed, st)
	first, err := ft.store.Transaction(ctx, txn.ID)
	require.NoError(t, err)

	// A second sender confirmation changes nothing, not even the version.
	st, err = ft.fsm.Confirm(ctx, txn.ID, types.PartySender, sender.UserRef)
	require.NoError(t, err)
	require.Equal(t, types.TxSenderConfirmed, st)
	second, err := ft.store.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, first.Version, second.Version)
	require.Equal(t, first.SenderConfirmedAt, second.SenderConfirmedAt)
}

func TestFSM_ConfirmRejectsWrongActor(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)

	_, err = ft.fsm.Confirm(ctx, txn.ID, types.PartySender, recipient.UserRef)
	require.Equal(t, types.KindValidation, types.FaultKind(err))
}

func TestFSM_ExpireCancelsAndEmitsDefault(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)

	require.NoError(t, ft.fsm.Expire(ctx, txn.ID))
	stored, err := ft.store.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, types.TxCancelled, stored.Status)

	ev := ft.drain(t, feed.ContributionDefaulted)
	data := ev.Data.(*feed.DefaultedData)
	require.Equal(t, sender.ID, data.MemberID)
	require.Equal(t, recipient.ID, data.RecipientID)
	require.True(t, data.Amount.Equal(g.Contribution))

	// Confirming a cancelled contribution is a precondition failure.
	_, err = ft.fsm.Confirm(ctx, txn.ID, types.PartySender, sender.UserRef)
	require.Equal(t, types.KindPrecondition, types.FaultKind(err))
}

func TestFSM_ExpireAfterTerminalIsNoOp(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)
	_, err = ft.fsm.Confirm(ctx, txn.ID, types.PartySender, sender.UserRef)
	require.NoError(t, err)
	_, err = ft.fsm.Confirm(ctx, txn.ID, types.PartyRecipient, recipient.UserRef)
	require.NoError(t, err)

	// The advisory deadline fire arrives late; state must not move.
	require.NoError(t, ft.fsm.Expire(ctx, txn.ID))
	stored, err := ft.store.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, types.TxBothConfirmed, stored.Status)
}

func TestFSM_ExpireLeavesRecipientConfirmed(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)

	st, err := ft.fsm.Confirm(ctx, txn.ID, types.PartyRecipient, recipient.UserRef)
	require.NoError(t, err)
	require.Equal(t, types.TxRecipientConfirmed, st)

	// The deadline fires after the recipient attested receipt. The money
	// moved, so the row must not cancel or default the sender.
	require.NoError(t, ft.fsm.Expire(ctx, txn.ID))
	stored, err := ft.store.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, types.TxRecipientConfirmed, stored.Status)

	for loop := true; loop; {
		select {
		case ev := <-ft.events:
			require.NotEqual(t, feed.ContributionDefaulted, ev.Type)
		default:
			loop = false
		}
	}

	// The sender can still settle the row afterwards.
	st, err = ft.fsm.Confirm(ctx, txn.ID, types.PartySender, sender.UserRef)
	require.NoError(t, err)
	require.Equal(t, types.TxBothConfirmed, st)
}

func TestFSM_RotationSettledRequiresCoverage(t *testing.T) {
	ft := setupFSM(t)
	g, sender, recipient := ft.seedGroup(t)
	ctx := context.Background()

	txn, err := ft.fsm.Record(ctx, g, sender.ID, recipient.ID, g.Contribution, "")
	require.NoError(t, err)
	require.NoError(t, ft.fsm.Expire(ctx, txn.ID))

	settled, err := ft.fsm.RotationSettled(ctx, g.ID, g.CurrentRotationIndex)
	require.NoError(t, err)
	require.False(t, settled, "a cancelled contribution without coverage blocks settlement")

	cov := &types.Transaction{
		ID:            uuid.NewString(),
		GroupID:       g.ID,
		Kind:          types.TxDefaultCoverage,
		FromMember:    sender.ID,
		ToMember:      recipient.ID,
		Amount:        g.Contribution,
		Status:        types.TxBothConfirmed,
		RotationIndex: g.CurrentRotationIndex,
	}
	require.NoError(t, ft.store.SaveTransaction(ctx, cov))

	settled, err = ft.fsm.RotationSettled(ctx, g.ID, g.CurrentRotationIndex)
	require.NoError(t, err)
	require.True(t, settled)
}

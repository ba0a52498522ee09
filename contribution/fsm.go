// Package contribution implements the dual-confirmation state machine for
// contribution transactions. Each expected contribution (one sender, one
// recipient, one rotation) is a transaction row moving through
// pending -> {sender_confirmed | recipient_confirmed} -> both_confirmed, or
// to cancelled when its deadline elapses. Transitions are guarded by the
// transaction_write lease and the row's version predicate, so the two
// confirmations commute and retries are safe.
package contribution

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/lock"
	"github.com/chamalabs/chama/money"
	"github.com/chamalabs/chama/types"
)

var log = logrus.WithField("prefix", "contribution")

var (
	contributionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_contributions_completed_total",
		Help: "Count of contributions that reached both_confirmed.",
	})
	contributionsDefaulted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_contributions_defaulted_total",
		Help: "Count of contributions cancelled by deadline expiry.",
	})
)

// FSM drives contribution transactions through their confirmation states.
type FSM struct {
	db    iface.Database
	locks *lock.Manager
	bus   *feed.Bus
	clock clock.Clock
}

// Config holds the state machine's dependencies.
type Config struct {
	Database iface.Database
	Locks    *lock.Manager
	Bus      *feed.Bus
	Clock    clock.Clock
}

// NewFSM instantiates the contribution state machine.
func NewFSM(cfg *Config) *FSM {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &FSM{db: cfg.Database, locks: cfg.Locks, bus: cfg.Bus, clock: c}
}

// Record creates the pending contribution transaction for the group's
// current rotation. The deadline is anchored at rotation_started_at plus the
// period's deadline duration.
func (f *FSM) Record(ctx context.Context, g *types.Group, fromID, toID string, amount decimal.Decimal, externalRef string) (*types.Transaction, error) {
	// The caller's group may come out of a cache. Status is re-checked
	// against the store so a pause or halt applied elsewhere stops new
	// contributions immediately.
	g, err := f.db.Group(ctx, g.ID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if g.Status != types.GroupActive {
		return nil, types.NewFault(types.KindPrecondition, "group_not_active").WithVar("group", g.ID)
	}
	if fromID == toID {
		return nil, types.NewFault(types.KindValidation, "sender_is_recipient")
	}
	if !money.IsPositive(amount) || !money.IsCentAligned(amount) {
		return nil, types.NewFault(types.KindValidation, "bad_amount").WithVar("amount", amount.String())
	}
	if !amount.Equal(g.Contribution) {
		return nil, types.NewFault(types.KindPrecondition, "wrong_contribution_amount").
			WithVar("expected", g.Contribution.String()).
			WithVar("actual", amount.String())
	}
	from, err := f.memberOf(ctx, g.ID, fromID)
	if err != nil {
		return nil, err
	}
	if _, err := f.memberOf(ctx, g.ID, toID); err != nil {
		return nil, err
	}
	if !from.InRotation() {
		return nil, types.NewFault(types.KindPrecondition, "sender_removed_from_rotation").WithVar("member", fromID)
	}

	now := f.clock.Now().UTC()
	anchor := g.RotationStartedAt
	if anchor.IsZero() {
		anchor = now
	}
	txn := &types.Transaction{
		ID:            uuid.NewString(),
		GroupID:       g.ID,
		Kind:          types.TxContribution,
		FromMember:    fromID,
		ToMember:      toID,
		Amount:        amount,
		Status:        types.TxPending,
		RotationIndex: g.CurrentRotationIndex,
		DeadlineAt:    anchor.Add(params.ChamaConfig().DeadlineFor(g.Period)),
		ExternalRef:   externalRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.db.SaveTransaction(ctx, txn); err != nil {
		return nil, db.ClassifyError(err)
	}
	f.bus.Send(&feed.Event{Type: feed.ContributionRecorded, Data: &feed.ContributionData{
		GroupID:       g.ID,
		TransactionID: txn.ID,
		FromMember:    fromID,
		ToMember:      toID,
		Amount:        amount,
		RotationIndex: txn.RotationIndex,
		DeadlineAt:    txn.DeadlineAt,
	}})
	return txn, nil
}

// Confirm records one party's confirmation. Confirming twice from the same
// party is a no-op; the second call returns the current state without a
// write or a duplicate event.
func (f *FSM) Confirm(ctx context.Context, txID string, party types.Party, actorRef string) (types.ConfirmationStatus, error) {
	if party != types.PartySender && party != types.PartyRecipient {
		return "", types.NewFault(types.KindValidation, "unknown_party").WithVar("party", string(party))
	}
	lease, err := f.locks.Acquire(ctx, types.LeaseTransactionWrite, txID, params.ChamaConfig().ConfirmLeaseTTL)
	if err != nil {
		return "", db.ClassifyError(err)
	}
	defer f.locks.Release(ctx, lease)

	txn, err := f.db.Transaction(ctx, txID)
	if err != nil {
		return "", db.ClassifyError(err)
	}
	if txn.Kind != types.TxContribution {
		return "", types.NewFault(types.KindPrecondition, "not_a_contribution").WithVar("kind", string(txn.Kind))
	}
	if txn.Status == types.TxCancelled {
		return types.TxCancelled, types.NewFault(types.KindPrecondition, "contribution_cancelled").WithVar("transaction", txID)
	}
	if err := f.verifyActor(ctx, txn, party, actorRef); err != nil {
		return "", err
	}
	if txn.ConfirmedBy(party) {
		return txn.Status, nil
	}

	now := f.clock.Now().UTC()
	switch party {
	case types.PartySender:
		txn.SenderConfirmedAt = &now
	case types.PartyRecipient:
		txn.RecipientConfirmedAt = &now
	}
	txn.Status = txn.DeriveStatus()
	txn.UpdatedAt = now
	if err := f.db.SaveTransaction(ctx, txn); err != nil {
		return "", db.ClassifyError(err)
	}

	if txn.Status == types.TxBothConfirmed {
		contributionsCompleted.Inc()
		f.bus.Send(&feed.Event{Type: feed.ContributionCompleted, Data: &feed.ContributionData{
			GroupID:       txn.GroupID,
			TransactionID: txn.ID,
			FromMember:    txn.FromMember,
			ToMember:      txn.ToMember,
			Amount:        txn.Amount,
			RotationIndex: txn.RotationIndex,
			DeadlineAt:    txn.DeadlineAt,
		}})
		settled, err := f.RotationSettled(ctx, txn.GroupID, txn.RotationIndex)
		if err != nil {
			log.WithError(err).WithField("group", txn.GroupID).Error("Could not check rotation settlement")
		} else if settled {
			f.bus.Send(&feed.Event{Type: feed.RotationReadyToAdvance, Data: &feed.RotationData{
				GroupID:       txn.GroupID,
				RotationIndex: txn.RotationIndex,
			}})
		}
	}
	return txn.Status, nil
}

// Expire applies the deadline_elapsed transition. Fires are advisory: a
// transaction that reached a terminal state first is left untouched. The
// transition exists only from pending and sender_confirmed; once the
// recipient has attested receipt the money moved, so the row waits for the
// sender's confirmation (or an operator) instead of defaulting the sender
// for a contribution that arrived.
func (f *FSM) Expire(ctx context.Context, txID string) error {
	lease, err := f.locks.Acquire(ctx, types.LeaseTransactionWrite, txID, params.ChamaConfig().ConfirmLeaseTTL)
	if err != nil {
		return db.ClassifyError(err)
	}
	defer f.locks.Release(ctx, lease)

	txn, err := f.db.Transaction(ctx, txID)
	if err != nil {
		return db.ClassifyError(err)
	}
	if txn.Status.Terminal() {
		return nil
	}
	if txn.RecipientConfirmedAt != nil {
		log.WithFields(logrus.Fields{
			"group":       txn.GroupID,
			"transaction": txn.ID,
		}).Warn("Deadline elapsed on a recipient-confirmed contribution, awaiting sender confirmation")
		return nil
	}
	now := f.clock.Now().UTC()
	txn.Status = types.TxCancelled
	txn.UpdatedAt = now
	if err := f.db.SaveTransaction(ctx, txn); err != nil {
		return db.ClassifyError(err)
	}
	contributionsDefaulted.Inc()
	log.WithFields(logrus.Fields{
		"group":       txn.GroupID,
		"transaction": txn.ID,
		"member":      txn.FromMember,
	}).Warn("Contribution deadline elapsed")
	f.bus.Send(&feed.Event{Type: feed.ContributionDefaulted, Data: &feed.DefaultedData{
		GroupID:       txn.GroupID,
		TransactionID: txn.ID,
		MemberID:      txn.FromMember,
		RecipientID:   txn.ToMember,
		Amount:        txn.Amount,
		RotationIndex: txn.RotationIndex,
	}})
	return nil
}

// RotationSettled reports whether every contribution of the rotation is
// both_confirmed or, if cancelled, covered by a both_confirmed
// default_coverage row for the same defaulting member.
func (f *FSM) RotationSettled(ctx context.Context, groupID string, rotationIndex int) (bool, error) {
	txns, err := f.db.TransactionsByRotation(ctx, groupID, rotationIndex)
	if err != nil {
		return false, errors.Wrap(err, "could not read rotation transactions")
	}
	covered := make(map[string]bool)
	for _, txn := range txns {
		if txn.Kind == types.TxDefaultCoverage && txn.Status == types.TxBothConfirmed {
			covered[txn.FromMember] = true
		}
	}
	for _, txn := range txns {
		if txn.Kind != types.TxContribution {
			continue
		}
		switch txn.Status {
		case types.TxBothConfirmed:
		case types.TxCancelled:
			if !covered[txn.FromMember] {
				return false, nil
			}
		default:
			return false, nil
		}
	}
	return true, nil
}

func (f *FSM) verifyActor(ctx context.Context, txn *types.Transaction, party types.Party, actorRef string) error {
	memberID := txn.FromMember
	if party == types.PartyRecipient {
		memberID = txn.ToMember
	}
	m, err := f.db.Member(ctx, memberID)
	if err != nil {
		return db.ClassifyError(err)
	}
	if m.UserRef != actorRef {
		return types.NewFault(types.KindValidation, "actor_not_party").
			WithVar("party", string(party)).
			WithVar("actor", actorRef)
	}
	return nil
}

func (f *FSM) memberOf(ctx context.Context, groupID, memberID string) (*types.Member, error) {
	m, err := f.db.Member(ctx, memberID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if m.GroupID != groupID {
		return nil, types.NewFault(types.KindValidation, "member_not_in_group").WithVar("member", memberID)
	}
	return m, nil
}

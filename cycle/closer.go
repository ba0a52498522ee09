// Package cycle validates and applies cycle completion. Closing returns
// every held security deposit in one store transaction, so either the group
// flips to completed with all deposit_return instructions written or nothing
// changes. The no-loss audit runs before any write: a close that would leave
// an in-rotation member with net outflow above net inflow is refused.
package cycle

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/lock"
	"github.com/chamalabs/chama/money"
	"github.com/chamalabs/chama/types"
)

var log = logrus.WithField("prefix", "cycle")

var cyclesClosed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chama_cycles_closed_total",
	Help: "Count of groups that completed a full cycle.",
})

// Closer applies cycle completion for groups.
type Closer struct {
	db    iface.Database
	locks *lock.Manager
	bus   *feed.Bus
	clock clock.Clock
}

// Config holds the closer's dependencies.
type Config struct {
	Database iface.Database
	Locks    *lock.Manager
	Bus      *feed.Bus
	Clock    clock.Clock
}

// NewCloser instantiates a cycle closer.
func NewCloser(cfg *Config) *Closer {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Closer{db: cfg.Database, locks: cfg.Locks, bus: cfg.Bus, clock: c}
}

// MemberSummary is one member's totals over the closed cycle.
type MemberSummary struct {
	MemberID        string
	UserRef         string
	Position        int
	Contributed     decimal.Decimal
	Received        decimal.Decimal
	DepositReturned decimal.Decimal
}

// Summary is the outcome of a successful close.
type Summary struct {
	GroupID            string
	CompletedRotations int
	DepositsReturned   int
	Members            []MemberSummary
}

// Close completes the group's cycle under the cycle_close lease. All
// preconditions are re-validated inside the critical section.
func (c *Closer) Close(ctx context.Context, groupID string) (*Summary, error) {
	lease, err := c.locks.Acquire(ctx, types.LeaseCycleClose, groupID, 0)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	defer c.locks.Release(ctx, lease)

	g, err := c.db.Group(ctx, groupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if g.Status != types.GroupActive {
		return nil, types.NewFault(types.KindPrecondition, "group_not_active").WithVar("status", string(g.Status))
	}
	members, err := c.db.Members(ctx, groupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	txns, err := c.db.Transactions(ctx, groupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if err := checkPreconditions(g, members, txns); err != nil {
		return nil, err
	}

	now := c.clock.Now().UTC()
	var returns []*types.Transaction
	for _, m := range members {
		if !m.DepositSpendable() || !money.IsPositive(m.Deposit) {
			m.IsLockedIn = false
			m.UpdatedAt = now
			continue
		}
		returns = append(returns, &types.Transaction{
			ID:                   uuid.NewString(),
			GroupID:              groupID,
			Kind:                 types.TxDepositReturn,
			ToMember:             m.ID,
			Amount:               m.Deposit,
			Status:               types.TxBothConfirmed,
			SenderConfirmedAt:    &now,
			RecipientConfirmedAt: &now,
			RotationIndex:        g.CurrentRotationIndex,
			CreatedAt:            now,
			UpdatedAt:            now,
		})
		m.DepositStatus = types.DepositReturned
		m.IsLockedIn = false
		m.UpdatedAt = now
	}
	g.Status = types.GroupCompleted
	g.UpdatedAt = now

	if err := c.db.CommitCycleClose(ctx, g, members, returns); err != nil {
		return nil, db.ClassifyError(err)
	}

	cyclesClosed.Inc()
	log.WithFields(logrus.Fields{
		"group":     groupID,
		"rotations": g.CompletedRotations,
		"returns":   len(returns),
	}).Info("Cycle closed")
	c.bus.Send(&feed.Event{Type: feed.CycleClosed, Data: &feed.CycleClosedData{
		GroupID:            groupID,
		CompletedRotations: g.CompletedRotations,
		DepositsReturned:   len(returns),
	}})
	return buildSummary(g, members, append(txns, returns...)), nil
}

// checkPreconditions verifies the group may close: every in-rotation member
// has received their payout, removed members have settled their
// replenishment trail, enough rotations completed, no transaction is left
// non-terminal, and the no-loss audit holds.
func checkPreconditions(g *types.Group, members []*types.Member, txns []*types.Transaction) error {
	inRotation := 0
	for _, m := range members {
		if m.InRotation() {
			inRotation++
			if !m.HasReceivedPayout {
				return types.NewFault(types.KindPrecondition, "member_awaiting_payout").WithVar("member", m.ID)
			}
			continue
		}
		if money.IsPositive(m.ReplenishmentDue) {
			return types.NewFault(types.KindPrecondition, "replenishment_outstanding").WithVar("member", m.ID)
		}
	}
	if g.CompletedRotations < inRotation {
		return types.NewFault(types.KindPrecondition, "rotations_incomplete").
			WithVar("completed", decimal.NewFromInt(int64(g.CompletedRotations)).String()).
			WithVar("required", decimal.NewFromInt(int64(inRotation)).String())
	}
	for _, txn := range txns {
		if !txn.Status.Terminal() {
			return types.NewFault(types.KindPrecondition, "open_transactions").WithVar("transaction", txn.ID)
		}
	}
	if loser := noLossViolator(members, txns); loser != "" {
		return types.NewFault(types.KindInvariant, "no_loss_audit_failed").WithVar("member", loser)
	}
	return nil
}

// noLossViolator returns the first in-rotation member whose net outflow over
// the cycle would exceed net inflow after deposits return, or "" if the
// audit passes. Coverage drawn from a member's own deposit substitutes one
// of their contributions, so it offsets their deposits paid rather than
// counting as extra outflow. Members removed from the wheel forfeited their
// stake by defaulting; their trail is checked by the replenishment
// precondition instead.
func noLossViolator(members []*types.Member, txns []*types.Transaction) string {
	inflow := make(map[string]decimal.Decimal)
	outflow := make(map[string]decimal.Decimal)
	add := func(m map[string]decimal.Decimal, id string, amt decimal.Decimal) {
		if v, ok := m[id]; ok {
			m[id] = v.Add(amt)
		} else {
			m[id] = amt
		}
	}
	for _, txn := range txns {
		if txn.Status != types.TxBothConfirmed {
			continue
		}
		switch txn.Kind {
		case types.TxContribution:
			add(outflow, txn.FromMember, txn.Amount)
			add(inflow, txn.ToMember, txn.Amount)
		case types.TxDefaultCoverage:
			add(inflow, txn.ToMember, txn.Amount)
			add(outflow, txn.FromMember, txn.Amount.Neg())
		case types.TxSecurityDeposit:
			add(outflow, txn.FromMember, txn.Amount)
		case types.TxDepositReturn:
			add(inflow, txn.ToMember, txn.Amount)
		}
	}
	for _, m := range members {
		if !m.InRotation() {
			continue
		}
		in := inflow[m.ID]
		if m.DepositSpendable() {
			in = in.Add(m.Deposit)
		}
		out := outflow[m.ID]
		if in.LessThan(out) {
			return m.ID
		}
	}
	return ""
}

// buildSummary aggregates per-member totals from the transaction log,
// including the just-written deposit returns.
func buildSummary(g *types.Group, members []*types.Member, txns []*types.Transaction) *Summary {
	byID := make(map[string]*MemberSummary, len(members))
	s := &Summary{
		GroupID:            g.ID,
		CompletedRotations: g.CompletedRotations,
		Members:            make([]MemberSummary, 0, len(members)),
	}
	for _, m := range members {
		s.Members = append(s.Members, MemberSummary{
			MemberID:        m.ID,
			UserRef:         m.UserRef,
			Position:        m.Position,
			Contributed:     money.Zero,
			Received:        money.Zero,
			DepositReturned: money.Zero,
		})
		byID[m.ID] = &s.Members[len(s.Members)-1]
	}
	for _, txn := range txns {
		if txn.Status != types.TxBothConfirmed {
			continue
		}
		switch txn.Kind {
		case types.TxContribution, types.TxDefaultCoverage:
			if row, ok := byID[txn.FromMember]; ok {
				row.Contributed = row.Contributed.Add(txn.Amount)
			}
			if row, ok := byID[txn.ToMember]; ok {
				row.Received = row.Received.Add(txn.Amount)
			}
		case types.TxDepositReturn:
			if row, ok := byID[txn.ToMember]; ok {
				row.DepositReturned = row.DepositReturned.Add(txn.Amount)
				s.DepositsReturned++
			}
		}
	}
	return s
}

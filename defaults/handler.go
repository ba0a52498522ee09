// Package defaults turns a missed contribution into a covered one: the
// defaulting member's security deposit is debited, a default_coverage
// transaction is created already dual-confirmed, and the member is suspended
// and billed a replenishment requirement. Coverage is idempotent per
// (group, rotation_index, member), so a duplicate default signal changes
// nothing. When the deposit cannot cover the miss the group is halted for
// operator review.
package defaults

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/deposit"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/lock"
	"github.com/chamalabs/chama/money"
	"github.com/chamalabs/chama/types"
)

var log = logrus.WithField("prefix", "defaults")

var (
	defaultsHandled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_defaults_handled_total",
		Help: "Count of defaults covered from security deposits.",
	})
	groupsHalted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_groups_halted_total",
		Help: "Count of groups halted because a default could not be covered.",
	})
)

// Handler consumes ContributionDefaulted events and applies the coverage
// flow.
type Handler struct {
	ctx    context.Context
	cancel context.CancelFunc
	db     iface.Database
	locks  *lock.Manager
	bus    *feed.Bus
	clock  clock.Clock
}

// Config holds the handler's dependencies.
type Config struct {
	Database iface.Database
	Locks    *lock.Manager
	Bus      *feed.Bus
	Clock    clock.Clock
}

// NewHandler instantiates a default handler.
func NewHandler(ctx context.Context, cfg *Config) *Handler {
	ctx, cancel := context.WithCancel(ctx)
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Handler{
		ctx:    ctx,
		cancel: cancel,
		db:     cfg.Database,
		locks:  cfg.Locks,
		bus:    cfg.Bus,
		clock:  c,
	}
}

// Start subscribes to the bus and handles defaults as they are emitted.
func (h *Handler) Start() {
	go h.run()
}

func (h *Handler) run() {
	ch := make(chan *feed.Event, 64)
	sub := h.bus.Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-ch:
			if ev.Type != feed.ContributionDefaulted {
				continue
			}
			data, ok := ev.Data.(*feed.DefaultedData)
			if !ok {
				continue
			}
			if err := h.Handle(h.ctx, data); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"group":  data.GroupID,
					"member": data.MemberID,
				}).Error("Could not handle default")
			}
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Event subscription failed")
			}
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Handle covers one defaulted contribution. Safe to call more than once for
// the same default; only the first call changes state.
func (h *Handler) Handle(ctx context.Context, d *feed.DefaultedData) error {
	// Leases are taken in lexicographic (kind, resource) order:
	// default_handling < group_write < security_deposit < transaction_write.
	guard, err := h.locks.Acquire(ctx, types.LeaseDefaultHandling, d.GroupID+":"+d.MemberID, 0)
	if err != nil {
		return db.ClassifyError(err)
	}
	defer h.locks.Release(ctx, guard)

	g, err := h.db.Group(ctx, d.GroupID)
	if err != nil {
		return db.ClassifyError(err)
	}
	m, err := h.db.Member(ctx, d.MemberID)
	if err != nil {
		return db.ClassifyError(err)
	}
	if m.Status == types.MemberRemoved {
		return types.NewFault(types.KindPrecondition, "member_not_suspendable").WithVar("member", m.ID)
	}
	if covered, err := h.alreadyCovered(ctx, d); err != nil {
		return err
	} else if covered {
		return nil
	}
	if !m.DepositSpendable() || m.Deposit.LessThan(d.Amount) {
		return h.halt(ctx, g, m.ID, "insufficient_deposit")
	}

	removing := !m.HasReceivedPayout
	groupLease, err := h.locks.Acquire(ctx, types.LeaseGroupWrite, g.ID, 0)
	if err != nil {
		return db.ClassifyError(err)
	}
	defer h.locks.Release(ctx, groupLease)
	depositLease, err := h.locks.Acquire(ctx, types.LeaseSecurityDeposit, m.ID, 0)
	if err != nil {
		return db.ClassifyError(err)
	}
	defer h.locks.Release(ctx, depositLease)

	coverage := &types.Transaction{
		ID:            uuid.NewString(),
		GroupID:       g.ID,
		Kind:          types.TxDefaultCoverage,
		FromMember:    m.ID,
		ToMember:      d.RecipientID,
		Amount:        d.Amount,
		RotationIndex: d.RotationIndex,
	}
	txLease, err := h.locks.Acquire(ctx, types.LeaseTransactionWrite, coverage.ID, 0)
	if err != nil {
		return db.ClassifyError(err)
	}
	defer h.locks.Release(ctx, txLease)

	now := h.clock.Now().UTC()
	coverage.Status = types.TxBothConfirmed
	coverage.SenderConfirmedAt = &now
	coverage.RecipientConfirmedAt = &now
	coverage.CreatedAt = now
	coverage.UpdatedAt = now
	if err := h.db.SaveTransaction(ctx, coverage); err != nil {
		if errors.Is(err, db.ErrDuplicateCoverage) {
			// Another worker covered this default between our check and the
			// insert.
			return nil
		}
		return db.ClassifyError(err)
	}

	members, err := h.db.Members(ctx, g.ID)
	if err != nil {
		return db.ClassifyError(err)
	}
	// The replenishment bound runs against the wheel as it was before any
	// removal shifts positions.
	oldPos := m.Position
	n := deposit.RotationSize(g, members)

	// Debit the deposit and suspend.
	m.Deposit = m.Deposit.Sub(d.Amount)
	if m.Deposit.IsZero() {
		m.DepositStatus = types.DepositUsed
	} else {
		m.DepositStatus = types.DepositLocked
	}
	m.Status = types.MemberSuspended
	m.IsLockedIn = true
	m.UpdatedAt = now

	m.ReplenishmentDue = d.Amount
	if oldPos >= 1 && oldPos <= n {
		required, rerr := deposit.Required(g.Contribution, n, g.Multiplier, oldPos)
		if rerr == nil {
			due := required.Sub(m.Deposit)
			if money.IsNegative(due) {
				due = money.Zero
			}
			m.ReplenishmentDue = due
		}
	}

	if removing {
		m.Position = -1
		if err := h.shiftPositionsDown(ctx, m.ID, oldPos, members, now); err != nil {
			return err
		}
	}
	if err := h.db.SaveMember(ctx, m); err != nil {
		return db.ClassifyError(err)
	}

	defaultsHandled.Inc()
	log.WithFields(logrus.Fields{
		"group":   g.ID,
		"member":  m.ID,
		"amount":  d.Amount.String(),
		"removed": removing,
	}).Warn("Default covered from security deposit")
	h.bus.Send(&feed.Event{Type: feed.MemberSuspended, Data: &feed.SuspensionData{
		GroupID:          g.ID,
		MemberID:         m.ID,
		RemovedFromWheel: removing,
		ReplenishmentDue: m.ReplenishmentDue,
	}})
	return nil
}

// alreadyCovered reports whether a both_confirmed default_coverage row for
// this (group, rotation, member) already exists.
func (h *Handler) alreadyCovered(ctx context.Context, d *feed.DefaultedData) (bool, error) {
	txns, err := h.db.TransactionsByRotation(ctx, d.GroupID, d.RotationIndex)
	if err != nil {
		return false, db.ClassifyError(err)
	}
	for _, txn := range txns {
		if txn.Kind == types.TxDefaultCoverage && txn.FromMember == d.MemberID {
			return true, nil
		}
	}
	return false, nil
}

// shiftPositionsDown closes the gap a removal leaves: every member above the
// vacated position moves down by one so the wheel stays dense. Runs under
// group_write.
func (h *Handler) shiftPositionsDown(ctx context.Context, removedID string, vacated int, members []*types.Member, now time.Time) error {
	for _, other := range members {
		if other.ID == removedID || other.Position <= vacated {
			continue
		}
		other.Position--
		other.UpdatedAt = now
		if err := h.db.SaveMember(ctx, other); err != nil {
			return db.ClassifyError(err)
		}
	}
	return nil
}

// halt pauses the group and stops automatic writes pending operator review.
func (h *Handler) halt(ctx context.Context, g *types.Group, memberID, reason string) error {
	g.Status = types.GroupPaused
	if g.Metadata == nil {
		g.Metadata = make(map[string]string)
	}
	g.Metadata["halted_reason"] = reason
	g.Metadata["halted_member"] = memberID
	g.UpdatedAt = h.clock.Now().UTC()
	if err := h.db.SaveGroup(ctx, g); err != nil {
		return db.ClassifyError(err)
	}
	groupsHalted.Inc()
	log.WithFields(logrus.Fields{
		"group":  g.ID,
		"member": memberID,
		"reason": reason,
	}).Error("Group halted")
	h.bus.Send(&feed.Event{Type: feed.GroupHalted, Data: &feed.HaltData{
		GroupID:  g.ID,
		MemberID: memberID,
		Reason:   reason,
	}})
	return types.NewFault(types.KindInvariant, "insufficient_deposit").
		WithVar("group", g.ID).
		WithVar("member", memberID)
}

// Stop terminates the event loop.
func (h *Handler) Stop() error {
	h.cancel()
	return nil
}

// Status is always healthy while the context is live.
func (h *Handler) Status() error {
	if err := h.ctx.Err(); err != nil {
		return errors.Wrap(err, "default handler stopped")
	}
	return nil
}

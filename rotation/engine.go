// Package rotation owns position assignment and turn advancement. Rotation
// order is strictly ascending by position; the 0-based rotation index means
// the member at position index+1 receives the pot on the next advance. A
// member with position <= 0 has been removed from the wheel and never
// re-enters it within the cycle.
package rotation

import (
	"context"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/deposit"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/lock"
	"github.com/chamalabs/chama/types"
)

var log = logrus.WithField("prefix", "rotation")

var rotationsAdvanced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chama_rotations_advanced_total",
	Help: "Count of successful rotation advancements.",
})

// Settler reports whether every contribution of a rotation is settled,
// either dual-confirmed or covered by default handling.
type Settler interface {
	RotationSettled(ctx context.Context, groupID string, rotationIndex int) (bool, error)
}

// Engine serializes structural group mutations behind leases.
type Engine struct {
	db      iface.Database
	locks   *lock.Manager
	bus     *feed.Bus
	settler Settler
	clock   clock.Clock
}

// Config holds the engine's dependencies.
type Config struct {
	Database iface.Database
	Locks    *lock.Manager
	Bus      *feed.Bus
	Settler  Settler
	Clock    clock.Clock
}

// New instantiates a rotation engine.
func New(cfg *Config) *Engine {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Engine{
		db:      cfg.Database,
		locks:   cfg.Locks,
		bus:     cfg.Bus,
		settler: cfg.Settler,
		clock:   c,
	}
}

// Assignment is the outcome of a successful join.
type Assignment struct {
	Member          *types.Member
	Position        int
	RequiredDeposit decimal.Decimal
}

// Join admits a user to the group under the group_write lease: it picks the
// preferred position when free, otherwise the lowest unoccupied one, creates
// the member row in pending state and returns the deposit the position
// requires. preferred <= 0 means no preference.
func (e *Engine) Join(ctx context.Context, groupID, userRef string, preferred int) (*Assignment, error) {
	lease, err := e.locks.Acquire(ctx, types.LeaseGroupWrite, groupID, 0)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	defer e.locks.Release(ctx, lease)

	g, err := e.db.Group(ctx, groupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if !g.AcceptingMembers() {
		return nil, types.NewFault(types.KindPrecondition, "group_not_accepting_members").WithVar("group", groupID)
	}
	members, err := e.db.Members(ctx, groupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	for _, m := range members {
		if m.UserRef == userRef && m.Status != types.MemberRemoved {
			return nil, types.NewFault(types.KindPrecondition, "already_a_member").WithVar("user", userRef)
		}
	}

	position, err := e.AssignPosition(g, members, preferred)
	if err != nil {
		return nil, err
	}
	required, err := deposit.RequiredForPosition(g, position)
	if err != nil {
		return nil, types.WrapFault(types.KindValidation, "bad_group_config", err)
	}

	now := e.clock.Now().UTC()
	member := &types.Member{
		ID:            uuid.NewString(),
		GroupID:       groupID,
		UserRef:       userRef,
		Position:      position,
		Deposit:       decimal.Zero,
		DepositStatus: types.DepositPending,
		Status:        types.MemberPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// The last position covers no future rounds, so its required deposit is
	// zero and there is nothing to confirm.
	if required.IsZero() {
		member.DepositStatus = types.DepositConfirmed
		member.Status = types.MemberActive
	}
	if err := e.db.SaveMember(ctx, member); err != nil {
		return nil, db.ClassifyError(err)
	}
	g.MemberCount++
	g.UpdatedAt = now
	if err := e.db.SaveGroup(ctx, g); err != nil {
		return nil, db.ClassifyError(err)
	}

	e.bus.Send(&feed.Event{Type: feed.MemberJoined, Data: &feed.MemberJoinedData{
		GroupID:         groupID,
		MemberID:        member.ID,
		UserRef:         userRef,
		Position:        position,
		RequiredDeposit: required,
	}})
	return &Assignment{Member: member, Position: position, RequiredDeposit: required}, nil
}

// AssignPosition picks the rotation position for a new member: the preferred
// position when it lies in [1, limit] and is unoccupied, otherwise the lowest
// unoccupied one.
func (e *Engine) AssignPosition(g *types.Group, members []*types.Member, preferred int) (int, error) {
	occupied := make(map[int]bool, len(members))
	for _, m := range members {
		if m.InRotation() && m.Status != types.MemberRemoved {
			occupied[m.Position] = true
		}
	}
	if preferred >= 1 && preferred <= g.MemberLimit && !occupied[preferred] {
		return preferred, nil
	}
	for p := 1; p <= g.MemberLimit; p++ {
		if !occupied[p] {
			return p, nil
		}
	}
	return 0, types.NewFault(types.KindPrecondition, "group_full").WithVar("group", g.ID)
}

// EligibleForPayout reports whether the member may receive the pot: active,
// deposit confirmed, and not yet paid out.
func EligibleForPayout(m *types.Member) bool {
	return m.Status == types.MemberActive &&
		m.DepositStatus == types.DepositConfirmed &&
		!m.HasReceivedPayout
}

// Advance moves the rotation from expectedIndex to expectedIndex+1 under the
// rotation_advance lease and pays the member at position expectedIndex+1.
// A caller observing a different index fails with stale_expected_index and
// must not retry blindly; lease contention and version races are retryable
// conflicts.
func (e *Engine) Advance(ctx context.Context, groupID string, expectedIndex int) (int, error) {
	lease, err := e.locks.Acquire(ctx, types.LeaseRotationAdvance, groupID, 0)
	if err != nil {
		return 0, db.ClassifyError(err)
	}
	defer e.locks.Release(ctx, lease)

	g, err := e.db.Group(ctx, groupID)
	if err != nil {
		return 0, db.ClassifyError(err)
	}
	if g.Status != types.GroupActive {
		return g.CurrentRotationIndex, types.NewFault(types.KindPrecondition, "group_not_active").WithVar("status", string(g.Status))
	}
	if g.CurrentRotationIndex != expectedIndex {
		return g.CurrentRotationIndex, types.NewFault(types.KindPrecondition, "stale_expected_index").
			WithVar("expected", strconv.Itoa(expectedIndex)).
			WithVar("current", strconv.Itoa(g.CurrentRotationIndex))
	}

	members, err := e.db.Members(ctx, groupID)
	if err != nil {
		return 0, db.ClassifyError(err)
	}
	if g.CurrentRotationIndex == 0 {
		if err := e.checkFirstAdvance(g, members); err != nil {
			return 0, err
		}
	}
	settled, err := e.settler.RotationSettled(ctx, groupID, g.CurrentRotationIndex)
	if err != nil {
		return 0, db.ClassifyError(err)
	}
	if !settled {
		return g.CurrentRotationIndex, types.NewFault(types.KindPrecondition, "rotation_not_settled").
			WithVar("rotation", strconv.Itoa(g.CurrentRotationIndex))
	}

	recipient := memberAtPosition(members, expectedIndex+1)
	if recipient == nil {
		return g.CurrentRotationIndex, types.NewFault(types.KindPrecondition, "no_member_at_position").
			WithVar("position", strconv.Itoa(expectedIndex+1))
	}
	if !EligibleForPayout(recipient) {
		return g.CurrentRotationIndex, types.NewFault(types.KindPrecondition, "recipient_not_eligible").
			WithVar("member", recipient.ID)
	}

	now := e.clock.Now().UTC()
	g.CurrentRotationIndex++
	g.CompletedRotations++
	g.RotationStartedAt = now
	g.UpdatedAt = now
	recipient.HasReceivedPayout = true
	recipient.IsLockedIn = true
	recipient.DepositStatus = types.DepositLocked
	recipient.UpdatedAt = now
	if err := e.db.CommitRotationAdvance(ctx, g, recipient); err != nil {
		return 0, db.ClassifyError(err)
	}

	rotationsAdvanced.Inc()
	log.WithFields(logrus.Fields{
		"group":     groupID,
		"rotation":  g.CurrentRotationIndex,
		"recipient": recipient.ID,
	}).Info("Rotation advanced")
	e.bus.Send(&feed.Event{Type: feed.RotationAdvanced, Data: &feed.RotationData{
		GroupID:       groupID,
		RotationIndex: g.CurrentRotationIndex,
		RecipientID:   recipient.ID,
	}})
	return g.CurrentRotationIndex, nil
}

// checkFirstAdvance gates the very first advancement: the group must have
// reached its minimum size and every in-rotation member's deposit must meet
// the protective bound.
func (e *Engine) checkFirstAdvance(g *types.Group, members []*types.Member) error {
	inRotation := 0
	for _, m := range members {
		if m.InRotation() {
			inRotation++
		}
	}
	if inRotation < params.ChamaConfig().MinMembers {
		return types.NewFault(types.KindPrecondition, "too_few_members").
			WithVar("members", strconv.Itoa(inRotation)).
			WithVar("min", strconv.Itoa(params.ChamaConfig().MinMembers))
	}
	report, err := deposit.ValidateGroup(g, members)
	if err != nil {
		return types.WrapFault(types.KindValidation, "bad_group_config", err)
	}
	if !report.Sufficient {
		return types.NewFault(types.KindPrecondition, "deposits_insufficient").
			WithVar("system_gap", report.SystemGap.String())
	}
	return nil
}

// LeaveDecision is the answer to a request_leave command. Leaving is read
// only; a disallowed request changes no state.
type LeaveDecision struct {
	Allowed            bool
	Reason             string
	RemainingRotations int
}

// RequestLeave reports whether the member may leave the group now. Members
// who received their payout are locked in until cycle close; pending members
// and members of groups whose rotation has not started may always withdraw.
func (e *Engine) RequestLeave(ctx context.Context, memberID string) (*LeaveDecision, error) {
	m, err := e.db.Member(ctx, memberID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	g, err := e.db.Group(ctx, m.GroupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	members, err := e.db.Members(ctx, g.ID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	remaining := deposit.RotationSize(g, members) - g.CompletedRotations
	if remaining < 0 {
		remaining = 0
	}
	switch {
	case m.IsLockedIn:
		return &LeaveDecision{Allowed: false, Reason: "locked_in_until_cycle_close", RemainingRotations: remaining}, nil
	case m.Status == types.MemberPending || g.RotationStartedAt.IsZero():
		return &LeaveDecision{Allowed: true, RemainingRotations: remaining}, nil
	}
	return &LeaveDecision{Allowed: false, Reason: "rotation_in_progress", RemainingRotations: remaining}, nil
}

func memberAtPosition(members []*types.Member, position int) *types.Member {
	for _, m := range members {
		if m.Position == position {
			return m
		}
	}
	return nil
}


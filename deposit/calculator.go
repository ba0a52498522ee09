// Package deposit computes the protective security deposit each member must
// post. A member at 1-based position p in a group of N owes exactly N-p
// future contributions after receiving the pot, so a deposit of
// ceil_to_cent(c * (N-p) * multiplier) bounds their worst-case residual
// liability and no other member can lose principal.
package deposit

import (
	"github.com/chamalabs/chama/money"
	"github.com/chamalabs/chama/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPosition is returned when a position is outside [1, N].
	ErrInvalidPosition = errors.New("position outside of rotation range")
	// ErrInvalidGroup is returned for groups with fewer than two members or
	// a non-positive contribution amount.
	ErrInvalidGroup = errors.New("group has too few members or non-positive contribution")
)

// Required computes the protective deposit for position p in a group of n
// members with per-rotation contribution c and deposit multiplier m, rounded
// up at cent precision. The last position owes nothing.
func Required(c decimal.Decimal, n int, m decimal.Decimal, p int) (decimal.Decimal, error) {
	if n < 2 || !money.IsPositive(c) {
		return money.Zero, ErrInvalidGroup
	}
	if p < 1 || p > n {
		return money.Zero, ErrInvalidPosition
	}
	remaining := decimal.NewFromInt(int64(n - p))
	return money.CeilToCent(c.Mul(remaining).Mul(m)), nil
}

// RequiredForPosition computes the protective deposit for a position using
// the group's configuration.
func RequiredForPosition(g *types.Group, position int) (decimal.Decimal, error) {
	return Required(g.Contribution, g.MemberLimit, g.Multiplier, position)
}

// MaxLossIfDefaults returns the worst-case amount the rest of the group is
// exposed to if the member at the given position stops paying after their
// payout: c * (N - p). The multiplier only inflates the deposit bound, never
// the exposure.
func MaxLossIfDefaults(g *types.Group, position int) (decimal.Decimal, error) {
	if g.MemberLimit < 2 || !money.IsPositive(g.Contribution) {
		return money.Zero, ErrInvalidGroup
	}
	if position < 1 || position > g.MemberLimit {
		return money.Zero, ErrInvalidPosition
	}
	remaining := decimal.NewFromInt(int64(g.MemberLimit - position))
	return g.Contribution.Mul(remaining), nil
}

// MemberRequirement is one row of a group validation report.
type MemberRequirement struct {
	MemberID string
	Position int
	Actual   decimal.Decimal
	Required decimal.Decimal
	Gap      decimal.Decimal
}

// ValidationReport summarizes whether every in-rotation member's posted
// deposit meets the protective bound.
type ValidationReport struct {
	Sufficient bool
	PerMember  []MemberRequirement
	SystemGap  decimal.Decimal
}

// RotationSize returns the N the deposit formula runs against: the member
// limit while the group is still filling, and the count of in-rotation
// members once the first rotation has started (removals shrink the wheel and
// shift positions down, which keeps N-p stable for everyone remaining).
func RotationSize(g *types.Group, members []*types.Member) int {
	if g.RotationStartedAt.IsZero() {
		return g.MemberLimit
	}
	n := 0
	for _, m := range members {
		if m.InRotation() {
			n++
		}
	}
	return n
}

// ValidateGroup checks each in-rotation member's posted deposit against the
// required bound. Members removed from rotation (position <= 0) are skipped;
// their exposure is already covered by the default-handling trail.
func ValidateGroup(g *types.Group, members []*types.Member) (*ValidationReport, error) {
	if g.MemberLimit < 2 || !money.IsPositive(g.Contribution) {
		return nil, ErrInvalidGroup
	}
	n := RotationSize(g, members)
	report := &ValidationReport{Sufficient: true, SystemGap: money.Zero}
	for _, m := range members {
		if !m.InRotation() {
			continue
		}
		required, err := Required(g.Contribution, n, g.Multiplier, m.Position)
		if err != nil {
			return nil, errors.Wrapf(err, "member %s at position %d", m.ID, m.Position)
		}
		gap := required.Sub(m.Deposit)
		if gap.Sign() < 0 {
			gap = money.Zero
		}
		if gap.Sign() > 0 {
			report.Sufficient = false
			report.SystemGap = report.SystemGap.Add(gap)
		}
		report.PerMember = append(report.PerMember, MemberRequirement{
			MemberID: m.ID,
			Position: m.Position,
			Actual:   m.Deposit,
			Required: required,
			Gap:      gap,
		})
	}
	return report, nil
}

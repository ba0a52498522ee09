package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositStatus is the state of a member's protective deposit.
//
// Progression: pending -> confirmed -> {locked | used | returned}. A deposit
// that was used to cover a default must be replenished back to confirmed
// before the member can be reactivated.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	DepositLocked    DepositStatus = "locked"
	DepositUsed      DepositStatus = "used"
	DepositReturned  DepositStatus = "returned"
)

// MemberStatus is the participation state of a member within a group.
type MemberStatus string

const (
	MemberPending   MemberStatus = "pending"
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberRemoved   MemberStatus = "removed"
)

// Member is a participant in one group. Position is 1-based; zero or a
// negative position means the member has been removed from rotation but is
// kept for accounting. Members are never physically deleted after cycle
// start.
type Member struct {
	ID                string          `json:"id"`
	GroupID           string          `json:"group_id"`
	UserRef           string          `json:"user_ref"`
	Position          int             `json:"position"`
	Deposit           decimal.Decimal `json:"deposit"`
	DepositStatus     DepositStatus   `json:"deposit_status"`
	HasReceivedPayout bool            `json:"has_received_payout"`
	IsLockedIn        bool            `json:"is_locked_in"`
	Status            MemberStatus    `json:"status"`
	ReplenishmentDue  decimal.Decimal `json:"replenishment_due"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           uint64          `json:"version"`
}

// InRotation reports whether the member still holds a rotation position.
func (m *Member) InRotation() bool {
	return m.Position > 0
}

// DepositSpendable reports whether the deposit may be drawn on to cover a
// default.
func (m *Member) DepositSpendable() bool {
	return m.DepositStatus == DepositConfirmed || m.DepositStatus == DepositLocked
}

// Copy returns a deep copy of the member.
func (m *Member) Copy() *Member {
	if m == nil {
		return nil
	}
	dup := *m
	return &dup
}

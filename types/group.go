// Package types defines the persisted record types of the ROSCA engine:
// groups, members, transactions, leases and audit events. Records carry a
// monotonically increasing Version used for conditional writes; a save with
// a stale version is rejected by the store.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Period is the rotation cadence of a group.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// GroupStatus is the lifecycle state of a group.
type GroupStatus string

const (
	GroupActive    GroupStatus = "active"
	GroupPaused    GroupStatus = "paused"
	GroupCompleted GroupStatus = "completed"
	GroupCancelled GroupStatus = "cancelled"
)

// Group is one savings pool. CurrentRotationIndex is 0-based; index 0 means
// nobody has received the pot yet. RotationStartedAt is recorded whenever the
// index changes and anchors all contribution deadlines for that rotation.
type Group struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	AdminRef             string            `json:"admin_ref"`
	Contribution         decimal.Decimal   `json:"contribution"`
	Period               Period            `json:"period"`
	MemberLimit          int               `json:"member_limit"`
	Multiplier           decimal.Decimal   `json:"multiplier"`
	Tier                 string            `json:"tier"`
	Status               GroupStatus       `json:"status"`
	CurrentRotationIndex int               `json:"current_rotation_index"`
	CompletedRotations   int               `json:"completed_rotations"`
	RotationStartedAt    time.Time         `json:"rotation_started_at"`
	MemberCount          int               `json:"member_count"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Version              uint64            `json:"version"`
}

// AcceptingMembers reports whether new members may still join: the group is
// active, below its limit, and the first rotation has not started.
func (g *Group) AcceptingMembers() bool {
	return g.Status == GroupActive && g.MemberCount < g.MemberLimit && g.CurrentRotationIndex == 0 && g.RotationStartedAt.IsZero()
}

// Copy returns a deep copy of the group.
func (g *Group) Copy() *Group {
	if g == nil {
		return nil
	}
	dup := *g
	if g.Metadata != nil {
		dup.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Package feed defines the domain events the engine fans out to its
// subscribers (timer dispatcher, default handler, notification and audit
// sinks) and the bus that carries them.
package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the kind of a domain event.
type EventType int

const (
	// GroupCreated is sent after a group row is first written.
	GroupCreated EventType = iota + 1
	// MemberJoined is sent after a member is assigned a rotation position.
	MemberJoined
	// DepositConfirmed is sent when a member's security deposit reaches the
	// required amount.
	DepositConfirmed
	// ContributionRecorded is sent when a contribution transaction is
	// created for the current rotation.
	ContributionRecorded
	// ContributionCompleted is sent exactly once when a contribution
	// reaches both_confirmed.
	ContributionCompleted
	// ContributionReminder is sent ahead of a contribution deadline.
	// Reminders never change state.
	ContributionReminder
	// ContributionDefaulted is sent when a contribution deadline elapses
	// without dual confirmation.
	ContributionDefaulted
	// RotationReadyToAdvance is sent when the last outstanding contribution
	// of the current rotation settles.
	RotationReadyToAdvance
	// RotationAdvanced is sent after the rotation index moves forward.
	RotationAdvanced
	// MemberSuspended is sent after default handling suspends a member.
	MemberSuspended
	// ReplenishmentReceived is sent when a suspended member tops their
	// deposit back up.
	ReplenishmentReceived
	// GroupHalted is sent when default handling cannot cover a missed
	// contribution; automatic writes to the group stop.
	GroupHalted
	// CycleClosed is sent after a successful cycle completion.
	CycleClosed
	// GroupPaused is sent when an admin pauses the group.
	GroupPaused
	// GroupResumed is sent when an admin resumes a paused group.
	GroupResumed
	// GroupCancelled is sent when a group is cancelled before its first
	// rotation.
	GroupCancelled
	// AuditFinding is sent for every consistency-audit finding.
	AuditFinding
)

// Event is the data passed on the bus.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// Data is event-specific data, one of the *Data structs below.
	Data interface{}
}

// GroupData accompanies group lifecycle events.
type GroupData struct {
	GroupID  string
	AdminRef string
}

// MemberJoinedData is the data sent with MemberJoined events.
type MemberJoinedData struct {
	GroupID         string
	MemberID        string
	UserRef         string
	Position        int
	RequiredDeposit decimal.Decimal
}

// DepositConfirmedData is the data sent with DepositConfirmed events.
type DepositConfirmedData struct {
	GroupID  string
	MemberID string
	Amount   decimal.Decimal
}

// ContributionData accompanies ContributionRecorded and
// ContributionCompleted events.
type ContributionData struct {
	GroupID       string
	TransactionID string
	FromMember    string
	ToMember      string
	Amount        decimal.Decimal
	RotationIndex int
	DeadlineAt    time.Time
}

// ReminderData is the data sent with ContributionReminder events.
type ReminderData struct {
	GroupID       string
	TransactionID string
	FromMember    string
	DeadlineAt    time.Time
	Remaining     time.Duration
}

// DefaultedData is the data sent with ContributionDefaulted events.
type DefaultedData struct {
	GroupID       string
	TransactionID string
	MemberID      string
	RecipientID   string
	Amount        decimal.Decimal
	RotationIndex int
}

// RotationData accompanies rotation events.
type RotationData struct {
	GroupID       string
	RotationIndex int
	RecipientID   string
}

// SuspensionData is the data sent with MemberSuspended events.
type SuspensionData struct {
	GroupID          string
	MemberID         string
	RemovedFromWheel bool
	ReplenishmentDue decimal.Decimal
}

// ReplenishmentData is the data sent with ReplenishmentReceived events.
type ReplenishmentData struct {
	GroupID    string
	MemberID   string
	Amount     decimal.Decimal
	Reinstated bool
}

// HaltData is the data sent with GroupHalted events.
type HaltData struct {
	GroupID  string
	MemberID string
	Reason   string
}

// CycleClosedData is the data sent with CycleClosed events.
type CycleClosedData struct {
	GroupID            string
	CompletedRotations int
	DepositsReturned   int
}

// AuditFindingData is the data sent with AuditFinding events.
type AuditFindingData struct {
	GroupID  string
	Code     string
	Severity string
	Message  string
}

// Package params defines the operating constants of the ROSCA engine:
// contribution deadlines per period, reminder offsets, lease TTLs, tier
// member caps and retry policy. Services read the process-wide value through
// ChamaConfig; tests override it with OverrideChamaConfig or
// SetupTestConfigCleanup.
package params

import (
	"time"

	"github.com/chamalabs/chama/types"
	"github.com/shopspring/decimal"
)

// ChamaEngineConfig contains constant configs for the ROSCA engine services.
type ChamaEngineConfig struct {
	// Rotation deadlines. A contribution must be dual-confirmed within the
	// deadline of its group's period, measured from rotation_started_at.
	ContributionDeadlines map[types.Period]time.Duration
	// ReminderOffsets are emitted before the deadline, largest first.
	// Reminders never change state.
	ReminderOffsets []time.Duration

	// Membership bounds.
	MinMembers     int
	TierMemberCaps map[string]int
	DefaultTier    string

	// Currency is the ISO 4217 code stamped on payout instructions.
	Currency string

	// Deposit multiplier bounds, inclusive.
	MultiplierMin decimal.Decimal
	MultiplierMax decimal.Decimal

	// Lease TTLs. DefaultLeaseTTL strictly exceeds the longest expected
	// critical section; confirmation paths use the shorter TTL.
	DefaultLeaseTTL time.Duration
	ConfirmLeaseTTL time.Duration

	// Retry policy for conflict and transient failures.
	RetryBaseDelay   time.Duration
	RetryMaxAttempts uint64

	// Background sweep intervals.
	LeaseReapInterval time.Duration
	AuditInterval     time.Duration
	OutboxInterval    time.Duration

	// ClockSkewTolerance bounds how far in the future a created_at may sit
	// before the auditor flags it.
	ClockSkewTolerance time.Duration
}

// DeadlineFor returns the contribution deadline duration for the period.
func (c *ChamaEngineConfig) DeadlineFor(p types.Period) time.Duration {
	if d, ok := c.ContributionDeadlines[p]; ok {
		return d
	}
	return c.ContributionDeadlines[types.PeriodWeekly]
}

// MemberCap returns the member limit ceiling for a tier, falling back to the
// default tier's cap for unknown tiers.
func (c *ChamaEngineConfig) MemberCap(tier string) int {
	if limit, ok := c.TierMemberCaps[tier]; ok {
		return limit
	}
	return c.TierMemberCaps[c.DefaultTier]
}

// Copy returns a deep copy of the config object.
func (c *ChamaEngineConfig) Copy() *ChamaEngineConfig {
	dup := *c
	dup.ContributionDeadlines = make(map[types.Period]time.Duration, len(c.ContributionDeadlines))
	for k, v := range c.ContributionDeadlines {
		dup.ContributionDeadlines[k] = v
	}
	dup.TierMemberCaps = make(map[string]int, len(c.TierMemberCaps))
	for k, v := range c.TierMemberCaps {
		dup.TierMemberCaps[k] = v
	}
	dup.ReminderOffsets = append([]time.Duration(nil), c.ReminderOffsets...)
	return &dup
}

package params

import (
	"time"

	"github.com/chamalabs/chama/types"
	"github.com/shopspring/decimal"
)

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() *ChamaEngineConfig {
	return defaultChamaConfig.Copy()
}

var defaultChamaConfig = &ChamaEngineConfig{
	ContributionDeadlines: map[types.Period]time.Duration{
		types.PeriodDaily:   24 * time.Hour,
		types.PeriodWeekly:  168 * time.Hour,
		types.PeriodMonthly: 720 * time.Hour,
	},
	ReminderOffsets: []time.Duration{
		24 * time.Hour,
		6 * time.Hour,
		1 * time.Hour,
	},

	MinMembers:  3,
	DefaultTier: "basic",
	TierMemberCaps: map[string]int{
		"basic":    10,
		"standard": 25,
		"premium":  50,
	},

	Currency: "KES",

	MultiplierMin: decimal.RequireFromString("0.5"),
	MultiplierMax: decimal.RequireFromString("3.0"),

	DefaultLeaseTTL: 5 * time.Minute,
	ConfirmLeaseTTL: 1 * time.Minute,

	RetryBaseDelay:   50 * time.Millisecond,
	RetryMaxAttempts: 6,

	LeaseReapInterval: 30 * time.Second,
	AuditInterval:     10 * time.Minute,
	OutboxInterval:    time.Minute,

	ClockSkewTolerance: 5 * time.Minute,
}

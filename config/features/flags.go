package features

import (
	"github.com/urfave/cli/v2"
)

var (
	enforceTierCapsFlag = &cli.BoolFlag{
		Name:  "enforce-tier-caps",
		Usage: "Reject group creation whose member limit exceeds the tier cap",
	}
	disableRemindersFlag = &cli.BoolFlag{
		Name:  "disable-reminders",
		Usage: "Do not emit pre-deadline contribution reminder events",
	}
	disableAutoCorrectFlag = &cli.BoolFlag{
		Name:  "disable-auto-correct",
		Usage: "Run the consistency auditor in report-only mode",
	}
	enablePayoutOutboxFlag = &cli.BoolFlag{
		Name:  "enable-payout-outbox",
		Usage: "Periodically re-emit payment instructions that have no gateway reference yet",
	}
	strictClockSkewFlag = &cli.BoolFlag{
		Name:  "strict-clock-skew",
		Usage: "Escalate future-dated records from warning to error in audits",
	}
)

// Flags is the list of engine feature flags for the chamad command.
var EngineFlags = []cli.Flag{
	enforceTierCapsFlag,
	disableRemindersFlag,
	disableAutoCorrectFlag,
	enablePayoutOutboxFlag,
	strictClockSkewFlag,
}

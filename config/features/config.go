/*
Package features defines which optional behaviors are enabled at runtime.

The process for adding a feature is:
 1. Add a CMD flag in flags.go and place it in Flags.
 2. Add a condition for the flag in ConfigureChama below.
 3. Gate the new behavior on the field in the Flags struct.
 4. Use InitWithReset in tests that need the flag enabled:

	resetCfg := features.InitWithReset(&features.Flags{EnforceTierCaps: true})
	defer resetCfg()
*/
package features

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "features")

// Flags is a struct to represent which features the engine will perform at
// runtime.
type Flags struct {
	EnforceTierCaps    bool // EnforceTierCaps rejects group creation above the tier's member cap.
	DisableReminders   bool // DisableReminders suppresses pre-deadline reminder events.
	DisableAutoCorrect bool // DisableAutoCorrect makes the consistency auditor report-only.
	EnablePayoutOutbox bool // EnablePayoutOutbox re-emits unacknowledged payment instructions periodically.
	StrictClockSkew    bool // StrictClockSkew escalates future-dated records from warning to error.
}

var featureConfig *Flags

// Get retrieves the feature config.
func Get() *Flags {
	if featureConfig == nil {
		return &Flags{}
	}
	return featureConfig
}

// Init sets the global feature config.
func Init(c *Flags) {
	featureConfig = c
}

// InitWithReset sets the global config and returns a function that resets it
// to the previous value. Used in tests.
func InitWithReset(c *Flags) func() {
	var prevConfig Flags
	if featureConfig != nil {
		prevConfig = *featureConfig
	}
	resetFunc := func() {
		Init(&prevConfig)
	}
	Init(c)
	return resetFunc
}

// ConfigureChama sets the global flags from the parsed CLI context.
func ConfigureChama(ctx *cli.Context) {
	cfg := &Flags{}
	if ctx.Bool(enforceTierCapsFlag.Name) {
		log.Warn("Enforcing tier member caps")
		cfg.EnforceTierCaps = true
	}
	if ctx.Bool(disableRemindersFlag.Name) {
		log.Warn("Contribution reminders disabled")
		cfg.DisableReminders = true
	}
	if ctx.Bool(disableAutoCorrectFlag.Name) {
		log.Warn("Auditor auto-correction disabled; findings are report-only")
		cfg.DisableAutoCorrect = true
	}
	if ctx.Bool(enablePayoutOutboxFlag.Name) {
		cfg.EnablePayoutOutbox = true
	}
	if ctx.Bool(strictClockSkewFlag.Name) {
		cfg.StrictClockSkew = true
	}
	Init(cfg)
}

// Package auditor scans persisted state for invariant violations: orphaned
// references, negative balances, confirmation-status asymmetry, positions
// outside the wheel, under-collateralized deposits and future-dated rows.
// Findings are appended to the audit log and fanned out on the bus. The
// auto-correctable subset is deliberately small; everything else is reported,
// never guessed.
package auditor

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/async"
	"github.com/chamalabs/chama/config/features"
	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/deposit"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/money"
	"github.com/chamalabs/chama/types"
)

var log = logrus.WithField("prefix", "auditor")

var findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chama_audit_findings_total",
	Help: "Count of consistency audit findings, by severity.",
}, []string{"severity"})

// Finding is one detected inconsistency.
type Finding struct {
	GroupID  string
	Code     string
	Severity types.Severity
	Message  string
	Fixed    bool
}

// Report is the outcome of one audit pass.
type Report struct {
	GroupsScanned int
	Findings      []Finding
	Fixed         int
}

// Auditor runs consistency scans periodically and on demand.
type Auditor struct {
	ctx    context.Context
	cancel context.CancelFunc
	db     iface.Database
	bus    *feed.Bus
	clock  clock.Clock
}

// Config holds the auditor's dependencies.
type Config struct {
	Database iface.Database
	Bus      *feed.Bus
	Clock    clock.Clock
}

// New instantiates an auditor.
func New(ctx context.Context, cfg *Config) *Auditor {
	ctx, cancel := context.WithCancel(ctx)
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Auditor{ctx: ctx, cancel: cancel, db: cfg.Database, bus: cfg.Bus, clock: c}
}

// Start launches the periodic scan over all groups.
func (a *Auditor) Start() {
	async.RunEvery(a.ctx, params.ChamaConfig().AuditInterval, func() {
		report, err := a.Audit(a.ctx, "")
		if err != nil {
			log.WithError(err).Error("Periodic audit failed")
			return
		}
		if len(report.Findings) > 0 {
			log.WithFields(logrus.Fields{
				"groups":   report.GroupsScanned,
				"findings": len(report.Findings),
				"fixed":    report.Fixed,
			}).Warn("Audit pass found inconsistencies")
		}
	})
}

// Audit scans one group, or every group when scope is empty.
func (a *Auditor) Audit(ctx context.Context, scope string) (*Report, error) {
	var groups []*types.Group
	if scope != "" {
		g, err := a.db.Group(ctx, scope)
		if err != nil {
			return nil, db.ClassifyError(err)
		}
		groups = []*types.Group{g}
	} else {
		var err error
		groups, err = a.db.Groups(ctx)
		if err != nil {
			return nil, db.ClassifyError(err)
		}
	}
	report := &Report{GroupsScanned: len(groups)}
	for _, g := range groups {
		if err := a.auditGroup(ctx, g, report); err != nil {
			return nil, err
		}
	}
	if scope == "" {
		if err := a.auditOrphanedMembers(ctx, groups, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// auditOrphanedMembers flags member rows whose group no longer exists. Only a
// full scan can see them: the per-group passes walk the group-members index
// and never load a member outside a known group. There is no auto-fix;
// reattaching or deleting a row that may carry a balance is an operator call.
func (a *Auditor) auditOrphanedMembers(ctx context.Context, groups []*types.Group, report *Report) error {
	members, err := a.db.AllMembers(ctx)
	if err != nil {
		return db.ClassifyError(err)
	}
	known := make(map[string]bool, len(groups))
	for _, g := range groups {
		known[g.ID] = true
	}
	for _, m := range members {
		if !known[m.GroupID] {
			a.record(ctx, report, Finding{
				GroupID:  m.GroupID,
				Code:     "orphaned_member",
				Severity: types.SeverityError,
				Message:  fmt.Sprintf("member %s references missing group %s", m.ID, m.GroupID),
			})
		}
	}
	return nil
}

func (a *Auditor) auditGroup(ctx context.Context, g *types.Group, report *Report) error {
	members, err := a.db.Members(ctx, g.ID)
	if err != nil {
		return db.ClassifyError(err)
	}
	txns, err := a.db.Transactions(ctx, g.ID)
	if err != nil {
		return db.ClassifyError(err)
	}
	memberIDs := make(map[string]bool, len(members))
	activeCount := 0
	for _, m := range members {
		memberIDs[m.ID] = true
		if m.InRotation() {
			activeCount++
		}
	}

	a.auditMembers(ctx, g, members, activeCount, report)
	a.auditTransactions(ctx, g, memberIDs, txns, report)
	a.auditDeposits(ctx, g, members, report)
	return nil
}

func (a *Auditor) auditMembers(ctx context.Context, g *types.Group, members []*types.Member, activeCount int, report *Report) {
	skew := params.ChamaConfig().ClockSkewTolerance
	now := a.clock.Now().UTC()
	for _, m := range members {
		if money.IsNegative(m.Deposit) {
			fixed := a.clampNegativeDeposit(ctx, m)
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "negative_deposit",
				Severity: types.SeverityCritical,
				Message:  fmt.Sprintf("member %s holds negative deposit %s", m.ID, m.Deposit),
				Fixed:    fixed,
			})
		}
		if m.Status == types.MemberActive && m.InRotation() && m.Position > activeCount {
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "position_out_of_range",
				Severity: types.SeverityError,
				Message:  fmt.Sprintf("member %s at position %d of %d", m.ID, m.Position, activeCount),
			})
		}
		if m.CreatedAt.After(now.Add(skew)) {
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "future_created_at",
				Severity: skewSeverity(),
				Message:  fmt.Sprintf("member %s created_at %s is in the future", m.ID, m.CreatedAt),
			})
		}
	}
}

func (a *Auditor) auditTransactions(ctx context.Context, g *types.Group, memberIDs map[string]bool, txns []*types.Transaction, report *Report) {
	skew := params.ChamaConfig().ClockSkewTolerance
	now := a.clock.Now().UTC()
	for _, txn := range txns {
		if txn.FromMember != "" && !memberIDs[txn.FromMember] {
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "orphaned_transaction",
				Severity: types.SeverityError,
				Message:  fmt.Sprintf("transaction %s references missing member %s", txn.ID, txn.FromMember),
			})
		}
		if txn.ToMember != "" && !memberIDs[txn.ToMember] {
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "orphaned_transaction",
				Severity: types.SeverityError,
				Message:  fmt.Sprintf("transaction %s references missing member %s", txn.ID, txn.ToMember),
			})
		}
		if derived := txn.DeriveStatus(); derived != txn.Status {
			fixed := a.fixConfirmationStatus(ctx, txn, derived)
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "confirmation_asymmetry",
				Severity: types.SeverityError,
				Message:  fmt.Sprintf("transaction %s status %s but timestamps imply %s", txn.ID, txn.Status, derived),
				Fixed:    fixed,
			})
		}
		if txn.CreatedAt.After(now.Add(skew)) {
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "future_created_at",
				Severity: skewSeverity(),
				Message:  fmt.Sprintf("transaction %s created_at %s is in the future", txn.ID, txn.CreatedAt),
			})
		}
	}
}

func (a *Auditor) auditDeposits(ctx context.Context, g *types.Group, members []*types.Member, report *Report) {
	validation, err := deposit.ValidateGroup(g, members)
	if err != nil {
		a.record(ctx, report, Finding{
			GroupID:  g.ID,
			Code:     "invalid_group_config",
			Severity: types.SeverityError,
			Message:  err.Error(),
		})
		return
	}
	for _, row := range validation.PerMember {
		if row.Gap.Sign() > 0 {
			a.record(ctx, report, Finding{
				GroupID:  g.ID,
				Code:     "deposit_below_required",
				Severity: types.SeverityWarning,
				Message: fmt.Sprintf("member %s at position %d holds %s of required %s",
					row.MemberID, row.Position, row.Actual, row.Required),
			})
		}
	}
	a.recomputeReplenishment(ctx, g, members, validation, report)
}

// recomputeReplenishment rewrites a suspended member's persisted
// replenishment figure when it disagrees with the gap recomputed from the
// group's configuration and current positions. The figure is derived state,
// so rewriting it loses nothing. An active member's shortfall stays
// report-only: closing it takes actual money from the member.
func (a *Auditor) recomputeReplenishment(ctx context.Context, g *types.Group, members []*types.Member, validation *deposit.ValidationReport, report *Report) {
	gaps := make(map[string]decimal.Decimal, len(validation.PerMember))
	for _, row := range validation.PerMember {
		gaps[row.MemberID] = row.Gap
	}
	for _, m := range members {
		if m.Status != types.MemberSuspended {
			continue
		}
		want, ok := gaps[m.ID]
		if !ok || m.ReplenishmentDue.Equal(want) {
			continue
		}
		got := m.ReplenishmentDue
		fixed := a.fixReplenishmentDue(ctx, m, want)
		a.record(ctx, report, Finding{
			GroupID:  g.ID,
			Code:     "stale_replenishment_due",
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("member %s owes replenishment %s but %s is recorded", m.ID, want, got),
			Fixed:    fixed,
		})
	}
}

// clampNegativeDeposit zeroes a negative balance. Version races are left for
// the next pass.
func (a *Auditor) clampNegativeDeposit(ctx context.Context, m *types.Member) bool {
	if features.Get().DisableAutoCorrect {
		return false
	}
	m.Deposit = money.Zero
	m.UpdatedAt = a.clock.Now().UTC()
	if err := a.db.SaveMember(ctx, m); err != nil {
		log.WithError(err).WithField("member", m.ID).Error("Could not clamp negative deposit")
		return false
	}
	return true
}

func (a *Auditor) fixReplenishmentDue(ctx context.Context, m *types.Member, want decimal.Decimal) bool {
	if features.Get().DisableAutoCorrect {
		return false
	}
	m.ReplenishmentDue = want
	m.UpdatedAt = a.clock.Now().UTC()
	if err := a.db.SaveMember(ctx, m); err != nil {
		log.WithError(err).WithField("member", m.ID).Error("Could not recompute replenishment due")
		return false
	}
	return true
}

// fixConfirmationStatus rewrites a status that disagrees with the recorded
// timestamps. Timestamps are the source of truth; cancellation is terminal
// and never overwritten.
func (a *Auditor) fixConfirmationStatus(ctx context.Context, txn *types.Transaction, derived types.ConfirmationStatus) bool {
	if features.Get().DisableAutoCorrect || txn.Status == types.TxCancelled {
		return false
	}
	txn.Status = derived
	txn.UpdatedAt = a.clock.Now().UTC()
	if err := a.db.SaveTransaction(ctx, txn); err != nil {
		log.WithError(err).WithField("transaction", txn.ID).Error("Could not fix confirmation status")
		return false
	}
	return true
}

func skewSeverity() types.Severity {
	if features.Get().StrictClockSkew {
		return types.SeverityError
	}
	return types.SeverityWarning
}

func (a *Auditor) record(ctx context.Context, report *Report, f Finding) {
	report.Findings = append(report.Findings, f)
	if f.Fixed {
		report.Fixed++
	}
	findingsTotal.WithLabelValues(string(f.Severity)).Inc()
	ev := &types.AuditEvent{
		ID:        uuid.NewString(),
		GroupID:   f.GroupID,
		Kind:      f.Code,
		Severity:  f.Severity,
		Message:   f.Message,
		CreatedAt: a.clock.Now().UTC(),
	}
	if f.Fixed {
		ev.Vars = map[string]string{"auto_fixed": "true"}
	}
	if err := a.db.SaveAuditEvent(ctx, ev); err != nil {
		log.WithError(err).Error("Could not append audit event")
	}
	a.bus.Send(&feed.Event{Type: feed.AuditFinding, Data: &feed.AuditFindingData{
		GroupID:  f.GroupID,
		Code:     f.Code,
		Severity: string(f.Severity),
		Message:  f.Message,
	}})
}

// Stop terminates the periodic scan.
func (a *Auditor) Stop() error {
	a.cancel()
	return nil
}

// Status is always healthy while the context is live.
func (a *Auditor) Status() error {
	if err := a.ctx.Err(); err != nil {
		return errors.Wrap(err, "auditor stopped")
	}
	return nil
}

package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/auditor"
	"github.com/chamalabs/chama/config/features"
	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/cycle"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/deposit"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/money"
	"github.com/chamalabs/chama/rotation"
	"github.com/chamalabs/chama/types"
)

// CreateGroupCmd carries the create_group inputs.
type CreateGroupCmd struct {
	Name           string
	AdminRef       string
	Amount         decimal.Decimal
	Period         types.Period
	MemberLimit    int
	Multiplier     decimal.Decimal
	Tier           string
	IdempotencyKey string
}

// CreateGroup validates and persists a new group, returning its id.
func (s *Service) CreateGroup(ctx context.Context, cmd *CreateGroupCmd) (id string, err error) {
	defer func() { observe("create_group", err) }()
	result, err := s.idempotent(cmd.IdempotencyKey, func() (interface{}, error) {
		if err := validateCreateGroup(cmd); err != nil {
			return nil, err
		}
		now := s.clock.Now().UTC()
		g := &types.Group{
			ID:           uuid.NewString(),
			Name:         cmd.Name,
			AdminRef:     cmd.AdminRef,
			Contribution: cmd.Amount,
			Period:       cmd.Period,
			MemberLimit:  cmd.MemberLimit,
			Multiplier:   cmd.Multiplier,
			Tier:         cmd.Tier,
			Status:       types.GroupActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.db.SaveGroup(ctx, g); err != nil {
			return nil, db.ClassifyError(err)
		}
		log.WithFields(logrus.Fields{
			"group":  g.ID,
			"period": g.Period,
			"limit":  g.MemberLimit,
		}).Info("Group created")
		s.bus.Send(&feed.Event{Type: feed.GroupCreated, Data: &feed.GroupData{GroupID: g.ID, AdminRef: g.AdminRef}})
		return g.ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func validateCreateGroup(cmd *CreateGroupCmd) error {
	cfg := params.ChamaConfig()
	if cmd.Name == "" || cmd.AdminRef == "" {
		return types.NewFault(types.KindValidation, "missing_required_field")
	}
	if !money.IsPositive(cmd.Amount) || !money.IsCentAligned(cmd.Amount) {
		return types.NewFault(types.KindValidation, "bad_amount").WithVar("amount", cmd.Amount.String())
	}
	if !cmd.Period.Valid() {
		return types.NewFault(types.KindValidation, "unknown_period").WithVar("period", string(cmd.Period))
	}
	if cmd.Tier == "" {
		cmd.Tier = cfg.DefaultTier
	}
	if cmd.MemberLimit < cfg.MinMembers {
		return types.NewFault(types.KindValidation, "member_limit_too_small").
			WithVar("min", decimal.NewFromInt(int64(cfg.MinMembers)).String())
	}
	if features.Get().EnforceTierCaps && cmd.MemberLimit > cfg.MemberCap(cmd.Tier) {
		return types.NewFault(types.KindValidation, "member_limit_above_tier_cap").WithVar("tier", cmd.Tier)
	}
	if cmd.Multiplier.IsZero() {
		cmd.Multiplier = decimal.NewFromInt(1)
	}
	if cmd.Multiplier.LessThan(cfg.MultiplierMin) || cmd.Multiplier.GreaterThan(cfg.MultiplierMax) {
		return types.NewFault(types.KindValidation, "multiplier_out_of_bounds").WithVar("multiplier", cmd.Multiplier.String())
	}
	return nil
}

// JoinGroup admits a user and returns their assignment.
func (s *Service) JoinGroup(ctx context.Context, groupID, userRef string, preferred int, idemKey string) (a *rotation.Assignment, err error) {
	defer func() { observe("join_group", err) }()
	result, err := s.idempotent(idemKey, func() (interface{}, error) {
		var assignment *rotation.Assignment
		err := s.retry(ctx, func() error {
			var rerr error
			assignment, rerr = s.rotation.Join(ctx, groupID, userRef, preferred)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		s.dropGroup(groupID)
		return assignment, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*rotation.Assignment), nil
}

// ConfirmDeposit credits a received security deposit to a member. Only the
// group admin may confirm. Once the posted total meets the position's
// required bound the deposit flips to confirmed and a pending member becomes
// active.
func (s *Service) ConfirmDeposit(ctx context.Context, memberID, adminRef string, amount decimal.Decimal, reference, idemKey string) (m *types.Member, err error) {
	defer func() { observe("confirm_deposit", err) }()
	result, err := s.idempotent(idemKey, func() (interface{}, error) {
		var member *types.Member
		err := s.retry(ctx, func() error {
			var rerr error
			member, rerr = s.confirmDeposit(ctx, memberID, adminRef, amount, reference)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		return member, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Member), nil
}

func (s *Service) confirmDeposit(ctx context.Context, memberID, adminRef string, amount decimal.Decimal, reference string) (*types.Member, error) {
	if !money.IsPositive(amount) || !money.IsCentAligned(amount) {
		return nil, types.NewFault(types.KindValidation, "bad_amount").WithVar("amount", amount.String())
	}
	lease, err := s.locks.Acquire(ctx, types.LeaseSecurityDeposit, memberID, 0)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	defer s.locks.Release(ctx, lease)

	m, err := s.db.Member(ctx, memberID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	g, err := s.db.Group(ctx, m.GroupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if g.AdminRef != adminRef {
		return nil, types.NewFault(types.KindValidation, "not_group_admin").WithVar("actor", adminRef)
	}
	if m.DepositStatus != types.DepositPending {
		return nil, types.NewFault(types.KindPrecondition, "deposit_not_pending").
			WithVar("status", string(m.DepositStatus))
	}

	now := s.clock.Now().UTC()
	txn := &types.Transaction{
		ID:                   uuid.NewString(),
		GroupID:              g.ID,
		Kind:                 types.TxSecurityDeposit,
		FromMember:           m.ID,
		Amount:               amount,
		Status:               types.TxBothConfirmed,
		SenderConfirmedAt:    &now,
		RecipientConfirmedAt: &now,
		ExternalRef:          reference,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.db.SaveTransaction(ctx, txn); err != nil {
		return nil, db.ClassifyError(err)
	}

	m.Deposit = m.Deposit.Add(amount)
	required, err := deposit.RequiredForPosition(g, m.Position)
	if err != nil {
		return nil, types.WrapFault(types.KindValidation, "bad_group_config", err)
	}
	if !m.Deposit.LessThan(required) {
		m.DepositStatus = types.DepositConfirmed
		if m.Status == types.MemberPending {
			m.Status = types.MemberActive
		}
	}
	m.UpdatedAt = now
	if err := s.db.SaveMember(ctx, m); err != nil {
		return nil, db.ClassifyError(err)
	}
	if m.DepositStatus == types.DepositConfirmed {
		s.bus.Send(&feed.Event{Type: feed.DepositConfirmed, Data: &feed.DepositConfirmedData{
			GroupID:  g.ID,
			MemberID: m.ID,
			Amount:   m.Deposit,
		}})
	}
	return m, nil
}

// RecordContribution creates the pending contribution transaction and
// returns its id.
func (s *Service) RecordContribution(ctx context.Context, groupID, fromID, toID string, amount decimal.Decimal, externalRef, idemKey string) (txID string, err error) {
	defer func() { observe("record_contribution", err) }()
	result, err := s.idempotent(idemKey, func() (interface{}, error) {
		g, err := s.cachedGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		var txn *types.Transaction
		err = s.retry(ctx, func() error {
			var rerr error
			txn, rerr = s.fsm.Record(ctx, g, fromID, toID, amount, externalRef)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		return txn.ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// ConfirmContribution records one party's confirmation and returns the new
// state.
func (s *Service) ConfirmContribution(ctx context.Context, txID string, party types.Party, actorRef string) (st types.ConfirmationStatus, err error) {
	defer func() { observe("confirm_contribution", err) }()
	err = s.retry(ctx, func() error {
		var rerr error
		st, rerr = s.fsm.Confirm(ctx, txID, party, actorRef)
		return rerr
	})
	return st, err
}

// AdvanceRotation moves the group's rotation forward from expectedIndex.
func (s *Service) AdvanceRotation(ctx context.Context, groupID string, expectedIndex int) (idx int, err error) {
	defer func() { observe("advance_rotation", err) }()
	err = s.retry(ctx, func() error {
		var rerr error
		idx, rerr = s.rotation.Advance(ctx, groupID, expectedIndex)
		return rerr
	})
	if err == nil {
		s.dropGroup(groupID)
	}
	return idx, err
}

// RequestLeave answers whether the member may leave now. Read only.
func (s *Service) RequestLeave(ctx context.Context, memberID, actorRef string) (d *rotation.LeaveDecision, err error) {
	defer func() { observe("request_leave", err) }()
	m, err := s.db.Member(ctx, memberID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if m.UserRef != actorRef {
		return nil, types.NewFault(types.KindValidation, "actor_not_member").WithVar("actor", actorRef)
	}
	return s.rotation.RequestLeave(ctx, memberID)
}

// Replenish credits a deposit top-up to a suspended member.
func (s *Service) Replenish(ctx context.Context, memberID string, amount decimal.Decimal, reference, idemKey string) (m *types.Member, err error) {
	defer func() { observe("replenish", err) }()
	result, err := s.idempotent(idemKey, func() (interface{}, error) {
		var member *types.Member
		err := s.retry(ctx, func() error {
			var rerr error
			member, rerr = s.defaults.Replenish(ctx, memberID, amount, reference)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		return member, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Member), nil
}

// CloseCycle completes the group's cycle and returns the per-member summary.
func (s *Service) CloseCycle(ctx context.Context, groupID, adminRef string) (summary *cycle.Summary, err error) {
	defer func() { observe("close_cycle", err) }()
	g, err := s.db.Group(ctx, groupID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if g.AdminRef != adminRef {
		return nil, types.NewFault(types.KindValidation, "not_group_admin").WithVar("actor", adminRef)
	}
	err = s.retry(ctx, func() error {
		var rerr error
		summary, rerr = s.closer.Close(ctx, groupID)
		return rerr
	})
	if err == nil {
		s.dropGroup(groupID)
	}
	return summary, err
}

// Audit runs a consistency scan over one group, or all groups when scope is
// empty.
func (s *Service) Audit(ctx context.Context, scope string) (r *auditor.Report, err error) {
	defer func() { observe("audit", err) }()
	return s.auditor.Audit(ctx, scope)
}

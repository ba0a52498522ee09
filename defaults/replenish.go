package defaults

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/money"
	"github.com/chamalabs/chama/types"
)

// Replenish credits a deposit top-up to a suspended member. Once the
// replenishment requirement is met the deposit returns to confirmed; the
// member is reinstated to active only while they still hold a rotation
// position. A member removed from the wheel stays passive until cycle end,
// the top-up restores accounting state only.
func (h *Handler) Replenish(ctx context.Context, memberID string, amount decimal.Decimal, externalRef string) (*types.Member, error) {
	if !money.IsPositive(amount) || !money.IsCentAligned(amount) {
		return nil, types.NewFault(types.KindValidation, "bad_amount").WithVar("amount", amount.String())
	}
	lease, err := h.locks.Acquire(ctx, types.LeaseSecurityDeposit, memberID, 0)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	defer h.locks.Release(ctx, lease)

	m, err := h.db.Member(ctx, memberID)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	if m.Status != types.MemberSuspended || !money.IsPositive(m.ReplenishmentDue) {
		return nil, types.NewFault(types.KindPrecondition, "no_replenishment_due").WithVar("member", memberID)
	}

	now := h.clock.Now().UTC()
	topUp := &types.Transaction{
		ID:                   uuid.NewString(),
		GroupID:              m.GroupID,
		Kind:                 types.TxSecurityDeposit,
		FromMember:           m.ID,
		Amount:               amount,
		Status:               types.TxBothConfirmed,
		SenderConfirmedAt:    &now,
		RecipientConfirmedAt: &now,
		ExternalRef:          externalRef,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := h.db.SaveTransaction(ctx, topUp); err != nil {
		return nil, db.ClassifyError(err)
	}

	m.Deposit = m.Deposit.Add(amount)
	m.ReplenishmentDue = m.ReplenishmentDue.Sub(amount)
	if m.ReplenishmentDue.Sign() < 0 {
		m.ReplenishmentDue = money.Zero
	}
	reinstated := false
	if m.ReplenishmentDue.IsZero() {
		m.DepositStatus = types.DepositConfirmed
		if m.InRotation() {
			m.Status = types.MemberActive
			reinstated = true
		}
	}
	m.UpdatedAt = now
	if err := h.db.SaveMember(ctx, m); err != nil {
		return nil, db.ClassifyError(err)
	}

	log.WithFields(logrus.Fields{
		"group":      m.GroupID,
		"member":     m.ID,
		"amount":     amount.String(),
		"reinstated": reinstated,
	}).Info("Replenishment received")
	h.bus.Send(&feed.Event{Type: feed.ReplenishmentReceived, Data: &feed.ReplenishmentData{
		GroupID:    m.GroupID,
		MemberID:   m.ID,
		Amount:     amount,
		Reinstated: reinstated,
	}})
	return m, nil
}

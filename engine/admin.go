package engine

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/types"
)

// PauseGroup freezes an active group. Contributions, advances and closes are
// all refused while paused; timers keep running and re-check on fire.
func (s *Service) PauseGroup(ctx context.Context, groupID, adminRef, reason string) (err error) {
	defer func() { observe("pause_group", err) }()
	err = s.retry(ctx, func() error {
		return s.setGroupStatus(ctx, groupID, adminRef, types.GroupActive, types.GroupPaused, reason)
	})
	return err
}

// ResumeGroup reactivates a paused group and clears any halt markers left by
// the default handler.
func (s *Service) ResumeGroup(ctx context.Context, groupID, adminRef string) (err error) {
	defer func() { observe("resume_group", err) }()
	err = s.retry(ctx, func() error {
		return s.setGroupStatus(ctx, groupID, adminRef, types.GroupPaused, types.GroupActive, "")
	})
	return err
}

func (s *Service) setGroupStatus(ctx context.Context, groupID, adminRef string, from, to types.GroupStatus, reason string) error {
	lease, err := s.locks.Acquire(ctx, types.LeaseGroupWrite, groupID, 0)
	if err != nil {
		return db.ClassifyError(err)
	}
	defer s.locks.Release(ctx, lease)

	g, err := s.db.Group(ctx, groupID)
	if err != nil {
		return db.ClassifyError(err)
	}
	if g.AdminRef != adminRef {
		return types.NewFault(types.KindValidation, "not_group_admin").WithVar("actor", adminRef)
	}
	if g.Status != from {
		return types.NewFault(types.KindPrecondition, "group_not_"+string(from)).
			WithVar("status", string(g.Status))
	}
	g.Status = to
	if to == types.GroupPaused {
		if g.Metadata == nil {
			g.Metadata = map[string]string{}
		}
		if reason != "" {
			g.Metadata["paused_reason"] = reason
		}
	} else {
		delete(g.Metadata, "paused_reason")
		delete(g.Metadata, "halted_reason")
		delete(g.Metadata, "halted_member")
	}
	g.UpdatedAt = s.clock.Now().UTC()
	if err := s.db.SaveGroup(ctx, g); err != nil {
		return db.ClassifyError(err)
	}
	s.dropGroup(groupID)

	evType := feed.GroupPaused
	if to == types.GroupActive {
		evType = feed.GroupResumed
	}
	s.bus.Send(&feed.Event{Type: evType, Data: &feed.GroupData{GroupID: g.ID, AdminRef: g.AdminRef}})
	log.WithField("group", g.ID).WithField("status", g.Status).Info("Group status changed")
	return nil
}

// CancelGroup dissolves a group before its first rotation. Every confirmed
// deposit comes back in full; after the first advance money has moved and the
// group can only finish through cycle close.
func (s *Service) CancelGroup(ctx context.Context, groupID, adminRef string) (err error) {
	defer func() { observe("cancel_group", err) }()
	err = s.retry(ctx, func() error {
		return s.cancelGroup(ctx, groupID, adminRef)
	})
	return err
}

func (s *Service) cancelGroup(ctx context.Context, groupID, adminRef string) error {
	lease, err := s.locks.Acquire(ctx, types.LeaseGroupWrite, groupID, 0)
	if err != nil {
		return db.ClassifyError(err)
	}
	defer s.locks.Release(ctx, lease)

	g, err := s.db.Group(ctx, groupID)
	if err != nil {
		return db.ClassifyError(err)
	}
	if g.AdminRef != adminRef {
		return types.NewFault(types.KindValidation, "not_group_admin").WithVar("actor", adminRef)
	}
	if g.Status != types.GroupActive && g.Status != types.GroupPaused {
		return types.NewFault(types.KindPrecondition, "group_not_cancellable").
			WithVar("status", string(g.Status))
	}
	if g.CurrentRotationIndex > 0 || !g.RotationStartedAt.IsZero() {
		return types.NewFault(types.KindPrecondition, "rotation_already_started").
			WithVar("rotation_index", strconv.Itoa(g.CurrentRotationIndex))
	}

	members, err := s.db.Members(ctx, groupID)
	if err != nil {
		return db.ClassifyError(err)
	}
	now := s.clock.Now().UTC()
	var returns []*types.Transaction
	var updated []*types.Member
	for _, m := range members {
		if m.Deposit.IsPositive() && m.DepositStatus != types.DepositReturned {
			returns = append(returns, &types.Transaction{
				ID:                   uuid.NewString(),
				GroupID:              g.ID,
				Kind:                 types.TxDepositReturn,
				ToMember:             m.ID,
				Amount:               m.Deposit,
				Status:               types.TxBothConfirmed,
				SenderConfirmedAt:    &now,
				RecipientConfirmedAt: &now,
				CreatedAt:            now,
				UpdatedAt:            now,
			})
			m.DepositStatus = types.DepositReturned
		}
		m.IsLockedIn = false
		m.Status = types.MemberRemoved
		m.UpdatedAt = now
		updated = append(updated, m)
	}
	g.Status = types.GroupCancelled
	g.UpdatedAt = now
	if err := s.db.CommitCycleClose(ctx, g, updated, returns); err != nil {
		return db.ClassifyError(err)
	}
	s.dropGroup(groupID)
	s.bus.Send(&feed.Event{Type: feed.GroupCancelled, Data: &feed.GroupData{GroupID: g.ID, AdminRef: g.AdminRef}})
	log.WithField("group", g.ID).WithField("refunds", len(returns)).Info("Group cancelled")
	return nil
}

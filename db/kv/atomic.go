package kv

import (
	"context"

	"github.com/chamalabs/chama/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// CommitRotationAdvance writes the advanced group row and the payout
// recipient's member row in one bolt transaction. Either both version
// predicates hold and both rows land, or nothing is written; a crash between
// the two can therefore never be observed.
func (s *Store) CommitRotationAdvance(ctx context.Context, g *types.Group, recipient *types.Member) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.CommitRotationAdvance")
	defer span.End()
	gv, mv := g.Version, recipient.Version
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := saveGroupInTx(tx, g); err != nil {
			return err
		}
		return saveMemberInTx(tx, recipient)
	})
	if err != nil {
		// The bolt transaction rolled back; undo the in-memory bumps too.
		g.Version, recipient.Version = gv, mv
	}
	return err
}

// CommitCycleClose writes the completed group, the released deposit state of
// every member and the deposit_return instructions in one bolt transaction
// so that no partial return state is ever visible.
func (s *Store) CommitCycleClose(ctx context.Context, g *types.Group, members []*types.Member, returns []*types.Transaction) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.CommitCycleClose")
	defer span.End()
	gv := g.Version
	memberVersions := make([]uint64, len(members))
	for i, m := range members {
		memberVersions[i] = m.Version
	}
	txVersions := make([]uint64, len(returns))
	for i, txn := range returns {
		txVersions[i] = txn.Version
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := saveGroupInTx(tx, g); err != nil {
			return err
		}
		for _, m := range members {
			if err := saveMemberInTx(tx, m); err != nil {
				return err
			}
		}
		for _, txn := range returns {
			if err := saveTransactionInTx(tx, txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		g.Version = gv
		for i, m := range members {
			m.Version = memberVersions[i]
		}
		for i, txn := range returns {
			txn.Version = txVersions[i]
		}
	}
	return err
}

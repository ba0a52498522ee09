package kv

import (
	"bytes"
	"context"
	"strconv"

	"github.com/chamalabs/chama/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// Transaction retrieval by id.
func (s *Store) Transaction(ctx context.Context, id string) (*types.Transaction, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.Transaction")
	defer span.End()
	var txn *types.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(transactionsBucket).Get([]byte(id))
		if enc == nil {
			return ErrNotFound
		}
		txn = &types.Transaction{}
		return decode(enc, txn)
	})
	return txn, err
}

// Transactions returns every transaction of a group.
func (s *Store) Transactions(ctx context.Context, groupID string) ([]*types.Transaction, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.Transactions")
	defer span.End()
	var txns []*types.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		txBkt := tx.Bucket(transactionsBucket)
		c := tx.Bucket(groupTransactionsIndexBucket).Cursor()
		prefix := indexKey(groupID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			enc := txBkt.Get(v)
			if enc == nil {
				continue
			}
			txn := &types.Transaction{}
			if err := decode(enc, txn); err != nil {
				return err
			}
			txns = append(txns, txn)
		}
		return nil
	})
	return txns, err
}

// TransactionsByRotation returns the transactions recorded for one rotation
// index of a group.
func (s *Store) TransactionsByRotation(ctx context.Context, groupID string, rotationIndex int) ([]*types.Transaction, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.TransactionsByRotation")
	defer span.End()
	var txns []*types.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		txBkt := tx.Bucket(transactionsBucket)
		c := tx.Bucket(rotationTxIndexBucket).Cursor()
		prefix := rotationPrefix(groupID, rotationIndex)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			enc := txBkt.Get(v)
			if enc == nil {
				continue
			}
			txn := &types.Transaction{}
			if err := decode(enc, txn); err != nil {
				return err
			}
			txns = append(txns, txn)
		}
		return nil
	})
	return txns, err
}

// SaveTransaction writes the transaction conditionally on its version and
// maintains the group and rotation indexes. For default_coverage rows it
// enforces uniqueness per (group, rotation index, defaulting member) so that
// a repeated default signal can never draw the deposit twice.
func (s *Store) SaveTransaction(ctx context.Context, txn *types.Transaction) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.SaveTransaction")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveTransactionInTx(tx, txn)
	})
}

func saveTransactionInTx(tx *bolt.Tx, txn *types.Transaction) error {
	bkt := tx.Bucket(transactionsBucket)
	isInsert := bkt.Get([]byte(txn.ID)) == nil
	if !isInsert {
		stored := &types.Transaction{}
		if err := decode(bkt.Get([]byte(txn.ID)), stored); err != nil {
			return err
		}
		if stored.Version != txn.Version {
			return ErrStale
		}
	} else if txn.Version != 0 {
		return ErrStale
	}

	if isInsert && txn.Kind == types.TxDefaultCoverage {
		covKey := coverageKey(txn.GroupID, txn.RotationIndex, txn.FromMember)
		covBkt := tx.Bucket(defaultCoverageIndexBucket)
		if covBkt.Get(covKey) != nil {
			return ErrDuplicateCoverage
		}
		if err := covBkt.Put(covKey, []byte(txn.ID)); err != nil {
			return err
		}
	}

	txn.Version++
	enc, err := encode(txn)
	if err != nil {
		txn.Version--
		return err
	}
	if err := bkt.Put([]byte(txn.ID), enc); err != nil {
		txn.Version--
		return err
	}
	if err := tx.Bucket(groupTransactionsIndexBucket).Put(indexKey(txn.GroupID, txn.ID), []byte(txn.ID)); err != nil {
		return err
	}
	return tx.Bucket(rotationTxIndexBucket).Put(rotationKey(txn.GroupID, txn.RotationIndex, txn.ID), []byte(txn.ID))
}

func rotationPrefix(groupID string, rotationIndex int) []byte {
	return indexKey(groupID, strconv.Itoa(rotationIndex), "")
}

func rotationKey(groupID string, rotationIndex int, txID string) []byte {
	return indexKey(groupID, strconv.Itoa(rotationIndex), txID)
}

func coverageKey(groupID string, rotationIndex int, memberID string) []byte {
	return indexKey(groupID, strconv.Itoa(rotationIndex), memberID)
}

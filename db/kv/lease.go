package kv

import (
	"context"
	"time"

	"github.com/chamalabs/chama/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// AcquireLease inserts the lease row if no live lease exists for the same
// (kind, resource) pair. An expired row is overwritten; a live row held by
// anyone (including the same holder — leases do not nest) fails with
// ErrAlreadyHeld.
func (s *Store) AcquireLease(ctx context.Context, l *types.Lease, now time.Time) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.AcquireLease")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(leasesBucket)
		key := []byte(l.Key())
		if enc := bkt.Get(key); enc != nil {
			stored := &types.Lease{}
			if err := decode(enc, stored); err != nil {
				return err
			}
			if !stored.Expired(now) {
				return ErrAlreadyHeld
			}
		}
		enc, err := encode(l)
		if err != nil {
			return err
		}
		return bkt.Put(key, enc)
	})
}

// ReleaseLease deletes the lease row only when both the lease id and the
// holder match, preventing the release of a lease that expired and was
// reassigned in the meantime.
func (s *Store) ReleaseLease(ctx context.Context, id, holder string) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.ReleaseLease")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(leasesBucket)
		c := bkt.Cursor()
		for k, enc := c.First(); k != nil; k, enc = c.Next() {
			stored := &types.Lease{}
			if err := decode(enc, stored); err != nil {
				return err
			}
			if stored.ID != id {
				continue
			}
			if stored.Holder != holder {
				return ErrLeaseNotHeld
			}
			return bkt.Delete(k)
		}
		return ErrLeaseNotHeld
	})
}

// Leases returns every lease row, expired or not.
func (s *Store) Leases(ctx context.Context) ([]*types.Lease, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.Leases")
	defer span.End()
	var leases []*types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(leasesBucket).ForEach(func(_, enc []byte) error {
			l := &types.Lease{}
			if err := decode(enc, l); err != nil {
				return err
			}
			leases = append(leases, l)
			return nil
		})
	})
	return leases, err
}

// DeleteExpiredLeases removes every lease whose expiry is at or before now
// and returns how many were removed.
func (s *Store) DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.DeleteExpiredLeases")
	defer span.End()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(leasesBucket)
		c := bkt.Cursor()
		var expired [][]byte
		for k, enc := c.First(); k != nil; k, enc = c.Next() {
			stored := &types.Lease{}
			if err := decode(enc, stored); err != nil {
				return err
			}
			if stored.Expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
		}
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

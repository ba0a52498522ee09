package kv

import (
	"context"

	"github.com/chamalabs/chama/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// Group retrieval by id.
func (s *Store) Group(ctx context.Context, id string) (*types.Group, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.Group")
	defer span.End()
	var group *types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(groupsBucket).Get([]byte(id))
		if enc == nil {
			return ErrNotFound
		}
		group = &types.Group{}
		return decode(enc, group)
	})
	return group, err
}

// Groups returns every group in the store.
func (s *Store) Groups(ctx context.Context) ([]*types.Group, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.Groups")
	defer span.End()
	var groups []*types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).ForEach(func(_, enc []byte) error {
			g := &types.Group{}
			if err := decode(enc, g); err != nil {
				return err
			}
			groups = append(groups, g)
			return nil
		})
	})
	return groups, err
}

// SaveGroup writes the group conditionally on its version. On success the
// caller's struct carries the bumped version.
func (s *Store) SaveGroup(ctx context.Context, g *types.Group) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.SaveGroup")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveGroupInTx(tx, g)
	})
}

func saveGroupInTx(tx *bolt.Tx, g *types.Group) error {
	bkt := tx.Bucket(groupsBucket)
	if enc := bkt.Get([]byte(g.ID)); enc != nil {
		stored := &types.Group{}
		if err := decode(enc, stored); err != nil {
			return err
		}
		if stored.Version != g.Version {
			return ErrStale
		}
	} else if g.Version != 0 {
		return ErrStale
	}
	g.Version++
	enc, err := encode(g)
	if err != nil {
		g.Version--
		return err
	}
	if err := bkt.Put([]byte(g.ID), enc); err != nil {
		g.Version--
		return err
	}
	return nil
}

package kv

import (
	"bytes"
	"context"

	"github.com/chamalabs/chama/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// Member retrieval by id.
func (s *Store) Member(ctx context.Context, id string) (*types.Member, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.Member")
	defer span.End()
	var member *types.Member
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(membersBucket).Get([]byte(id))
		if enc == nil {
			return ErrNotFound
		}
		member = &types.Member{}
		return decode(enc, member)
	})
	return member, err
}

// Members returns every member of a group, in stable member-id order.
func (s *Store) Members(ctx context.Context, groupID string) ([]*types.Member, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.Members")
	defer span.End()
	var members []*types.Member
	err := s.db.View(func(tx *bolt.Tx) error {
		membersBkt := tx.Bucket(membersBucket)
		c := tx.Bucket(groupMembersIndexBucket).Cursor()
		prefix := indexKey(groupID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			enc := membersBkt.Get(v)
			if enc == nil {
				continue
			}
			m := &types.Member{}
			if err := decode(enc, m); err != nil {
				return err
			}
			members = append(members, m)
		}
		return nil
	})
	return members, err
}

// AllMembers returns every member row in the store, in member-id order. It
// reads the member bucket itself, not the group-members index, so audits see
// rows even when the owning group row is missing.
func (s *Store) AllMembers(ctx context.Context) ([]*types.Member, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.AllMembers")
	defer span.End()
	var members []*types.Member
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(membersBucket).ForEach(func(_, enc []byte) error {
			m := &types.Member{}
			if err := decode(enc, m); err != nil {
				return err
			}
			members = append(members, m)
			return nil
		})
	})
	return members, err
}

// MemberByUser returns the member of a group with the given external user
// ref. (group_id, user_ref) is unique.
func (s *Store) MemberByUser(ctx context.Context, groupID, userRef string) (*types.Member, error) {
	ctx, span := trace.StartSpan(ctx, "ChamaDB.MemberByUser")
	defer span.End()
	members, err := s.Members(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.UserRef == userRef {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

// SaveMember writes the member conditionally on its version and maintains
// the group-members index.
func (s *Store) SaveMember(ctx context.Context, m *types.Member) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.SaveMember")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveMemberInTx(tx, m)
	})
}

func saveMemberInTx(tx *bolt.Tx, m *types.Member) error {
	bkt := tx.Bucket(membersBucket)
	if enc := bkt.Get([]byte(m.ID)); enc != nil {
		stored := &types.Member{}
		if err := decode(enc, stored); err != nil {
			return err
		}
		if stored.Version != m.Version {
			return ErrStale
		}
	} else if m.Version != 0 {
		return ErrStale
	}
	m.Version++
	enc, err := encode(m)
	if err != nil {
		m.Version--
		return err
	}
	if err := bkt.Put([]byte(m.ID), enc); err != nil {
		m.Version--
		return err
	}
	return tx.Bucket(groupMembersIndexBucket).Put(indexKey(m.GroupID, m.ID), []byte(m.ID))
}

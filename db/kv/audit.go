package kv

import (
	"bytes"
	"context"

	"github.com/chamalabs/chama/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// The audit log is append-only; entries are keyed by (group, event id) and
// never deleted or rewritten.

// SaveAuditEvent appends an entry to the audit log.
func (s *Store) SaveAuditEvent(ctx context.Context, ev *types.AuditEvent) error {
	_, span := trace.StartSpan(ctx, "ChamaDB.SaveAuditEvent")
	defer span.End()
	enc, err := encode(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(auditEventsBucket).Put(auditKey(ev), enc)
	})
}

// AuditEvents returns the audit entries recorded for a group.
func (s *Store) AuditEvents(ctx context.Context, groupID string) ([]*types.AuditEvent, error) {
	_, span := trace.StartSpan(ctx, "ChamaDB.AuditEvents")
	defer span.End()
	var events []*types.AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditEventsBucket).Cursor()
		prefix := indexKey(auditGroupKey(groupID), "")
		for k, enc := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, enc = c.Next() {
			ev := &types.AuditEvent{}
			if err := decode(enc, ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

func auditKey(ev *types.AuditEvent) []byte {
	return indexKey(auditGroupKey(ev.GroupID), ev.ID)
}

// auditGroupKey substitutes a fixed marker for system-wide events so they
// sort into their own prefix range.
func auditGroupKey(groupID string) string {
	if groupID == "" {
		return "-"
	}
	return groupID
}

// Package kv defines a bolt-db, key-value store implementation of the
// engine's Database interface.
package kv

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	databaseFileName = "chama.db"
	boltAllocSize    = 8 * 1024 * 1024
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStale is returned when a conditional write observes a version
	// other than the one the caller read. The operation is safe to retry
	// after re-reading.
	ErrStale = errors.New("stale write: record version changed")
	// ErrAlreadyHeld is returned when a live lease exists for the same
	// (kind, resource) pair.
	ErrAlreadyHeld = errors.New("lease already held")
	// ErrLeaseNotHeld is returned when releasing a lease that the caller
	// does not hold anymore.
	ErrLeaseNotHeld = errors.New("lease not held by caller")
	// ErrDuplicateCoverage is returned when a default_coverage transaction
	// already exists for the same (group, rotation index, member).
	ErrDuplicateCoverage = errors.New("default coverage already recorded")
)

// Store defines an implementation of the engine's Database interface using
// BoltDB as the underlying persistent kv-store.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// NewKVStore initializes a new boltDB key-value store at the directory path
// specified, creates the kv-buckets based on the schema, and stores an open
// connection db object as a property of the Store struct.
func NewKVStore(ctx context.Context, dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second, InitialMmapSize: 10e6})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	boltDB.AllocSize = boltAllocSize

	kv := &Store{
		db:           boltDB,
		databasePath: dirPath,
	}

	if err := kv.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(
			tx,
			groupsBucket,
			membersBucket,
			transactionsBucket,
			leasesBucket,
			auditEventsBucket,
			// Indices buckets.
			groupMembersIndexBucket,
			groupTransactionsIndexBucket,
			rotationTxIndexBucket,
			defaultCoverageIndexBucket,
		)
	}); err != nil {
		return nil, err
	}
	return kv, nil
}

// ClearDB removes the previously stored database in the data directory.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(path.Join(s.databasePath, databaseFileName))
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

func indexKey(parts ...string) []byte {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "/"
		}
		key += p
	}
	return []byte(key)
}

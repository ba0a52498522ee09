// Package db defines the ability to create a new database for the ROSCA
// engine backed by the kv implementation.
package db

import (
	"context"

	"github.com/pkg/errors"

	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/db/kv"
	"github.com/chamalabs/chama/types"
)

// Database defines the necessary methods for the engine's state store.
type Database = iface.Database

// ReadOnlyDatabase exposes the read surface only.
type ReadOnlyDatabase = iface.ReadOnlyDatabase

// NewDB initializes a new database at the directory path specified.
func NewDB(ctx context.Context, dirPath string) (Database, error) {
	return kv.NewKVStore(ctx, dirPath)
}

// Sentinel errors re-exported for callers that only import this package.
var (
	ErrNotFound          = kv.ErrNotFound
	ErrStale             = kv.ErrStale
	ErrAlreadyHeld       = kv.ErrAlreadyHeld
	ErrLeaseNotHeld      = kv.ErrLeaseNotHeld
	ErrDuplicateCoverage = kv.ErrDuplicateCoverage
)

// ClassifyError maps store and lease sentinels onto the command error
// taxonomy. Errors that already carry a kind, and unknown errors, pass
// through unchanged.
func ClassifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case types.FaultKind(err) != types.KindUnknown:
		return err
	case errors.Is(err, ErrNotFound):
		return types.WrapFault(types.KindNotFound, "not_found", err)
	case errors.Is(err, ErrStale):
		return types.WrapFault(types.KindConflict, "stale_write", err)
	case errors.Is(err, ErrAlreadyHeld):
		return types.WrapFault(types.KindConflict, "lease_contended", err)
	case errors.Is(err, ErrDuplicateCoverage):
		return types.WrapFault(types.KindConflict, "duplicate_coverage", err)
	}
	return err
}

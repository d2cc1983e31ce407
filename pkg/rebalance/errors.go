package rebalance

import (
	"errors"

	"github.com/segmentctl/rebalancer/pkg/convergence"
	"github.com/segmentctl/rebalancer/pkg/store"
)

// Sentinel error kinds per spec §7. ErrStuckInError and ErrVersionMismatch
// re-export the lower package's sentinels so callers only need to import
// this package to errors.Is against any driver failure.
var (
	ErrNotFound           = store.ErrNotFound
	ErrDisabledTable      = errors.New("rebalance: table is disabled and downtime is not permitted")
	ErrInvalidConfig      = errors.New("rebalance: invalid config")
	ErrStuckInError       = convergence.ErrStuckInError
	ErrConvergenceTimeout = errors.New("rebalance: external view failed to make progress within timeout")
	ErrVersionMismatch    = store.ErrVersionMismatch
	ErrForceCommitFailed  = errors.New("rebalance: force commit failed")
	ErrTransient          = store.ErrTransient
)

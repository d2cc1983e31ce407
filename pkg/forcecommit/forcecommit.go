// Package forcecommit implements the Force-Commit Coordinator (spec §4.6):
// it asks the external realtime manager to commit a set of consuming
// segments, then polls until the manager reports none outstanding or a
// timeout elapses.
package forcecommit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/segmentctl/rebalancer/pkg/log"
	"github.com/segmentctl/rebalancer/pkg/types"
)

// ErrForceCommitFailed is returned when the wait for the committed segments
// does not finish within StatusCheckTimeout. A failed ForceCommit request is
// returned as its own wrapped error, without this sentinel.
var ErrForceCommitFailed = errors.New("forcecommit: timed out waiting for segments to commit")

// BatchConfig mirrors the forceCommit* fields of types.RebalanceConfig.
type BatchConfig struct {
	BatchSize           int
	StatusCheckInterval time.Duration
	StatusCheckTimeout  time.Duration
}

// Manager is the external realtime/force-commit manager surface (spec §6).
type Manager interface {
	ForceCommit(ctx context.Context, table string, segments []types.SegmentID, batch BatchConfig) ([]types.SegmentID, error)
	SegmentsYetToBeCommitted(ctx context.Context, table string, segments []types.SegmentID) ([]types.SegmentID, error)
}

// Hooks carries the FORCE_COMMIT_START/FORCE_COMMIT_END observer triggers;
// either may be nil.
type Hooks struct {
	OnStart func(segments []types.SegmentID)
	OnEnd   func(segments []types.SegmentID)
}

// Coordinate runs one force-commit round: it calls ForceCommit, then polls
// SegmentsYetToBeCommitted on the refined committed set until empty or
// until StatusCheckTimeout elapses, firing start/end hooks around the
// whole round.
func Coordinate(ctx context.Context, mgr Manager, table string, segments []types.SegmentID, batch BatchConfig, hooks Hooks) error {
	if len(segments) == 0 {
		return nil
	}
	if hooks.OnStart != nil {
		hooks.OnStart(segments)
	}

	committed, err := mgr.ForceCommit(ctx, table, segments, batch)
	if err != nil {
		if hooks.OnEnd != nil {
			hooks.OnEnd(segments)
		}
		return fmt.Errorf("forcecommit: commit request: %w", err)
	}

	waitErr := waitUntilCommitted(ctx, mgr, table, committed, batch)

	if hooks.OnEnd != nil {
		hooks.OnEnd(segments)
	}
	return waitErr
}

func waitUntilCommitted(ctx context.Context, mgr Manager, table string, segments []types.SegmentID, batch BatchConfig) error {
	if len(segments) == 0 {
		return nil
	}

	b := backoff.NewConstantBackOff(batch.StatusCheckInterval)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pending, err := mgr.SegmentsYetToBeCommitted(ctx, table, segments)
		if err != nil {
			return struct{}{}, fmt.Errorf("forcecommit: check status: %w", err)
		}
		if len(pending) == 0 {
			return struct{}{}, nil
		}
		for _, seg := range pending {
			log.WithSegmentID(string(seg)).Debug().Str("table", table).Msg("still waiting for segment to commit")
		}
		return struct{}{}, fmt.Errorf("%d segments still uncommitted", len(pending))
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(batch.StatusCheckTimeout))

	if err != nil {
		return fmt.Errorf("%w: %v", ErrForceCommitFailed, err)
	}
	return nil
}

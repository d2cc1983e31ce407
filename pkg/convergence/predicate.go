// Package convergence implements the convergence predicate: given an
// external view and an ideal state, how many segment-replicas are not yet
// in their target state, and whether any of them are stuck in ERROR.
package convergence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/segmentctl/rebalancer/pkg/types"
)

// ErrStuckInError is the sentinel a StuckInErrorDetail wraps; match it with
// errors.Is regardless of which (segment, instance) triggered it.
var ErrStuckInError = errors.New("convergence: segment replica stuck in ERROR state")

// StuckInErrorDetail identifies the replica observed in ERROR state when
// bestEffort is false.
type StuckInErrorDetail struct {
	Segment  types.SegmentID
	Instance types.InstanceID
}

func (e *StuckInErrorDetail) Error() string {
	return fmt.Sprintf("convergence: %s@%s is stuck in ERROR state", e.Segment, e.Instance)
}

func (e *StuckInErrorDetail) Unwrap() error { return ErrStuckInError }

// Options configures a RemainingReplicas call.
type Options struct {
	LowDiskMode bool
	BestEffort  bool
	// Monitored restricts the check to this segment set; nil means "all
	// segments present in the ideal state".
	Monitored map[types.SegmentID]struct{}
	// EarlyReturn short-circuits at the first nonzero contribution,
	// returning 1 instead of the full count.
	EarlyReturn bool
}

// RemainingReplicas implements spec §4.4. It returns the number of
// segment-replicas in the ideal state (restricted to Monitored, if set)
// that are not yet converged with the external view. A replica observed in
// ERROR state is fatal (returns StuckInErrorDetail) unless BestEffort is
// set, in which case it is treated as converged.
func RemainingReplicas(ev, is types.PlacementMap, opts Options) (int, error) {
	remaining := 0

	for _, segID := range types.SortedSegmentIDs(is) {
		if opts.Monitored != nil {
			if _, ok := opts.Monitored[segID]; !ok {
				continue
			}
		}
		idealInstances := is[segID]
		evInstances, hasEV := ev[segID]

		instanceIDs := make([]types.InstanceID, 0, len(idealInstances))
		for inst := range idealInstances {
			instanceIDs = append(instanceIDs, inst)
		}
		sort.Slice(instanceIDs, func(i, j int) bool { return instanceIDs[i] < instanceIDs[j] })

		for _, inst := range instanceIDs {
			idealState := idealInstances[inst]
			if idealState == types.StateOffline {
				continue
			}

			if !hasEV {
				remaining++
				if opts.EarlyReturn {
					return 1, nil
				}
				continue
			}

			evState, hasInstance := evInstances[inst]
			if !hasInstance {
				remaining++
				if opts.EarlyReturn {
					return 1, nil
				}
				continue
			}

			if evState == types.StateError {
				if !opts.BestEffort {
					return remaining, &StuckInErrorDetail{Segment: segID, Instance: inst}
				}
				continue
			}

			if evState != idealState {
				remaining++
				if opts.EarlyReturn {
					return 1, nil
				}
			}
		}

		if opts.LowDiskMode && hasEV {
			evOnly := make([]types.InstanceID, 0)
			for inst := range evInstances {
				if _, ok := idealInstances[inst]; !ok {
					evOnly = append(evOnly, inst)
				}
			}
			sort.Slice(evOnly, func(i, j int) bool { return evOnly[i] < evOnly[j] })
			for _, inst := range evOnly {
				if evInstances[inst] == types.StateError {
					continue
				}
				remaining++
				if opts.EarlyReturn {
					return 1, nil
				}
			}
		}
	}

	return remaining, nil
}

// IsConverged reports whether remaining replica count is zero, per spec
// §4.4's isConverged = remainingReplicas(..., earlyReturn=true) == 0.
func IsConverged(ev, is types.PlacementMap, opts Options) (bool, error) {
	opts.EarlyReturn = true
	n, err := RemainingReplicas(ev, is, opts)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

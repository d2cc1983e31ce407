// Package rebalance implements the Rebalance Driver state machine (spec
// §4.7): it wires the Placement Store Gateway, Instance Partitions
// Resolver, Assignment Policy, Next-Step Planner, Convergence Predicate,
// and Force-Commit Coordinator into one run per table.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/segmentctl/rebalancer/pkg/convergence"
	"github.com/segmentctl/rebalancer/pkg/forcecommit"
	"github.com/segmentctl/rebalancer/pkg/log"
	"github.com/segmentctl/rebalancer/pkg/metrics"
	"github.com/segmentctl/rebalancer/pkg/partitions"
	"github.com/segmentctl/rebalancer/pkg/planner"
	"github.com/segmentctl/rebalancer/pkg/policy"
	"github.com/segmentctl/rebalancer/pkg/store"
	"github.com/segmentctl/rebalancer/pkg/types"
)

// InputsBuilder turns a table's current placement and resolved instance
// partitions into the policy's pure-function inputs. Segment metadata
// (partition ids, tiers, replica counts) lives outside this module's
// scope (spec §6's segment ZK metadata oracle), so callers supply it here.
type InputsBuilder func(current types.PlacementMap, byCategory map[types.InstancePartitionsCategory]*types.InstancePartitions, tierPartitions map[string]*types.InstancePartitions, cfg types.RebalanceConfig) (policy.Inputs, error)

// Dependencies wires one table's rebalance run.
type Dependencies struct {
	Gateway      store.Gateway
	Partitions   *partitions.Resolver
	Policy       policy.Policy
	Categories   []types.InstancePartitionsCategory
	Tiers        []string
	TierCategory map[string]types.InstancePartitionsCategory
	BuildInputs  InputsBuilder

	PartitionIDOracle  planner.PartitionIDFunc
	ForceCommitManager forcecommit.Manager

	SizeOracle   SizeOracle
	StreamOracle StreamOracle
	TagLookup    tagsOf
}

// RebalanceResult is returned to the caller on every terminal path.
type RebalanceResult struct {
	Status               types.TerminalStatus
	Message              string
	Target               types.PlacementMap
	PartitionsByCategory map[types.InstancePartitionsCategory]*types.InstancePartitions
	Summary              *Summary
}

// Run drives one rebalance of table through Init, Plan, and either the
// downtime path or the no-downtime convergence loop.
func Run(ctx context.Context, deps Dependencies, table string, cfg types.RebalanceConfig, observer Observer) (*RebalanceResult, error) {
	if observer == nil {
		observer = NoopObserver{}
	}
	jobID := uuid.NewString()
	logger := log.WithJobID(jobID).With().Str("table", table).Logger()
	endRun := metrics.BeginRun()
	timer := metrics.NewTimer()
	defer func() {
		endRun()
		timer.ObserveDuration(metrics.RunDuration)
	}()

	if err := validateConfig(cfg, deps.ForceCommitManager != nil); err != nil {
		metrics.RunsTotal.WithLabelValues("invalid_config").Inc()
		observer.OnError(err.Error())
		return &RebalanceResult{Status: types.StatusFailed, Message: err.Error()}, err
	}

	observer.OnTrigger(TriggerStart, nil, nil, nil)

	byCategory := make(map[types.InstancePartitionsCategory]*types.InstancePartitions)
	allUnchanged := true
	for _, cat := range deps.Categories {
		ip, unchanged, err := deps.Partitions.Resolve(ctx, table, cat, true, cfg)
		if err != nil {
			return failResult(observer, err, nil)
		}
		byCategory[cat] = ip
		allUnchanged = allUnchanged && unchanged
	}
	tierPartitions := make(map[string]*types.InstancePartitions, len(deps.Tiers))
	for _, tier := range deps.Tiers {
		cat := deps.TierCategory[tier]
		ip, unchanged, err := deps.Partitions.Resolve(ctx, table, cat, true, cfg)
		if err != nil {
			return failResult(observer, err, nil)
		}
		tierPartitions[tier] = ip
		allUnchanged = allUnchanged && unchanged
	}

	isDoc, err := deps.Gateway.ReadIdealState(ctx, table)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("not_found").Inc()
		observer.OnError(err.Error())
		return &RebalanceResult{Status: types.StatusFailed, Message: err.Error()}, err
	}

	if !isDoc.Enabled && !cfg.Downtime {
		err := fmt.Errorf("%w: %s", ErrDisabledTable, table)
		observer.OnError(err.Error())
		return &RebalanceResult{Status: types.StatusFailed, Message: err.Error()}, err
	}

	if cfg.MinAvailableReplicas >= 0 && cfg.MinAvailableReplicas >= isDoc.NumReplicas {
		err := fmt.Errorf("%w: minAvailableReplicas (%d) >= replicas (%d)", ErrInvalidConfig, cfg.MinAvailableReplicas, isDoc.NumReplicas)
		observer.OnError(err.Error())
		return &RebalanceResult{Status: types.StatusFailed, Message: err.Error()}, err
	}
	resolvedMinAvail := types.ResolvedMinAvailableReplicas(cfg.MinAvailableReplicas, isDoc.NumReplicas)

	current := isDoc.Segments
	inputs, err := deps.BuildInputs(current, byCategory, tierPartitions, cfg)
	if err != nil {
		return failResult(observer, err, byCategory)
	}

	target, err := deps.Policy.Rebalance(inputs)
	if err != nil {
		return failResult(observer, fmt.Errorf("%w: %v", ErrInvalidConfig, err), byCategory)
	}

	if allUnchanged && placementMapEqual(current, target) {
		logger.Info().Msg("no-op: target matches current placement and instance partitions unchanged")
		observer.OnNoop("no changes required")
		metrics.RunsTotal.WithLabelValues("noop").Inc()
		return &RebalanceResult{Status: types.StatusNoOp, Target: target, PartitionsByCategory: byCategory}, nil
	}

	if cfg.DryRun {
		summary := ComputeSummary(ctx, current, target, deps.SizeOracle, deps.StreamOracle, deps.TagLookup, 10)
		observer.OnSuccess("dry run complete")
		metrics.RunsTotal.WithLabelValues("dry_run").Inc()
		return &RebalanceResult{Status: types.StatusDryRun, Target: target, PartitionsByCategory: byCategory, Summary: summary}, nil
	}

	forceCommitConsumed := false

	if cfg.Downtime || !isDoc.Enabled {
		return deps.runDowntime(ctx, table, current, target, isDoc, cfg, observer, &forceCommitConsumed, byCategory)
	}

	return deps.runNoDowntime(ctx, table, current, target, isDoc.Version, resolvedMinAvail, cfg, observer, &forceCommitConsumed, byCategory, tierPartitions)
}

func validateConfig(cfg types.RebalanceConfig, hasForceCommitManager bool) error {
	if cfg.PreChecks && !cfg.DryRun {
		return fmt.Errorf("%w: preChecks requires dryRun", ErrInvalidConfig)
	}
	if cfg.BatchSizePerServer == 0 {
		return fmt.Errorf("%w: batchSizePerServer must not be 0 (use -1 to disable)", ErrInvalidConfig)
	}
	if cfg.ForceCommit && !hasForceCommitManager {
		return fmt.Errorf("%w: forceCommit requires a streaming table's realtime manager", ErrInvalidConfig)
	}
	return nil
}

func (deps Dependencies) runDowntime(
	ctx context.Context,
	table string,
	current, target types.PlacementMap,
	isDoc *types.IdealStateDocument,
	cfg types.RebalanceConfig,
	observer Observer,
	forceCommitConsumed *bool,
	byCategory map[types.InstancePartitionsCategory]*types.InstancePartitions,
) (*RebalanceResult, error) {
	if cfg.ForceCommit && deps.ForceCommitManager != nil {
		moves := consumingSegmentMoves(current, target)
		observer.OnTrigger(TriggerForceCommitStart, current, target, nil)
		fcTimer := metrics.NewTimer()
		err := forcecommit.Coordinate(ctx, deps.ForceCommitManager, table, moves, batchConfigFrom(cfg), forcecommit.Hooks{})
		fcTimer.ObserveDuration(metrics.ForceCommitDuration)
		observer.OnTrigger(TriggerForceCommitEnd, current, target, nil)
		if err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrForceCommitFailed, err)
			return failResult(observer, wrapped, byCategory)
		}
		*forceCommitConsumed = true
	}

	if observer.IsStopped() {
		return stoppedResult(observer, target, byCategory), nil
	}

	_, err := deps.Gateway.CASUpdateIdealState(ctx, table, target, isDoc.Version)
	if err != nil {
		return failResult(observer, err, byCategory)
	}

	summary := ComputeSummary(ctx, current, target, deps.SizeOracle, deps.StreamOracle, deps.TagLookup, 10)
	observer.OnSuccess("downtime rebalance complete")
	metrics.RunsTotal.WithLabelValues("done").Inc()
	return &RebalanceResult{Status: types.StatusDone, Target: target, PartitionsByCategory: byCategory, Summary: summary}, nil
}

func (deps Dependencies) runNoDowntime(
	ctx context.Context,
	table string,
	current, target types.PlacementMap,
	version int64,
	resolvedMinAvail int,
	cfg types.RebalanceConfig,
	observer Observer,
	forceCommitConsumed *bool,
	byCategory map[types.InstancePartitionsCategory]*types.InstancePartitions,
	tierPartitions map[string]*types.InstancePartitions,
) (*RebalanceResult, error) {
	monitored := movingSegments(current, target)

	for {
		if observer.IsStopped() {
			return stoppedResult(observer, target, byCategory), nil
		}

		// Step 1: wait for EV to converge on the monitored set. bestEffort
		// is handled inside waitForConvergence itself (it returns nil on a
		// stalled-but-tolerated timeout), so any error surfacing here is
		// fatal per spec §7: StuckInError or ConvergenceTimeout without
		// bestEffort.
		if err := deps.waitForConvergence(ctx, table, current, monitored, cfg, observer); err != nil {
			var detail *convergence.StuckInErrorDetail
			if errors.As(err, &detail) {
				return failResult(observer, fmt.Errorf("%w: %v", ErrStuckInError, err), byCategory)
			}
			return failResult(observer, err, byCategory)
		}
		observer.OnTrigger(TriggerEVToISConvergence, current, target, nil)
		if observer.IsStopped() {
			return stoppedResult(observer, target, byCategory), nil
		}

		// Step 2: re-read IS; re-plan if it changed underneath us.
		freshDoc, err := deps.Gateway.ReadIdealState(ctx, table)
		if err != nil {
			return failResult(observer, err, byCategory)
		}
		if freshDoc.Version != version {
			prevCurrent := current
			version = freshDoc.Version
			current = freshDoc.Segments

			if deps.Policy.IsStrictRealtime() || monitoredInstanceMapsChanged(monitored, prevCurrent, current) {
				inputs, err := deps.BuildInputs(current, byCategory, tierPartitions, cfg)
				if err != nil {
					return failResult(observer, err, byCategory)
				}
				rebuilt, err := deps.Policy.Rebalance(inputs)
				if err != nil {
					return failResult(observer, fmt.Errorf("%w: %v", ErrInvalidConfig, err), byCategory)
				}
				target = rebuilt
			}
			observer.OnTrigger(TriggerIdealStateChange, current, target, nil)
			if observer.IsStopped() {
				return stoppedResult(observer, target, byCategory), nil
			}
		}

		// Step 3: one-time force-commit of the probe's consuming-segment moves.
		if cfg.ForceCommit && !*forceCommitConsumed && deps.ForceCommitManager != nil {
			probe, err := planner.NextStep(current, target, plannerOptsFrom(cfg, resolvedMinAvail, deps.PartitionIDOracle))
			if err != nil {
				return failResult(observer, err, byCategory)
			}
			moves := consumingSegmentMoves(current, probe)
			observer.OnTrigger(TriggerForceCommitStart, current, target, nil)
			fcTimer := metrics.NewTimer()
			err = forcecommit.Coordinate(ctx, deps.ForceCommitManager, table, moves, batchConfigFrom(cfg), forcecommit.Hooks{})
			fcTimer.ObserveDuration(metrics.ForceCommitDuration)
			observer.OnTrigger(TriggerForceCommitEnd, current, target, nil)
			if err != nil {
				return failResult(observer, fmt.Errorf("%w: %v", ErrForceCommitFailed, err), byCategory)
			}
			*forceCommitConsumed = true

			freshDoc, err = deps.Gateway.ReadIdealState(ctx, table)
			if err != nil {
				return failResult(observer, err, byCategory)
			}
			version = freshDoc.Version
			current = freshDoc.Segments
			inputs, err := deps.BuildInputs(current, byCategory, tierPartitions, cfg)
			if err != nil {
				return failResult(observer, err, byCategory)
			}
			target, err = deps.Policy.Rebalance(inputs)
			if err != nil {
				return failResult(observer, fmt.Errorf("%w: %v", ErrInvalidConfig, err), byCategory)
			}
		}

		// Step 4
		if placementMapEqual(current, target) {
			summary := ComputeSummary(ctx, current, target, deps.SizeOracle, deps.StreamOracle, deps.TagLookup, 10)
			observer.OnSuccess("rebalance complete")
			metrics.RunsTotal.WithLabelValues("done").Inc()
			return &RebalanceResult{Status: types.StatusDone, Target: target, PartitionsByCategory: byCategory, Summary: summary}, nil
		}

		// Step 5
		if observer.IsStopped() {
			return stoppedResult(observer, target, byCategory), nil
		}
		next, err := planner.NextStep(current, target, plannerOptsFrom(cfg, resolvedMinAvail, deps.PartitionIDOracle))
		if err != nil {
			return failResult(observer, err, byCategory)
		}
		metrics.StepsTotal.Inc()
		observer.OnTrigger(TriggerNextAssignmentCalculation, current, next, nil)
		if observer.IsStopped() {
			return stoppedResult(observer, target, byCategory), nil
		}

		// Step 6
		updated, err := deps.Gateway.CASUpdateIdealState(ctx, table, next, version)
		if errors.Is(err, store.ErrVersionMismatch) {
			metrics.CASRetriesTotal.Inc()
			observer.OnRollback()
			continue
		}
		if err != nil {
			return failResult(observer, err, byCategory)
		}
		version = updated.Version
		monitored = unionSegments(monitored, movingSegments(current, next))
		current = next
	}
}

// waitForConvergence polls the external view until it matches is (the
// currently-written ideal state, per spec §4.7 step 1's "EV_TO_IS
// convergence") on the monitored segment set, or until the stabilization
// timeout elapses without measurable progress.
func (deps Dependencies) waitForConvergence(ctx context.Context, table string, is types.PlacementMap, monitored map[types.SegmentID]struct{}, cfg types.RebalanceConfig, observer Observer) error {
	interval := time.Duration(cfg.ExternalViewCheckInterval) * time.Millisecond
	timeout := time.Duration(cfg.ExternalViewStabilizationTimeout) * time.Millisecond
	deadline := time.Now().Add(timeout)
	lastRemaining := -1

	for {
		ev, err := deps.Gateway.ReadExternalView(ctx, table)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		evMap := types.PlacementMap{}
		if ev != nil {
			evMap = ev.Segments
		}

		remaining, err := convergence.RemainingReplicas(evMap, is, convergence.Options{
			LowDiskMode: cfg.LowDiskMode,
			BestEffort:  cfg.BestEffort,
			Monitored:   monitored,
		})
		if err != nil {
			return err
		}
		metrics.RemainingReplicas.Set(float64(remaining))
		if remaining == 0 {
			return nil
		}

		if lastRemaining == -1 || remaining < lastRemaining {
			deadline = time.Now().Add(timeout)
		}
		lastRemaining = remaining

		if time.Now().After(deadline) {
			if cfg.BestEffort {
				log.WithTable(table).Warn().Int("remaining", remaining).Msg("external view stabilization timed out, proceeding under bestEffort")
				return nil
			}
			return ErrConvergenceTimeout
		}

		if observer.IsStopped() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func plannerOptsFrom(cfg types.RebalanceConfig, resolvedMinAvail int, oracle planner.PartitionIDFunc) planner.Options {
	return planner.Options{
		MinAvailableReplicas: resolvedMinAvail,
		StrictReplicaGroup:   cfg.StrictReplicaGroup,
		LowDiskMode:          cfg.LowDiskMode,
		BatchSizePerServer:   cfg.BatchSizePerServer,
		PartitionID:          oracle,
	}
}

func batchConfigFrom(cfg types.RebalanceConfig) forcecommit.BatchConfig {
	return forcecommit.BatchConfig{
		BatchSize:           cfg.ForceCommitBatchSize,
		StatusCheckInterval: time.Duration(cfg.ForceCommitBatchStatusCheckInterval) * time.Millisecond,
		StatusCheckTimeout:  time.Duration(cfg.ForceCommitBatchStatusCheckTimeout) * time.Millisecond,
	}
}

func consumingSegmentMoves(current, target types.PlacementMap) []types.SegmentID {
	var out []types.SegmentID
	for _, seg := range types.SortedSegmentIDs(current) {
		for inst, state := range current[seg] {
			if state != types.StateConsuming {
				continue
			}
			if tgtState, ok := target[seg][inst]; !ok || tgtState != types.StateConsuming {
				out = append(out, seg)
				break
			}
		}
	}
	return out
}

func movingSegments(current, target types.PlacementMap) map[types.SegmentID]struct{} {
	out := make(map[types.SegmentID]struct{})
	for _, seg := range types.SortedSegmentIDs(target) {
		if !current[seg].Equal(target[seg]) {
			out[seg] = struct{}{}
		}
	}
	return out
}

// unionSegments merges two monitored sets, per spec §3's "recomputed each
// iteration as union of last step's moved set and this step's moved set".
func unionSegments(a, b map[types.SegmentID]struct{}) map[types.SegmentID]struct{} {
	out := make(map[types.SegmentID]struct{}, len(a)+len(b))
	for seg := range a {
		out[seg] = struct{}{}
	}
	for seg := range b {
		out[seg] = struct{}{}
	}
	return out
}

func monitoredInstanceMapsChanged(monitored map[types.SegmentID]struct{}, prev, fresh types.PlacementMap) bool {
	for seg := range monitored {
		if !prev[seg].Equal(fresh[seg]) {
			return true
		}
	}
	return false
}

func placementMapEqual(a, b types.PlacementMap) bool {
	if len(a) != len(b) {
		return false
	}
	for seg, inst := range a {
		other, ok := b[seg]
		if !ok || !inst.Equal(other) {
			return false
		}
	}
	return true
}

func stoppedResult(observer Observer, target types.PlacementMap, byCategory map[types.InstancePartitionsCategory]*types.InstancePartitions) *RebalanceResult {
	return &RebalanceResult{Status: observer.GetStopStatus(), Target: target, PartitionsByCategory: byCategory}
}

func failResult(observer Observer, err error, byCategory map[types.InstancePartitionsCategory]*types.InstancePartitions) (*RebalanceResult, error) {
	observer.OnError(err.Error())
	metrics.RunsTotal.WithLabelValues("failed").Inc()
	return &RebalanceResult{Status: types.StatusFailed, Message: err.Error(), PartitionsByCategory: byCategory}, err
}

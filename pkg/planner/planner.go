// Package planner implements the Next-Step Planner (spec §4.5): given a
// current and target placement, it produces the next intermediate
// placement that respects a minimum-available-replicas floor and a
// per-server batch ceiling, in either non-strict or strict-replica-group
// mode.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/segmentctl/rebalancer/pkg/types"
)

// PartitionIDFunc resolves a segment's partition ID, used by strict
// replica-group mode to co-locate segments of the same partition. Callers
// typically back this with a cache; the planner also caches lookups for
// the lifetime of a single NextStep call.
type PartitionIDFunc func(types.SegmentID) (int, error)

// Options configures one NextStep call.
type Options struct {
	MinAvailableReplicas int
	StrictReplicaGroup   bool
	LowDiskMode          bool
	// BatchSizePerServer is the per-server ceiling on newly-assigned
	// segments in this step. -1 disables batching.
	BatchSizePerServer int
	// PartitionID is required when StrictReplicaGroup is set.
	PartitionID PartitionIDFunc
}

const batchDisabled = -1

// NextStep computes the next intermediate placement toward target. current
// and target must cover the same set of segments; segments present in one
// but not the other are treated as having an empty instance map on that
// side. All per-step local state (pending-offload counters, assignment-key
// cache, partition-ID cache) is local to this call and never bleeds across
// steps, per spec §9.
func NextStep(current, target types.PlacementMap, opts Options) (types.PlacementMap, error) {
	if opts.StrictReplicaGroup && opts.PartitionID == nil {
		return nil, fmt.Errorf("planner: strict replica group mode requires a PartitionID resolver")
	}

	p := &planState{
		opts:             opts,
		current:          current,
		target:           target,
		assignmentCache:  make(map[string][]types.InstanceID),
		partitionIDCache: make(map[types.SegmentID]int),
		quotaUsed:        make(map[types.InstanceID]int),
	}
	p.initPendingOffloads()

	if opts.StrictReplicaGroup {
		return p.planStrict()
	}
	return p.planNonStrict()
}

type planState struct {
	opts    Options
	current types.PlacementMap
	target  types.PlacementMap

	pendingOffloads  map[types.InstanceID]int
	assignmentCache  map[string][]types.InstanceID
	partitionIDCache map[types.SegmentID]int
	quotaUsed        map[types.InstanceID]int
}

func (p *planState) allSegmentIDs() []types.SegmentID {
	seen := make(map[types.SegmentID]struct{}, len(p.current)+len(p.target))
	for seg := range p.current {
		seen[seg] = struct{}{}
	}
	for seg := range p.target {
		seen[seg] = struct{}{}
	}
	ids := make([]types.SegmentID, 0, len(seen))
	for seg := range seen {
		ids = append(ids, seg)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *planState) initPendingOffloads() {
	p.pendingOffloads = make(map[types.InstanceID]int)
	for _, inst := range p.current {
		for i := range inst {
			p.pendingOffloads[i]++
		}
	}
	for _, inst := range p.target {
		for i := range inst {
			p.pendingOffloads[i]--
		}
	}
}

func instanceSet(m types.InstanceStateMap) map[types.InstanceID]struct{} {
	out := make(map[types.InstanceID]struct{}, len(m))
	for i := range m {
		out[i] = struct{}{}
	}
	return out
}

func sortedInstanceIDs(set map[types.InstanceID]struct{}) []types.InstanceID {
	ids := make([]types.InstanceID, 0, len(set))
	for i := range set {
		ids = append(ids, i)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func assignmentKey(c, t []types.InstanceID) string {
	var sb strings.Builder
	for _, i := range c {
		sb.WriteString(string(i))
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	for _, i := range t {
		sb.WriteString(string(i))
		sb.WriteByte(',')
	}
	return sb.String()
}

// pickFewestPendingOffloads returns the candidate instance with the lowest
// pendingOffloads value, breaking ties lexicographically. It does not modify
// candidates; callers remove the pick themselves.
func (p *planState) pickFewestPendingOffloads(candidates []types.InstanceID) types.InstanceID {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if p.pendingOffloads[c] < p.pendingOffloads[best] ||
			(p.pendingOffloads[c] == p.pendingOffloads[best] && c < best) {
			best = c
		}
	}
	return best
}

// singleSegmentNext implements the shared single-segment next-assignment
// subroutine (spec §4.5). It returns the next instance state map for this
// segment and the "available" instance set (next.keys ∩ current.keys).
func (p *planState) singleSegmentNext(cur, tgt types.InstanceStateMap) (types.InstanceStateMap, map[types.InstanceID]struct{}) {
	cSet := instanceSet(cur)
	tSet := instanceSet(tgt)
	cIDs := sortedInstanceIDs(cSet)
	tIDs := sortedInstanceIDs(tSet)
	key := assignmentKey(cIDs, tIDs)

	var chosen []types.InstanceID
	if cached, ok := p.assignmentCache[key]; ok {
		chosen = cached
	} else {
		chosenSet := make(map[types.InstanceID]struct{})
		for i := range cSet {
			if _, ok := tSet[i]; ok {
				chosenSet[i] = struct{}{}
			}
		}

		if len(chosenSet) < p.opts.MinAvailableReplicas {
			var candidates []types.InstanceID
			for i := range cSet {
				if _, ok := chosenSet[i]; !ok {
					candidates = append(candidates, i)
				}
			}
			for len(chosenSet) < p.opts.MinAvailableReplicas && len(candidates) > 0 {
				pick := p.pickFewestPendingOffloads(candidates)
				chosenSet[pick] = struct{}{}
				p.pendingOffloads[pick]--
				candidates = removeInstance(candidates, pick)
			}
		}

		retainingDropWork := p.opts.LowDiskMode && len(chosenSet) < len(cSet)
		if !retainingDropWork {
			var candidates []types.InstanceID
			for i := range tSet {
				if _, ok := chosenSet[i]; !ok {
					candidates = append(candidates, i)
				}
			}
			// candidates is exactly T \ chosenSet, so draining it fully
			// brings every target instance in regardless of how many
			// floor-retained C\T instances chosenSet already carries.
			for len(candidates) > 0 {
				pick := p.pickFewestPendingOffloads(candidates)
				chosenSet[pick] = struct{}{}
				p.pendingOffloads[pick]--
				candidates = removeInstance(candidates, pick)
			}
		}

		chosen = sortedInstanceIDs(chosenSet)
		p.assignmentCache[key] = chosen
	}

	next := make(types.InstanceStateMap, len(chosen))
	available := make(map[types.InstanceID]struct{})
	for _, i := range chosen {
		if state, ok := tgt[i]; ok {
			next[i] = state
		} else {
			next[i] = cur[i]
		}
		if _, ok := cSet[i]; ok {
			available[i] = struct{}{}
		}
	}
	return next, available
}

func removeInstance(ids []types.InstanceID, target types.InstanceID) []types.InstanceID {
	out := ids[:0]
	for _, i := range ids {
		if i != target {
			out = append(out, i)
		}
	}
	return out
}

func (p *planState) planNonStrict() (types.PlacementMap, error) {
	next := make(types.PlacementMap, len(p.current))
	for _, segID := range p.allSegmentIDs() {
		cur := p.current[segID]
		tgt := p.target[segID]

		candidate, _ := p.singleSegmentNext(cur, tgt)

		newServers := newlyIntroduced(candidate, cur)
		if p.admitNonStrict(newServers) {
			next[segID] = candidate
			p.bumpQuota(newServers, 1)
		} else {
			next[segID] = cur.Clone()
		}
	}
	return next, nil
}

func (p *planState) admitNonStrict(newServers []types.InstanceID) bool {
	if p.opts.BatchSizePerServer == batchDisabled {
		return true
	}
	for _, s := range newServers {
		if p.quotaUsed[s]+1 > p.opts.BatchSizePerServer {
			return false
		}
	}
	return true
}

func (p *planState) bumpQuota(servers []types.InstanceID, n int) {
	for _, s := range servers {
		p.quotaUsed[s] += n
	}
}

func newlyIntroduced(next, cur types.InstanceStateMap) []types.InstanceID {
	var out []types.InstanceID
	for i := range next {
		if _, ok := cur[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

type segmentGroup struct {
	key      string
	segments []types.SegmentID
}

func (p *planState) partitionIDOf(segID types.SegmentID) (int, error) {
	if id, ok := p.partitionIDCache[segID]; ok {
		return id, nil
	}
	id, err := p.opts.PartitionID(segID)
	if err != nil {
		return 0, fmt.Errorf("planner: resolve partition id for %s: %w", segID, err)
	}
	p.partitionIDCache[segID] = id
	return id, nil
}

// planStrict implements strict-replica-group mode: segments sharing the
// same (current-instance-set, target-instance-set, partitionID) move
// together, as a group, or not at all this step.
func (p *planState) planStrict() (types.PlacementMap, error) {
	segIDs := p.allSegmentIDs()

	groupOf := make(map[string]*segmentGroup)
	var order []string
	for _, segID := range segIDs {
		cIDs := sortedInstanceIDs(instanceSet(p.current[segID]))
		tIDs := sortedInstanceIDs(instanceSet(p.target[segID]))
		partID, err := p.partitionIDOf(segID)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s#%d", assignmentKey(cIDs, tIDs), partID)
		g, ok := groupOf[key]
		if !ok {
			g = &segmentGroup{key: key}
			groupOf[key] = g
			order = append(order, key)
		}
		g.segments = append(g.segments, segID)
	}

	next := make(types.PlacementMap, len(segIDs))
	for _, key := range order {
		g := groupOf[key]
		probeSeg := g.segments[0]
		candidate, _ := p.singleSegmentNext(p.current[probeSeg], p.target[probeSeg])
		newServers := newlyIntroduced(candidate, p.current[probeSeg])

		if p.admitStrict(newServers, len(g.segments)) {
			p.bumpQuota(newServers, len(g.segments))
			for _, segID := range g.segments {
				_, tgt := p.current[segID], p.target[segID]
				if len(g.segments) == 1 {
					next[segID] = candidate
					continue
				}
				// Every segment in the group shares (C, T); re-derive its
				// own next map from the group's chosen instance set so
				// each segment keeps its own per-instance target state.
				chosen := make(types.InstanceStateMap, len(candidate))
				for i := range candidate {
					if state, ok := tgt[i]; ok {
						chosen[i] = state
					} else {
						chosen[i] = p.current[segID][i]
					}
				}
				next[segID] = chosen
			}
		} else {
			for _, segID := range g.segments {
				next[segID] = p.current[segID].Clone()
			}
		}
	}
	return next, nil
}

// admitStrict decides whether a full group may move this step. A server
// newly introduced by the probe may only be admitted if it still has
// quota, and either it has used none yet this step (a full partition may
// exceed the per-server ceiling to make progress) or the group fits within
// its remaining quota.
func (p *planState) admitStrict(newServers []types.InstanceID, groupSize int) bool {
	if p.opts.BatchSizePerServer == batchDisabled {
		return true
	}
	for _, s := range newServers {
		used := p.quotaUsed[s]
		if used >= p.opts.BatchSizePerServer {
			return false
		}
		if used != 0 && used+groupSize > p.opts.BatchSizePerServer {
			return false
		}
	}
	return true
}

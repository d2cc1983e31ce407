// Package policy implements the Assignment Policy capability set (spec
// §4.3, §9): a pure function from current placement and instance
// partitions to a target placement, with an isStrictRealtime flag the
// driver uses to decide whether a still-moving segment forces a full
// re-plan.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/segmentctl/rebalancer/pkg/types"
)

// ErrInvalidConfig mirrors the core's InvalidConfig error kind (spec §7);
// policies return it wrapped with details rather than a bare string.
var ErrInvalidConfig = errors.New("policy: invalid config")

// SegmentInfo is everything a policy needs about one segment to place it:
// its partition, which instance-partitions category/tier governs it, its
// desired replica count, and whether it is still an actively-appending
// tail segment.
type SegmentInfo struct {
	ID            types.SegmentID
	Index         int // deterministic ordinal within (category, partition), used for instance offset
	PartitionID   int
	Category      types.InstancePartitionsCategory
	Tier          string // empty if untiered
	NumReplicas   int
	ConsumingTail bool
}

// Inputs bundles everything the Rebalance contract (spec §4.3) takes
// besides the policy itself.
type Inputs struct {
	Segments             []SegmentInfo
	PartitionsByCategory map[types.InstancePartitionsCategory]*types.InstancePartitions
	SortedTiers          []string
	TierPartitions       map[string]*types.InstancePartitions
	Config               types.RebalanceConfig
}

// Policy is the capability set spec §9 describes: a pure rebalance
// function plus a marker the driver uses for re-plan decisions.
type Policy interface {
	Rebalance(in Inputs) (types.PlacementMap, error)
	IsStrictRealtime() bool
}

func sortedGroupIndices(groups map[int]map[int][]types.InstanceID) []int {
	ids := make([]int, 0, len(groups))
	for g := range groups {
		ids = append(ids, g)
	}
	sort.Ints(ids)
	return ids
}

// assignSegment places one segment's replicas by replica-group rotation:
// replica r is served by replica group r (mod group count), and within
// that group the instance is chosen by the segment's ordinal offset so
// that segments of the same partition spread evenly across the group's
// instance list.
func assignSegment(seg SegmentInfo, ip *types.InstancePartitions) (types.InstanceStateMap, error) {
	if ip == nil {
		return nil, fmt.Errorf("%w: no instance partitions for category %s", ErrInvalidConfig, seg.Category)
	}
	groups := sortedGroupIndices(ip.ReplicaGroups)
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: instance partitions for %s have no replica groups", ErrInvalidConfig, seg.Category)
	}

	out := make(types.InstanceStateMap, seg.NumReplicas)
	state := types.StateOnline
	if seg.ConsumingTail {
		state = types.StateConsuming
	}
	for r := 0; r < seg.NumReplicas; r++ {
		g := groups[r%len(groups)]
		instances := ip.ReplicaGroups[g][seg.PartitionID]
		if len(instances) == 0 {
			continue
		}
		inst := instances[seg.Index%len(instances)]
		out[inst] = state
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no instances resolved for segment %s", ErrInvalidConfig, seg.ID)
	}
	return out, nil
}

func partitionsFor(seg SegmentInfo, in Inputs) *types.InstancePartitions {
	if seg.Tier != "" {
		if ip, ok := in.TierPartitions[seg.Tier]; ok {
			return ip
		}
	}
	return in.PartitionsByCategory[seg.Category]
}

func rebalanceCommon(in Inputs) (types.PlacementMap, error) {
	out := make(types.PlacementMap, len(in.Segments))
	for _, seg := range in.Segments {
		ip := partitionsFor(seg, in)
		assignment, err := assignSegment(seg, ip)
		if err != nil {
			return nil, err
		}
		out[seg.ID] = assignment
	}
	return out, nil
}

// OfflineSegmentAssignment is the policy variant for offline (batch)
// tables: every segment is fully replicated and ONLINE once placed, no
// consuming tail exists.
type OfflineSegmentAssignment struct{}

func (OfflineSegmentAssignment) Rebalance(in Inputs) (types.PlacementMap, error) {
	return rebalanceCommon(in)
}

func (OfflineSegmentAssignment) IsStrictRealtime() bool { return false }

// RealtimeSegmentAssignment handles streaming tables where tail segments
// are CONSUMING. It is not strict: on an ideal-state change the driver
// re-plans in full only when a monitored segment's instance-state map
// changed.
type RealtimeSegmentAssignment struct{}

func (RealtimeSegmentAssignment) Rebalance(in Inputs) (types.PlacementMap, error) {
	return rebalanceCommon(in)
}

func (RealtimeSegmentAssignment) IsStrictRealtime() bool { return false }

// StrictRealtimeSegmentAssignment computes the same target placement as
// RealtimeSegmentAssignment but marks itself strict: the driver re-plans in
// full on every ideal-state version change it observes (spec §4.7 step 2),
// not only when a monitored segment's instance-state map changed, since
// strict mode's co-location invariant can be broken by a partial adoption
// of IS-only changes.
type StrictRealtimeSegmentAssignment struct {
	RealtimeSegmentAssignment
}

func (StrictRealtimeSegmentAssignment) IsStrictRealtime() bool { return true }

var (
	_ Policy = OfflineSegmentAssignment{}
	_ Policy = RealtimeSegmentAssignment{}
	_ Policy = StrictRealtimeSegmentAssignment{}
)

// Package types defines the core data model shared by every package in the
// rebalancer: segment and instance identifiers, placement maps, the
// versioned ideal-state document, instance partitions, and runtime
// configuration.
package types

import "sort"

// SegmentID identifies one segment of a partitioned table. Opaque and
// globally unique per table.
type SegmentID string

// InstanceID identifies a server capable of hosting segment replicas.
type InstanceID string

// SegmentState is the state of one (segment, instance) replica.
type SegmentState string

const (
	StateOnline    SegmentState = "ONLINE"
	StateConsuming SegmentState = "CONSUMING"
	StateOffline   SegmentState = "OFFLINE"
	StateError     SegmentState = "ERROR"
	StateDropped   SegmentState = "DROPPED"
)

// InstanceStateMap maps an instance to the state it holds a segment in.
type InstanceStateMap map[InstanceID]SegmentState

// Clone returns a shallow copy safe for independent mutation.
func (m InstanceStateMap) Clone() InstanceStateMap {
	out := make(InstanceStateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether two instance state maps hold identical entries.
func (m InstanceStateMap) Equal(other InstanceStateMap) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Instances returns the set of instance IDs present in the map.
func (m InstanceStateMap) Instances() map[InstanceID]struct{} {
	out := make(map[InstanceID]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// PlacementMap is the per-segment placement of a table: segment ID to
// instance state map. Iteration order is not part of the type itself;
// callers that need determinism should use SortedSegmentIDs.
type PlacementMap map[SegmentID]InstanceStateMap

// Clone deep-copies a placement map.
func (p PlacementMap) Clone() PlacementMap {
	out := make(PlacementMap, len(p))
	for seg, inst := range p {
		out[seg] = inst.Clone()
	}
	return out
}

// SortedSegmentIDs returns the map's segment IDs in lexicographic order,
// the stable iteration order next-step planning depends on for
// deterministic output.
func SortedSegmentIDs(p PlacementMap) []SegmentID {
	ids := make([]SegmentID, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InstancePartitionsCategory names the logical grouping an InstancePartitions
// document belongs to.
type InstancePartitionsCategory string

const (
	CategoryOffline   InstancePartitionsCategory = "OFFLINE"
	CategoryConsuming InstancePartitionsCategory = "CONSUMING"
	CategoryCompleted InstancePartitionsCategory = "COMPLETED"
)

// TierCategory builds the category name for a tier, e.g. "TIER_hot".
func TierCategory(tier string) InstancePartitionsCategory {
	return InstancePartitionsCategory("TIER_" + tier)
}

// InstancePartitions is a structured grouping of instances into replica
// groups and partitions, used by the assignment policy. Treated as opaque
// by the core beyond equality checks, so its shape only needs to be stable
// and comparable.
type InstancePartitions struct {
	Category InstancePartitionsCategory
	// ReplicaGroups maps a replica-group index to the ordered instances
	// backing that replica group, keyed by partition ID within the group.
	ReplicaGroups map[int]map[int][]InstanceID
}

// Equal reports whether two instance partitions documents are identical.
func (p *InstancePartitions) Equal(other *InstancePartitions) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Category != other.Category {
		return false
	}
	if len(p.ReplicaGroups) != len(other.ReplicaGroups) {
		return false
	}
	for grp, partitions := range p.ReplicaGroups {
		op, ok := other.ReplicaGroups[grp]
		if !ok || len(op) != len(partitions) {
			return false
		}
		for pid, instances := range partitions {
			oi, ok := op[pid]
			if !ok || len(oi) != len(instances) {
				return false
			}
			for i := range instances {
				if instances[i] != oi[i] {
					return false
				}
			}
		}
	}
	return true
}

// IdealStateDocument is the authoritative, versioned placement document for
// a table. Updates are compare-and-swap on Version.
type IdealStateDocument struct {
	Table         string
	Segments      PlacementMap
	NumReplicas   int
	NumPartitions int
	Enabled       bool
	Version       int64
}

// ExternalViewDocument is the observed placement reported by servers. It may
// lag or transiently diverge from the ideal state.
type ExternalViewDocument struct {
	Table    string
	Segments PlacementMap
}

// MinimizeDataMovement is a tri-state toggle: a policy may default to its
// own behavior, or be forced on/off by configuration.
type MinimizeDataMovement int

const (
	MinimizeDataMovementDefault MinimizeDataMovement = iota
	MinimizeDataMovementEnable
	MinimizeDataMovementDisable
)

// RebalanceConfig is the runtime configuration recognized by the core, per
// the external interface in spec §6.
type RebalanceConfig struct {
	DryRun      bool
	PreChecks   bool
	Bootstrap   bool
	Downtime    bool
	LowDiskMode bool
	BestEffort  bool

	ReassignInstances bool
	IncludeConsuming  bool

	MinAvailableReplicas int
	BatchSizePerServer   int

	MinimizeDataMovement MinimizeDataMovement

	ExternalViewCheckInterval        int64 // milliseconds
	ExternalViewStabilizationTimeout int64 // milliseconds

	ForceCommit                         bool
	ForceCommitBatchSize                int
	ForceCommitBatchStatusCheckInterval int64 // milliseconds
	ForceCommitBatchStatusCheckTimeout  int64 // milliseconds

	StrictReplicaGroup bool
}

// ResolvedMinAvailableReplicas interprets a negative MinAvailableReplicas as
// max-unavailable relative to the configured replica count, floored at 0.
func ResolvedMinAvailableReplicas(minAvailable, replicas int) int {
	if minAvailable >= 0 {
		return minAvailable
	}
	resolved := replicas + minAvailable
	if resolved < 0 {
		return 0
	}
	return resolved
}

// TerminalStatus is the status of a finished (or abandoned) rebalance run.
type TerminalStatus string

const (
	StatusNoOp      TerminalStatus = "NO_OP"
	StatusDone      TerminalStatus = "DONE"
	StatusDryRun    TerminalStatus = "DRY_RUN"
	StatusFailed    TerminalStatus = "FAILED"
	StatusAborted   TerminalStatus = "ABORTED"
	StatusCancelled TerminalStatus = "CANCELLED"
)

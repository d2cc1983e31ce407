package rebalance

import (
	"context"
	"sort"
	"time"

	"github.com/segmentctl/rebalancer/pkg/types"
)

// unavailable is the null sentinel the Summary Calculator returns for any
// oracle-backed figure it could not compute (spec §4.9: "null-tolerant:
// any failing oracle yields -1 sentinels, never failure").
const unavailable = -1

// SizeOracle estimates the on-disk size of one segment. A nil SizeOracle,
// or one that errors, yields unavailable data-movement figures.
type SizeOracle interface {
	SegmentSizeBytes(ctx context.Context, segment types.SegmentID) (int64, error)
}

// SegmentMetadata is what the segment ZK metadata oracle (spec §6) reports
// about a consuming segment.
type SegmentMetadata struct {
	CreationTime time.Time
	StartOffset  int64
	PartitionID  int
}

// StreamOracle resolves consuming-segment age/lag figures (spec §6, §4.9).
type StreamOracle interface {
	SegmentMetadata(ctx context.Context, segment types.SegmentID) (SegmentMetadata, error)
	LargestOffset(ctx context.Context, table string, partitionID int, timeout time.Duration) (int64, error)
}

// ServerSummary is the per-server breakdown of one rebalance's effect.
type ServerSummary struct {
	Added        int
	Removed      int
	Unchanged    int
	NewSegments  int
	TagBreakdown map[string]int
}

// ConsumingSegmentSummary reports one consuming segment's age and lag,
// using unavailable (-1) when the stream oracle could not answer.
type ConsumingSegmentSummary struct {
	Segment    types.SegmentID
	AgeSeconds int64
	OffsetLag  int64
}

// Summary is the full output of the Summary Calculator (spec §4.9).
type Summary struct {
	PerServer                  map[types.InstanceID]*ServerSummary
	ReplicationFactorBefore    int
	ReplicationFactorAfter     int
	EstimatedDataMovementBytes int64
	TopConsumingSegments       []ConsumingSegmentSummary
}

// tagsOf resolves the tags for instances, used to build the per-server tag
// breakdown; a nil or incomplete map just yields no breakdown entries for
// the unresolved instances.
type tagsOf func(types.InstanceID) []string

// ComputeSummary implements spec §4.9. sizeOracle and streamOracle may be
// nil; tagLookup may be nil. topN bounds the consuming-segment report (0
// means no cap).
func ComputeSummary(ctx context.Context, current, target types.PlacementMap, sizeOracle SizeOracle, streamOracle StreamOracle, tagLookup tagsOf, topN int) *Summary {
	perServer := make(map[types.InstanceID]*ServerSummary)

	touch := func(inst types.InstanceID) *ServerSummary {
		s, ok := perServer[inst]
		if !ok {
			s = &ServerSummary{TagBreakdown: make(map[string]int)}
			perServer[inst] = s
		}
		return s
	}

	for _, segID := range types.SortedSegmentIDs(target) {
		tgt := target[segID]
		cur := current[segID]
		segmentIsNew := len(cur) == 0

		for inst := range tgt {
			s := touch(inst)
			if _, wasPresent := cur[inst]; wasPresent {
				s.Unchanged++
			} else {
				s.Added++
				if segmentIsNew {
					s.NewSegments++
				}
			}
			if tagLookup != nil {
				for _, tag := range tagLookup(inst) {
					s.TagBreakdown[tag]++
				}
			}
		}
		for inst := range cur {
			if _, stillPresent := tgt[inst]; !stillPresent {
				touch(inst).Removed++
			}
		}
	}

	summary := &Summary{
		PerServer:                  perServer,
		ReplicationFactorBefore:    averageReplicas(current),
		ReplicationFactorAfter:     averageReplicas(target),
		EstimatedDataMovementBytes: unavailable,
	}

	if sizeOracle != nil {
		summary.EstimatedDataMovementBytes = estimateMovement(ctx, current, target, sizeOracle)
	}

	if streamOracle != nil {
		summary.TopConsumingSegments = consumingSegmentSummaries(ctx, target, streamOracle, topN)
	}

	return summary
}

func averageReplicas(pm types.PlacementMap) int {
	if len(pm) == 0 {
		return 0
	}
	total := 0
	for _, inst := range pm {
		total += len(inst)
	}
	return total / len(pm)
}

func estimateMovement(ctx context.Context, current, target types.PlacementMap, oracle SizeOracle) int64 {
	var total int64
	for _, segID := range types.SortedSegmentIDs(target) {
		tgt := target[segID]
		cur := current[segID]
		var added int
		for inst := range tgt {
			if _, ok := cur[inst]; !ok {
				added++
			}
		}
		if added == 0 {
			continue
		}
		size, err := oracle.SegmentSizeBytes(ctx, segID)
		if err != nil {
			return unavailable
		}
		total += size * int64(added)
	}
	return total
}

func consumingSegmentSummaries(ctx context.Context, target types.PlacementMap, oracle StreamOracle, topN int) []ConsumingSegmentSummary {
	var out []ConsumingSegmentSummary
	for _, segID := range types.SortedSegmentIDs(target) {
		isConsuming := false
		for _, state := range target[segID] {
			if state == types.StateConsuming {
				isConsuming = true
				break
			}
		}
		if !isConsuming {
			continue
		}

		age := int64(unavailable)
		lag := int64(unavailable)

		meta, err := oracle.SegmentMetadata(ctx, segID)
		if err == nil {
			age = int64(time.Since(meta.CreationTime).Seconds())
			largest, err := oracle.LargestOffset(ctx, "", meta.PartitionID, 0)
			if err == nil {
				lag = largest - meta.StartOffset
			}
		}

		out = append(out, ConsumingSegmentSummary{Segment: segID, AgeSeconds: age, OffsetLag: lag})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OffsetLag > out[j].OffsetLag })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

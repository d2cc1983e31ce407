package planner

import (
	"testing"

	"github.com/segmentctl/rebalancer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func im(states ...any) types.InstanceStateMap {
	m := make(types.InstanceStateMap)
	for i := 0; i < len(states); i += 2 {
		m[types.InstanceID(states[i].(string))] = states[i+1].(types.SegmentState)
	}
	return m
}

func TestNextStepNonStrictConvergesInOneStepWhenUnconstrained(t *testing.T) {
	current := types.PlacementMap{"s1": im("i1", types.StateOnline, "i2", types.StateOnline)}
	target := types.PlacementMap{"s1": im("i2", types.StateOnline, "i3", types.StateOnline)}

	next, err := NextStep(current, target, Options{MinAvailableReplicas: 1, BatchSizePerServer: batchDisabled})
	require.NoError(t, err)
	assert.Equal(t, target["s1"], next["s1"])
}

func TestNextStepRetainsMinAvailableReplicasFloor(t *testing.T) {
	current := types.PlacementMap{"s1": im("i1", types.StateOnline)}
	target := types.PlacementMap{"s1": im("i2", types.StateOnline)}

	next, err := NextStep(current, target, Options{MinAvailableReplicas: 1, BatchSizePerServer: batchDisabled})
	require.NoError(t, err)
	assert.Len(t, next["s1"], 2, "must retain i1 until i2 is up to honor the floor")
	assert.Contains(t, next["s1"], types.InstanceID("i1"))
	assert.Contains(t, next["s1"], types.InstanceID("i2"))
}

func TestNextStepNonStrictBatchQuotaSkipsOverflowSegment(t *testing.T) {
	current := types.PlacementMap{
		"s1": im("i1", types.StateOnline),
		"s2": im("i1", types.StateOnline),
	}
	target := types.PlacementMap{
		"s1": im("i2", types.StateOnline),
		"s2": im("i2", types.StateOnline),
	}

	next, err := NextStep(current, target, Options{MinAvailableReplicas: 0, BatchSizePerServer: 1})
	require.NoError(t, err)

	moved := 0
	for _, seg := range []types.SegmentID{"s1", "s2"} {
		if _, ok := next[seg]["i2"]; ok {
			moved++
		}
	}
	assert.Equal(t, 1, moved, "only one segment may newly introduce i2 this step under batch=1")
}

func TestNextStepStrictReplicaGroupMovesGroupTogether(t *testing.T) {
	current := types.PlacementMap{
		"s1": im("i1", types.StateOnline),
		"s2": im("i1", types.StateOnline),
	}
	target := types.PlacementMap{
		"s1": im("i2", types.StateOnline),
		"s2": im("i2", types.StateOnline),
	}
	partitionOf := map[types.SegmentID]int{"s1": 0, "s2": 0}

	next, err := NextStep(current, target, Options{
		MinAvailableReplicas: 0,
		StrictReplicaGroup:   true,
		BatchSizePerServer:   1,
		PartitionID: func(id types.SegmentID) (int, error) {
			return partitionOf[id], nil
		},
	})
	require.NoError(t, err)

	_, s1ok := next["s1"]["i2"]
	_, s2ok := next["s2"]["i2"]
	assert.Equal(t, s1ok, s2ok, "both segments of the same partition must move together or not at all")
}

func TestNextStepStrictReplicaGroupRequiresPartitionIDFunc(t *testing.T) {
	_, err := NextStep(types.PlacementMap{}, types.PlacementMap{}, Options{StrictReplicaGroup: true})
	assert.Error(t, err)
}

func TestNextStepLowDiskModeDefersAddsUntilDropsLand(t *testing.T) {
	current := types.PlacementMap{"s1": im("i1", types.StateOnline, "i2", types.StateOnline)}
	target := types.PlacementMap{"s1": im("i3", types.StateOnline, "i4", types.StateOnline)}

	next, err := NextStep(current, target, Options{
		MinAvailableReplicas: 1,
		LowDiskMode:          true,
		BatchSizePerServer:   batchDisabled,
	})
	require.NoError(t, err)
	assert.Len(t, next["s1"], 1, "low disk mode must not add new replicas while a drop is still in flight")
	assert.NotContains(t, next["s1"], types.InstanceID("i3"))
	assert.NotContains(t, next["s1"], types.InstanceID("i4"))
}

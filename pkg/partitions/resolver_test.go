package partitions

import (
	"context"
	"testing"

	"github.com/segmentctl/rebalancer/pkg/store"
	"github.com/segmentctl/rebalancer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driver() RoundRobinDriver {
	return RoundRobinDriver{NumReplicaGroups: 2, NumPartitions: 1, InstancesPerPartition: 1}
}

func TestResolveReusesPersistedPartitionsByDefault(t *testing.T) {
	gw := store.NewMemGateway()
	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i1", Enabled: true})
	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i2", Enabled: true})

	r := New(gw, driver())
	ctx := context.Background()

	first, unchanged, err := r.Resolve(ctx, "t1", types.CategoryOffline, true, types.RebalanceConfig{})
	require.NoError(t, err)
	assert.False(t, unchanged)

	second, unchanged, err := r.Resolve(ctx, "t1", types.CategoryOffline, true, types.RebalanceConfig{})
	require.NoError(t, err)
	assert.True(t, unchanged)
	assert.True(t, first.Equal(second))
}

func TestResolveRecomputesWhenReassignInstancesSet(t *testing.T) {
	gw := store.NewMemGateway()
	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i1", Enabled: true})

	r := New(gw, driver())
	ctx := context.Background()
	_, _, err := r.Resolve(ctx, "t1", types.CategoryOffline, true, types.RebalanceConfig{})
	require.NoError(t, err)

	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i2", Enabled: true})
	recomputed, unchanged, err := r.Resolve(ctx, "t1", types.CategoryOffline, true, types.RebalanceConfig{ReassignInstances: true})
	require.NoError(t, err)
	assert.False(t, unchanged)
	assert.NotEmpty(t, recomputed.ReplicaGroups)
}

func TestResolveRemovesPersistedPartitionsWhenInapplicable(t *testing.T) {
	gw := store.NewMemGateway()
	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i1", Enabled: true})
	r := New(gw, driver())
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, "t1", types.CategoryCompleted, true, types.RebalanceConfig{})
	require.NoError(t, err)

	_, unchanged, err := r.Resolve(ctx, "t1", types.CategoryCompleted, false, types.RebalanceConfig{})
	require.NoError(t, err)
	assert.False(t, unchanged)

	_, ok, err := gw.ReadInstancePartitions(ctx, "t1", types.CategoryCompleted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveSkipsPersistenceInDryRun(t *testing.T) {
	gw := store.NewMemGateway()
	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i1", Enabled: true})
	r := New(gw, driver())
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, "t1", types.CategoryOffline, true, types.RebalanceConfig{DryRun: true})
	require.NoError(t, err)

	_, ok, err := gw.ReadInstancePartitions(ctx, "t1", types.CategoryOffline)
	require.NoError(t, err)
	assert.False(t, ok)
}

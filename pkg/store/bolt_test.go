package store

import (
	"context"
	"testing"

	"github.com/segmentctl/rebalancer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltGatewayCASRoundTrip(t *testing.T) {
	g, err := NewBoltGateway(t.TempDir())
	require.NoError(t, err)
	defer g.Close()

	ctx := context.Background()
	seg := types.PlacementMap{"s1": {"i1": types.StateOnline, "i2": types.StateOnline}}
	require.NoError(t, g.SeedIdealState(&types.IdealStateDocument{
		Table: "t1", Segments: seg, NumReplicas: 2, NumPartitions: 1, Enabled: true, Version: 0,
	}))

	doc, err := g.ReadIdealState(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, doc.Version)
	assert.Equal(t, types.StateOnline, doc.Segments["s1"]["i1"])

	next := types.PlacementMap{"s1": {"i3": types.StateOnline, "i4": types.StateOnline}}
	updated, err := g.CASUpdateIdealState(ctx, "t1", next, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.Version)

	_, err = g.CASUpdateIdealState(ctx, "t1", next, 0)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestBoltGatewayReadIdealStateNotFound(t *testing.T) {
	g, err := NewBoltGateway(t.TempDir())
	require.NoError(t, err)
	defer g.Close()

	_, err = g.ReadIdealState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltGatewayExternalViewAbsentIsNilNotError(t *testing.T) {
	g, err := NewBoltGateway(t.TempDir())
	require.NoError(t, err)
	defer g.Close()

	ev, err := g.ReadExternalView(context.Background(), "new-table")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestBoltGatewayInstancePartitionsRoundTrip(t *testing.T) {
	g, err := NewBoltGateway(t.TempDir())
	require.NoError(t, err)
	defer g.Close()
	ctx := context.Background()

	_, ok, err := g.ReadInstancePartitions(ctx, "t1", types.CategoryOffline)
	require.NoError(t, err)
	assert.False(t, ok)

	ip := &types.InstancePartitions{
		Category:      types.CategoryOffline,
		ReplicaGroups: map[int]map[int][]types.InstanceID{0: {0: {"i1", "i2"}}},
	}
	require.NoError(t, g.WriteInstancePartitions(ctx, "t1", types.CategoryOffline, ip))

	got, ok, err := g.ReadInstancePartitions(ctx, "t1", types.CategoryOffline)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ip.Equal(got))

	require.NoError(t, g.DeleteInstancePartitions(ctx, "t1", types.CategoryOffline))
	_, ok, err = g.ReadInstancePartitions(ctx, "t1", types.CategoryOffline)
	require.NoError(t, err)
	assert.False(t, ok)
}

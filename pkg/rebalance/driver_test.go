package rebalance

import (
	"context"
	"testing"

	"github.com/segmentctl/rebalancer/pkg/partitions"
	"github.com/segmentctl/rebalancer/pkg/policy"
	"github.com/segmentctl/rebalancer/pkg/store"
	"github.com/segmentctl/rebalancer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPolicy struct {
	target types.PlacementMap
	strict bool
}

func (p staticPolicy) Rebalance(policy.Inputs) (types.PlacementMap, error) { return p.target, nil }
func (p staticPolicy) IsStrictRealtime() bool                             { return p.strict }

func identityBuilder(current types.PlacementMap, _ map[types.InstancePartitionsCategory]*types.InstancePartitions, _ map[string]*types.InstancePartitions, _ types.RebalanceConfig) (policy.Inputs, error) {
	return policy.Inputs{}, nil
}

func baseConfig() types.RebalanceConfig {
	return types.RebalanceConfig{
		MinAvailableReplicas: 1,
		BatchSizePerServer:   -1,
	}
}

func newTestDeps(t *testing.T, gw *store.MemGateway, target types.PlacementMap, strict bool) Dependencies {
	t.Helper()
	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i1", Enabled: true})
	gw.PutInstanceConfig(store.InstanceConfig{InstanceID: "i2", Enabled: true})
	driver := partitions.RoundRobinDriver{NumReplicaGroups: 1, NumPartitions: 1, InstancesPerPartition: 1}
	return Dependencies{
		Gateway:     gw,
		Partitions:  partitions.New(gw, driver),
		Policy:      staticPolicy{target: target, strict: strict},
		Categories:  []types.InstancePartitionsCategory{types.CategoryOffline},
		BuildInputs: identityBuilder,
	}
}

func TestRunNoOpWhenTargetMatchesCurrent(t *testing.T) {
	gw := store.NewMemGateway()
	seg := types.PlacementMap{"s1": {"i1": types.StateOnline, "i2": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: seg, NumReplicas: 2, Enabled: true}))
	// A steady-state table already has persisted instance partitions from a
	// prior run; resolving against them (no reassign/bootstrap) reports
	// unchanged, which combined with an identical target yields NO_OP.
	require.NoError(t, gw.WriteInstancePartitions(context.Background(), "t1", types.CategoryOffline, &types.InstancePartitions{
		Category:      types.CategoryOffline,
		ReplicaGroups: map[int]map[int][]types.InstanceID{0: {0: {"i1"}}},
	}))

	deps := newTestDeps(t, gw, seg.Clone(), false)
	result, err := Run(context.Background(), deps, "t1", baseConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNoOp, result.Status)

	doc, err := gw.ReadIdealState(context.Background(), "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, doc.Version, "no-op must not write IS")
}

func TestRunDowntimeSwapWritesTargetInOneCAS(t *testing.T) {
	gw := store.NewMemGateway()
	current := types.PlacementMap{"s1": {"i1": types.StateOnline, "i2": types.StateOnline}}
	target := types.PlacementMap{"s1": {"i3": types.StateOnline, "i4": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: current, NumReplicas: 2, Enabled: true}))

	deps := newTestDeps(t, gw, target, false)
	cfg := baseConfig()
	cfg.Downtime = true

	result, err := Run(context.Background(), deps, "t1", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, result.Status)

	doc, err := gw.ReadIdealState(context.Background(), "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc.Version)
	assert.Equal(t, types.StateOnline, doc.Segments["s1"]["i3"])
}

func TestRunDryRunMakesNoWrite(t *testing.T) {
	gw := store.NewMemGateway()
	current := types.PlacementMap{"s1": {"i1": types.StateOnline}}
	target := types.PlacementMap{"s1": {"i2": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: current, NumReplicas: 2, Enabled: true}))

	deps := newTestDeps(t, gw, target, false)
	cfg := baseConfig()
	cfg.DryRun = true

	result, err := Run(context.Background(), deps, "t1", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDryRun, result.Status)
	require.NotNil(t, result.Summary)

	doc, err := gw.ReadIdealState(context.Background(), "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, doc.Version)
}

func TestRunRejectsInvalidBatchSize(t *testing.T) {
	gw := store.NewMemGateway()
	seg := types.PlacementMap{"s1": {"i1": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: seg, NumReplicas: 1, Enabled: true}))

	deps := newTestDeps(t, gw, seg, false)
	cfg := baseConfig()
	cfg.BatchSizePerServer = 0

	result, err := Run(context.Background(), deps, "t1", cfg, nil)
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunRejectsDisabledTableWithoutDowntime(t *testing.T) {
	gw := store.NewMemGateway()
	seg := types.PlacementMap{"s1": {"i1": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: seg, NumReplicas: 1, Enabled: false}))

	deps := newTestDeps(t, gw, seg, false)
	result, err := Run(context.Background(), deps, "t1", baseConfig(), nil)
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.ErrorIs(t, err, ErrDisabledTable)
}

// mirrorEVGateway simulates servers that instantly catch up to whatever
// ideal state was last written, so the no-downtime loop's EV-convergence
// wait (§4.7 step 1) never blocks and the loop runs through every
// intermediate step the planner produces.
type mirrorEVGateway struct {
	*store.MemGateway
}

func (g *mirrorEVGateway) ReadExternalView(ctx context.Context, table string) (*types.ExternalViewDocument, error) {
	doc, err := g.MemGateway.ReadIdealState(ctx, table)
	if err != nil {
		return nil, nil
	}
	return &types.ExternalViewDocument{Table: table, Segments: doc.Segments}, nil
}

// TestRunNoDowntimeReplacementTakesMultipleSteps is spec §8 scenario S3: a
// full swap of both replicas with minAvailableReplicas=1 must complete and
// must take more than one CAS write to get there. The per-step replica floor
// itself is checked by the planner tests, not here.
func TestRunNoDowntimeReplacementTakesMultipleSteps(t *testing.T) {
	gw := &mirrorEVGateway{MemGateway: store.NewMemGateway()}
	current := types.PlacementMap{"s1": {"i1": types.StateOnline, "i2": types.StateOnline}}
	target := types.PlacementMap{"s1": {"i3": types.StateOnline, "i4": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: current, NumReplicas: 2, Enabled: true}))

	deps := newTestDeps(t, gw.MemGateway, target, false)
	deps.Gateway = gw
	cfg := baseConfig()

	result, err := Run(context.Background(), deps, "t1", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, result.Status)

	doc, err := gw.ReadIdealState(context.Background(), "t1")
	require.NoError(t, err)
	assert.Greater(t, doc.Version, int64(1), "a minAvailableReplicas=1 full swap must take more than one CAS write")
}

// TestRunFailsFastOnErrorReplicaWithoutBestEffort is spec §8 scenario S5: an
// EV replica observed in ERROR state is fatal unless bestEffort is set.
func TestRunFailsFastOnErrorReplicaWithoutBestEffort(t *testing.T) {
	gw := store.NewMemGateway()
	// current is the already-written ideal state the loop's first
	// convergence wait checks against; i3 is already part of it (as if a
	// prior step introduced it), and the external view reports it ERROR.
	current := types.PlacementMap{"s1": {"i2": types.StateOnline, "i3": types.StateOnline}}
	target := types.PlacementMap{"s1": {"i2": types.StateOnline, "i4": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: current, NumReplicas: 2, Enabled: true}))
	gw.PutExternalView("t1", types.PlacementMap{"s1": {"i2": types.StateOnline, "i3": types.StateError}})

	deps := newTestDeps(t, gw, target, false)
	cfg := baseConfig()

	result, err := Run(context.Background(), deps, "t1", cfg, nil)
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.ErrorIs(t, err, ErrStuckInError)
}

// versionMismatchOnceGateway fails the first CASUpdateIdealState call with
// ErrVersionMismatch, simulating a concurrent external writer, then
// delegates normally — spec §8 scenario S6.
type versionMismatchOnceGateway struct {
	*store.MemGateway
	failed bool
}

func (g *versionMismatchOnceGateway) CASUpdateIdealState(ctx context.Context, table string, segments types.PlacementMap, expectedVersion int64) (*types.IdealStateDocument, error) {
	if !g.failed {
		g.failed = true
		return nil, store.ErrVersionMismatch
	}
	return g.MemGateway.CASUpdateIdealState(ctx, table, segments, expectedVersion)
}

func TestRunRecoversFromVersionMismatchByRereadingAndReplanning(t *testing.T) {
	inner := store.NewMemGateway()
	gw := &versionMismatchOnceGateway{MemGateway: inner}
	// i1 stays put across the whole move, so minAvailableReplicas=1 lets the
	// planner converge to target in a single step, isolating the test to
	// the CAS-retry behavior rather than multi-step planning.
	current := types.PlacementMap{"s1": {"i1": types.StateOnline, "i2": types.StateOnline}}
	target := types.PlacementMap{"s1": {"i1": types.StateOnline, "i3": types.StateOnline}}
	require.NoError(t, gw.SeedIdealState(&types.IdealStateDocument{Table: "t1", Segments: current, NumReplicas: 2, Enabled: true}))
	gw.PutExternalView("t1", current)

	deps := newTestDeps(t, inner, target, false)
	deps.Gateway = gw
	cfg := baseConfig()
	cfg.BestEffort = true // don't block on the mirrorless EV never catching up to intermediate steps

	rollbacks := 0
	observer := &countingObserver{onRollback: func() { rollbacks++ }}

	result, err := Run(context.Background(), deps, "t1", cfg, observer)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, result.Status)
	assert.Equal(t, 1, rollbacks, "exactly one onRollback for the single simulated version mismatch")
}

// countingObserver wraps NoopObserver to let a test observe onRollback
// without implementing the full Observer interface inline.
type countingObserver struct {
	NoopObserver
	onRollback func()
}

func (o *countingObserver) OnRollback() {
	if o.onRollback != nil {
		o.onRollback()
	}
}

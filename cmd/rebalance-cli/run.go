package main

import (
	"context"
	"fmt"

	"github.com/segmentctl/rebalancer/pkg/events"
	"github.com/segmentctl/rebalancer/pkg/log"
	"github.com/segmentctl/rebalancer/pkg/partitions"
	"github.com/segmentctl/rebalancer/pkg/policy"
	"github.com/segmentctl/rebalancer/pkg/rebalance"
	"github.com/segmentctl/rebalancer/pkg/store"
	"github.com/segmentctl/rebalancer/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a rebalance from a fixture file",
	Long: `Run loads a table fixture, seeds a local bbolt store with its
instance pool and (empty) ideal state, and drives one rebalance.

Examples:
  # Dry run against a fresh table (fixture sets dryRun: true)
  rebalance-cli run -f table.yaml

  # Apply it for real
  rebalance-cli run -f table.yaml --apply`,
	RunE: runRebalance,
}

func init() {
	runCmd.Flags().StringP("file", "f", "", "fixture YAML file (required)")
	runCmd.Flags().Bool("apply", false, "override the fixture's dryRun setting and write the result")
	runCmd.Flags().Bool("broadcast", false, "fan out driver callbacks onto an events.Broker and print them")
	_ = runCmd.MarkFlagRequired("file")
}

func runRebalance(cmd *cobra.Command, _ []string) error {
	filename, _ := cmd.Flags().GetString("file")
	apply, _ := cmd.Flags().GetBool("apply")
	broadcast, _ := cmd.Flags().GetBool("broadcast")

	f, err := loadFixture(filename)
	if err != nil {
		return err
	}

	gw, err := store.NewBoltGateway(f.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer gw.Close()

	if err := seedGateway(gw, f); err != nil {
		return err
	}

	deps, pol, err := buildDependencies(gw, f)
	if err != nil {
		return err
	}

	cfg := f.Config.toRebalanceConfig()
	if apply {
		cfg.DryRun = false
	}

	var observer rebalance.Observer
	if broadcast {
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)
		go func() {
			for ev := range sub {
				fmt.Printf("[event] %s: %s\n", ev.Type, ev.Message)
			}
		}()
		observer = &rebalance.BroadcastObserver{Table: f.Table, Broker: broker}
	}

	logger := log.WithTable(f.Table)
	logger.Info().Str("policy", f.Policy).Bool("dryRun", cfg.DryRun).Msg("starting rebalance")

	result, err := rebalance.Run(context.Background(), deps, f.Table, cfg, observer)
	if err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}

	printResult(f.Table, pol, result)
	return nil
}

// seedGateway ensures the table has an instance pool and an ideal state
// document to rebalance away from; a table seen for the first time starts
// with an empty placement so the first run is effectively a bootstrap.
func seedGateway(gw *store.BoltGateway, f *fixture) error {
	for _, cfg := range f.instanceConfigs() {
		if err := gw.PutInstanceConfig(cfg); err != nil {
			return fmt.Errorf("seed instance %s: %w", cfg.InstanceID, err)
		}
	}

	if _, err := gw.ReadIdealState(context.Background(), f.Table); err == nil {
		return nil
	}
	return gw.SeedIdealState(&types.IdealStateDocument{
		Table:         f.Table,
		Segments:      types.PlacementMap{},
		NumReplicas:   f.maxReplicas(),
		NumPartitions: f.NumPartitions,
		Enabled:       true,
	})
}

func policyFor(name string) (policy.Policy, error) {
	switch name {
	case "", "offline":
		return policy.OfflineSegmentAssignment{}, nil
	case "realtime":
		return policy.RealtimeSegmentAssignment{}, nil
	case "strict-realtime":
		return policy.StrictRealtimeSegmentAssignment{}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want offline, realtime, or strict-realtime)", name)
	}
}

func categoryFor(name string) types.InstancePartitionsCategory {
	switch name {
	case "realtime", "strict-realtime":
		return types.CategoryConsuming
	default:
		return types.CategoryOffline
	}
}

func buildDependencies(gw *store.BoltGateway, f *fixture) (rebalance.Dependencies, policy.Policy, error) {
	pol, err := policyFor(f.Policy)
	if err != nil {
		return rebalance.Dependencies{}, nil, err
	}
	category := categoryFor(f.Policy)

	driver := partitions.RoundRobinDriver{
		NumReplicaGroups:      f.NumReplicaGroups,
		NumPartitions:         f.NumPartitions,
		InstancesPerPartition: f.InstancesPerPartition,
		TagFilter:             f.TagFilter,
	}

	segments := f.Segments
	partitionIDBySegment := make(map[types.SegmentID]int, len(segments))
	for _, seg := range segments {
		partitionIDBySegment[types.SegmentID(seg.ID)] = seg.PartitionID
	}
	partitionIDOracle := func(segID types.SegmentID) (int, error) {
		id, ok := partitionIDBySegment[segID]
		if !ok {
			return 0, fmt.Errorf("rebalance-cli: no partition id for segment %s", segID)
		}
		return id, nil
	}

	buildInputs := func(_ types.PlacementMap, byCategory map[types.InstancePartitionsCategory]*types.InstancePartitions, tierPartitions map[string]*types.InstancePartitions, cfg types.RebalanceConfig) (policy.Inputs, error) {
		infos := make([]policy.SegmentInfo, 0, len(segments))
		ordinal := make(map[int]int)
		for _, seg := range segments {
			index := ordinal[seg.PartitionID]
			ordinal[seg.PartitionID]++
			infos = append(infos, policy.SegmentInfo{
				ID:            types.SegmentID(seg.ID),
				Index:         index,
				PartitionID:   seg.PartitionID,
				Category:      category,
				Tier:          seg.Tier,
				NumReplicas:   seg.NumReplicas,
				ConsumingTail: seg.ConsumingTail,
			})
		}
		return policy.Inputs{
			Segments:             infos,
			PartitionsByCategory: byCategory,
			TierPartitions:       tierPartitions,
			Config:               cfg,
		}, nil
	}

	deps := rebalance.Dependencies{
		Gateway:           gw,
		Partitions:        partitions.New(gw, driver),
		Policy:            pol,
		Categories:        []types.InstancePartitionsCategory{category},
		BuildInputs:       buildInputs,
		PartitionIDOracle: partitionIDOracle,
	}
	return deps, pol, nil
}

func printResult(table string, pol policy.Policy, result *rebalance.RebalanceResult) {
	fmt.Printf("table:  %s\n", table)
	fmt.Printf("policy: strictRealtime=%v\n", pol.IsStrictRealtime())
	fmt.Printf("status: %s\n", result.Status)
	if result.Message != "" {
		fmt.Printf("reason: %s\n", result.Message)
	}
	for _, segID := range types.SortedSegmentIDs(result.Target) {
		fmt.Printf("  %s:\n", segID)
		for inst, state := range result.Target[segID] {
			fmt.Printf("    %-20s %s\n", inst, state)
		}
	}
	if result.Summary == nil {
		return
	}
	fmt.Printf("replication factor: %d -> %d\n", result.Summary.ReplicationFactorBefore, result.Summary.ReplicationFactorAfter)
	for inst, s := range result.Summary.PerServer {
		fmt.Printf("  %-20s +%d -%d =%d new=%d\n", inst, s.Added, s.Removed, s.Unchanged, s.NewSegments)
	}
}

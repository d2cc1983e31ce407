package main

import (
	"fmt"
	"os"

	"github.com/segmentctl/rebalancer/pkg/store"
	"github.com/segmentctl/rebalancer/pkg/types"
	"gopkg.in/yaml.v3"
)

// fixtureInstance is one entry in a fixture's instance pool.
type fixtureInstance struct {
	ID      string   `yaml:"id"`
	Tags    []string `yaml:"tags,omitempty"`
	Pool    string   `yaml:"pool,omitempty"`
	Enabled bool     `yaml:"enabled"`
}

// fixtureSegment describes one segment to place.
type fixtureSegment struct {
	ID            string `yaml:"id"`
	PartitionID   int    `yaml:"partitionId"`
	NumReplicas   int    `yaml:"numReplicas"`
	Tier          string `yaml:"tier,omitempty"`
	ConsumingTail bool   `yaml:"consumingTail,omitempty"`
}

// fixtureConfig mirrors types.RebalanceConfig but with YAML tags and a
// millisecond-friendly surface for the two duration fields.
type fixtureConfig struct {
	DryRun                              bool  `yaml:"dryRun"`
	PreChecks                           bool  `yaml:"preChecks"`
	Bootstrap                           bool  `yaml:"bootstrap"`
	Downtime                            bool  `yaml:"downtime"`
	LowDiskMode                         bool  `yaml:"lowDiskMode"`
	BestEffort                          bool  `yaml:"bestEffort"`
	ReassignInstances                   bool  `yaml:"reassignInstances"`
	IncludeConsuming                    bool  `yaml:"includeConsuming"`
	MinAvailableReplicas                int   `yaml:"minAvailableReplicas"`
	BatchSizePerServer                  int   `yaml:"batchSizePerServer"`
	ExternalViewCheckIntervalMs         int64 `yaml:"externalViewCheckIntervalMs"`
	ExternalViewStabilizationTimeoutMs  int64 `yaml:"externalViewStabilizationTimeoutMs"`
	ForceCommit                         bool  `yaml:"forceCommit"`
	StrictReplicaGroup                  bool  `yaml:"strictReplicaGroup"`
}

func (c fixtureConfig) toRebalanceConfig() types.RebalanceConfig {
	return types.RebalanceConfig{
		DryRun:                           c.DryRun,
		PreChecks:                        c.PreChecks,
		Bootstrap:                        c.Bootstrap,
		Downtime:                         c.Downtime,
		LowDiskMode:                      c.LowDiskMode,
		BestEffort:                       c.BestEffort,
		ReassignInstances:                c.ReassignInstances,
		IncludeConsuming:                 c.IncludeConsuming,
		MinAvailableReplicas:             c.MinAvailableReplicas,
		BatchSizePerServer:               c.BatchSizePerServer,
		ExternalViewCheckInterval:        c.ExternalViewCheckIntervalMs,
		ExternalViewStabilizationTimeout: c.ExternalViewStabilizationTimeoutMs,
		ForceCommit:                      c.ForceCommit,
		StrictReplicaGroup:               c.StrictReplicaGroup,
	}
}

// fixture is the top-level YAML document rebalance-cli consumes.
type fixture struct {
	Table                 string            `yaml:"table"`
	DataDir               string            `yaml:"dataDir"`
	Policy                string            `yaml:"policy"` // offline | realtime | strict-realtime
	NumReplicaGroups      int               `yaml:"numReplicaGroups"`
	NumPartitions         int               `yaml:"numPartitions"`
	InstancesPerPartition int               `yaml:"instancesPerPartition"`
	TagFilter             string            `yaml:"tagFilter,omitempty"`
	Instances             []fixtureInstance `yaml:"instances"`
	Segments              []fixtureSegment  `yaml:"segments"`
	Config                fixtureConfig     `yaml:"config"`
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if f.Table == "" {
		return nil, fmt.Errorf("fixture: table is required")
	}
	if f.DataDir == "" {
		f.DataDir = fmt.Sprintf("./%s-rebalance-data", f.Table)
	}
	return &f, nil
}

func (f *fixture) instanceConfigs() []store.InstanceConfig {
	out := make([]store.InstanceConfig, 0, len(f.Instances))
	for _, inst := range f.Instances {
		out = append(out, store.InstanceConfig{
			InstanceID: types.InstanceID(inst.ID),
			Tags:       inst.Tags,
			Pool:       inst.Pool,
			Enabled:    inst.Enabled,
		})
	}
	return out
}

func (f *fixture) maxReplicas() int {
	max := 0
	for _, seg := range f.Segments {
		if seg.NumReplicas > max {
			max = seg.NumReplicas
		}
	}
	return max
}

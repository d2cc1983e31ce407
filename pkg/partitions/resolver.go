// Package partitions implements the Instance Partitions Resolver (spec
// §4.2): for each applicable category it returns the InstancePartitions
// document the assignment policy should use, recomputing via a pluggable
// driver when reassignment or bootstrap is requested, and removing the
// persisted document when the category stops being applicable.
package partitions

import (
	"context"
	"fmt"
	"sort"

	"github.com/segmentctl/rebalancer/pkg/store"
	"github.com/segmentctl/rebalancer/pkg/types"
)

// Driver computes a fresh InstancePartitions document for a category from
// the current instance configs. Implementations are pluggable; the
// resolver itself is agnostic to placement strategy.
type Driver interface {
	Compute(table string, category types.InstancePartitionsCategory, cfgs []store.InstanceConfig) (*types.InstancePartitions, error)
}

// Resolver implements the per-category resolve/recompute/remove logic.
type Resolver struct {
	gateway store.Gateway
	driver  Driver
}

// New builds a Resolver backed by gateway for persistence and driver for
// fresh computation.
func New(gateway store.Gateway, driver Driver) *Resolver {
	return &Resolver{gateway: gateway, driver: driver}
}

// Resolve returns the InstancePartitions to use for table/category, and
// whether it is unchanged from what was previously persisted (advisory
// only, per spec §4.2).
func (r *Resolver) Resolve(ctx context.Context, table string, category types.InstancePartitionsCategory, applicable bool, cfg types.RebalanceConfig) (*types.InstancePartitions, bool, error) {
	if !applicable {
		if !cfg.DryRun {
			if err := r.gateway.DeleteInstancePartitions(ctx, table, category); err != nil {
				return nil, false, fmt.Errorf("partitions: remove inapplicable %s: %w", category, err)
			}
		}
		return nil, false, nil
	}

	existing, exists, err := r.gateway.ReadInstancePartitions(ctx, table, category)
	if err != nil {
		return nil, false, fmt.Errorf("partitions: read %s: %w", category, err)
	}

	if exists && !cfg.ReassignInstances && !cfg.Bootstrap {
		return existing, true, nil
	}

	cfgs, err := r.gateway.ReadInstanceConfigs(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("partitions: read instance configs: %w", err)
	}

	computed, err := r.driver.Compute(table, category, cfgs)
	if err != nil {
		return nil, false, err
	}

	unchanged := exists && existing.Equal(computed)
	if !cfg.DryRun {
		if err := r.gateway.WriteInstancePartitions(ctx, table, category, computed); err != nil {
			return nil, false, fmt.Errorf("partitions: persist %s: %w", category, err)
		}
	}
	return computed, unchanged, nil
}

// RoundRobinDriver is the default Driver: it filters enabled instances by
// an optional tag, sorts them for determinism, and lays out replica
// groups/partitions by round-robin rotation over the filtered pool.
type RoundRobinDriver struct {
	NumReplicaGroups      int
	NumPartitions         int
	InstancesPerPartition int
	TagFilter             string
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Compute implements Driver.
func (d RoundRobinDriver) Compute(_ string, category types.InstancePartitionsCategory, cfgs []store.InstanceConfig) (*types.InstancePartitions, error) {
	var pool []types.InstanceID
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		if d.TagFilter != "" && !hasTag(c.Tags, d.TagFilter) {
			continue
		}
		pool = append(pool, c.InstanceID)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("partitions: no enabled instances available for %s", category)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })

	groups := make(map[int]map[int][]types.InstanceID, d.NumReplicaGroups)
	idx := 0
	for g := 0; g < d.NumReplicaGroups; g++ {
		groups[g] = make(map[int][]types.InstanceID, d.NumPartitions)
		for part := 0; part < d.NumPartitions; part++ {
			instances := make([]types.InstanceID, 0, d.InstancesPerPartition)
			for k := 0; k < d.InstancesPerPartition; k++ {
				instances = append(instances, pool[idx%len(pool)])
				idx++
			}
			groups[g][part] = instances
		}
	}
	return &types.InstancePartitions{Category: category, ReplicaGroups: groups}, nil
}

var _ Driver = RoundRobinDriver{}

// Package store defines the Placement Store Gateway: versioned,
// compare-and-swap access to a table's authoritative ideal state, read
// access to its external view, and read access to instance configs and
// instance-partitions documents.
//
// The real coordination service (ZooKeeper/etcd-equivalent) is an external
// collaborator per the spec this core implements — out of scope. Gateway is
// the typed interface the driver depends on; BoltGateway and MemGateway
// below are local stand-ins good enough to demo and test the core against.
package store

import (
	"context"
	"errors"

	"github.com/segmentctl/rebalancer/pkg/types"
)

// Sentinel errors surfaced by a Gateway implementation. The driver maps
// these onto the terminal RebalanceResult classification in §7.
var (
	ErrNotFound        = errors.New("store: ideal state not found")
	ErrVersionMismatch = errors.New("store: compare-and-swap version mismatch")
	ErrTransient       = errors.New("store: transient failure")
)

// InstanceConfig is the subset of an instance's configuration the resolver
// and assignment policy need: its tags (used to resolve tiers) and pool.
type InstanceConfig struct {
	InstanceID types.InstanceID
	Tags       []string
	Pool       string
	Enabled    bool
}

// Gateway is the Placement Store Gateway contract (spec §4.1, §6).
type Gateway interface {
	// ReadIdealState returns the current ideal state document and its
	// version. Returns ErrNotFound if the table has none.
	ReadIdealState(ctx context.Context, table string) (*types.IdealStateDocument, error)

	// ReadExternalView returns the observed placement, or (nil, nil) if the
	// table has no external view yet (e.g. just created).
	ReadExternalView(ctx context.Context, table string) (*types.ExternalViewDocument, error)

	// CASUpdateIdealState writes a new placement map for table, succeeding
	// only if expectedVersion still matches the stored version. Returns the
	// new document (with bumped version) on success, or ErrVersionMismatch.
	CASUpdateIdealState(ctx context.Context, table string, segments types.PlacementMap, expectedVersion int64) (*types.IdealStateDocument, error)

	// ReadInstanceConfigs returns all known instance configs, used to
	// resolve tags/tiers during instance-partitions computation.
	ReadInstanceConfigs(ctx context.Context) ([]InstanceConfig, error)

	// ReadInstancePartitions returns the persisted instance partitions for
	// a table/category. The bool is false if none is persisted.
	ReadInstancePartitions(ctx context.Context, table string, category types.InstancePartitionsCategory) (*types.InstancePartitions, bool, error)

	// WriteInstancePartitions persists an instance partitions document.
	WriteInstancePartitions(ctx context.Context, table string, category types.InstancePartitionsCategory, ip *types.InstancePartitions) error

	// DeleteInstancePartitions removes a persisted instance partitions
	// document, used when a category becomes inapplicable.
	DeleteInstancePartitions(ctx context.Context, table string, category types.InstancePartitionsCategory) error
}

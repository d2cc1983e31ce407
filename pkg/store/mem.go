package store

import (
	"context"
	"sync"

	"github.com/segmentctl/rebalancer/pkg/types"
)

var _ Gateway = (*MemGateway)(nil)

// MemGateway is an in-memory Gateway used by the resolver and driver tests;
// it implements the exact same CAS and not-found
// semantics as BoltGateway without touching disk.
type MemGateway struct {
	mu           sync.Mutex
	idealState   map[string]*types.IdealStateDocument
	externalView map[string]*types.ExternalViewDocument
	instanceCfgs []InstanceConfig
	partitions   map[string]*types.InstancePartitions
}

// NewMemGateway returns an empty in-memory gateway.
func NewMemGateway() *MemGateway {
	return &MemGateway{
		idealState:   make(map[string]*types.IdealStateDocument),
		externalView: make(map[string]*types.ExternalViewDocument),
		partitions:   make(map[string]*types.InstancePartitions),
	}
}

// SeedIdealState installs a table's initial ideal state document.
func (g *MemGateway) SeedIdealState(doc *types.IdealStateDocument) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *doc
	cp.Segments = doc.Segments.Clone()
	g.idealState[doc.Table] = &cp
	return nil
}

// PutExternalView installs/replaces a table's observed external view.
func (g *MemGateway) PutExternalView(table string, segments types.PlacementMap) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.externalView[table] = &types.ExternalViewDocument{Table: table, Segments: segments.Clone()}
}

// PutInstanceConfig registers (or replaces, by InstanceID) an instance config.
func (g *MemGateway) PutInstanceConfig(cfg InstanceConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.instanceCfgs {
		if existing.InstanceID == cfg.InstanceID {
			g.instanceCfgs[i] = cfg
			return
		}
	}
	g.instanceCfgs = append(g.instanceCfgs, cfg)
}

func (g *MemGateway) ReadIdealState(_ context.Context, table string) (*types.IdealStateDocument, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	doc, ok := g.idealState[table]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	cp.Segments = doc.Segments.Clone()
	return &cp, nil
}

func (g *MemGateway) ReadExternalView(_ context.Context, table string) (*types.ExternalViewDocument, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.externalView[table]
	if !ok {
		return nil, nil
	}
	return &types.ExternalViewDocument{Table: ev.Table, Segments: ev.Segments.Clone()}, nil
}

func (g *MemGateway) CASUpdateIdealState(_ context.Context, table string, segments types.PlacementMap, expectedVersion int64) (*types.IdealStateDocument, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.idealState[table]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionMismatch
	}
	next := &types.IdealStateDocument{
		Table:         table,
		Segments:      segments.Clone(),
		NumReplicas:   cur.NumReplicas,
		NumPartitions: cur.NumPartitions,
		Enabled:       cur.Enabled,
		Version:       cur.Version + 1,
	}
	g.idealState[table] = next
	cp := *next
	cp.Segments = next.Segments.Clone()
	return &cp, nil
}

func (g *MemGateway) ReadInstanceConfigs(_ context.Context) ([]InstanceConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]InstanceConfig, len(g.instanceCfgs))
	copy(out, g.instanceCfgs)
	return out, nil
}

func (g *MemGateway) ReadInstancePartitions(_ context.Context, table string, category types.InstancePartitionsCategory) (*types.InstancePartitions, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ip, ok := g.partitions[table+"::"+string(category)]
	return ip, ok, nil
}

func (g *MemGateway) WriteInstancePartitions(_ context.Context, table string, category types.InstancePartitionsCategory, ip *types.InstancePartitions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.partitions[table+"::"+string(category)] = ip
	return nil
}

func (g *MemGateway) DeleteInstancePartitions(_ context.Context, table string, category types.InstancePartitionsCategory) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.partitions, table+"::"+string(category))
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentctl/rebalancer/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdealState        = []byte("ideal_state")
	bucketExternalView      = []byte("external_view")
	bucketInstanceConfigs   = []byte("instance_configs")
	bucketInstancePartitions = []byte("instance_partitions")
)

// idealStateRecord is the on-disk shape of an IdealStateDocument; Segments
// uses string keys because encoding/json cannot marshal a map keyed by a
// named string type directly into JSON object keys reliably across Go
// versions without this indirection.
type idealStateRecord struct {
	Table         string                                  `json:"table"`
	Segments      map[string]map[string]types.SegmentState `json:"segments"`
	NumReplicas   int                                     `json:"num_replicas"`
	NumPartitions int                                     `json:"num_partitions"`
	Enabled       bool                                    `json:"enabled"`
	Version       int64                                   `json:"version"`
}

func toRecord(doc *types.IdealStateDocument) idealStateRecord {
	r := idealStateRecord{
		Table:         doc.Table,
		Segments:      make(map[string]map[string]types.SegmentState, len(doc.Segments)),
		NumReplicas:   doc.NumReplicas,
		NumPartitions: doc.NumPartitions,
		Enabled:       doc.Enabled,
		Version:       doc.Version,
	}
	for seg, inst := range doc.Segments {
		m := make(map[string]types.SegmentState, len(inst))
		for i, s := range inst {
			m[string(i)] = s
		}
		r.Segments[string(seg)] = m
	}
	return r
}

func fromRecord(r idealStateRecord) *types.IdealStateDocument {
	doc := &types.IdealStateDocument{
		Table:         r.Table,
		Segments:      make(types.PlacementMap, len(r.Segments)),
		NumReplicas:   r.NumReplicas,
		NumPartitions: r.NumPartitions,
		Enabled:       r.Enabled,
		Version:       r.Version,
	}
	for seg, inst := range r.Segments {
		m := make(types.InstanceStateMap, len(inst))
		for i, s := range inst {
			m[types.InstanceID(i)] = s
		}
		doc.Segments[types.SegmentID(seg)] = m
	}
	return doc
}

var _ Gateway = (*BoltGateway)(nil)

// BoltGateway implements Gateway on top of a local bbolt file. It is the
// demo/standalone stand-in for the cluster coordination service: every
// write happens inside a single bbolt transaction, so the version check and
// the segment write are atomic with respect to other writers on this file.
type BoltGateway struct {
	db *bolt.DB
}

// NewBoltGateway opens (creating if needed) a bbolt-backed gateway rooted at
// dataDir/rebalancer.db.
func NewBoltGateway(dataDir string) (*BoltGateway, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrTransient, err)
	}
	dbPath := filepath.Join(dataDir, "rebalancer.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open bbolt file: %v", ErrTransient, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIdealState, bucketExternalView, bucketInstanceConfigs, bucketInstancePartitions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltGateway{db: db}, nil
}

// Close closes the underlying bbolt file.
func (g *BoltGateway) Close() error {
	return g.db.Close()
}

func (g *BoltGateway) ReadIdealState(_ context.Context, table string) (*types.IdealStateDocument, error) {
	var doc *types.IdealStateDocument
	err := g.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdealState).Get([]byte(table))
		if data == nil {
			return ErrNotFound
		}
		var r idealStateRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("%w: decode ideal state: %v", ErrTransient, err)
		}
		doc = fromRecord(r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (g *BoltGateway) ReadExternalView(_ context.Context, table string) (*types.ExternalViewDocument, error) {
	var ev *types.ExternalViewDocument
	err := g.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExternalView).Get([]byte(table))
		if data == nil {
			return nil
		}
		var r idealStateRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("%w: decode external view: %v", ErrTransient, err)
		}
		ev = &types.ExternalViewDocument{Table: r.Table, Segments: fromRecord(r).Segments}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// PutExternalView is a test/demo seam: the real external view is published
// by servers reporting their own state, not written by the rebalancer.
func (g *BoltGateway) PutExternalView(table string, segments types.PlacementMap) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		r := toRecord(&types.IdealStateDocument{Table: table, Segments: segments})
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExternalView).Put([]byte(table), data)
	})
}

func (g *BoltGateway) CASUpdateIdealState(_ context.Context, table string, segments types.PlacementMap, expectedVersion int64) (*types.IdealStateDocument, error) {
	var out *types.IdealStateDocument
	err := g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdealState)
		data := b.Get([]byte(table))
		if data == nil {
			return ErrNotFound
		}
		var cur idealStateRecord
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("%w: decode ideal state: %v", ErrTransient, err)
		}
		if cur.Version != expectedVersion {
			return ErrVersionMismatch
		}

		next := toRecord(&types.IdealStateDocument{
			Table:         table,
			Segments:      segments,
			NumReplicas:   cur.NumReplicas,
			NumPartitions: cur.NumPartitions,
			Enabled:       cur.Enabled,
			Version:       cur.Version + 1,
		})
		nextData, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(table), nextData); err != nil {
			return err
		}
		out = fromRecord(next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SeedIdealState is a test/demo seam for creating a table's initial ideal
// state document (version 0).
func (g *BoltGateway) SeedIdealState(doc *types.IdealStateDocument) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(toRecord(doc))
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdealState).Put([]byte(doc.Table), data)
	})
}

func (g *BoltGateway) ReadInstanceConfigs(_ context.Context) ([]InstanceConfig, error) {
	var out []InstanceConfig
	err := g.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstanceConfigs).ForEach(func(k, v []byte) error {
			var cfg InstanceConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}

// PutInstanceConfig is a test/demo seam for registering instance configs.
func (g *BoltGateway) PutInstanceConfig(cfg InstanceConfig) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstanceConfigs).Put([]byte(cfg.InstanceID), data)
	})
}

func partitionsKey(table string, category types.InstancePartitionsCategory) []byte {
	return []byte(table + "::" + string(category))
}

func (g *BoltGateway) ReadInstancePartitions(_ context.Context, table string, category types.InstancePartitionsCategory) (*types.InstancePartitions, bool, error) {
	var ip *types.InstancePartitions
	err := g.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstancePartitions).Get(partitionsKey(table, category))
		if data == nil {
			return nil
		}
		ip = &types.InstancePartitions{}
		return json.Unmarshal(data, ip)
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return ip, ip != nil, nil
}

func (g *BoltGateway) WriteInstancePartitions(_ context.Context, table string, category types.InstancePartitionsCategory, ip *types.InstancePartitions) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ip)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstancePartitions).Put(partitionsKey(table, category), data)
	})
}

func (g *BoltGateway) DeleteInstancePartitions(_ context.Context, table string, category types.InstancePartitionsCategory) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstancePartitions).Delete(partitionsKey(table, category))
	})
}

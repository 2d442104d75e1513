package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/capsync/capsync/pkg/types"
)

// Snapshot returns the serializable metadata of every ready instance.
// Only identity and version metadata is captured; live handles (engine,
// sync channel, lock) are never persisted.
func (r *Registry) Snapshot() []types.InstanceMeta {
	r.mu.Lock()
	instances := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	metas := make([]types.InstanceMeta, 0, len(instances))
	for _, inst := range instances {
		inst.mu.Lock()
		if inst.ready {
			metas = append(metas, types.InstanceMeta{
				VideoID:       inst.id.VideoID,
				Database:      inst.id.Database,
				Version:       inst.version,
				InitializedAt: inst.initializedAt,
			})
		}
		inst.mu.Unlock()
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].VideoID != metas[j].VideoID {
			return metas[i].VideoID < metas[j].VideoID
		}
		return metas[i].Database < metas[j].Database
	})
	return metas
}

// Restore re-hydrates instances from snapshot metadata. Every instance runs
// the full initialize path; the snapshot's version is advisory and the
// downloaded image plus sync catch-up is authoritative. Locks are never
// restored; editing requires a fresh acquire.
func (r *Registry) Restore(ctx context.Context, metas []types.InstanceMeta) error {
	for _, meta := range metas {
		id := types.InstanceID{VideoID: meta.VideoID, Database: meta.Database}
		if err := r.Initialize(ctx, id, false); err != nil {
			return fmt.Errorf("restore of %s: %w", id, err)
		}
	}
	return nil
}

// SaveSnapshot writes snapshot metadata to a JSON file.
func (r *Registry) SaveSnapshot(path string) error {
	data, err := json.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads snapshot metadata from a JSON file.
func LoadSnapshot(path string) ([]types.InstanceMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var metas []types.InstanceMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return metas, nil
}

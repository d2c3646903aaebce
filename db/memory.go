package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Database, used by tests and by the
// single-host dev mode. The claim has the same compare-and-set semantics as
// the Postgres implementation: it succeeds only if the stored LastChecked
// still equals the value the caller read from GetCandidateClusters.
type MemStore struct {
	mu            sync.Mutex
	clusters      map[string]*BigtableCluster
	checkInterval time.Duration
	now           func() time.Time
}

func NewMemStore(checkInterval time.Duration) *MemStore {
	return &MemStore{
		clusters:      map[string]*BigtableCluster{},
		checkInterval: checkInterval,
		now:           time.Now,
	}
}

func (m *MemStore) GetCandidateClusters(ctx context.Context) ([]*BigtableCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.checkInterval)
	var out []*BigtableCluster
	for _, c := range m.clusters {
		if !c.Enabled {
			continue
		}
		if c.LastChecked == nil || c.LastChecked.Before(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
	}
	// Oldest check first; never-checked clusters ahead of everything.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastChecked, out[j].LastChecked
		switch {
		case a == nil && b == nil:
			return out[i].Key() < out[j].Key()
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return out[i].Key() < out[j].Key()
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

func (m *MemStore) UpdateLastChecked(ctx context.Context, cluster *BigtableCluster) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.clusters[cluster.Key()]
	if !ok {
		return false, nil
	}
	if !timesEqual(stored.LastChecked, cluster.LastChecked) {
		return false, nil
	}
	now := m.now()
	stored.LastChecked = &now
	return true, nil
}

func (m *MemStore) InsertCluster(ctx context.Context, cluster *BigtableCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cluster
	m.clusters[cluster.Key()] = &cp
	return nil
}

func (m *MemStore) UpdateCluster(ctx context.Context, cluster *BigtableCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.clusters[cluster.Key()]
	if !ok {
		return ErrNotFound
	}
	stored.CPUTarget = cluster.CPUTarget
	stored.MinNodes = cluster.MinNodes
	stored.MaxNodes = cluster.MaxNodes
	stored.OverloadStep = cluster.OverloadStep
	stored.Enabled = cluster.Enabled
	return nil
}

func (m *MemStore) DeleteCluster(ctx context.Context, projectID, instanceID, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := (&BigtableCluster{ProjectID: projectID, InstanceID: instanceID, ClusterID: clusterID}).Key()
	if _, ok := m.clusters[key]; !ok {
		return ErrNotFound
	}
	delete(m.clusters, key)
	return nil
}

func (m *MemStore) GetCluster(ctx context.Context, projectID, instanceID, clusterID string) (*BigtableCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := (&BigtableCluster{ProjectID: projectID, InstanceID: instanceID, ClusterID: clusterID}).Key()
	stored, ok := m.clusters[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (m *MemStore) GetClusters(ctx context.Context) ([]*BigtableCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*BigtableCluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *MemStore) SetMinNodesOverride(ctx context.Context, projectID, instanceID, clusterID string, minNodesOverride int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := (&BigtableCluster{ProjectID: projectID, InstanceID: instanceID, ClusterID: clusterID}).Key()
	stored, ok := m.clusters[key]
	if !ok {
		return ErrNotFound
	}
	stored.MinNodesOverride = minNodesOverride
	return nil
}

func (m *MemStore) UpdateNodeCount(ctx context.Context, cluster *BigtableCluster, nodes int32, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.clusters[cluster.Key()]
	if !ok {
		return ErrNotFound
	}
	stored.LastNodeCount = nodes
	stored.LastChange = &at
	return nil
}

func (m *MemStore) RecordJobFailure(ctx context.Context, cluster *BigtableCluster, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.clusters[cluster.Key()]
	if !ok {
		return ErrNotFound
	}
	stored.ConsecutiveFailureCount++
	stored.LastFailureMessage = msg
	return nil
}

func (m *MemStore) ClearFailures(ctx context.Context, cluster *BigtableCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.clusters[cluster.Key()]
	if !ok {
		return ErrNotFound
	}
	stored.ConsecutiveFailureCount = 0
	stored.LastFailureMessage = ""
	return nil
}

func (m *MemStore) Healthy(ctx context.Context) error { return nil }

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

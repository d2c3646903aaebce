// Package filters holds cluster filters: pure predicates applied before any
// claim attempt, so a rejected cluster never touches the store's claim
// primitive and is not counted against the batch limit.
package filters

import "github.com/lumahq/bigtable-autoscaler/db"

// ClusterFilter decides whether this host should consider a cluster at all.
// Implementations must be pure: no store access, no hidden state, the same
// cluster always gets the same answer.
type ClusterFilter interface {
	Accepts(cluster *db.BigtableCluster) bool
}

// AllowAll accepts every cluster. The default.
type AllowAll struct{}

func (AllowAll) Accepts(*db.BigtableCluster) bool { return true }

// ClusterIDs accepts only clusters whose ClusterID appears in the given set.
// Useful for canarying a new autoscaler build against a handful of clusters.
type ClusterIDs map[string]bool

func NewClusterIDs(ids ...string) ClusterIDs {
	m := ClusterIDs{}
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (f ClusterIDs) Accepts(cluster *db.BigtableCluster) bool {
	return f[cluster.ClusterID]
}

// Project accepts only clusters belonging to one GCP project.
type Project string

func (f Project) Accepts(cluster *db.BigtableCluster) bool {
	return string(f) == cluster.ProjectID
}

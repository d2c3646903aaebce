// Package db defines the cluster entity and the Database interface shared by
// the scheduling loop and the admin API, with in-memory and Postgres
// implementations.
package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for clusters that are not registered.
var ErrNotFound = errors.New("cluster not found")

// Database is the shared store all autoscaler hosts coordinate through.
//
// UpdateLastChecked is the only synchronization primitive between hosts: it
// is a single atomic conditional update on the cluster's LastChecked marker,
// comparing against the value read by GetCandidateClusters. It returns true
// iff this call is the first successful claim for the cluster in the current
// check window. A false return is not an error; it means another host (or an
// earlier claim in the same cycle) got there first and the caller must skip
// the cluster. Callers must not retry and must not emulate the claim with
// separate read and write steps.
type Database interface {
	// GetCandidateClusters returns enabled clusters due for evaluation,
	// oldest check first. No side effects.
	GetCandidateClusters(ctx context.Context) ([]*BigtableCluster, error)

	// UpdateLastChecked atomically claims the cluster for this check window.
	UpdateLastChecked(ctx context.Context, cluster *BigtableCluster) (bool, error)

	// Cluster registry CRUD, used by the admin API.
	InsertCluster(ctx context.Context, cluster *BigtableCluster) error
	UpdateCluster(ctx context.Context, cluster *BigtableCluster) error
	DeleteCluster(ctx context.Context, projectID, instanceID, clusterID string) error
	GetCluster(ctx context.Context, projectID, instanceID, clusterID string) (*BigtableCluster, error)
	GetClusters(ctx context.Context) ([]*BigtableCluster, error)

	// SetMinNodesOverride records a temporary minimum-node floor.
	SetMinNodesOverride(ctx context.Context, projectID, instanceID, clusterID string, minNodesOverride int32) error

	// UpdateNodeCount records the node count after a successful resize.
	UpdateNodeCount(ctx context.Context, cluster *BigtableCluster, nodes int32, at time.Time) error

	// RecordJobFailure increments the cluster's consecutive failure count;
	// ClearFailures resets it after a successful job run.
	RecordJobFailure(ctx context.Context, cluster *BigtableCluster, msg string) error
	ClearFailures(ctx context.Context, cluster *BigtableCluster) error

	// Healthy reports whether the store is reachable.
	Healthy(ctx context.Context) error
}

package db

import (
	"fmt"
	"time"
)

// BigtableCluster is the unit of work for the autoscaler. A cluster is
// identified by the (ProjectID, InstanceID, ClusterID) triple; the triple is
// immutable once the cluster is registered.
//
// LastChecked is the coordination marker used by the claim primitive
// (Database.UpdateLastChecked). Nothing else reads or interprets it.
type BigtableCluster struct {
	ProjectID  string `json:"projectId"`
	InstanceID string `json:"instanceId"`
	ClusterID  string `json:"clusterId"`

	// Scaling parameters.
	CPUTarget    float64 `json:"cpuTarget"`
	MinNodes     int32   `json:"minNodes"`
	MaxNodes     int32   `json:"maxNodes"`
	OverloadStep int32   `json:"overloadStep"`

	// Temporary floor set by operators expecting extra load. Zero means no
	// override. Must not exceed MaxNodes; enforced at the API boundary.
	MinNodesOverride int32 `json:"minNodesOverride"`

	Enabled bool `json:"enabled"`

	// Coordination and bookkeeping state, owned by the store.
	LastChecked             *time.Time `json:"lastChecked,omitempty"`
	LastChange              *time.Time `json:"lastChange,omitempty"`
	LastNodeCount           int32      `json:"lastNodeCount"`
	ConsecutiveFailureCount int32      `json:"consecutiveFailureCount"`
	LastFailureMessage      string     `json:"lastFailureMessage,omitempty"`
}

// Key returns the unique identity of the cluster, suitable for map keys and
// log fields.
func (c *BigtableCluster) Key() string {
	return fmt.Sprintf("%s/%s/%s", c.ProjectID, c.InstanceID, c.ClusterID)
}

// Name returns the fully qualified Bigtable resource name.
func (c *BigtableCluster) Name() string {
	return fmt.Sprintf("projects/%s/instances/%s/clusters/%s",
		c.ProjectID, c.InstanceID, c.ClusterID)
}

// EffectiveMinNodes is the floor the scaling decision must respect: the
// configured minimum, raised by the operator override when one is set.
func (c *BigtableCluster) EffectiveMinNodes() int32 {
	if c.MinNodesOverride > c.MinNodes {
		return c.MinNodesOverride
	}
	return c.MinNodes
}

// Validate checks the invariants enforced when a cluster is registered or
// updated through the admin API.
func (c *BigtableCluster) Validate() error {
	if c.ProjectID == "" || c.InstanceID == "" || c.ClusterID == "" {
		return fmt.Errorf("cluster identifiers must be non-empty, got %q", c.Key())
	}
	if c.CPUTarget <= 0 || c.CPUTarget > 1 {
		return fmt.Errorf("cpuTarget must be in (0, 1], got %v", c.CPUTarget)
	}
	if c.MinNodes <= 0 {
		return fmt.Errorf("minNodes must be positive, got %d", c.MinNodes)
	}
	if c.MinNodes > c.MaxNodes {
		return fmt.Errorf("minNodes (%d) must not exceed maxNodes (%d)", c.MinNodes, c.MaxNodes)
	}
	if c.OverloadStep < 0 {
		return fmt.Errorf("overloadStep must not be negative, got %d", c.OverloadStep)
	}
	if c.MinNodesOverride < 0 {
		return fmt.Errorf("minNodesOverride must not be negative, got %d", c.MinNodesOverride)
	}
	if c.MinNodesOverride > c.MaxNodes {
		return fmt.Errorf("minNodesOverride (%d) must not exceed maxNodes (%d)",
			c.MinNodesOverride, c.MaxNodes)
	}
	return nil
}

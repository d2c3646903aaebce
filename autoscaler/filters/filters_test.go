package filters

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lumahq/bigtable-autoscaler/db"
)

func cluster(projectID, clusterID string) *db.BigtableCluster {
	return &db.BigtableCluster{ProjectID: projectID, InstanceID: "instance", ClusterID: clusterID}
}

func TestAllowAll(t *testing.T) {
	assert.True(t, AllowAll{}.Accepts(cluster("p", "c")))
	assert.True(t, AllowAll{}.Accepts(&db.BigtableCluster{}))
}

func TestClusterIDs(t *testing.T) {
	f := NewClusterIDs("a", "b")
	assert.True(t, f.Accepts(cluster("p", "a")))
	assert.True(t, f.Accepts(cluster("p", "b")))
	assert.False(t, f.Accepts(cluster("p", "c")))
	assert.False(t, NewClusterIDs().Accepts(cluster("p", "a")))
}

func TestProject(t *testing.T) {
	f := Project("prod")
	assert.True(t, f.Accepts(cluster("prod", "c")))
	assert.False(t, f.Accepts(cluster("staging", "c")))
}

// Filters must be pure: the same input always gets the same answer.
func TestFilteringIsIdempotent(t *testing.T) {
	clusters := []*db.BigtableCluster{
		cluster("prod", "a"), cluster("staging", "b"), cluster("prod", "c"),
	}
	f := Project("prod")
	var first []bool
	for _, c := range clusters {
		first = append(first, f.Accepts(c))
	}
	for i := 0; i < 3; i++ {
		for j, c := range clusters {
			assert.Equal(t, first[j], f.Accepts(c))
		}
	}
}

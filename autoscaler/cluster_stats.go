package autoscaler

import (
	"github.com/lumahq/bigtable-autoscaler/common/stats"
	"github.com/lumahq/bigtable-autoscaler/db"
)

// ClusterStats publishes per-cluster gauges under a scope derived from the
// cluster key, so dashboards can chart node count and CPU load per cluster.
// Safe for concurrent use by jobs; the underlying registry is synchronized.
type ClusterStats struct {
	stat stats.StatsReceiver
}

func NewClusterStats(stat stats.StatsReceiver) *ClusterStats {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &ClusterStats{stat: stat.Scope("cluster")}
}

func (s *ClusterStats) RecordLoad(cluster *db.BigtableCluster, nodes int32, cpuLoad float64) {
	scoped := s.stat.Scope(cluster.Key())
	scoped.Gauge(stats.NodeCountGauge).Update(int64(nodes))
	scoped.GaugeFloat(stats.CPULoadGauge).Update(cpuLoad)
}

package autoscaler

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lumahq/bigtable-autoscaler/common/stats"
	"github.com/lumahq/bigtable-autoscaler/db"
	"github.com/lumahq/bigtable-autoscaler/execute"
	"github.com/lumahq/bigtable-autoscaler/sessions"
)

const (
	// Above this CPU load the incremental formula is too slow; jump by the
	// cluster's configured overload step instead.
	overloadThreshold = 0.9

	// Fallback when a job factory is built without an explicit timeout.
	DefaultJobTimeout = 2 * time.Minute
)

// CPULoadSource reports a cluster's recent average CPU load as a fraction
// in [0, 1]. The production implementation is stackdriver.Client.
type CPULoadSource interface {
	CPULoad(ctx context.Context, cluster *db.BigtableCluster) (float64, error)
}

// DefaultJobFactory builds AutoscaleJobs. The CPU source and job timeout are
// process-wide; everything else is bound per cluster at dispatch time.
type DefaultJobFactory struct {
	CPUSource  CPULoadSource
	JobTimeout time.Duration
}

func (f *DefaultJobFactory) CreateJob(database db.Database, provider sessions.Provider,
	cluster *db.BigtableCluster, stat stats.StatsReceiver, clusterStats *ClusterStats) execute.Job {
	timeout := f.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &AutoscaleJob{
		database:     database,
		provider:     provider,
		cluster:      cluster,
		cpuSource:    f.CPUSource,
		stat:         stat,
		clusterStats: clusterStats,
		timeout:      timeout,
	}
}

// AutoscaleJob evaluates and, when needed, resizes a single claimed cluster.
// Jobs for different clusters run concurrently and share no mutable state;
// each job owns its timeout and reports its outcome to the store.
type AutoscaleJob struct {
	database     db.Database
	provider     sessions.Provider
	cluster      *db.BigtableCluster
	cpuSource    CPULoadSource
	stat         stats.StatsReceiver
	clusterStats *ClusterStats
	timeout      time.Duration
}

func (j *AutoscaleJob) Key() string { return j.cluster.Key() }

func (j *AutoscaleJob) Run() error {
	// The scheduler's context does not outlive dispatch; the job bounds its
	// own execution.
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	err := j.run(ctx)
	if err != nil {
		if dbErr := j.database.RecordJobFailure(ctx, j.cluster, err.Error()); dbErr != nil {
			log.WithFields(log.Fields{"cluster": j.cluster.Key(), "err": dbErr}).
				Warn("failed to record job failure")
		}
		return err
	}
	if dbErr := j.database.ClearFailures(ctx, j.cluster); dbErr != nil {
		log.WithFields(log.Fields{"cluster": j.cluster.Key(), "err": dbErr}).
			Warn("failed to clear failure count")
	}
	return nil
}

func (j *AutoscaleJob) run(ctx context.Context) error {
	session, err := j.provider.Session(ctx, j.cluster.ProjectID)
	if err != nil {
		return err
	}

	currentNodes, err := session.CurrentNodes(ctx, j.cluster.InstanceID, j.cluster.ClusterID)
	if err != nil {
		return err
	}

	cpuLoad, err := j.cpuSource.CPULoad(ctx, j.cluster)
	if err != nil {
		return err
	}
	j.clusterStats.RecordLoad(j.cluster, currentNodes, cpuLoad)

	targetNodes := desiredNodeCount(currentNodes, cpuLoad, j.cluster, j.stat)
	fields := log.Fields{
		"cluster":     j.cluster.Key(),
		"cpuLoad":     cpuLoad,
		"cpuTarget":   j.cluster.CPUTarget,
		"currentSize": currentNodes,
		"targetSize":  targetNodes,
	}
	if targetNodes == currentNodes {
		log.WithFields(fields).Debug("cluster already at target size")
		return nil
	}

	if err := session.Resize(ctx, j.cluster.InstanceID, j.cluster.ClusterID, targetNodes); err != nil {
		return err
	}
	now := time.Now()
	if err := j.database.UpdateNodeCount(ctx, j.cluster, targetNodes, now); err != nil {
		return err
	}

	j.stat.Counter(stats.ResizesCounter).Inc(1)
	if targetNodes > currentNodes {
		j.stat.Counter(stats.ResizeUpCounter).Inc(1)
	} else {
		j.stat.Counter(stats.ResizeDownCounter).Inc(1)
	}
	j.clusterStats.RecordLoad(j.cluster, targetNodes, cpuLoad)
	log.WithFields(fields).Info("resized cluster")
	return nil
}

// desiredNodeCount computes the node count that would bring CPU load to the
// configured target, clamped to the cluster's effective bounds. Under
// sustained overload the proportional formula underestimates badly (the
// observed load is itself throttled), so the cluster jumps by OverloadStep.
func desiredNodeCount(currentNodes int32, cpuLoad float64, cluster *db.BigtableCluster, stat stats.StatsReceiver) int32 {
	var target int32
	if cpuLoad >= overloadThreshold && cluster.OverloadStep > 0 {
		stat.Counter(stats.OverloadCounter).Inc(1)
		target = currentNodes + cluster.OverloadStep
	} else {
		target = int32(math.Ceil(float64(currentNodes) * cpuLoad / cluster.CPUTarget))
	}
	if min := cluster.EffectiveMinNodes(); target < min {
		target = min
	}
	if target > cluster.MaxNodes {
		target = cluster.MaxNodes
	}
	return target
}

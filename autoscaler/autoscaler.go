// Package autoscaler contains the scheduling loop that keeps managed
// Bigtable clusters sized to their load.
//
// Multiple autoscaler hosts run the same loop against one shared store.
// There is no lock service: the only cross-host synchronization is the
// store's atomic claim (db.Database.UpdateLastChecked). Each cycle a host
// reads the candidate clusters, filters them, claims at most BatchSize of
// them in store order, and hands each claimed cluster to the executor as an
// independent job. Losing a claim is normal; it means another host owns that
// cluster for this check window.
package autoscaler

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lumahq/bigtable-autoscaler/autoscaler/filters"
	"github.com/lumahq/bigtable-autoscaler/common/stats"
	"github.com/lumahq/bigtable-autoscaler/db"
	"github.com/lumahq/bigtable-autoscaler/execute"
	"github.com/lumahq/bigtable-autoscaler/sessions"
)

// DefaultBatchSize bounds how many clusters one cycle will claim and
// dispatch. It caps per-cycle load on this host and claim contention across
// hosts; candidates scanned past (filtered out or lost) do not count.
const DefaultBatchSize = 30

// JobFactory builds one executable unit of work for a claimed cluster,
// binding it to this cycle's shared resources.
type JobFactory interface {
	CreateJob(database db.Database, provider sessions.Provider, cluster *db.BigtableCluster,
		stat stats.StatsReceiver, clusterStats *ClusterStats) execute.Job
}

// Autoscaler runs one scheduling cycle per call to Run. It holds no state
// across cycles; the only persistent state is each cluster's coordination
// marker, owned by the store.
type Autoscaler struct {
	database     db.Database
	provider     sessions.Provider
	jobFactory   JobFactory
	executor     execute.Executor
	filter       filters.ClusterFilter
	clusterStats *ClusterStats
	batchSize    int
	stat         stats.StatsReceiver
}

func New(
	database db.Database,
	provider sessions.Provider,
	jobFactory JobFactory,
	executor execute.Executor,
	filter filters.ClusterFilter,
	batchSize int,
	stat stats.StatsReceiver,
) *Autoscaler {
	if filter == nil {
		filter = filters.AllowAll{}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Autoscaler{
		database:     database,
		provider:     provider,
		jobFactory:   jobFactory,
		executor:     executor,
		filter:       filter,
		clusterStats: NewClusterStats(stat),
		batchSize:    batchSize,
		stat:         stat,
	}
}

// Run executes exactly one scheduling cycle. It returns once every claimed
// cluster has been handed to the executor; it does not wait for jobs to
// finish. The only fatal condition is the candidate query failing, in which
// case no claims were attempted and the cycle surfaces the error.
func (a *Autoscaler) Run(ctx context.Context) error {
	defer a.stat.Latency(stats.CycleLatency_ms).Time().Stop()

	candidates, err := a.database.GetCandidateClusters(ctx)
	if err != nil {
		a.stat.Counter(stats.CycleFailuresCounter).Inc(1)
		return fmt.Errorf("fetching candidate clusters: %w", err)
	}
	a.stat.Gauge(stats.CandidateClustersGauge).Update(int64(len(candidates)))

	// Claim in store order, one at a time. Claiming sequentially rather
	// than up front keeps ordering deterministic under a direct executor
	// and never claims a cluster that won't be dispatched.
	processed := 0
	for _, cluster := range candidates {
		if processed == a.batchSize {
			break
		}
		if !a.filter.Accepts(cluster) {
			a.stat.Counter(stats.FilteredClustersCounter).Inc(1)
			continue
		}

		a.stat.Counter(stats.ClaimAttemptsCounter).Inc(1)
		claimed, err := a.database.UpdateLastChecked(ctx, cluster)
		if err != nil {
			// The store answered for the candidate query, so the cycle is
			// viable; a failed claim only skips this cluster.
			log.WithFields(log.Fields{"cluster": cluster.Key(), "err": err}).
				Error("claim failed, skipping cluster")
			continue
		}
		if !claimed {
			// Another host (or an earlier cycle) owns this cluster for the
			// current window. Expected, not an error.
			a.stat.Counter(stats.ClaimLossesCounter).Inc(1)
			continue
		}
		a.stat.Counter(stats.ClaimWinsCounter).Inc(1)

		job := a.jobFactory.CreateJob(a.database, a.provider, cluster, a.stat, a.clusterStats)
		a.executor.Submit(job)
		a.stat.Counter(stats.DispatchedJobsCounter).Inc(1)
		processed++
	}

	log.WithFields(log.Fields{
		"candidates": len(candidates),
		"dispatched": processed,
		"batchSize":  a.batchSize,
	}).Info("autoscale cycle complete")
	return nil
}

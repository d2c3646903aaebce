// Package execute provides the executor abstraction the scheduling loop
// dispatches jobs to. Jobs are opaque, possibly failing units of work; an
// executor never propagates a job's error (or panic) back to the submitter.
package execute

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lumahq/bigtable-autoscaler/common/stats"
)

// Job is a single unit of work bound to one cluster.
type Job interface {
	Run() error

	// Key identifies the job's cluster for logging and metrics.
	Key() string
}

// Executor schedules a job for execution. Submit must not block beyond the
// time needed to hand the job off, and must contain job failures.
type Executor interface {
	Submit(job Job)
}

// runJob is the worker boundary: any error or panic stops here.
func runJob(job Job, stat stats.StatsReceiver) {
	defer func() {
		if r := recover(); r != nil {
			stat.Counter(stats.JobPanicsCounter).Inc(1)
			log.WithFields(log.Fields{
				"cluster": job.Key(),
				"panic":   fmt.Sprintf("%v", r),
			}).Error("autoscale job panicked")
		}
	}()
	if err := job.Run(); err != nil {
		stat.Counter(stats.JobFailuresCounter).Inc(1)
		log.WithFields(log.Fields{
			"cluster": job.Key(),
			"err":     err,
		}).Error("autoscale job failed")
		return
	}
	stat.Counter(stats.JobSuccessesCounter).Inc(1)
}

// DirectExecutor runs jobs inline on the submitter's goroutine. Used by
// tests that need deterministic ordering, and by the dev single-shot mode.
type DirectExecutor struct {
	stat stats.StatsReceiver
}

func NewDirectExecutor(stat stats.StatsReceiver) *DirectExecutor {
	return &DirectExecutor{stat: stat}
}

func (e *DirectExecutor) Submit(job Job) {
	runJob(job, e.stat)
}

// PoolExecutor runs each job on its own goroutine, with total concurrency
// bounded by a semaphore. Submission never blocks: a job submitted while the
// pool is saturated waits on the semaphore inside its own goroutine, not on
// the scheduler's.
type PoolExecutor struct {
	sem  chan struct{}
	stat stats.StatsReceiver
	wg   sync.WaitGroup
}

func NewPoolExecutor(size int, stat stats.StatsReceiver) *PoolExecutor {
	if size <= 0 {
		size = 1
	}
	return &PoolExecutor{
		sem:  make(chan struct{}, size),
		stat: stat,
	}
}

func (e *PoolExecutor) Submit(job Job) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		runJob(job, e.stat)
	}()
}

// Wait blocks until all submitted jobs have finished. Called on shutdown;
// the scheduling loop itself never waits.
func (e *PoolExecutor) Wait() {
	e.wg.Wait()
}

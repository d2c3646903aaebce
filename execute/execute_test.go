package execute

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lumahq/bigtable-autoscaler/common/stats"
)

type testJob struct {
	key   string
	fn    func() error
	runs  *int64
	order *orderLog
}

type orderLog struct {
	mu   sync.Mutex
	keys []string
}

func (l *orderLog) add(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
}

func (j *testJob) Key() string { return j.key }

func (j *testJob) Run() error {
	atomic.AddInt64(j.runs, 1)
	if j.order != nil {
		j.order.add(j.key)
	}
	if j.fn != nil {
		return j.fn()
	}
	return nil
}

func TestDirectExecutorRunsInline(t *testing.T) {
	var runs int64
	order := &orderLog{}
	e := NewDirectExecutor(stats.NilStatsReceiver())

	e.Submit(&testJob{key: "a", runs: &runs, order: order})
	e.Submit(&testJob{key: "b", runs: &runs, order: order})

	// Inline execution: both finished before Submit returned, in order.
	assert.Equal(t, int64(2), runs)
	assert.Equal(t, []string{"a", "b"}, order.keys)
}

func TestExecutorContainsJobErrors(t *testing.T) {
	var runs int64
	stat := stats.DefaultStatsReceiver()
	e := NewDirectExecutor(stat)

	e.Submit(&testJob{key: "bad", runs: &runs, fn: func() error { return errors.New("boom") }})
	e.Submit(&testJob{key: "good", runs: &runs})

	assert.Equal(t, int64(2), runs)
	assert.Equal(t, int64(1), stat.Counter(stats.JobFailuresCounter).Count())
	assert.Equal(t, int64(1), stat.Counter(stats.JobSuccessesCounter).Count())
}

func TestExecutorContainsJobPanics(t *testing.T) {
	var runs int64
	stat := stats.DefaultStatsReceiver()
	e := NewDirectExecutor(stat)

	e.Submit(&testJob{key: "panics", runs: &runs, fn: func() error { panic("boom") }})
	e.Submit(&testJob{key: "fine", runs: &runs})

	assert.Equal(t, int64(2), runs)
	assert.Equal(t, int64(1), stat.Counter(stats.JobPanicsCounter).Count())
}

func TestPoolExecutorRunsAllJobs(t *testing.T) {
	var runs int64
	e := NewPoolExecutor(4, stats.NilStatsReceiver())

	for i := 0; i < 20; i++ {
		e.Submit(&testJob{key: "job", runs: &runs})
	}
	e.Wait()

	assert.Equal(t, int64(20), runs)
}

func TestPoolExecutorSubmitDoesNotBlockWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	var runs int64
	e := NewPoolExecutor(1, stats.NilStatsReceiver())

	blocker := &testJob{key: "blocker", runs: &runs, fn: func() error {
		<-release
		return nil
	}}
	e.Submit(blocker)

	// The pool is saturated by the blocker; further submissions must still
	// hand off immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			e.Submit(&testJob{key: "queued", runs: &runs})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a saturated pool")
	}

	close(release)
	e.Wait()
	assert.Equal(t, int64(6), runs)
}

func TestPoolExecutorBoundsConcurrency(t *testing.T) {
	const size = 3
	var runs, inFlight, maxInFlight int64
	var mu sync.Mutex
	e := NewPoolExecutor(size, stats.NilStatsReceiver())

	for i := 0; i < 30; i++ {
		e.Submit(&testJob{key: "job", runs: &runs, fn: func() error {
			n := atomic.AddInt64(&inFlight, 1)
			mu.Lock()
			if n > maxInFlight {
				maxInFlight = n
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return nil
		}})
	}
	e.Wait()

	assert.Equal(t, int64(30), runs)
	assert.LessOrEqual(t, maxInFlight, int64(size))
}

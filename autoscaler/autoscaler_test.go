package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lumahq/bigtable-autoscaler/autoscaler/filters"
	"github.com/lumahq/bigtable-autoscaler/common/stats"
	"github.com/lumahq/bigtable-autoscaler/db"
	"github.com/lumahq/bigtable-autoscaler/execute"
	"github.com/lumahq/bigtable-autoscaler/sessions"
)

// fakeDatabase stubs the store. Claim outcomes are queued per cluster key so
// tests can script races the way another host would cause them; once a
// queue is exhausted further claims return false, matching the store
// contract that a cluster is claimed at most once per window.
type fakeDatabase struct {
	mu            sync.Mutex
	candidates    []*db.BigtableCluster
	candidatesErr error
	claimResults  map[string][]bool
	claimErrs     map[string]error
	claimCalls    []string
	candidateGets int
}

func newFakeDatabase(candidates ...*db.BigtableCluster) *fakeDatabase {
	f := &fakeDatabase{
		candidates:   candidates,
		claimResults: map[string][]bool{},
		claimErrs:    map[string]error{},
	}
	for _, c := range candidates {
		f.claimResults[c.Key()] = []bool{true}
	}
	return f
}

func (f *fakeDatabase) GetCandidateClusters(ctx context.Context) ([]*db.BigtableCluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidateGets++
	if f.candidatesErr != nil {
		return nil, f.candidatesErr
	}
	return f.candidates, nil
}

func (f *fakeDatabase) UpdateLastChecked(ctx context.Context, cluster *db.BigtableCluster) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls = append(f.claimCalls, cluster.Key())
	if err := f.claimErrs[cluster.Key()]; err != nil {
		return false, err
	}
	queue := f.claimResults[cluster.Key()]
	if len(queue) == 0 {
		return false, nil
	}
	f.claimResults[cluster.Key()] = queue[1:]
	return queue[0], nil
}

func (f *fakeDatabase) InsertCluster(ctx context.Context, cluster *db.BigtableCluster) error { return nil }
func (f *fakeDatabase) UpdateCluster(ctx context.Context, cluster *db.BigtableCluster) error { return nil }
func (f *fakeDatabase) DeleteCluster(ctx context.Context, p, i, c string) error              { return nil }
func (f *fakeDatabase) GetCluster(ctx context.Context, p, i, c string) (*db.BigtableCluster, error) {
	return nil, db.ErrNotFound
}
func (f *fakeDatabase) GetClusters(ctx context.Context) ([]*db.BigtableCluster, error) {
	return nil, nil
}
func (f *fakeDatabase) SetMinNodesOverride(ctx context.Context, p, i, c string, o int32) error {
	return nil
}
func (f *fakeDatabase) UpdateNodeCount(ctx context.Context, cluster *db.BigtableCluster, n int32, at time.Time) error {
	return nil
}
func (f *fakeDatabase) RecordJobFailure(ctx context.Context, cluster *db.BigtableCluster, msg string) error {
	return nil
}
func (f *fakeDatabase) ClearFailures(ctx context.Context, cluster *db.BigtableCluster) error {
	return nil
}
func (f *fakeDatabase) Healthy(ctx context.Context) error { return nil }

// fakeJobFactory records the clusters jobs were created for, in order, and
// hands out jobs that log their own runs.
type fakeJobFactory struct {
	mu      sync.Mutex
	created []string
	runs    []string
	jobErr  error
}

func (f *fakeJobFactory) CreateJob(database db.Database, provider sessions.Provider,
	cluster *db.BigtableCluster, stat stats.StatsReceiver, clusterStats *ClusterStats) execute.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cluster.Key())
	return &fakeJob{factory: f, key: cluster.Key()}
}

type fakeJob struct {
	factory *fakeJobFactory
	key     string
}

func (j *fakeJob) Key() string { return j.key }

func (j *fakeJob) Run() error {
	j.factory.mu.Lock()
	defer j.factory.mu.Unlock()
	j.factory.runs = append(j.factory.runs, j.key)
	return j.factory.jobErr
}

func testCluster(clusterID string) *db.BigtableCluster {
	return &db.BigtableCluster{
		ProjectID:    "project",
		InstanceID:   "instance",
		ClusterID:    clusterID,
		CPUTarget:    0.8,
		MinNodes:     5,
		MaxNodes:     500,
		OverloadStep: 100,
		Enabled:      true,
	}
}

func newTestAutoscaler(database *fakeDatabase, factory *fakeJobFactory, filter filters.ClusterFilter, batchSize int) *Autoscaler {
	return New(database, nil, factory, execute.NewDirectExecutor(stats.NilStatsReceiver()),
		filter, batchSize, stats.NilStatsReceiver())
}

func TestTwoClustersFoundAndProcessed(t *testing.T) {
	c1, c2 := testCluster("cluster1"), testCluster("cluster2")
	database := newFakeDatabase(c1, c2)
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, DefaultBatchSize)

	assert.NoError(t, a.Run(context.Background()))

	assert.Equal(t, 1, database.candidateGets)
	// Claimed and run in store order; one claim per cluster.
	assert.Equal(t, []string{c1.Key(), c2.Key()}, database.claimCalls)
	assert.Equal(t, []string{c1.Key(), c2.Key()}, factory.created)
	assert.Equal(t, []string{c1.Key(), c2.Key()}, factory.runs)
}

func TestClusterTakenByAnotherHost(t *testing.T) {
	c1, c2 := testCluster("cluster1"), testCluster("cluster2")
	database := newFakeDatabase(c1, c2)
	database.claimResults[c1.Key()] = []bool{false} // another host raced us
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, DefaultBatchSize)

	assert.NoError(t, a.Run(context.Background()))

	// Claim attempted once for each candidate, never re-attempted for the
	// lost one, and no job exists for it.
	assert.Equal(t, []string{c1.Key(), c2.Key()}, database.claimCalls)
	assert.Equal(t, []string{c2.Key()}, factory.created)
	assert.Equal(t, []string{c2.Key()}, factory.runs)
}

func TestFilteredClusterNeverClaimed(t *testing.T) {
	c1, c2 := testCluster("cluster1"), testCluster("cluster2")
	database := newFakeDatabase(c1, c2)
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, filters.NewClusterIDs("cluster2"), DefaultBatchSize)

	assert.NoError(t, a.Run(context.Background()))

	// A rejected cluster never touches the claim primitive.
	assert.Equal(t, []string{c2.Key()}, database.claimCalls)
	assert.Equal(t, []string{c2.Key()}, factory.created)
	assert.Equal(t, []string{c2.Key()}, factory.runs)
}

func TestNoMoreThanBatchSizeClustersTouched(t *testing.T) {
	const batchSize = 4
	var clusters []*db.BigtableCluster
	for i := 0; i < batchSize+1; i++ {
		clusters = append(clusters, testCluster(fmt.Sprintf("c%d", i)))
	}
	database := newFakeDatabase(clusters...)
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, batchSize)

	assert.NoError(t, a.Run(context.Background()))

	var wantClaims []string
	for i := 0; i < batchSize; i++ {
		wantClaims = append(wantClaims, clusters[i].Key())
	}
	// The claim cap is exact and in order; the extra candidate is untouched.
	assert.Equal(t, wantClaims, database.claimCalls)
	assert.Equal(t, wantClaims, factory.created)
	assert.Len(t, factory.runs, batchSize)
}

func TestFilteredClustersDoNotCountAgainstBatch(t *testing.T) {
	// Five candidates, first three filtered out, batch of two: the two
	// accepted clusters are still both dispatched.
	clusters := []*db.BigtableCluster{
		testCluster("skip1"), testCluster("skip2"), testCluster("skip3"),
		testCluster("keep1"), testCluster("keep2"),
	}
	database := newFakeDatabase(clusters...)
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, filters.NewClusterIDs("keep1", "keep2"), 2)

	assert.NoError(t, a.Run(context.Background()))

	assert.Equal(t, []string{clusters[3].Key(), clusters[4].Key()}, database.claimCalls)
	assert.Len(t, factory.runs, 2)
}

func TestLostClaimsDoNotCountAgainstBatch(t *testing.T) {
	c1, c2, c3 := testCluster("c1"), testCluster("c2"), testCluster("c3")
	database := newFakeDatabase(c1, c2, c3)
	database.claimResults[c1.Key()] = []bool{false}
	database.claimResults[c2.Key()] = []bool{false}
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, 1)

	assert.NoError(t, a.Run(context.Background()))

	// The cap bounds jobs created, not candidates scanned: both lost claims
	// are scanned past and the third cluster still gets its job.
	assert.Equal(t, []string{c1.Key(), c2.Key(), c3.Key()}, database.claimCalls)
	assert.Equal(t, []string{c3.Key()}, factory.runs)
}

func TestCandidateQueryFailureAbortsCycle(t *testing.T) {
	database := newFakeDatabase(testCluster("cluster1"))
	database.candidatesErr = errors.New("store unavailable")
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, DefaultBatchSize)

	err := a.Run(context.Background())

	assert.Error(t, err)
	assert.Empty(t, database.claimCalls)
	assert.Empty(t, factory.created)
}

func TestClaimErrorSkipsClusterOnly(t *testing.T) {
	c1, c2 := testCluster("cluster1"), testCluster("cluster2")
	database := newFakeDatabase(c1, c2)
	database.claimErrs[c1.Key()] = errors.New("deadlock detected")
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, DefaultBatchSize)

	// A claim error is contained to its cluster; the cycle still completes.
	assert.NoError(t, a.Run(context.Background()))
	assert.Equal(t, []string{c2.Key()}, factory.runs)
}

func TestJobFailureDoesNotAffectSiblings(t *testing.T) {
	c1, c2 := testCluster("cluster1"), testCluster("cluster2")
	database := newFakeDatabase(c1, c2)
	factory := &fakeJobFactory{jobErr: errors.New("resize failed")}
	a := newTestAutoscaler(database, factory, nil, DefaultBatchSize)

	assert.NoError(t, a.Run(context.Background()))

	// Both jobs ran even though each failed; nothing surfaced to the cycle.
	assert.Equal(t, []string{c1.Key(), c2.Key()}, factory.runs)
}

func TestEmptyCandidateListIsACompleteCycle(t *testing.T) {
	database := newFakeDatabase()
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, DefaultBatchSize)

	assert.NoError(t, a.Run(context.Background()))
	assert.Empty(t, database.claimCalls)
	assert.Empty(t, factory.created)
}

func TestRunIsStatelessAcrossCycles(t *testing.T) {
	c1 := testCluster("cluster1")
	database := newFakeDatabase(c1)
	database.claimResults[c1.Key()] = []bool{true, true}
	factory := &fakeJobFactory{}
	a := newTestAutoscaler(database, factory, nil, DefaultBatchSize)

	assert.NoError(t, a.Run(context.Background()))
	assert.NoError(t, a.Run(context.Background()))

	// Two independent cycles, one candidate query and one claim each.
	assert.Equal(t, 2, database.candidateGets)
	assert.Equal(t, []string{c1.Key(), c1.Key()}, database.claimCalls)
	assert.Len(t, factory.runs, 2)
}

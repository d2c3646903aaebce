package stats

// Stat name constants, kept in one place so dashboards and tests reference
// the same strings.
const (
	// Scheduling loop.

	// Latency of one full claim/dispatch cycle.
	CycleLatency_ms = "cycleLatency_ms"

	// Number of candidate clusters returned by the store for the cycle.
	CandidateClustersGauge = "candidateClusters"

	// Clusters rejected by the cluster filter (no claim attempted).
	FilteredClustersCounter = "filteredClusters"

	// Claim attempts against the store.
	ClaimAttemptsCounter = "claimAttempts"

	// Claims won (job dispatched) and lost (another host raced us).
	ClaimWinsCounter   = "claimWins"
	ClaimLossesCounter = "claimLosses"

	// Jobs handed to the executor this cycle.
	DispatchedJobsCounter = "dispatchedJobs"

	// Cycles aborted because the candidate query failed.
	CycleFailuresCounter = "cycleFailures"

	// Job execution (worker boundary).

	JobSuccessesCounter = "jobSuccesses"
	JobFailuresCounter  = "jobFailures"
	JobPanicsCounter    = "jobPanics"

	// Scaling decisions.

	ResizesCounter    = "resizes"
	ResizeUpCounter   = "resizesUp"
	ResizeDownCounter = "resizesDown"
	OverloadCounter   = "overloadEvents"

	// Per-cluster gauges (scoped by cluster key).

	NodeCountGauge = "nodeCount"
	CPULoadGauge   = "cpuLoad"

	// Session provider.

	SessionCacheHitsCounter   = "sessionCacheHits"
	SessionCacheMissesCounter = "sessionCacheMisses"
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock acquisition latency on the server - histogram to track p50/p90/p99
	// one compare-and-set attempt through the coordinator
	// labels: lock_name (to see which locks are slow)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterlock_lock_acquire_duration_seconds",
			Help:    "time taken by a single lock acquire attempt",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 512ms
		},
		[]string{"lock_name"},
	)

	// acquire attempts by outcome
	// labels: lock_name, status (success/held/failure)
	// held/(success+held) is the contention ratio of a lock
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlock_lock_acquire_total",
			Help: "total number of lock acquire attempts",
		},
		[]string{"lock_name", "status"},
	)

	// lock release counter - tracks clean releases
	// should roughly match successful acquisitions over time
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlock_lock_release_total",
			Help: "total number of lock releases",
		},
		[]string{"lock_name"},
	)

	// how long callers waited for a lock, client side, including contention
	// labels: mode, status (acquired/timeout/interrupted/error)
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterlock_client_wait_duration_seconds",
			Help:    "time callers spent waiting for a lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~262s
		},
		[]string{"mode", "status"},
	)

	// stale releases - the holder lost the lock to lease expiry before releasing
	// spikes mean lease times are too short for the protected work
	StaleReleaseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterlock_client_stale_release_total",
			Help: "total number of releases of locks no longer held",
		},
	)

	// currently held locks - gauge shows real-time active locks
	// useful for capacity planning and detecting lock leaks
	LocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterlock_locks_active",
			Help: "current number of held locks",
		},
	)

	// holders across all locks, shared locks count every reader
	HoldersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterlock_holders_active",
			Help: "current number of lock holders",
		},
	)

	// lease expiration counter - holders reclaimed by the leader sweep
	// spikes indicate crashed or stalled clients
	LeaseExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterlock_lease_expire_total",
			Help: "total number of holders reclaimed after lease expiry",
		},
	)

	// open release watches served over gRPC
	WatchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterlock_watchers_active",
			Help: "current number of release watch streams",
		},
	)

	// keepalive counter - tracks coordination keepalive success/failure
	// labels: status (success/failure)
	HeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlock_heartbeat_total",
			Help: "total number of coordination keepalives",
		},
		[]string{"status"},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterlock_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// raft log index - last index applied to FSM
	// lag between leader and follower = replication delay
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterlock_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterlock_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}

// records a coordinator status snapshot
func ObserveStatus(isLeader bool, locks, holders int) {
	if isLeader {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	LocksActive.Set(float64(locks))
	HoldersActive.Set(float64(holders))
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolcluster",
		Name:      "operations_total",
		Help:      "Clustering API operations handled, by operation and result",
	}, []string{"op", "result"})

	OperationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "poolcluster",
		Name:      "operation_duration_seconds",
		Help:      "Latency of clustering API operations",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"op"})

	LockWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "poolcluster",
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time spent waiting to acquire a clustering lock",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 7),
	}, []string{"lock"})

	LockHeld = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "poolcluster",
		Subsystem: "lock",
		Name:      "held",
		Help:      "1 while the lock is held, else 0",
	}, []string{"lock"})

	HostFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolcluster",
		Name:      "host_failures_total",
		Help:      "Per-host failures observed by pool-wide operations",
	}, []string{"op"})

	ClusterHosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poolcluster",
		Name:      "cluster_hosts",
		Help:      "Number of ClusterHost records last observed in the registry",
	})

	RPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolcluster",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Management RPC calls served, by method and result",
	}, []string{"method", "result"})

	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poolcluster",
		Name:      "tasks_active",
		Help:      "Tasks currently running on this agent",
	})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poolcluster",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poolcluster",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poolcluster",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poolcluster",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Operations)
		prometheus.MustRegister(OperationSeconds)
		prometheus.MustRegister(LockWaitSeconds)
		prometheus.MustRegister(LockHeld)
		prometheus.MustRegister(HostFailures)
		prometheus.MustRegister(ClusterHosts)
		prometheus.MustRegister(RPCCalls)
		prometheus.MustRegister(ActiveTasks)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
	})
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

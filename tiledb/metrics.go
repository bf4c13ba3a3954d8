package tiledb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Backend operation counters, labeled by backend ("posix", "azure-blob",
// "gcs", "s3") and operation ("read", "write", "commit", "delete", "list").
var (
	fsOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiledb",
		Subsystem: "fs",
		Name:      "operations_total",
		Help:      "Storage backend operations.",
	}, []string{"backend", "operation"})

	fsBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiledb",
		Subsystem: "fs",
		Name:      "bytes_total",
		Help:      "Bytes moved through storage backends.",
	}, []string{"backend", "direction"})

	fsErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiledb",
		Subsystem: "fs",
		Name:      "errors_total",
		Help:      "Storage backend operation failures.",
	}, []string{"backend", "operation"})
)

func init() {
	prometheus.MustRegister(fsOps, fsBytes, fsErrors)
}

func countRead(backend string, n int) {
	fsOps.WithLabelValues(backend, "read").Inc()
	fsBytes.WithLabelValues(backend, "download").Add(float64(n))
}

func countWrite(backend string, n int) {
	fsOps.WithLabelValues(backend, "write").Inc()
	fsBytes.WithLabelValues(backend, "upload").Add(float64(n))
}

func countOp(backend, op string)  { fsOps.WithLabelValues(backend, op).Inc() }
func countErr(backend, op string) { fsErrors.WithLabelValues(backend, op).Inc() }

// Package metrics exposes the worker pool's state as Prometheus gauges and
// counters, wired into the gateway's /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_workers_total",
		Help: "Current number of live workers",
	})

	WorkersIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_workers_idle",
		Help: "Current number of idle (unassigned) workers",
	})

	WorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_workers_busy",
		Help: "Current number of workers bound to a user",
	})

	WorkerCreationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_worker_creations_total",
			Help: "Total worker creation attempts",
		},
		[]string{"result"}, // "success" | "failure"
	)

	WorkerCreationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_worker_creation_duration_seconds",
		Help:    "Time to create and health-check a worker",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	ExecuteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_execute_duration_seconds",
		Help:    "Time spent in Worker.execute, including the kernel round trip",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 15, 30},
	})

	FileOpsInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_file_ops_inflight",
		Help: "Number of file upload/export/delete operations currently holding the shared semaphore",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests by route and status",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		WorkersIdle,
		WorkersBusy,
		WorkerCreationsTotal,
		WorkerCreationDuration,
		ExecuteDuration,
		FileOpsInflight,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware instruments every HTTP request with HTTPRequestsTotal.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			_ = time.Since(start)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

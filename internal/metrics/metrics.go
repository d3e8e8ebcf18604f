package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_gpu_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_gpu_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lab_gpu_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_gpu_admissions_total",
			Help: "Reservation admission attempts by outcome (granted, conflict, invalid_interval, not_found, not_reservable, unavailable, error).",
		},
		[]string{"outcome"},
	)
)

// ObserveAdmission records the outcome of one reservation admission attempt.
func ObserveAdmission(outcome string) {
	admissionsTotal.WithLabelValues(outcome).Inc()
}

// InventoryDB is the subset of db.DB needed to collect inventory and
// reservation metrics.
type InventoryDB interface {
	CountDevicesByModel() (map[string]int, error)
	CountReservations(at time.Time) (total, active int, err error)
}

// inventoryCollector is a custom Prometheus collector that queries the
// database on each scrape to report device counts by model and the
// committed/active reservation counts.
type inventoryCollector struct {
	db               InventoryDB
	devicesDesc      *prometheus.Desc
	reservationsDesc *prometheus.Desc
	activeDesc       *prometheus.Desc
}

func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.devicesDesc
	ch <- c.reservationsDesc
	ch <- c.activeDesc
}

func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.db.CountDevicesByModel()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.devicesDesc, err)
	} else {
		for model, n := range counts {
			ch <- prometheus.MustNewConstMetric(
				c.devicesDesc, prometheus.GaugeValue, float64(n), model)
		}
	}

	total, active, err := c.db.CountReservations(time.Now().UTC())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.reservationsDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.reservationsDesc, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(active))
}

// Register registers all metrics with the default Prometheus registry.
// Call once at startup after the database is initialised.
func Register(db InventoryDB) {
	prometheus.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Application metrics
		admissionsTotal,
		&inventoryCollector{
			db: db,
			devicesDesc: prometheus.NewDesc(
				"lab_gpu_devices_total",
				"Number of GPU devices in the catalog, partitioned by model.",
				[]string{"model"},
				nil,
			),
			reservationsDesc: prometheus.NewDesc(
				"lab_gpu_reservations_total",
				"Number of committed reservations.",
				nil, nil,
			),
			activeDesc: prometheus.NewDesc(
				"lab_gpu_reservations_active",
				"Number of reservations covering the current instant.",
				nil, nil,
			),
		},
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/v1/reservations")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}

// Package metrics exposes Prometheus metrics for device sessions and the proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scriptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mctl_scripts_total",
			Help: "Scripts executed in raw REPL mode",
		},
		[]string{"transport", "status"},
	)

	scriptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mctl_script_duration_seconds",
			Help:    "Time from entering raw mode to the script's reply",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"transport"},
	)

	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mctl_file_bytes_total",
			Help: "File content bytes moved to or from devices",
		},
		[]string{"direction"},
	)

	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mctl_proxy_requests_total",
			Help: "HTTP requests served by the device proxy",
		},
		[]string{"method", "path", "status"},
	)

	proxyPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mctl_proxy_peers",
			Help: "Processes currently connected to the device proxy",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScript records one raw-mode script execution.
func ObserveScript(transport string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	scriptsTotal.WithLabelValues(transport, status).Inc()
	scriptDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// AddUploaded counts bytes written to a device file.
func AddUploaded(n int) {
	bytesTransferred.WithLabelValues("upload").Add(float64(n))
}

// AddDownloaded counts bytes read from a device file.
func AddDownloaded(n int) {
	bytesTransferred.WithLabelValues("download").Add(float64(n))
}

// PeerConnected and PeerDisconnected track proxy peers.
func PeerConnected()    { proxyPeers.Inc() }
func PeerDisconnected() { proxyPeers.Dec() }

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records a counter per proxy request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		proxyRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}

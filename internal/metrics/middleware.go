package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware returns a Gin middleware that records HTTP metrics
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		// FullPath uses route placeholders like :id, which keeps cardinality low.
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.RecordHTTPRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// PrometheusHandler returns the Prometheus HTTP handler
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Collector periodically samples gauges that have no natural event to hook,
// such as goroutine count and the number of live preview processes.
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	running  func() int
}

// NewCollector creates a collector. running may be nil.
func NewCollector(interval time.Duration, running func() int) *Collector {
	return &Collector{
		metrics:  Get(),
		interval: interval,
		running:  running,
	}
}

// Run samples until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) collect() {
	c.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
	if c.running != nil {
		c.metrics.RunningProcesses.Set(float64(c.running()))
	}
}

package observe

import (
	"context"
	"math"
	"runtime/metrics"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

type PerformanceMetrics interface {
	ObserveResponseTime(method, route string, d time.Duration)
	IncSlowRequest(method, route string)
}

type nopPerformanceMetrics struct{}

func (nopPerformanceMetrics) ObserveResponseTime(string, string, time.Duration) {}
func (nopPerformanceMetrics) IncSlowRequest(string, string)                     {}

// PerformanceMonitor logs response time and heap use per request on the
// monitoring channel and raises an alert over the policy threshold.
type PerformanceMonitor struct {
	logger  log.Logger
	policy  policy.Source
	metrics PerformanceMetrics
	heapMB  func() float64
}

func NewPerformanceMonitor(logger log.Logger, src policy.Source, m PerformanceMetrics) *PerformanceMonitor {
	if src == nil {
		src = policy.Static(nil)
	}
	if m == nil {
		m = nopPerformanceMetrics{}
	}
	return &PerformanceMonitor{
		logger:  log.Channel(logger, log.ChannelMonitoring),
		policy:  src,
		metrics: m,
		heapMB:  heapInUseMB,
	}
}

func (p *PerformanceMonitor) Name() string { return "performance_monitor" }

func (p *PerformanceMonitor) Observe(ctx context.Context, o Observation) {
	threshold := p.policy.Current().Performance.SlowThreshold
	elapsed := ms(o.Duration)
	ts := o.FinishedAt.Format(time.RFC3339)

	p.metrics.ObserveResponseTime(o.Method, o.Route, o.Duration)
	p.logger.Info(ctx, "Performance metrics",
		"request_id", o.RequestID,
		"method", o.Method,
		"url", o.URL,
		"status", o.Status,
		"response_time_ms", elapsed,
		"peak_memory_mb", round2(p.heapMB()),
		"db_query_count", o.QueryCount,
		"timestamp", ts,
	)

	if threshold > 0 && o.Duration > threshold {
		p.metrics.IncSlowRequest(o.Method, o.Route)
		p.logger.Warn(ctx, "Performance alert: Response time exceeded threshold",
			"request_id", o.RequestID,
			"url", o.URL,
			"response_time_ms", elapsed,
			"threshold_ms", ms(threshold),
			"timestamp", ts,
		)
	}
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// heapInUseMB reads live heap bytes without stopping the world.
func heapInUseMB() float64 {
	s := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return float64(s[0].Value.Uint64()) / (1 << 20)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

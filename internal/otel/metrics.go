package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	admissionCounter    metric.Int64Counter
	streamEventsCounter metric.Int64Counter
	runDuration         metric.Float64Histogram
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("ccengine_task_operations_total", metric.WithDescription("Total task operations (create, start, pause, cancel, message)"))
		if err != nil {
			return
		}
		admissionCounter, err = m.Int64Counter("ccengine_admission_rejections_total", metric.WithDescription("Runs rejected by the concurrency governor"))
		if err != nil {
			return
		}
		streamEventsCounter, err = m.Int64Counter("ccengine_stream_events_total", metric.WithDescription("Stream events parsed from runner output"))
		if err != nil {
			return
		}
		runDuration, err = m.Float64Histogram("ccengine_run_duration_seconds", metric.WithDescription("External process run duration in seconds"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("ccengine_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// ActiveRunsFunc returns the current number of admitted runs. Used for the
// ccengine_active_runs gauge.
type ActiveRunsFunc func() int64

// InitMetricsWithActiveRuns creates instruments and registers a callback
// reporting governor occupancy. If activeRuns is nil the gauge is skipped.
func InitMetricsWithActiveRuns(ctx context.Context, activeRuns ActiveRunsFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if activeRuns == nil {
		return nil
	}
	m := Meter()
	gauge, err := m.Int64ObservableGauge("ccengine_active_runs", metric.WithDescription("Runs currently admitted by the governor"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, activeRuns())
		return nil
	}, gauge)
	return err
}

// RecordTaskOp records a task operation and its outcome status.
func RecordTaskOp(ctx context.Context, op, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrStatus.String(status),
	))
}

// RecordAdmissionRejection records one governor rejection by scope.
func RecordAdmissionRejection(ctx context.Context, scope string) {
	if admissionCounter == nil {
		return
	}
	admissionCounter.Add(ctx, 1, metric.WithAttributes(AttrScope.String(scope)))
}

// RecordStreamEvent records one parsed stream event.
func RecordStreamEvent(ctx context.Context, eventType string) {
	if streamEventsCounter == nil {
		return
	}
	streamEventsCounter.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

// RecordRunDuration records how long an external process run lasted.
func RecordRunDuration(ctx context.Context, status string, duration time.Duration) {
	if runDuration == nil {
		return
	}
	runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrStatus.String(status)))
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Foreman metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	DispatchErrors   metric.Int64Counter
	ApprovalDenials  metric.Int64Counter
	ActiveWorkers    metric.Int64UpDownCounter
	ChunksIngested   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("foreman.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("foreman.dispatch.duration",
		metric.WithDescription("Provider dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("foreman.dispatch.errors",
		metric.WithDescription("Provider dispatch error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalDenials, err = meter.Int64Counter("foreman.approval.denials",
		metric.WithDescription("Approvals denied or expired"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("foreman.workers.active",
		metric.WithDescription("Workers currently executing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.ChunksIngested, err = meter.Int64Counter("foreman.knowledge.chunks",
		metric.WithDescription("Chunks written to the knowledge store"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

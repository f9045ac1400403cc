package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all fixwell metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	Admissions       metric.Int64Counter
	AdmissionRejects metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	AgentDuration    metric.Float64Histogram
	TaskRetries      metric.Int64Counter
	CallbackResults  metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("fixwell.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Admissions, err = meter.Int64Counter("fixwell.admission.accepted",
		metric.WithDescription("Issues admitted to the repair queue"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejects, err = meter.Int64Counter("fixwell.admission.rejected",
		metric.WithDescription("Webhook events rejected at admission"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("fixwell.task.duration",
		metric.WithDescription("End-to-end task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("fixwell.agent.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("fixwell.task.retries",
		metric.WithDescription("Tasks requeued for another attempt"),
	)
	if err != nil {
		return nil, err
	}

	m.CallbackResults, err = meter.Int64Counter("fixwell.callback.results",
		metric.WithDescription("Outcome reports processed by the callback endpoint"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("fixwell.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

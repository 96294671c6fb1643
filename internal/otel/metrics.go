package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all outreach metric instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	ProviderCallDuration metric.Float64Histogram
	TokensUsed           metric.Int64Counter
	SessionCostCents     metric.Int64Counter
	SessionTurns         metric.Int64Counter
	ActiveSessions       metric.Int64UpDownCounter
	ApprovalsPending     metric.Int64UpDownCounter
	RunTransitions       metric.Int64Counter
	RepliesEvaluated     metric.Int64Counter
	RateLimitRejects     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("outreach.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderCallDuration, err = meter.Float64Histogram("outreach.provider.duration",
		metric.WithDescription("Model provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("outreach.provider.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionCostCents, err = meter.Int64Counter("outreach.session.cost_cents",
		metric.WithDescription("Accumulated session cost in cents"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionTurns, err = meter.Int64Counter("outreach.session.turns",
		metric.WithDescription("Total agent turns executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("outreach.session.active",
		metric.WithDescription("Number of sessions with a held work lease"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("outreach.approval.pending",
		metric.WithDescription("Approvals awaiting an operator decision"),
	)
	if err != nil {
		return nil, err
	}

	m.RunTransitions, err = meter.Int64Counter("outreach.run.transitions",
		metric.WithDescription("Workflow run status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.RepliesEvaluated, err = meter.Int64Counter("outreach.reply.evaluated",
		metric.WithDescription("Inbound replies classified by the evaluator"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("outreach.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

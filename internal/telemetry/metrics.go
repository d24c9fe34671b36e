package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuthnMetrics holds metric instruments for the authentication engine.
// Initialize once per engine and share it across transactions. A nil
// *AuthnMetrics records nothing.
type AuthnMetrics struct {
	Transactions    metric.Int64Counter     // Transactions by outcome and reason
	HandlerAttempts metric.Int64Counter     // Handler invocations by handler and result
	PolicyFailures  metric.Int64Counter     // Failed policy evaluations by policy
	Duration        metric.Float64Histogram // Transaction latency
}

// NewAuthnMetrics creates the engine instruments on meter. A nil meter uses
// the global meter provider.
func NewAuthnMetrics(meter metric.Meter) (*AuthnMetrics, error) {
	if meter == nil {
		meter = otel.Meter("authn/engine")
	}

	transactions, err := meter.Int64Counter(
		"authn.transaction.count",
		metric.WithDescription("Total number of authentication transactions"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter(
		"authn.handler.attempt.count",
		metric.WithDescription("Total number of handler invocations"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	policyFailures, err := meter.Int64Counter(
		"authn.policy.failure.count",
		metric.WithDescription("Total number of failed policy evaluations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	// Buckets: 1ms .. 5s
	duration, err := meter.Float64Histogram(
		"authn.transaction.duration",
		metric.WithDescription("Authentication transaction duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	return &AuthnMetrics{
		Transactions:    transactions,
		HandlerAttempts: attempts,
		PolicyFailures:  policyFailures,
		Duration:        duration,
	}, nil
}

// RecordTransaction records one finished transaction. reason is empty on success.
func (m *AuthnMetrics) RecordTransaction(ctx context.Context, success bool, reason string, durationMs float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
		attribute.String(AttrFailureReason, reason),
	)
	m.Transactions.Add(ctx, 1, attrs)
	m.Duration.Record(ctx, durationMs, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

// RecordHandlerAttempt records one handler invocation. kind is empty on success.
func (m *AuthnMetrics) RecordHandlerAttempt(ctx context.Context, handler string, success bool, kind string) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = kind
	}
	m.HandlerAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHandlerName, handler),
		attribute.String(AttrOutcome, result),
	))
}

// RecordPolicyFailure records a failed policy evaluation.
func (m *AuthnMetrics) RecordPolicyFailure(ctx context.Context, policy string) {
	if m == nil {
		return
	}
	m.PolicyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPolicyName, policy)))
}

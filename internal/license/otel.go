package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TracerName scopes the spans emitted by the engine
const TracerName = "license-engine"

// Metrics holds the engine's OpenTelemetry instruments
type Metrics struct {
	Validations        metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	Binds              metric.Int64Counter
	BindRaceLost       metric.Int64Counter
	GuardBlocks        metric.Int64Counter
	AuditWrites        metric.Int64Counter
	AuditFailures      metric.Int64Counter
	AuditQueueDepth    metric.Int64UpDownCounter
	LicensesIssued     metric.Int64Counter
}

// NewMetrics creates the engine instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Validations, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("Validation attempts by outcome and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("Time to reach a verdict"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.Binds, err = meter.Int64Counter(
		"license_binds_total",
		metric.WithDescription("Licenses bound to a hardware id on first validation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create binds counter: %w", err)
	}

	m.BindRaceLost, err = meter.Int64Counter(
		"license_bind_race_lost_total",
		metric.WithDescription("First binds that found the license already bound by a concurrent caller"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bind race counter: %w", err)
	}

	m.GuardBlocks, err = meter.Int64Counter(
		"license_guard_blocks_total",
		metric.WithDescription("Validations refused because the caller is blocked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard blocks counter: %w", err)
	}

	m.AuditWrites, err = meter.Int64Counter(
		"license_audit_writes_total",
		metric.WithDescription("Validation log records persisted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit writes counter: %w", err)
	}

	m.AuditFailures, err = meter.Int64Counter(
		"license_audit_write_failures_total",
		metric.WithDescription("Validation log records that could not be persisted after retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit failures counter: %w", err)
	}

	m.AuditQueueDepth, err = meter.Int64UpDownCounter(
		"license_audit_queue_depth",
		metric.WithDescription("Validation log records waiting to be persisted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit queue gauge: %w", err)
	}

	m.LicensesIssued, err = meter.Int64Counter(
		"license_issued_total",
		metric.WithDescription("License keys issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issued counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordValidation(ctx context.Context, v Verdict, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if !v.Valid {
		outcome = "rejected"
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reasonLabel(v.Reason)),
	)
	m.Validations.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, d.Seconds(), attrs)
	if v.Reason == ReasonBlocked {
		m.GuardBlocks.Add(ctx, 1)
	}
}

func (m *Metrics) recordBind(ctx context.Context, won bool) {
	if m == nil {
		return
	}
	if won {
		m.Binds.Add(ctx, 1)
	} else {
		m.BindRaceLost.Add(ctx, 1)
	}
}

func (m *Metrics) recordAuditWrite(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.AuditWrites.Add(ctx, 1)
	} else {
		m.AuditFailures.Add(ctx, 1)
	}
}

func (m *Metrics) queueDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.AuditQueueDepth.Add(ctx, delta)
}

func (m *Metrics) recordIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.LicensesIssued.Add(ctx, 1)
}

func reasonLabel(r Reason) string {
	if r == ReasonNone {
		return "none"
	}
	return string(r)
}

// startSpan opens an engine span; the returned finish records err on it
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name,
		trace.WithAttributes(append(attrs, attribute.String("component", "license_engine"))...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

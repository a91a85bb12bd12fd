package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "credential-core/backend/internal/auth/service"

// Outcome values recorded on the auth counters.
const (
	outcomeSuccess      = "success"
	outcomeUnauthorized = "unauthorized"
	outcomeConflict     = "conflict"
	outcomeError        = "error"
)

type instruments struct {
	tracer    trace.Tracer
	logins    metric.Int64Counter
	signups   metric.Int64Counter
	rotations metric.Int64Counter
	pruned    metric.Int64Counter
}

// newInstruments builds tracer and counters from the global providers. Counter creation
// only fails on invalid names, in which case the no-op counter is kept.
func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	in := &instruments{tracer: otel.Tracer(instrumentationName)}
	in.logins, _ = meter.Int64Counter("auth.logins", metric.WithDescription("Login attempts by outcome"))
	in.signups, _ = meter.Int64Counter("auth.signups", metric.WithDescription("Signup attempts by outcome"))
	in.rotations, _ = meter.Int64Counter("auth.rotations", metric.WithDescription("Refresh rotations by outcome"))
	in.pruned, _ = meter.Int64Counter("auth.sessions.pruned", metric.WithDescription("Sessions revoked by the live-session cap"))
	return in
}

func (in *instruments) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "auth."+op)
}

func add(ctx context.Context, c metric.Int64Counter, n int64, outcome string) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// outcomeOf classifies err for counters and marks span failed on unexpected errors.
func outcomeOf(span trace.Span, err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotFound):
		return outcomeUnauthorized
	case errors.Is(err, ErrConflict):
		return outcomeConflict
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return outcomeError
}

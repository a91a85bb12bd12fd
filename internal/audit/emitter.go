// Package audit emits credential lifecycle events (signup, login, rotation, logout) as
// OpenTelemetry log records. Emission is best-effort and never fails the caller.
package audit

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// Event types.
const (
	EventSignup          = "signup"
	EventLoginSuccess    = "login_success"
	EventLoginFailure    = "login_failure"
	EventRefresh         = "refresh"
	EventRefreshRejected = "refresh_rejected"
	EventLogout          = "logout"
	EventLogoutAll       = "logout_all"
	EventSessionsPruned  = "sessions_pruned"
	EventDeviceReplaced  = "device_sessions_replaced"
)

// Event is one audit entry. Zero-valued fields are omitted from the record.
type Event struct {
	Type      string
	AccountID string
	SessionID string
	DeviceID  string
	Count     int64
	Reason    string
	At        time.Time
}

// Emitter records audit events.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// RecordLogger is the part of an OTel logger the emitter needs; otellog.Logger satisfies it.
type RecordLogger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// LoggerProvider hands out named loggers; *sdklog.LoggerProvider satisfies it.
type LoggerProvider interface {
	Logger(name string, opts ...otellog.LoggerOption) otellog.Logger
}

// NewEmitter returns an Emitter writing through provider. A nil provider yields a no-op emitter.
func NewEmitter(provider LoggerProvider) Emitter {
	if provider == nil {
		return Nop()
	}
	return NewEmitterWithLogger(provider.Logger("credential-core.audit"))
}

// NewEmitterWithLogger returns an Emitter writing to logger.
func NewEmitterWithLogger(logger RecordLogger) Emitter {
	if logger == nil {
		return Nop()
	}
	return &otelEmitter{logger: logger, now: time.Now}
}

// Nop returns an Emitter that drops every event.
func Nop() Emitter { return nopEmitter{} }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}

type otelEmitter struct {
	logger RecordLogger
	now    func() time.Time
}

func (e *otelEmitter) Emit(ctx context.Context, ev Event) {
	if ev.Type == "" {
		return
	}
	var rec otellog.Record
	ts := ev.At
	if ts.IsZero() {
		ts = e.now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(ev.Type))
	rec.SetSeverity(severityFor(ev.Type))
	rec.AddAttributes(otellog.String("event_type", ev.Type))
	if ev.AccountID != "" {
		rec.AddAttributes(otellog.String("account_id", ev.AccountID))
	}
	if ev.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", ev.SessionID))
	}
	if ev.DeviceID != "" {
		rec.AddAttributes(otellog.String("device_id", ev.DeviceID))
	}
	if ev.Count != 0 {
		rec.AddAttributes(otellog.Int64("count", ev.Count))
	}
	if ev.Reason != "" {
		rec.AddAttributes(otellog.String("reason", ev.Reason))
	}
	if c, ok := ClientFrom(ctx); ok {
		if c.IP != "" {
			rec.AddAttributes(otellog.String("client.address", c.IP))
		}
		if c.UserAgent != "" {
			rec.AddAttributes(otellog.String("user_agent.original", c.UserAgent))
		}
	}
	e.logger.Emit(ctx, rec)
}

func severityFor(eventType string) otellog.Severity {
	switch eventType {
	case EventLoginFailure, EventRefreshRejected:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

// Package audit writes structured audit records for security-relevant
// actions. Records go through the shared logger; shipping them elsewhere is
// a sink concern, not ours.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"parkgrid.io/internal/event"
	"parkgrid.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit record enriched with request context.
func LogEvent(ctx context.Context, name string, fields map[string]string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("event name is required")
	}
	zfields := make([]zap.Field, 0, len(fields)+2)
	zfields = append(zfields, zap.String("event", name))
	if rid := RequestIDFromContext(ctx); rid != "" {
		zfields = append(zfields, zap.String("request_id", rid))
	}
	for k, v := range fields {
		zfields = append(zfields, zap.String(k, v))
	}
	obs.Logger().Info("audit", zfields...)
	return nil
}

// Recorder drains an event bus subscription into the audit log.
type Recorder struct {
	log *zap.Logger
}

// NewRecorder creates a Recorder writing through the given logger.
// A nil logger falls back to the shared one.
func NewRecorder(log *zap.Logger) *Recorder {
	if log == nil {
		log = obs.Logger()
	}
	return &Recorder{log: log}
}

// Run consumes auth events until ctx ends. Intended to be started as a
// goroutine next to the HTTP server.
func (r *Recorder) Run(ctx context.Context, bus *event.Bus) {
	for ev := range bus.Subscribe(ctx) {
		r.record(ev)
	}
}

func (r *Recorder) record(ev event.Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Time("at", ev.Timestamp),
	}
	if ev.UserID != "" {
		fields = append(fields, zap.String("user_id", ev.UserID))
	}
	if ev.Email != "" {
		fields = append(fields, zap.String("email", ev.Email))
	}
	if ev.Provider != "" {
		fields = append(fields, zap.String("provider", ev.Provider))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	r.log.Info("audit", fields...)
}

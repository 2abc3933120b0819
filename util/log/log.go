package log

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type loggerKey struct{}

var (
	// G is an alias for GetLogger.
	G = GetLogger

	// L is the default logger.
	L = logrus.NewEntry(logrus.StandardLogger())
)

// WithLogger returns a new context with the provided logger. Use in
// combination with logger.WithField(s) for great effect.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the current logger from the context. If no logger is
// available, the default logger is returned. When the context carries a
// valid span, trace and span IDs are attached as fields.
func GetLogger(ctx context.Context) *logrus.Entry {
	l, ok := ctx.Value(loggerKey{}).(*logrus.Entry)
	if !ok {
		l = L
	}

	spanContext := trace.SpanFromContext(ctx).SpanContext()

	if spanContext.IsValid() {
		return l.WithFields(logrus.Fields{
			"traceID": spanContext.TraceID(),
			"spanID":  spanContext.SpanID(),
		})
	}

	return l
}

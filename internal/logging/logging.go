// Package logging wraps logrus with the teacher's leveled,
// subject-aware logging idiom (fs.Debugf/Logf/Errorf in
// _examples/rclone-rclone), adapted so call sites read the same way
// but log a domain Stringer — a task ID, event ID, or worker ID —
// instead of an fs.Object.
package logging

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Stringer is anything identifiable enough to anchor a log line: a
// Task, Event, or worker identity.
type Stringer interface {
	String() string
}

type subject string

// Subject wraps a plain string (e.g. a task or event ID) into a
// Stringer for call sites that don't have a richer type handy.
func Subject(s string) Stringer { return subject(s) }

func (s subject) String() string { return string(s) }

// Logger is the process-wide leveled logger. Configure once at
// startup via Configure.
var Logger = logrus.New()

// Configure sets the output format ("json" in production, "text"
// otherwise) per the worker.logger / api.env configuration keys.
func Configure(format string, env string) {
	Logger.SetOutput(os.Stderr)
	if format == "json" || env == "production" {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func fields(ctx context.Context, subj Stringer) logrus.Fields {
	f := logrus.Fields{}
	if subj != nil {
		f["subject"] = subj.String()
	}
	if reqID, ok := ctx.Value(ctxKeyRequestID{}).(string); ok && reqID != "" {
		f["request_id"] = reqID
	}
	return f
}

type ctxKeyRequestID struct{}

// WithRequestID returns a context carrying an HTTP request ID for
// later log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// Debugf logs at debug level, matching fs.Debugf(subject, format, ...).
func Debugf(ctx context.Context, subj Stringer, format string, args ...interface{}) {
	Logger.WithFields(fields(ctx, subj)).Debugf(format, args...)
}

// Infof logs at info level, matching fs.Logf(subject, format, ...).
func Infof(ctx context.Context, subj Stringer, format string, args ...interface{}) {
	Logger.WithFields(fields(ctx, subj)).Infof(format, args...)
}

// Errorf logs at error level, matching fs.Errorf(subject, format, ...).
func Errorf(ctx context.Context, subj Stringer, format string, args ...interface{}) {
	Logger.WithFields(fields(ctx, subj)).Errorf(format, args...)
}

// Fatalf logs at fatal level and exits — startup configuration
// failures only.
func Fatalf(format string, args ...interface{}) {
	Logger.Fatalf(format, args...)
}

// WrapError adds a subject-labeled prefix to an error message without
// discarding its wrapped chain, for the "best-effort log then
// propagate" pattern used across the processor's fallback path.
func WrapError(subj Stringer, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", subj.String(), err)
}

package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// WithErrorReporting returns a logger that also sends every ERROR record to
// Sentry. The "error" attribute, when it holds an error, is reported as the
// exception; other attributes become tags. Without an initialised Sentry
// client the reporting is a no-op.
func WithErrorReporting(log Logger) Logger {
	return slog.New(&reportingHandler{
		next:    log.Handler(),
		capture: captureWithSentry,
	})
}

type captureFunc func(err error, message string, tags map[string]string)

type reportingHandler struct {
	next    slog.Handler
	capture captureFunc
	attrs   []slog.Attr
	group   string
}

func (h *reportingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError || h.next.Enabled(ctx, level)
}

func (h *reportingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.report(r)
	}

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}

	return h.next.Handle(ctx, r)
}

func (h *reportingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), qualify(h.group, attrs)...)
	return &clone
}

func (h *reportingHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}

func (h *reportingHandler) report(r slog.Record) {
	var err error
	tags := make(map[string]string, len(h.attrs)+r.NumAttrs())

	collect := func(a slog.Attr) {
		if a.Key == "error" {
			if e, ok := a.Value.Any().(error); ok {
				err = e
				return
			}
		}
		tags[a.Key] = a.Value.String()
	}

	for _, a := range h.attrs {
		collect(a)
	}

	r.Attrs(func(a slog.Attr) bool {
		collect(qualifyOne(h.group, a))
		return true
	})

	if err == nil {
		err = errors.New(r.Message)
	} else {
		err = fmt.Errorf("%s: %w", r.Message, err)
	}

	h.capture(err, r.Message, tags)
}

func qualify(group string, attrs []slog.Attr) []slog.Attr {
	if group == "" {
		return attrs
	}

	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = qualifyOne(group, a)
	}
	return out
}

func qualifyOne(group string, a slog.Attr) slog.Attr {
	if group == "" {
		return a
	}
	return slog.Attr{Key: group + "." + a.Key, Value: a.Value}
}

func captureWithSentry(err error, message string, tags map[string]string) {
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("log.message", message)
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}

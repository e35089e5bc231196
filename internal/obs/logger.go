// Package obs is the process-level operational logger: startup, provider
// selection, retries, panics. It is deliberately separate from the domain
// event bus a pipeline run emits (spec'd engine/session events consumed via
// ProgressSink/Session.Events) — this package is for the operator, that one
// is for the UI.
package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps *slog.Logger with run/node-scoped derivation helpers.
type Logger struct {
	*slog.Logger
}

// New builds a Logger that writes JSON Lines to w. A nil w defaults to os.Stderr.
func New(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

// Default returns a Logger writing to os.Stderr at slog.LevelInfo, suitable
// for callers that don't care to configure one (tests, one-off tools).
func Default() *Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// WithRun derives a Logger carrying a run_id attribute on every record.
func (l *Logger) WithRun(runID string) *Logger {
	if l == nil {
		return Default().WithRun(runID)
	}
	return &Logger{Logger: l.Logger.With(slog.String("run_id", runID))}
}

// WithNode derives a Logger carrying a node_id attribute on every record,
// typically called on a logger already scoped WithRun.
func (l *Logger) WithNode(nodeID string) *Logger {
	if l == nil {
		return Default().WithNode(nodeID)
	}
	return &Logger{Logger: l.Logger.With(slog.String("node_id", nodeID))}
}

// ProgressSink adapts a Logger into an engine.RunOptions.ProgressSink
// function, logging one INFO record per node transition in addition to
// whatever the caller's own sink (SSE broadcaster, CLI stderr) does with it.
func (l *Logger) ProgressSink(next func(map[string]any)) func(map[string]any) {
	return func(evt map[string]any) {
		if l != nil {
			nodeID, _ := evt["node_id"].(string)
			event, _ := evt["event"].(string)
			l.WithNode(nodeID).Info("node transition", slog.String("event", event))
		}
		if next != nil {
			next(evt)
		}
	}
}

// contextKey is unexported so only this package can populate ctxKey values.
type contextKey struct{}

var loggerKey = contextKey{}

// WithContext returns a context carrying l, retrievable via FromContext.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the Logger stashed in ctx by WithContext, or Default()
// if none was stashed.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
		return l
	}
	return Default()
}

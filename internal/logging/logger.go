// Package logging provides structured JSON logging with trace-id support
// for the memory coordinator.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging surface used across the core. Fields are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	DebugContext(ctx context.Context, msg string, fields ...any)
	InfoContext(ctx context.Context, msg string, fields ...any)
	WarnContext(ctx context.Context, msg string, fields ...any)
	ErrorContext(ctx context.Context, msg string, fields ...any)

	WithComponent(component string) Logger
	WithTraceID(traceID string) Logger
}

// Level is a log severity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

type contextKey string

// TraceIDKey carries the request trace id through contexts.
const TraceIDKey contextKey = "trace_id"

// entry is one serialised log line.
type entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// jsonLogger writes one JSON object per line to stderr.
type jsonLogger struct {
	level     Level
	component string
	traceID   string
	text      bool
}

// New creates a logger at the given level. When LTMC_LOG_FORMAT=text the
// output is human-readable instead of JSON.
func New(level Level) Logger {
	return &jsonLogger{
		level: level,
		text:  strings.EqualFold(os.Getenv("LTMC_LOG_FORMAT"), "text"),
	}
}

func (l *jsonLogger) WithComponent(component string) Logger {
	c := *l
	c.component = component
	return &c
}

func (l *jsonLogger) WithTraceID(traceID string) Logger {
	c := *l
	c.traceID = traceID
	return &c
}

func (l *jsonLogger) Debug(msg string, fields ...any) { l.log(LevelDebug, "", msg, fields) }
func (l *jsonLogger) Info(msg string, fields ...any)  { l.log(LevelInfo, "", msg, fields) }
func (l *jsonLogger) Warn(msg string, fields ...any)  { l.log(LevelWarn, "", msg, fields) }
func (l *jsonLogger) Error(msg string, fields ...any) { l.log(LevelError, "", msg, fields) }

func (l *jsonLogger) DebugContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelDebug, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) InfoContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelInfo, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) WarnContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelWarn, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) ErrorContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelError, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) log(level Level, ctxTrace, msg string, fields []any) {
	if level < l.level {
		return
	}
	trace := l.traceID
	if ctxTrace != "" {
		trace = ctxTrace
	}
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		TraceID:   trace,
		Fields:    pairFields(fields),
	}
	if l.text {
		parts := []string{e.Timestamp, "[" + e.Level + "]"}
		if e.Component != "" {
			parts = append(parts, "component:"+e.Component)
		}
		parts = append(parts, e.Message)
		for k, v := range e.Fields {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		fmt.Fprintln(os.Stderr, strings.Join(parts, " "))
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: marshal entry: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, string(data))
}

func pairFields(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		m[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}
	if len(fields)%2 == 1 {
		m["_dangling"] = fields[len(fields)-1]
	}
	return m
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string { return uuid.New().String() }

// WithTrace attaches a trace id to the context, generating one when empty.
func WithTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceID extracts the trace id from the context, or empty.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger atomic.Value

func init() { defaultLogger.Store(New(LevelInfo)) }

// SetDefault replaces the process-wide default logger.
func SetDefault(l Logger) { defaultLogger.Store(l) }

// Default returns the process-wide default logger.
func Default() Logger { return defaultLogger.Load().(Logger) }

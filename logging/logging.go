// Package logging provides the leveled console logger used by fabric nodes
// and sentinels. Output is line oriented:
//
//	LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name. Unknown names yield INFO.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that writes nothing. Useful in tests.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// WithComponent returns a new logger with the given component name.
// Derived loggers share the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger that tags every line with trace=<id>.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Fabric event logging ---

// EnvelopeSent logs an envelope leaving this node.
func (l *Logger) EnvelopeSent(id, frame, to string, attempt int) {
	l.Debug("envelope_sent", map[string]interface{}{
		"id":      id,
		"frame":   frame,
		"to":      to,
		"attempt": attempt,
	})
}

// EnvelopeForwarded logs a sentinel hop.
func (l *Logger) EnvelopeForwarded(id, to, link string, ttl int) {
	l.Debug("envelope_forwarded", map[string]interface{}{
		"id":   id,
		"to":   to,
		"link": link,
		"ttl":  ttl,
	})
}

// EnvelopeDropped logs an envelope that could not be routed.
func (l *Logger) EnvelopeDropped(id, to string, err error) {
	l.Warn("envelope_dropped", map[string]interface{}{
		"id":    id,
		"to":    to,
		"error": err.Error(),
	})
}

// DeliveryRetry logs a retransmission.
func (l *Logger) DeliveryRetry(id string, attempt int, delay time.Duration) {
	l.Debug("delivery_retry", map[string]interface{}{
		"id":      id,
		"attempt": attempt,
		"delay":   delay.String(),
	})
}

// DeliveryAbandoned logs an envelope whose retry budget ran out.
func (l *Logger) DeliveryAbandoned(id string, attempts int) {
	l.Warn("delivery_abandoned", map[string]interface{}{
		"id":       id,
		"attempts": attempts,
	})
}

// RouteChanged logs a routing table mutation.
func (l *Logger) RouteChanged(op, address, target string, hops int) {
	l.Debug("route_"+op, map[string]interface{}{
		"address": address,
		"target":  target,
		"hops":    hops,
	})
}

// LinkAttached logs a new node or peer connection.
func (l *Logger) LinkAttached(id, role string) {
	l.Info("link_attached", map[string]interface{}{
		"link": id,
		"role": role,
	})
}

// LinkClosed logs a dropped connection.
func (l *Logger) LinkClosed(id string, err error) {
	fields := map[string]interface{}{"link": id}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Info("link_closed", fields)
}

// TaskTransition logs a task state change.
func (l *Logger) TaskTransition(taskID, from, to string) {
	l.Debug("task_transition", map[string]interface{}{
		"task": taskID,
		"from": from,
		"to":   to,
	})
}

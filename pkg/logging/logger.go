// Package logging provides the structured logger every long-lived component
// in this runtime (exchange clients, agents, the manager, transport servers)
// is constructed with.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Logger is the structured logging surface shared across the runtime.
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	// WithFields returns a derived logger that includes the given key-value
	// pairs (e.g. entity_id, tag, label) on every subsequent line.
	WithFields(fields map[string]interface{}) Logger

	// WithContext returns a derived logger carrying the request ID found in
	// ctx, if any.
	WithContext(ctx context.Context) Logger
}

// Config configures logger behavior.
type Config struct {
	// JSONOutput enables structured JSON line output instead of plain text.
	JSONOutput bool
	// Level sets the minimum log level (DEBUG, INFO, WARN, ERROR).
	Level string
}

type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
	config      Config
	fields      map[string]interface{}
}

// New creates a logger with the given configuration.
func New(config Config) Logger {
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
		config:      config,
		fields:      make(map[string]interface{}),
	}
}

// NewDefault creates a plain-text DEBUG-level logger.
func NewDefault() Logger {
	return New(Config{JSONOutput: false, Level: "DEBUG"})
}

// NewJSON creates a JSON-output DEBUG-level logger.
func NewJSON() Logger {
	return New(Config{JSONOutput: true, Level: "DEBUG"})
}

type logEntry struct {
	Timestamp string                 `json:"timestamp,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// levelRank orders the level names; lines ranked below Config.Level are
// dropped, and an unrecognized Config.Level drops nothing.
var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func (l *defaultLogger) log(level string, logger *log.Logger, message string) {
	if minRank, ok := levelRank[strings.ToUpper(l.config.Level)]; ok && levelRank[level] < minRank {
		return
	}
	if l.config.JSONOutput {
		entry := logEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Level:     level,
			Message:   message,
		}
		if len(l.fields) > 0 {
			entry.Fields = make(map[string]interface{}, len(l.fields))
			for k, v := range l.fields {
				entry.Fields[k] = v
			}
		}
		data, err := json.Marshal(entry)
		if err == nil {
			logger.Output(3, string(data))
			return
		}
		logger.Output(3, fmt.Sprintf("[%s] %s %v", level, message, l.fields))
		return
	}
	if len(l.fields) > 0 {
		logger.Output(3, fmt.Sprintf("%s %v", message, l.fields))
		return
	}
	logger.Output(3, message)
}

func (l *defaultLogger) Error(args ...interface{}) { l.log("ERROR", l.errorLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.log("ERROR", l.errorLogger, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Warn(args ...interface{}) { l.log("WARN", l.warnLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.log("WARN", l.warnLogger, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Info(args ...interface{}) { l.log("INFO", l.infoLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.log("INFO", l.infoLogger, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Debug(args ...interface{}) {
	l.log("DEBUG", l.debugLogger, fmt.Sprint(args...))
}
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.log("DEBUG", l.debugLogger, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &defaultLogger{
		errorLogger: l.errorLogger,
		warnLogger:  l.warnLogger,
		infoLogger:  l.infoLogger,
		debugLogger: l.debugLogger,
		config:      l.config,
		fields:      merged,
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request ID to ctx for later retrieval by WithContext.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext retrieves a request ID previously attached with
// WithRequestID, returning "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (l *defaultLogger) WithContext(ctx context.Context) Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	if id := RequestIDFromContext(ctx); id != "" {
		fields["request_id"] = id
	}
	for k, v := range l.fields {
		fields[k] = v
	}
	return &defaultLogger{
		errorLogger: l.errorLogger,
		warnLogger:  l.warnLogger,
		infoLogger:  l.infoLogger,
		debugLogger: l.debugLogger,
		config:      l.config,
		fields:      fields,
	}
}

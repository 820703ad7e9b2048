package concurrency

import (
	"fmt"
	"log"
	"os"
)

// simpleLogger is a minimal logger interface that lets this package log a
// failed Task without importing pkg/logging (pkg/logging has no reason to
// depend back on pkg/concurrency, but keeping this package leaf-level and
// dependency-free makes that impossible to get wrong later).
type simpleLogger interface {
	Errorf(format string, args ...interface{})
}

// defaultSimpleLogger implements simpleLogger using standard log
type defaultSimpleLogger struct {
	logger *log.Logger
}

func newDefaultSimpleLogger() simpleLogger {
	return &defaultSimpleLogger{
		logger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
	}
}

func (l *defaultSimpleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Output(3, fmt.Sprintf(format, args...))
}


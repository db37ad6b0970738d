package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// String returns the upper-case level name.
func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "INFO"
	}
	return levelNames[l]
}

// Hook receives every message that passes the level filter. The admin API installs
// one to keep a ring of recent log entries.
type Hook func(level LogLevel, message string)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance
type Logger struct {
	level LogLevel
	out   *log.Logger
	hook  Hook
	mu    sync.RWMutex
}

// New creates a new Logger instance with the specified level
func New(level string) *Logger {
	return &Logger{
		level: ParseLogLevel(level),
		out:   log.Default(),
	}
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// Default returns the package-level logger used by the free functions.
func Default() *Logger {
	return getDefaultLogger()
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns current log level as string (package-level)
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetHook installs a hook on the default logger (package-level)
func SetHook(h Hook) {
	getDefaultLogger().SetHook(h)
}

// SetOutput redirects the default logger (package-level)
func SetOutput(w io.Writer) {
	getDefaultLogger().SetOutput(w)
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level.String()
}

// SetHook installs h, replacing any previous hook. A nil hook disables it.
func (l *Logger) SetHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// SetOutput sends this logger's output to w using the standard log flags.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = log.New(w, "", log.LstdFlags)
}

// logf filters, formats and emits one message
func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	l.mu.RLock()
	if level < l.level {
		l.mu.RUnlock()
		return
	}
	out, hook := l.out, l.hook
	l.mu.RUnlock()

	message := fmt.Sprintf(format, v...)
	out.Printf("[%s] %s", level, message)
	if hook != nil {
		hook(level, message)
	}
}

// Instance methods (for use with struct fields like s.logger.Info())

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, format, v...) }

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) { l.logf(INFO, format, v...) }

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) { l.logf(WARN, format, v...) }

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, format, v...) }

// Printf satisfies ants.Logger so worker pool diagnostics land in the leveled log.
func (l *Logger) Printf(format string, v ...interface{}) { l.logf(WARN, format, v...) }

// Package-level functions (for direct use like logger.Info())

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}

// Package logger provides the logging contract used across acelink.
// Components accept a Logger and default to NopLogger; the CLI wires a
// StandardLogger. Credentials and cookie values must never be passed to a
// Logger, only names, hosts and status information.
package logger

import (
	"fmt"
	"log"
	"sync"
)

// Logger defines the printf-style logging interface shared by the session,
// transport and storage layers.
type Logger interface {
	// Debug logs protocol-level detail (e.g., "hop 2 -> 302 uaap.example").
	Debug(format string, args ...interface{})

	// Info logs an informational message (e.g., "phase 1 authenticated").
	Info(format string, args ...interface{})

	// Warning logs a warning message (e.g., "login attempt 2/3 failed").
	Warning(format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})

	// Close releases resources held by the logger. Safe to call multiple times.
	Close() error
}

// StandardLogger wraps the stdlib *log.Logger for console/file output.
type StandardLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStandardLogger creates a logger that wraps the given *log.Logger.
// Debug messages are dropped unless EnableDebug is called.
func NewStandardLogger(l *log.Logger) *StandardLogger {
	return &StandardLogger{logger: l}
}

// EnableDebug turns on [DEBUG] output.
func (s *StandardLogger) EnableDebug() *StandardLogger {
	s.debug = true
	return s
}

// Debug logs a message with [DEBUG] prefix when debug output is enabled.
func (s *StandardLogger) Debug(format string, args ...interface{}) {
	if !s.debug {
		return
	}
	s.logger.Printf("[DEBUG] "+format, args...)
}

// Info logs an informational message with [INFO] prefix.
func (s *StandardLogger) Info(format string, args ...interface{}) {
	s.logger.Printf("[INFO] "+format, args...)
}

// Warning logs a warning message with [WARNING] prefix.
func (s *StandardLogger) Warning(format string, args ...interface{}) {
	s.logger.Printf("[WARNING] "+format, args...)
}

// Error logs an error message with [ERROR] prefix.
func (s *StandardLogger) Error(format string, args ...interface{}) {
	s.logger.Printf("[ERROR] "+format, args...)
}

// Close is a no-op for StandardLogger.
func (s *StandardLogger) Close() error {
	return nil
}

// NopLogger is a logger that discards all messages.
type NopLogger struct{}

// NewNopLogger creates a logger that discards all messages.
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

func (n *NopLogger) Debug(format string, args ...interface{})   {}
func (n *NopLogger) Info(format string, args ...interface{})    {}
func (n *NopLogger) Warning(format string, args ...interface{}) {}
func (n *NopLogger) Error(format string, args ...interface{})   {}
func (n *NopLogger) Close() error                               { return nil }

// Prefixed decorates every message of an inner Logger with a fixed tag,
// typically "[session <id>]", so interleaved sessions stay readable.
type Prefixed struct {
	inner  Logger
	prefix string
}

// WithPrefix returns a Logger that prepends prefix and a space to each message.
// A nil inner logger yields a NopLogger.
func WithPrefix(inner Logger, prefix string) Logger {
	if inner == nil {
		return NewNopLogger()
	}
	return &Prefixed{inner: inner, prefix: prefix + " "}
}

func (p *Prefixed) Debug(format string, args ...interface{}) {
	p.inner.Debug(p.prefix+format, args...)
}

func (p *Prefixed) Info(format string, args ...interface{}) {
	p.inner.Info(p.prefix+format, args...)
}

func (p *Prefixed) Warning(format string, args ...interface{}) {
	p.inner.Warning(p.prefix+format, args...)
}

func (p *Prefixed) Error(format string, args ...interface{}) {
	p.inner.Error(p.prefix+format, args...)
}

// Close does not close the inner logger; the owner of the inner logger does.
func (p *Prefixed) Close() error {
	return nil
}

// Ensure implementations satisfy the Logger interface.
var (
	_ Logger = (*StandardLogger)(nil)
	_ Logger = (*NopLogger)(nil)
	_ Logger = (*Prefixed)(nil)
)

// MockLogger implements Logger for testing purposes.
// It records all log calls for verification in tests and is safe for
// concurrent use, since transport hops may log from several goroutines.
type MockLogger struct {
	mu           sync.Mutex
	DebugCalls   []string
	InfoCalls    []string
	WarningCalls []string
	ErrorCalls   []string
	CloseCalled  bool
}

// NewMockLogger creates a new MockLogger for testing.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DebugCalls = append(m.DebugCalls, fmt.Sprintf(format, args...))
}

func (m *MockLogger) Info(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InfoCalls = append(m.InfoCalls, fmt.Sprintf(format, args...))
}

func (m *MockLogger) Warning(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WarningCalls = append(m.WarningCalls, fmt.Sprintf(format, args...))
}

func (m *MockLogger) Error(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCalls = append(m.ErrorCalls, fmt.Sprintf(format, args...))
}

// Close records that Close was called.
func (m *MockLogger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalled = true
	return nil
}

// Warnings returns a copy of the recorded warning messages.
func (m *MockLogger) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.WarningCalls...)
}

// Infos returns a copy of the recorded info messages.
func (m *MockLogger) Infos() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.InfoCalls...)
}

var _ Logger = (*MockLogger)(nil)

// Package logx provides component-tagged leveled logging for the host
// runtime. Debug output is controlled through environment variables so
// operators can scope noisy components without rebuilding.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger emits lines of the form "[timestamp] [component] LEVEL: message"
// to stderr, and to the shared log file when one is configured.
type Logger struct {
	component string
	logger    *log.Logger
}

// debugConfig controls which components emit debug lines.
type debugConfig struct {
	enabled bool
	domains map[string]bool // nil = all components
}

var (
	debugMu  sync.RWMutex
	debugCfg = debugConfig{}

	fileMu  sync.Mutex
	logFile io.WriteCloser
)

// Environment variable control:
//
//	DEBUG=1                          enable debug for all components
//	DEBUG=1 DEBUG_DOMAINS=loop,host  enable debug for selected components
//	LOG_FILE=/tmp/conductor.log      tee all output to a file
func init() { //nolint:gochecknoinits // env var initialization
	initFromEnv()
}

func initFromEnv() {
	debugMu.Lock()
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugCfg.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugCfg.domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debugCfg.domains[strings.TrimSpace(d)] = true
		}
	}
	debugMu.Unlock()

	if path := os.Getenv("LOG_FILE"); path != "" {
		if err := InitLogFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: cannot open LOG_FILE %s: %v\n", path, err)
		}
	}
}

// NewLogger returns a logger tagged with the given component name. The
// component doubles as the debug domain for DEBUG_DOMAINS filtering.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout clean for CLI output
	}
}

// SetDebug enables or disables debug logging for the listed components.
// An empty list enables all components.
func SetDebug(enabled bool, components ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	debugCfg.enabled = enabled
	if len(components) == 0 {
		debugCfg.domains = nil
		return
	}
	debugCfg.domains = make(map[string]bool)
	for _, c := range components {
		debugCfg.domains[strings.TrimSpace(c)] = true
	}
}

// DebugEnabled reports whether debug logging is active for the component.
func DebugEnabled(component string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()

	if !debugCfg.enabled {
		return false
	}
	if debugCfg.domains == nil {
		return true
	}
	return debugCfg.domains[component]
}

// InitLogFile opens (appending) a log file that receives a copy of every
// log line. Call CloseLogFile during shutdown to flush and release it.
func InitLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	fileMu.Lock()
	defer fileMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	return nil
}

// CloseLogFile closes the shared log file if one is open.
func CloseLogFile() {
	fileMu.Lock()
	defer fileMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
	l.logger.Println(line)

	fileMu.Lock()
	if logFile != nil {
		fmt.Fprintln(logFile, line)
	}
	fileMu.Unlock()
}

func (l *Logger) Debug(format string, args ...any) {
	if !DebugEnabled(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the component tag this logger was created with.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger that shares the sink but carries a
// different component tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		component: component,
		logger:    l.logger,
	}
}

// Global helpers for code without a component logger at hand.
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "db connect") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}

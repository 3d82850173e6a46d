// Package logging is the shared component logger for the plexport CLI and
// daemon. Every component asks for its own logger by name; all of them
// write to one rotating file and, optionally, to stderr.
//
//	if err := logging.Init(logging.Config{Level: "info"}); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	log := logging.Get("worker")
//	log.Info("download started", "file", id)
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) charm() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ErrInvalidLevel is returned for unknown level names.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// Config configures the logging system.
type Config struct {
	// Level is the default level for every component.
	Level string

	// Path is the log file. Empty uses DefaultLogPath().
	Path string

	Rotation RotationConfig

	// Components overrides the level per component name.
	Components map[string]string

	// ConsoleLevel mirrors records at or above this level to stderr.
	// Empty disables the console sink.
	ConsoleLevel string
}

// Logger is a component logger. The zero value is not usable; call Get.
type Logger struct {
	component string
	file      *log.Logger
	console   *log.Logger
}

func (l *Logger) Debug(msg string, args ...any) { l.emit(LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.emit(LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.emit(LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.emit(LevelError, msg, args) }

func (l *Logger) emit(level Level, msg string, args []any) {
	write(l.file, level, msg, args)
	if l.console != nil {
		write(l.console, level, msg, args)
	}
}

func write(logger *log.Logger, level Level, msg string, args []any) {
	switch level {
	case LevelDebug:
		logger.Debug(msg, args...)
	case LevelInfo:
		logger.Info(msg, args...)
	case LevelWarn:
		logger.Warn(msg, args...)
	case LevelError:
		logger.Error(msg, args...)
	}
}

// With returns a child logger that adds the key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	child := &Logger{component: l.component, file: l.file.With(args...)}
	if l.console != nil {
		child.console = l.console.With(args...)
	}
	return child
}

// SetLevel changes the file level of this logger.
func (l *Logger) SetLevel(level Level) {
	l.file.SetLevel(level.charm())
}

type state struct {
	mu           sync.RWMutex
	initialized  bool
	writer       *RotatingWriter
	level        Level
	components   map[string]Level
	loggers      map[string]*Logger
	console      bool
	consoleLevel Level
}

var global = &state{
	loggers:    make(map[string]*Logger),
	components: make(map[string]Level),
}

// Init configures the logging system. Loggers obtained before Init write
// to io.Discard and are rebuilt against the new sinks.
func Init(cfg Config) error {
	global.mu.Lock()
	defer global.mu.Unlock()

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	components, err := parseComponents(cfg.Components)
	if err != nil {
		return err
	}

	console := false
	var consoleLevel Level
	if cfg.ConsoleLevel != "" {
		if consoleLevel, err = ParseLevel(cfg.ConsoleLevel); err != nil {
			return fmt.Errorf("parsing console level: %w", err)
		}
		console = true
	}

	path := cfg.Path
	if path == "" {
		path = DefaultLogPath()
	}
	writer, err := NewRotatingWriter(path, cfg.Rotation)
	if err != nil {
		return fmt.Errorf("creating log writer: %w", err)
	}

	if global.writer != nil {
		_ = global.writer.Close()
	}
	global.writer = writer
	global.level = level
	global.components = components
	global.console = console
	global.consoleLevel = consoleLevel
	global.initialized = true

	global.rebuild()
	return nil
}

// rebuild re-targets live loggers in place so holders of a *Logger follow
// Init and Close. Must be called with global.mu held.
func (s *state) rebuild() {
	for name, l := range s.loggers {
		*l = *newLogger(name)
	}
}

func parseComponents(in map[string]string) (map[string]Level, error) {
	out := make(map[string]Level, len(in))
	for name, raw := range in {
		lvl, err := ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing level for component %s: %w", name, err)
		}
		out[name] = lvl
	}
	return out, nil
}

// Get returns the logger for component, creating it on first use.
func Get(component string) *Logger {
	global.mu.RLock()
	l, ok := global.loggers[component]
	global.mu.RUnlock()
	if ok {
		return l
	}

	global.mu.Lock()
	defer global.mu.Unlock()
	if l, ok := global.loggers[component]; ok {
		return l
	}
	l = newLogger(component)
	global.loggers[component] = l
	return l
}

// SetLevels replaces the default and per-component levels of every live
// logger. The daemon calls it when the config file changes.
func SetLevels(defaultLevel string, components map[string]string) error {
	level, err := ParseLevel(defaultLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	parsed, err := parseComponents(components)
	if err != nil {
		return err
	}

	global.mu.Lock()
	defer global.mu.Unlock()
	global.level = level
	global.components = parsed
	for name, l := range global.loggers {
		l.SetLevel(levelFor(name))
	}
	return nil
}

// levelFor must be called with global.mu held.
func levelFor(component string) Level {
	if lvl, ok := global.components[component]; ok {
		return lvl
	}
	return global.level
}

// newLogger must be called with global.mu held.
func newLogger(component string) *Logger {
	level := levelFor(component)
	if !global.initialized {
		return &Logger{
			component: component,
			file:      log.NewWithOptions(io.Discard, log.Options{Level: level.charm(), Prefix: component}),
		}
	}

	l := &Logger{
		component: component,
		file: log.NewWithOptions(global.writer, log.Options{
			Level:           level.charm(),
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          component,
		}),
	}
	if global.console {
		l.console = log.NewWithOptions(os.Stderr, log.Options{
			Level:           global.consoleLevel.charm(),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Prefix:          component,
		})
	}
	return l
}

// Close flushes and closes the log file. Loggers keep working against
// io.Discard afterwards.
func Close() error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if !global.initialized {
		return nil
	}
	global.initialized = false
	global.console = false

	var err error
	if global.writer != nil {
		if cerr := global.writer.Close(); cerr != nil {
			err = fmt.Errorf("closing log writer: %w", cerr)
		}
		global.writer = nil
	}
	global.components = make(map[string]Level)
	global.rebuild()
	return err
}

// DefaultLogPath is $XDG_STATE_HOME/plexport/plexport.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "plexport", "plexport.log")
}

// DefaultConfig returns the logging defaults.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}

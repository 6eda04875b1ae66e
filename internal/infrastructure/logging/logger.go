package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "graylogic-hub"

// Logger is the hub's structured logger. Children created with With or
// Component share the parent's handler and level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

var outputs = map[string]io.Writer{
	"stdout": os.Stdout,
	"stderr": os.Stderr,
}

// New creates a Logger writing to the output named in cfg. Unknown outputs
// fall back to stdout.
func New(cfg config.LoggingConfig, version string) *Logger {
	w, ok := outputs[strings.ToLower(cfg.Output)]
	if !ok {
		w = os.Stdout
	}
	return NewWithWriter(cfg, version, w)
}

// NewWithWriter creates a Logger writing to w; cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	h := newHandler(cfg.Format, w, &slog.HandlerOptions{Level: level}).WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h), level: level}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel maps a configured level name to slog. "warning" is accepted
// as an alias; anything unrecognised logs at info.
func parseLevel(name string) slog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Level returns the minimum level currently written.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// With returns a child Logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Component returns a child tagged component=name, the form every hub
// package logs under.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is used until configuration is loaded: JSON on stdout at info.
func Default() *Logger {
	return NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "dev", os.Stdout)
}

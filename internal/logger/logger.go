// Package logger provides structured JSON logging for the kiosk daemon using zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging surface handed to every component.
type Logger interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	WithComponent(component string) Logger
	SetLevel(level zerolog.Level)
}

// Config selects level, destination and timestamp format.
type Config struct {
	Level      string `yaml:"level"`
	Debug      bool   `yaml:"debug"`
	Output     string `yaml:"output"`
	TimeFormat string `yaml:"time_format"`
	// Pretty switches to zerolog's human readable console output.
	Pretty bool `yaml:"pretty"`
}

// DefaultConfig returns the logging defaults, honouring KIOSK_LOG_LEVEL.
func DefaultConfig() Config {
	return Config{
		Level:  getEnvOrDefault("KIOSK_LOG_LEVEL", "info"),
		Output: "stderr",
	}
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) (Logger, error) {
	var out io.Writer = os.Stderr

	if strings.EqualFold(cfg.Output, "stdout") {
		out = os.Stdout
	}

	return NewWithWriter(cfg, out)
}

// NewWithWriter builds a Logger writing JSON lines to w.
func NewWithWriter(cfg Config, w io.Writer) (Logger, error) {
	level := zerolog.InfoLevel

	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, err
		}
	}

	timeFormat := time.RFC3339
	if cfg.TimeFormat != "" {
		timeFormat = cfg.TimeFormat
	}

	zerolog.TimeFieldFormat = timeFormat

	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()

	return &zeroLogger{zl: zl}, nil
}

func (l *zeroLogger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *zeroLogger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *zeroLogger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *zeroLogger) Error() *zerolog.Event { return l.zl.Error() }

func (l *zeroLogger) WithComponent(component string) Logger {
	return &zeroLogger{zl: l.zl.With().Str("component", component).Logger()}
}

func (l *zeroLogger) SetLevel(level zerolog.Level) {
	l.zl = l.zl.Level(level)
}

// NewTestLogger creates a logger that discards all output.
func NewTestLogger() Logger {
	return &zeroLogger{zl: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is shared by every component. Init replaces it.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a configured verbosity name
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects verbosity and encoding
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // stdout when nil
}

// Init configures the global level and rebuilds Logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel accepts debug, info, warn and error
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		return l, nil
	}
	return "", fmt.Errorf("unknown log level %q, want debug, info, warn or error", s)
}

// unknown names fall back to info so a typo in a flag never silences the daemon
func parseLevel(l Level) zerolog.Level {
	if _, err := ParseLevel(string(l)); err != nil {
		return zerolog.InfoLevel
	}
	lvl, _ := zerolog.ParseLevel(string(l))
	return lvl
}

func with(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}

// WithComponent tags entries with the emitting subsystem
func WithComponent(component string) zerolog.Logger { return with("component", component) }

// WithDeviceID tags entries with a device id
func WithDeviceID(deviceID string) zerolog.Logger { return with("device_id", deviceID) }

// WithWorkerID tags entries with a worker container id
func WithWorkerID(workerID string) zerolog.Logger { return with("worker_id", workerID) }

// WithTemplate tags entries with a template name
func WithTemplate(name string) zerolog.Logger { return with("template", name) }

// Package log wraps zerolog with the component/device child-logger pattern
// used throughout the agent.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init reconfigures it.
var Logger zerolog.Logger

// Level is a human-readable log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// Init (re)configures the package-level Logger. Called once at startup from
// the agent file's log_level field.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	switch cfg.Level {
	case DebugLevel:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case WarnLevel:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case ErrorLevel:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDeviceID returns a child logger tagged with a device id.
func WithDeviceID(component, deviceID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("device_id", deviceID).Logger()
}

// WithInstanceID returns a child logger tagged with a config-instance id.
func WithInstanceID(component, instanceID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("instance_id", instanceID).Logger()
}

func Info(msg string)         { Logger.Info().Msg(msg) }
func Debug(msg string)        { Logger.Debug().Msg(msg) }
func Warn(msg string)         { Logger.Warn().Msg(msg) }
func Error(err error, s string) { Logger.Error().Err(err).Msg(s) }
func Fatal(err error, s string) { Logger.Fatal().Err(err).Msg(s) }

// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "GREYBRIDGE_LOG_LEVEL"
	EnvLogNoColor = "GREYBRIDGE_LOG_NOCOLOR"
	EnvLogJSON    = "GREYBRIDGE_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

func ConfigureRuntime(app string) zerolog.Logger {
	return Configure(ProfileRuntime, app, os.Stderr)
}

func ConfigureTests() zerolog.Logger {
	return Configure(ProfileTest, "test", os.Stderr)
}

// Configure installs the global logger once; later calls return it unchanged.
func Configure(profile Profile, app string, out io.Writer) zerolog.Logger {
	configureOnce.Do(func() {
		level := zerolog.InfoLevel
		if profile == ProfileTest {
			level = zerolog.WarnLevel
		}
		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}

		w := out
		if v, _ := parseBool(os.Getenv(EnvLogJSON)); !v {
			noColor, _ := parseBool(os.Getenv(EnvLogNoColor))
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: noColor}
		}
		log.Logger = zerolog.New(w).Level(level).With().Timestamp().Str("app", app).Logger()
	})
	return log.Logger
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

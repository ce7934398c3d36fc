// Package sysutil holds process bootstrap helpers shared by the CLI commands.
package sysutil

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetupLogger installs the global logger. Pretty output uses the zerolog
// console writer and honours NO_COLOR; otherwise one JSON object per line is
// written to w. Every line carries service and instance fields.
func SetupLogger(w io.Writer, level string, pretty bool, service, instance string) {
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	out := w
	if pretty {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "15:04:05.000",
			NoColor:    IsTruthy(os.Getenv("NO_COLOR")),
		}
	}
	log.Logger = zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Str("instance", instance).
		Logger()
}

// InstanceID names this replica as "<host>-<node>", falling back to the node
// alone when no host name is available.
func InstanceID(node int) string {
	host, _ := os.Hostname()
	host = strings.TrimSpace(FirstNonEmpty(os.Getenv("HOSTNAME"), host))
	if host == "" {
		return strconv.Itoa(node)
	}
	return host + "-" + strconv.Itoa(node)
}

// IsTruthy reports whether an environment variable string should be considered true.
// Accepted values (case-insensitive): "1", "true", "yes", "y", "on".
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first non-blank string from a variadic list.
// If all values are blank, it returns "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

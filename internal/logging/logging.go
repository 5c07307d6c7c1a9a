// Package logging wires the process-wide slog default. Each binary calls
// Init once at startup; everything downstream logs through the slog
// package-level functions.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs a stdout handler tagged with the service name and makes it
// the slog default. Formats: "json" (default) and "text".
func Init(service, format string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, using json", "format", format)
	}
	return logger
}

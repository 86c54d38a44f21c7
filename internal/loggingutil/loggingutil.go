// Package loggingutil carries small pslog helpers shared across canvasd.
package loggingutil

import (
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

var (
	noopOnce   sync.Once
	noopLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noopOnce.Do(func() {
		noopLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noopLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins non-empty parts into a dot-delimited subsystem path.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem attaches a dot-delimited subsystem path to every entry
// logged through the returned logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem := Subsystem(parts...)
	if subsystem == "" {
		return logger
	}
	return logger.With("subsystem", subsystem)
}
